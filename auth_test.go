// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package confsdk

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestDecodeToken(t *testing.T) {
	t.Run("valid token", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"room_id": "room-1",
			"user_id": "user-1",
			"role":    "host",
		})
		signed, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)

		decoded, err := DecodeToken(signed)
		require.NoError(t, err)
		require.Equal(t, &AuthToken{RoomID: "room-1", UserID: "user-1", Role: "host"}, decoded)
	})

	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"room_id":"r","user_id":"u","role":"guest"}`))
	invalid := map[string]string{
		"empty":              "",
		"two segments":       "header." + payload,
		"four segments":      "header." + payload + ".sig.extra",
		"payload not base64": "header.%%%.sig",
		"payload not json":   "header." + base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".sig",
		"payload truncated":  "header." + payload[:len(payload)-3] + ".sig",
		"payload null":       "header." + base64.RawURLEncoding.EncodeToString([]byte("null")) + ".sig",
		"payload array":      "header." + base64.RawURLEncoding.EncodeToString([]byte(`["room"]`)) + ".sig",
		"payload string":     "header." + base64.RawURLEncoding.EncodeToString([]byte(`"room"`)) + ".sig",
	}
	for name, token := range invalid {
		t.Run(name, func(t *testing.T) {
			decoded, err := DecodeToken(token)
			require.Nil(t, decoded)
			require.ErrorIs(t, err, ErrInvalidTokenFormat)

			var sdkErr *Error
			require.True(t, errors.As(err, &sdkErr))
			require.Equal(t, CodeInvalidTokenFormat, sdkErr.Code)
			require.True(t, sdkErr.IsTerminal())
		})
	}

	t.Run("header is not inspected", func(t *testing.T) {
		decoded, err := DecodeToken(strings.Join([]string{"garbage", payload, "sig"}, "."))
		require.NoError(t, err)
		require.Equal(t, "guest", decoded.Role)
	})
}
