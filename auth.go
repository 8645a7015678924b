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
	"bytes"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const actionDecodeToken = "DecodeToken"

// AuthToken holds the claims the session needs from a join token.
type AuthToken struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// DecodeToken reads the claims of a header.payload.signature token without verifying it.
// The signature is checked by the server.
func DecodeToken(token string) (*AuthToken, error) {
	if token == "" {
		return nil, newError(CodeInvalidTokenFormat, actionDecodeToken, "token cannot be an empty string", nil)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, newError(CodeInvalidTokenFormat, actionDecodeToken, "expected 3 '.' separated segments", nil)
	}

	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return nil, newError(CodeInvalidTokenFormat, actionDecodeToken, "payload is not valid base64", err)
	}

	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && trimmed[0] != '{' && json.Valid(trimmed) {
		return nil, newError(CodeInvalidTokenFormat, actionDecodeToken, "payload is not a JSON object", nil)
	}

	var claims AuthToken
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, newError(CodeInvalidTokenFormat, actionDecodeToken, "payload is not valid JSON", err)
	}
	return &claims, nil
}
