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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectionStateTransitions(t *testing.T) {
	allowed := []struct {
		from, to ConnectionState
	}{
		{ConnectionStateDisconnected, ConnectionStateConnecting},
		{ConnectionStateConnecting, ConnectionStateJoined},
		{ConnectionStateConnecting, ConnectionStateFailed},
		{ConnectionStateJoined, ConnectionStateReconnecting},
		{ConnectionStateReconnecting, ConnectionStateJoined},
		{ConnectionStateReconnecting, ConnectionStateFailed},
		{ConnectionStateFailed, ConnectionStateDisconnected},
		{ConnectionStateJoined, ConnectionStateDisconnected},
	}
	for _, tc := range allowed {
		require.True(t, tc.from.canTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}

	rejected := []struct {
		from, to ConnectionState
	}{
		{ConnectionStateDisconnected, ConnectionStateJoined},
		{ConnectionStateConnecting, ConnectionStateReconnecting},
		{ConnectionStateFailed, ConnectionStateJoined},
		{ConnectionStateFailed, ConnectionStateReconnecting},
		{ConnectionStateJoined, ConnectionStateConnecting},
	}
	for _, tc := range rejected {
		require.False(t, tc.from.canTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}
