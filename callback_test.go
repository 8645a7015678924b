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

func TestSessionCallbackMerge(t *testing.T) {
	cb := NewSessionCallback()
	joined := false
	cb.Merge(&SessionCallback{
		OnJoin: func(*Room) { joined = true },
	})
	cb.Merge(nil)

	require.NotPanics(t, func() {
		cb.OnJoin(&Room{})
		cb.OnPeerUpdate(PeerJoined, &Peer{})
		cb.OnError(nil)
		cb.OnReconnected()
	})
	require.True(t, joined)
}
