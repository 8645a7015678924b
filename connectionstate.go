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
	"fmt"
	"slices"
)

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateJoined
	ConnectionStateReconnecting
	ConnectionStateFailed
)

var connectionStates = []ConnectionState{
	ConnectionStateDisconnected,
	ConnectionStateConnecting,
	ConnectionStateJoined,
	ConnectionStateReconnecting,
	ConnectionStateFailed,
}

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateJoined:
		return "joined"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateFailed:
		return "failed"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// leaving always moves to Disconnected and is handled separately
var stateTransitions = map[ConnectionState][]ConnectionState{
	ConnectionStateDisconnected: {ConnectionStateConnecting},
	ConnectionStateConnecting:   {ConnectionStateJoined, ConnectionStateFailed},
	ConnectionStateJoined:       {ConnectionStateReconnecting, ConnectionStateFailed},
	ConnectionStateReconnecting: {ConnectionStateJoined, ConnectionStateFailed},
}

func (s ConnectionState) canTransition(to ConnectionState) bool {
	if to == ConnectionStateDisconnected {
		return true
	}
	return slices.Contains(stateTransitions[s], to)
}
