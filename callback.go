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

// SessionCallback holds the listeners of a session. Unset fields are replaced with no-ops, so
// callers only assign what they need.
type SessionCallback struct {
	OnJoin              func(room *Room)
	OnPreview           func(room *Room, tracks []*LocalTrack)
	OnPeerUpdate        func(update PeerUpdate, peer *Peer)
	OnTrackUpdate       func(update TrackUpdate, track *Track, peer *Peer)
	OnMessageReceived   func(msg *Message)
	OnRoomUpdate        func(update RoomUpdate, room *Room)
	OnReconnecting      func(err error)
	OnReconnected       func()
	OnRemovedFromRoom   func(req *PeerLeaveRequest)
	OnRoleChangeRequest func(req *RoleChangeRequest)
	OnError             func(err error)
}

func NewSessionCallback() *SessionCallback {
	return &SessionCallback{
		OnJoin:              func(room *Room) {},
		OnPreview:           func(room *Room, tracks []*LocalTrack) {},
		OnPeerUpdate:        func(update PeerUpdate, peer *Peer) {},
		OnTrackUpdate:       func(update TrackUpdate, track *Track, peer *Peer) {},
		OnMessageReceived:   func(msg *Message) {},
		OnRoomUpdate:        func(update RoomUpdate, room *Room) {},
		OnReconnecting:      func(err error) {},
		OnReconnected:       func() {},
		OnRemovedFromRoom:   func(req *PeerLeaveRequest) {},
		OnRoleChangeRequest: func(req *RoleChangeRequest) {},
		OnError:             func(err error) {},
	}
}

// Merge copies the listeners set on other into cb.
func (cb *SessionCallback) Merge(other *SessionCallback) {
	if other == nil {
		return
	}
	if other.OnJoin != nil {
		cb.OnJoin = other.OnJoin
	}
	if other.OnPreview != nil {
		cb.OnPreview = other.OnPreview
	}
	if other.OnPeerUpdate != nil {
		cb.OnPeerUpdate = other.OnPeerUpdate
	}
	if other.OnTrackUpdate != nil {
		cb.OnTrackUpdate = other.OnTrackUpdate
	}
	if other.OnMessageReceived != nil {
		cb.OnMessageReceived = other.OnMessageReceived
	}
	if other.OnRoomUpdate != nil {
		cb.OnRoomUpdate = other.OnRoomUpdate
	}
	if other.OnReconnecting != nil {
		cb.OnReconnecting = other.OnReconnecting
	}
	if other.OnReconnected != nil {
		cb.OnReconnected = other.OnReconnected
	}
	if other.OnRemovedFromRoom != nil {
		cb.OnRemovedFromRoom = other.OnRemovedFromRoom
	}
	if other.OnRoleChangeRequest != nil {
		cb.OnRoleChangeRequest = other.OnRoleChangeRequest
	}
	if other.OnError != nil {
		cb.OnError = other.OnError
	}
}
