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
	"time"

	"github.com/confkit/session-sdk-go/signalling"
)

type Room struct {
	ID               string
	Name             string
	LocalPeerID      string
	RecordingRunning bool
	RecordingType    string
	RTMPRunning      bool
	HLSRunning       bool
	JoinedAt         time.Time
}

func (r *Room) clone() *Room {
	c := *r
	return &c
}

type RoomUpdate int

const (
	RoomStateUpdated RoomUpdate = iota
	RoomRecordingStarted
	RoomRecordingStopped
	RoomRTMPStarted
	RoomRTMPStopped
)

func (u RoomUpdate) String() string {
	switch u {
	case RoomStateUpdated:
		return "ROOM_UPDATED"
	case RoomRecordingStarted:
		return "RECORDING_STARTED"
	case RoomRecordingStopped:
		return "RECORDING_STOPPED"
	case RoomRTMPStarted:
		return "RTMP_STARTED"
	case RoomRTMPStopped:
		return "RTMP_STOPPED"
	}
	return fmt.Sprintf("RoomUpdate(%d)", int(u))
}

type (
	PublishParams = signalling.PublishParams
	Permissions   = signalling.Permissions
	AudioParams   = signalling.AudioParams
	VideoParams   = signalling.VideoParams
)

// publish sources a role can be granted
const (
	PublishAudio  = "audio"
	PublishVideo  = "video"
	PublishScreen = "screen"
)

// Role is a named permission set. A role is never modified after it is built; reassigning a
// peer's role swaps the pointer.
type Role struct {
	Name          string
	Priority      int
	PublishParams PublishParams
	Permissions   Permissions
}

func roleFromInfo(info signalling.RoleInfo) *Role {
	params := info.Publish
	params.Allowed = slices.Clone(params.Allowed)
	return &Role{
		Name:          info.Name,
		Priority:      info.Priority,
		PublishParams: params,
		Permissions:   info.Permissions,
	}
}

func (r *Role) Allows(source string) bool {
	return r != nil && slices.Contains(r.PublishParams.Allowed, source)
}

// RoleUpdate describes a role reassignment of a peer.
type RoleUpdate struct {
	PeerID  string
	OldRole *Role
	NewRole *Role
}

type PolicyChange struct {
	LocalRole  *Role
	KnownRoles map[string]*Role
}

type Message struct {
	SenderID       string
	SenderName     string
	RecipientPeer  string
	RecipientRoles []string
	Message        string
	Type           string
	Time           time.Time
}

const defaultMessageType = "chat"

type RoleChangeRequest struct {
	RequestedBy string
	Role        *Role
	Token       string
}

type PeerLeaveRequest struct {
	RequestedBy string
	RoomEnd     bool
	Reason      string
}
