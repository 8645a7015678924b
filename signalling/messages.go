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

package signalling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// client -> server
const (
	MethodJoin                  = "join"
	MethodOffer                 = "offer"
	MethodAnswer                = "answer"
	MethodTrickle               = "trickle"
	MethodLeave                 = "leave"
	MethodTrackUpdate           = "track-update"
	MethodRoleChange            = "role-change"
	MethodRoleChangeAccept      = "role-change-accept"
	MethodEndRoom               = "end-room"
	MethodRemovePeer            = "peer-leave-request"
	MethodChangeTrackState      = "track-update-request"
	MethodChangeMultiTrackState = "change-track-mute-state-request"
	MethodStartRTMPOrRecording  = "rtmp-start"
	MethodStopRTMPAndRecording  = "rtmp-stop"
	MethodBroadcast             = "broadcast"
)

// server -> client
const (
	NotifyPeerList          = "peer-list"
	NotifyPeerJoin          = "on-peer-join"
	NotifyPeerLeave         = "on-peer-leave"
	NotifyPeerUpdate        = "on-peer-update"
	NotifyTrackAdd          = "on-track-add"
	NotifyTrackRemove       = "on-track-remove"
	NotifyTrackUpdate       = "on-track-update"
	NotifyPolicyChange      = "on-policy-change"
	NotifyRoleChangeRequest = "on-role-change-request"
	NotifyPeerLeaveRequest  = "on-peer-leave-request"
	NotifyRTMPStart         = "on-rtmp-start"
	NotifyRTMPStop          = "on-rtmp-stop"
	NotifyRecordingStart    = "on-recording-start"
	NotifyRecordingStop     = "on-recording-stop"
	NotifyMessage           = "on-message"
	NotifyOffer             = "offer"
	NotifyTrickle           = "trickle"
)

// Notification is a server pushed message whose params are decoded by the consumer.
type Notification struct {
	Method string
	Params json.RawMessage
}

func NewNotification(method string, params any) (*Notification, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: raw}, nil
}

// DecodeParams unmarshals the params of n into a T.
func DecodeParams[T any](n *Notification) (T, error) {
	var v T
	if n == nil || len(n.Params) == 0 {
		return v, ErrMissingParams
	}
	err := json.Unmarshal(n.Params, &v)
	return v, err
}

type SignalTarget int

const (
	TargetPublisher SignalTarget = iota
	TargetSubscriber
)

type TrackInfo struct {
	TrackID     string `json:"track_id"`
	StreamID    string `json:"stream_id"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	Mute        bool   `json:"mute"`
	Degraded    bool   `json:"degraded,omitempty"`
	Description string `json:"description,omitempty"`
}

type PeerInfo struct {
	PeerID string      `json:"peer_id"`
	Name   string      `json:"name"`
	UserID string      `json:"user_id,omitempty"`
	Data   string      `json:"data,omitempty"`
	Role   string      `json:"role"`
	Tracks []TrackInfo `json:"tracks,omitempty"`
}

type RoomInfo struct {
	RoomID           string `json:"room_id"`
	Name             string `json:"name"`
	RecordingRunning bool   `json:"recording_running"`
	RecordingType    string `json:"recording_type,omitempty"`
	RTMPRunning      bool   `json:"rtmp_running"`
	HLSRunning       bool   `json:"hls_running"`
}

type PeerList struct {
	Peers []PeerInfo `json:"peers"`
	Room  RoomInfo   `json:"room"`
}

type PeerLeave struct {
	PeerID string `json:"peer_id"`
}

const (
	PeerUpdateRole     = "role"
	PeerUpdateName     = "name"
	PeerUpdateMetadata = "metadata"
)

type PeerUpdate struct {
	PeerID string `json:"peer_id"`
	Type   string `json:"type"`
	Role   string `json:"role,omitempty"`
	Name   string `json:"name,omitempty"`
	Data   string `json:"data,omitempty"`
}

type TrackNotification struct {
	PeerID string      `json:"peer_id"`
	Tracks []TrackInfo `json:"tracks"`
}

type AudioParams struct {
	BitRate int    `json:"bit_rate"`
	Codec   string `json:"codec"`
}

type VideoParams struct {
	BitRate   int    `json:"bit_rate"`
	Codec     string `json:"codec"`
	FrameRate int    `json:"frame_rate"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type PublishParams struct {
	Allowed []string    `json:"allowed"`
	Audio   AudioParams `json:"audio"`
	Video   VideoParams `json:"video"`
	Screen  VideoParams `json:"screen"`
}

type Permissions struct {
	EndRoom          bool `json:"end_room"`
	RemoveOthers     bool `json:"remove_others"`
	Mute             bool `json:"mute"`
	Unmute           bool `json:"unmute"`
	ChangeRole       bool `json:"change_role"`
	RTMPStreaming    bool `json:"rtmp_streaming"`
	BrowserRecording bool `json:"browser_recording"`
}

type RoleInfo struct {
	Name        string        `json:"name"`
	Priority    int           `json:"priority"`
	Publish     PublishParams `json:"publish"`
	Permissions Permissions   `json:"permissions"`
}

type PolicyParams struct {
	Name       string              `json:"name"`
	KnownRoles map[string]RoleInfo `json:"known_roles"`
}

type RoleChangeRequest struct {
	RequestedBy string `json:"requested_by"`
	Role        string `json:"role"`
	Token       string `json:"token"`
}

type PeerLeaveRequest struct {
	RequestedBy string `json:"requested_by"`
	RoomEnd     bool   `json:"room_end"`
	Reason      string `json:"reason"`
}

type RoomStateChange struct {
	Type string `json:"type,omitempty"`
}

type Message struct {
	Sender         string   `json:"sender,omitempty"`
	RecipientPeer  string   `json:"recipient_peer,omitempty"`
	RecipientRoles []string `json:"recipient_roles,omitempty"`
	Message        string   `json:"message"`
	Type           string   `json:"type"`
	// Timestamp is in unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

type Trickle struct {
	Target    SignalTarget            `json:"target"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type JoinRequest struct {
	Name               string                    `json:"name"`
	Data               string                    `json:"data,omitempty"`
	AutoSubscribeVideo bool                      `json:"auto_subscribe_video"`
	Offer              webrtc.SessionDescription `json:"offer"`
	Tracks             map[string]TrackInfo      `json:"tracks,omitempty"`
}

type AnswerResponse struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

type OfferRequest struct {
	Offer  webrtc.SessionDescription `json:"offer"`
	Tracks map[string]TrackInfo      `json:"tracks"`
}

type AnswerNotification struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

type OfferNotification struct {
	Offer webrtc.SessionDescription `json:"offer"`
}

type TrackUpdateRequest struct {
	Tracks map[string]TrackInfo `json:"tracks"`
}

type RoleChangeParams struct {
	RequestedFor string `json:"requested_for"`
	Role         string `json:"role"`
	Force        bool   `json:"force"`
}

type AcceptRoleChangeParams struct {
	Role  string `json:"role"`
	Token string `json:"token"`
}

type EndRoomParams struct {
	Lock   bool   `json:"lock"`
	Reason string `json:"reason"`
}

type RemovePeerParams struct {
	RequestedFor string `json:"requested_for"`
	Reason       string `json:"reason"`
}

type ChangeTrackStateParams struct {
	RequestedFor string `json:"requested_for"`
	TrackID      string `json:"track_id"`
	StreamID     string `json:"stream_id"`
	Mute         bool   `json:"mute"`
}

type ChangeMultiTrackStateParams struct {
	Value  bool     `json:"value"`
	Type   string   `json:"type,omitempty"`
	Source string   `json:"source,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type StartRTMPOrRecordingParams struct {
	MeetingURL string      `json:"meeting_url"`
	RTMPURLs   []string    `json:"rtmp_urls,omitempty"`
	Record     bool        `json:"record"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

type BroadcastParams struct {
	Info Message `json:"info"`
}
