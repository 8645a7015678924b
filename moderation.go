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
	"context"

	"github.com/confkit/session-sdk-go/signalling"
)

// recordingTypeBrowser is the recording type of recordings started by this client.
const recordingTypeBrowser = "Browser"

// ChangeRole asks the server to move peerID to role. Force skips the peer's consent.
func (s *Session) ChangeRole(ctx context.Context, peerID string, role string, force bool) error {
	const action = "ChangeRole"
	peer, ok := s.store.GetPeerByID(peerID)
	if !ok {
		return newError(CodeValidationFailed, action, peerID, ErrCannotFindPeer)
	}
	if _, ok := s.store.GetRole(role); !ok {
		return validationError(action, "unknown role "+role)
	}
	if peer.RoleName() == role {
		s.log.Debugw("peer already has role", "peerID", peerID, "role", role)
		return nil
	}
	return s.transport.Call(ctx, signalling.MethodRoleChange, &signalling.RoleChangeParams{
		RequestedFor: peerID,
		Role:         role,
		Force:        force,
	}, nil)
}

// AcceptChangeRole accepts a role change request received through OnRoleChangeRequest.
func (s *Session) AcceptChangeRole(ctx context.Context, req *RoleChangeRequest) error {
	if req == nil || req.Role == nil {
		return validationError("AcceptChangeRole", "no role in request")
	}
	return s.transport.Call(ctx, signalling.MethodRoleChangeAccept, &signalling.AcceptRoleChangeParams{
		Role:  req.Role.Name,
		Token: req.Token,
	}, nil)
}

// EndRoom ends the room for everyone and leaves it.
func (s *Session) EndRoom(ctx context.Context, lock bool, reason string) error {
	if err := s.transport.Call(ctx, signalling.MethodEndRoom, &signalling.EndRoomParams{
		Lock:   lock,
		Reason: reason,
	}, nil); err != nil {
		return err
	}
	return s.Leave()
}

func (s *Session) RemovePeer(ctx context.Context, peerID string, reason string) error {
	const action = "RemovePeer"
	local, err := s.localPeer(action)
	if err != nil {
		return err
	}
	if peerID == local.PeerID {
		return newError(CodeValidationFailed, action, "use Leave to remove yourself", errSelfTarget)
	}
	if _, ok := s.store.GetPeerByID(peerID); !ok {
		return newError(CodeValidationFailed, action, peerID, ErrCannotFindPeer)
	}
	return s.transport.Call(ctx, signalling.MethodRemovePeer, &signalling.RemovePeerParams{
		RequestedFor: peerID,
		Reason:       reason,
	}, nil)
}

// ChangeTrackState asks the owner of a remote regular track to mute or unmute it. A track already
// in the requested state is skipped.
func (s *Session) ChangeTrackState(ctx context.Context, trackID string, enabled bool) error {
	const action = "ChangeTrackState"
	track, ok := s.store.GetTrackByID(trackID)
	if !ok {
		return newError(CodeValidationFailed, action, trackID, ErrCannotFindTrack)
	}
	if track.Source != TrackSourceRegular {
		return validationError(action, "only regular tracks can be changed")
	}
	if track.Enabled == enabled {
		s.log.Debugw("track already in requested state", "trackID", trackID, "enabled", enabled)
		return nil
	}
	return s.transport.Call(ctx, signalling.MethodChangeTrackState, &signalling.ChangeTrackStateParams{
		RequestedFor: track.PeerID,
		TrackID:      track.TrackID,
		StreamID:     track.StreamID,
		Mute:         !enabled,
	}, nil)
}

// MultiTrackFilter selects the tracks ChangeMultiTrackState applies to. Empty fields match all.
type MultiTrackFilter struct {
	Kind   TrackKind
	Source TrackSource
	Roles  []string
}

func (s *Session) ChangeMultiTrackState(ctx context.Context, enabled bool, filter MultiTrackFilter) error {
	const action = "ChangeMultiTrackState"
	if filter.Kind != "" && filter.Kind != TrackKindAudio && filter.Kind != TrackKindVideo {
		return validationError(action, "invalid track kind "+filter.Kind.String())
	}
	known := s.store.GetKnownRoles()
	for _, r := range filter.Roles {
		if _, ok := known[r]; !ok {
			return validationError(action, "unknown role "+r)
		}
	}
	return s.transport.Call(ctx, signalling.MethodChangeMultiTrackState, &signalling.ChangeMultiTrackStateParams{
		Value:  !enabled,
		Type:   filter.Kind.String(),
		Source: filter.Source.String(),
		Roles:  filter.Roles,
	}, nil)
}

type RTMPOrRecordingParams struct {
	MeetingURL string
	RTMPURLs   []string
	Record     bool
	Width      int
	Height     int
}

// StartRTMPOrRecording starts streaming to RTMPURLs and/or a browser recording of the room.
func (s *Session) StartRTMPOrRecording(ctx context.Context, params RTMPOrRecordingParams) error {
	const action = "StartRTMPOrRecording"
	if len(params.RTMPURLs) == 0 && !params.Record {
		return validationError(action, "nothing to start")
	}
	if params.MeetingURL == "" {
		return validationError(action, "meeting url is required")
	}
	req := &signalling.StartRTMPOrRecordingParams{
		MeetingURL: params.MeetingURL,
		RTMPURLs:   params.RTMPURLs,
		Record:     params.Record,
	}
	if params.Width > 0 && params.Height > 0 {
		req.Resolution = &signalling.Resolution{Width: params.Width, Height: params.Height}
	}
	if err := s.transport.Call(ctx, signalling.MethodStartRTMPOrRecording, req, nil); err != nil {
		return err
	}

	if len(params.RTMPURLs) > 0 {
		s.notifications.applyRoomStateChange(signalling.NotifyRTMPStart, "")
	}
	if params.Record {
		s.notifications.applyRoomStateChange(signalling.NotifyRecordingStart, recordingTypeBrowser)
	}
	return nil
}

// StopRTMPAndRecording stops every stream and browser recording of the room.
func (s *Session) StopRTMPAndRecording(ctx context.Context) error {
	if err := s.transport.Call(ctx, signalling.MethodStopRTMPAndRecording, struct{}{}, nil); err != nil {
		return err
	}
	s.notifications.applyRoomStateChange(signalling.NotifyRTMPStop, "")
	s.notifications.applyRoomStateChange(signalling.NotifyRecordingStop, recordingTypeBrowser)
	return nil
}
