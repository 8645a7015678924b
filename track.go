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

	"github.com/pion/webrtc/v4"

	"github.com/confkit/session-sdk-go/signalling"
)

type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

func (k TrackKind) String() string {
	return string(k)
}

func (k TrackKind) RTPType() webrtc.RTPCodecType {
	return webrtc.NewRTPCodecType(k.String())
}

func KindFromRTPType(rt webrtc.RTPCodecType) TrackKind {
	return TrackKind(rt.String())
}

type TrackSource string

const (
	TrackSourceRegular       TrackSource = "regular"
	TrackSourceScreen        TrackSource = "screen"
	TrackSourceAudioPlaylist TrackSource = "audioplaylist"
	TrackSourceVideoPlaylist TrackSource = "videoplaylist"
)

func (s TrackSource) String() string {
	return string(s)
}

// Track is the store record of a published track. Local holds the capture handle for tracks of
// the local peer, Remote the received media once the subscribe connection delivers it.
type Track struct {
	TrackID  string
	StreamID string
	Kind     TrackKind
	Source   TrackSource
	Enabled  bool
	Degraded bool
	PeerID   string

	Local  *LocalTrack
	Remote *webrtc.TrackRemote
}

func (t *Track) IsLocal() bool {
	return t.Local != nil
}

func (t *Track) clone() *Track {
	c := *t
	return &c
}

func (t *Track) info() signalling.TrackInfo {
	return signalling.TrackInfo{
		TrackID:  t.TrackID,
		StreamID: t.StreamID,
		Type:     t.Kind.String(),
		Source:   t.Source.String(),
		Mute:     !t.Enabled,
		Degraded: t.Degraded,
	}
}

func trackFromInfo(peerID string, info signalling.TrackInfo) *Track {
	source := TrackSource(info.Source)
	if source == "" {
		source = TrackSourceRegular
	}
	return &Track{
		TrackID:  info.TrackID,
		StreamID: info.StreamID,
		Kind:     TrackKind(info.Type),
		Source:   source,
		Enabled:  !info.Mute,
		Degraded: info.Degraded,
		PeerID:   peerID,
	}
}

type TrackUpdate int

const (
	TrackAdded TrackUpdate = iota
	TrackRemoved
	TrackMuted
	TrackUnmuted
	TrackDegraded
	TrackRestored
)

func (u TrackUpdate) String() string {
	switch u {
	case TrackAdded:
		return "TRACK_ADDED"
	case TrackRemoved:
		return "TRACK_REMOVED"
	case TrackMuted:
		return "TRACK_MUTED"
	case TrackUnmuted:
		return "TRACK_UNMUTED"
	case TrackDegraded:
		return "TRACK_DEGRADED"
	case TrackRestored:
		return "TRACK_RESTORED"
	}
	return fmt.Sprintf("TrackUpdate(%d)", int(u))
}
