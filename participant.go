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
)

// Peer is a room member. IsLocal discriminates the local peer; track fields hold ids of
// records owned by the Store.
type Peer struct {
	PeerID         string
	Name           string
	CustomerUserID string
	Metadata       string
	Role           *Role
	IsLocal        bool
	JoinedAt       time.Time

	AudioTrackID      string
	VideoTrackID      string
	AuxiliaryTrackIDs []string
}

func (p *Peer) RoleName() string {
	if p.Role == nil {
		return ""
	}
	return p.Role.Name
}

func (p *Peer) clone() *Peer {
	c := *p
	c.AuxiliaryTrackIDs = slices.Clone(p.AuxiliaryTrackIDs)
	return &c
}

// TrackIDs lists every track of the peer, main tracks first.
func (p *Peer) TrackIDs() []string {
	ids := make([]string, 0, 2+len(p.AuxiliaryTrackIDs))
	if p.AudioTrackID != "" {
		ids = append(ids, p.AudioTrackID)
	}
	if p.VideoTrackID != "" {
		ids = append(ids, p.VideoTrackID)
	}
	return append(ids, p.AuxiliaryTrackIDs...)
}

// attachTrack records t on the peer. The first regular track of each kind becomes the main
// track, everything else is auxiliary.
func (p *Peer) attachTrack(t *Track) {
	if slices.Contains(p.TrackIDs(), t.TrackID) {
		return
	}
	if t.Source == TrackSourceRegular {
		switch {
		case t.Kind == TrackKindAudio && p.AudioTrackID == "":
			p.AudioTrackID = t.TrackID
			return
		case t.Kind == TrackKindVideo && p.VideoTrackID == "":
			p.VideoTrackID = t.TrackID
			return
		}
	}
	p.AuxiliaryTrackIDs = append(p.AuxiliaryTrackIDs, t.TrackID)
}

func (p *Peer) detachTrack(trackID string) bool {
	switch trackID {
	case "":
		return false
	case p.AudioTrackID:
		p.AudioTrackID = ""
		return true
	case p.VideoTrackID:
		p.VideoTrackID = ""
		return true
	}
	var removed bool
	p.AuxiliaryTrackIDs, removed = removeString(p.AuxiliaryTrackIDs, trackID)
	return removed
}

type PeerUpdate int

const (
	PeerJoined PeerUpdate = iota
	PeerLeft
	PeerRoleUpdated
	PeerNameUpdated
	PeerMetadataUpdated
)

func (u PeerUpdate) String() string {
	switch u {
	case PeerJoined:
		return "PEER_JOINED"
	case PeerLeft:
		return "PEER_LEFT"
	case PeerRoleUpdated:
		return "ROLE_UPDATED"
	case PeerNameUpdated:
		return "NAME_UPDATED"
	case PeerMetadataUpdated:
		return "METADATA_UPDATED"
	}
	return fmt.Sprintf("PeerUpdate(%d)", int(u))
}
