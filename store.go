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
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
)

// Store is the in-memory mirror of room state. Writers are serialized by the notification
// worker and session actions; the lock only makes reads from other goroutines safe.
// Every getter returns a copy.
type Store struct {
	log logger.Logger

	lock        sync.RWMutex
	room        *Room
	peers       map[string]*Peer
	tracks      map[string]*Track
	roles       map[string]*Role
	localPeerID string
}

func NewStore(log logger.Logger) *Store {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Store{
		log:    log,
		peers:  make(map[string]*Peer),
		tracks: make(map[string]*Track),
		roles:  make(map[string]*Role),
	}
}

// StoreTx is a view of the store valid only inside Update or View.
type StoreTx struct {
	s *Store
}

// Update applies fn under the write lock, so readers never see a partially applied change.
func (s *Store) Update(fn func(tx *StoreTx)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	fn(&StoreTx{s: s})
}

func (s *Store) View(fn func(tx *StoreTx)) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	fn(&StoreTx{s: s})
}

func (s *Store) AddPeer(p *Peer) {
	s.Update(func(tx *StoreTx) { tx.AddPeer(p) })
}

// RemovePeer removes the peer and every track it owns, returning the removed records.
func (s *Store) RemovePeer(peerID string) (peer *Peer, tracks []*Track) {
	s.Update(func(tx *StoreTx) { peer, tracks = tx.RemovePeer(peerID) })
	return
}

func (s *Store) GetPeerByID(peerID string) (peer *Peer, ok bool) {
	s.View(func(tx *StoreTx) { peer, ok = tx.GetPeerByID(peerID) })
	return
}

func (s *Store) GetPeerByTrackID(trackID string) (peer *Peer, ok bool) {
	s.View(func(tx *StoreTx) { peer, ok = tx.GetPeerByTrackID(trackID) })
	return
}

func (s *Store) GetPeers() (peers []*Peer) {
	s.View(func(tx *StoreTx) { peers = tx.GetPeers() })
	return
}

func (s *Store) GetLocalPeer() (peer *Peer, ok bool) {
	s.View(func(tx *StoreTx) { peer, ok = tx.GetLocalPeer() })
	return
}

func (s *Store) AddTrack(t *Track) (ok bool) {
	s.Update(func(tx *StoreTx) { ok = tx.AddTrack(t) })
	return
}

func (s *Store) RemoveTrack(trackID string) (track *Track, ok bool) {
	s.Update(func(tx *StoreTx) { track, ok = tx.RemoveTrack(trackID) })
	return
}

func (s *Store) GetTrackByID(trackID string) (track *Track, ok bool) {
	s.View(func(tx *StoreTx) { track, ok = tx.GetTrackByID(trackID) })
	return
}

func (s *Store) GetTracks() (tracks []*Track) {
	s.View(func(tx *StoreTx) { tracks = tx.GetTracks() })
	return
}

func (s *Store) SetRoom(r *Room) {
	s.Update(func(tx *StoreTx) { tx.SetRoom(r) })
}

func (s *Store) GetRoom() (room *Room) {
	s.View(func(tx *StoreTx) { room = tx.GetRoom() })
	return
}

func (s *Store) SetKnownRoles(roles map[string]*Role) {
	s.Update(func(tx *StoreTx) { tx.SetKnownRoles(roles) })
}

func (s *Store) GetRole(name string) (role *Role, ok bool) {
	s.View(func(tx *StoreTx) { role, ok = tx.GetRole(name) })
	return
}

func (s *Store) GetKnownRoles() (roles map[string]*Role) {
	s.View(func(tx *StoreTx) { roles = tx.GetKnownRoles() })
	return
}

// CleanUp drops all state at session end.
func (s *Store) CleanUp() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.room = nil
	s.peers = make(map[string]*Peer)
	s.tracks = make(map[string]*Track)
	s.roles = make(map[string]*Role)
	s.localPeerID = ""
}

// ----------------------------------

func (tx *StoreTx) AddPeer(p *Peer) {
	p = p.clone()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	if existing, ok := tx.s.peers[p.PeerID]; ok {
		// keep track bookkeeping, it is owned by AddTrack/RemoveTrack
		p.AudioTrackID = existing.AudioTrackID
		p.VideoTrackID = existing.VideoTrackID
		p.AuxiliaryTrackIDs = existing.AuxiliaryTrackIDs
		p.JoinedAt = existing.JoinedAt
	}
	tx.s.peers[p.PeerID] = p
	if p.IsLocal {
		tx.s.localPeerID = p.PeerID
		if tx.s.room != nil {
			tx.s.room.LocalPeerID = p.PeerID
		}
	}
}

func (tx *StoreTx) RemovePeer(peerID string) (*Peer, []*Track) {
	p, ok := tx.s.peers[peerID]
	if !ok {
		return nil, nil
	}

	var removed []*Track
	for _, trackID := range p.TrackIDs() {
		if t, ok := tx.s.tracks[trackID]; ok {
			delete(tx.s.tracks, trackID)
			removed = append(removed, t)
		}
	}
	delete(tx.s.peers, peerID)
	if tx.s.localPeerID == peerID {
		tx.s.localPeerID = ""
	}
	return p, removed
}

func (tx *StoreTx) GetPeerByID(peerID string) (*Peer, bool) {
	p, ok := tx.s.peers[peerID]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

func (tx *StoreTx) GetPeerByTrackID(trackID string) (*Peer, bool) {
	t, ok := tx.s.tracks[trackID]
	if !ok {
		return nil, false
	}
	return tx.GetPeerByID(t.PeerID)
}

func (tx *StoreTx) GetPeers() []*Peer {
	peers := make([]*Peer, 0, len(tx.s.peers))
	for _, p := range tx.s.peers {
		peers = append(peers, p.clone())
	}
	return peers
}

func (tx *StoreTx) GetLocalPeer() (*Peer, bool) {
	if tx.s.localPeerID == "" {
		return nil, false
	}
	return tx.GetPeerByID(tx.s.localPeerID)
}

// UpdatePeer applies fn to the stored peer record.
func (tx *StoreTx) UpdatePeer(peerID string, fn func(p *Peer)) bool {
	p, ok := tx.s.peers[peerID]
	if !ok {
		return false
	}
	aux := p.AuxiliaryTrackIDs
	audio, video := p.AudioTrackID, p.VideoTrackID
	fn(p)
	p.PeerID = peerID
	p.AudioTrackID, p.VideoTrackID, p.AuxiliaryTrackIDs = audio, video, aux
	return true
}

// AddTrack refuses tracks whose owner is not in the store.
func (tx *StoreTx) AddTrack(t *Track) bool {
	p, ok := tx.s.peers[t.PeerID]
	if !ok {
		tx.s.log.Warnw("ignoring track of unknown peer", nil, "trackID", t.TrackID, "peerID", t.PeerID)
		return false
	}
	if existing, ok := tx.s.tracks[t.TrackID]; ok && existing.PeerID != t.PeerID {
		tx.s.log.Warnw("ignoring track already owned by another peer", nil,
			"trackID", t.TrackID, "peerID", t.PeerID, "ownerID", existing.PeerID)
		return false
	}
	tx.s.tracks[t.TrackID] = t.clone()
	p.attachTrack(t)
	return true
}

func (tx *StoreTx) RemoveTrack(trackID string) (*Track, bool) {
	t, ok := tx.s.tracks[trackID]
	if !ok {
		return nil, false
	}
	delete(tx.s.tracks, trackID)
	if p, ok := tx.s.peers[t.PeerID]; ok {
		p.detachTrack(trackID)
	}
	return t, true
}

func (tx *StoreTx) GetTrackByID(trackID string) (*Track, bool) {
	t, ok := tx.s.tracks[trackID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

func (tx *StoreTx) GetTracks() []*Track {
	tracks := make([]*Track, 0, len(tx.s.tracks))
	for _, t := range tx.s.tracks {
		tracks = append(tracks, t.clone())
	}
	return tracks
}

func (tx *StoreTx) UpdateTrack(trackID string, fn func(t *Track)) bool {
	t, ok := tx.s.tracks[trackID]
	if !ok {
		return false
	}
	peerID := t.PeerID
	fn(t)
	t.TrackID, t.PeerID = trackID, peerID
	return true
}

func (tx *StoreTx) SetRoom(r *Room) {
	r = r.clone()
	r.LocalPeerID = tx.s.localPeerID
	tx.s.room = r
}

func (tx *StoreTx) UpdateRoom(fn func(r *Room)) bool {
	if tx.s.room == nil {
		return false
	}
	fn(tx.s.room)
	return true
}

func (tx *StoreTx) GetRoom() *Room {
	if tx.s.room == nil {
		return nil
	}
	return tx.s.room.clone()
}

func (tx *StoreTx) SetKnownRoles(roles map[string]*Role) {
	tx.s.roles = make(map[string]*Role, len(roles))
	for name, r := range roles {
		tx.s.roles[name] = r
	}
}

func (tx *StoreTx) GetRole(name string) (*Role, bool) {
	r, ok := tx.s.roles[name]
	return r, ok
}

func (tx *StoreTx) GetKnownRoles() map[string]*Role {
	roles := make(map[string]*Role, len(tx.s.roles))
	for name, r := range tx.s.roles {
		roles[name] = r
	}
	return roles
}
