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

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"

	"github.com/confkit/session-sdk-go/signalling"
)

type NotificationManagerParams struct {
	Logger   logger.Logger
	Store    *Store
	Events   *EventBus
	Callback *SessionCallback
	Metrics  *Metrics
}

// NotificationManager applies server notifications to the Store and reports the resulting
// deltas to the session listeners. It must be driven from a single goroutine.
type NotificationManager struct {
	log     logger.Logger
	store   *Store
	events  *EventBus
	cb      *SessionCallback
	metrics *Metrics

	// track notifications that arrived before their peer
	pending map[string]*deque.Deque[signalling.TrackInfo]
}

func NewNotificationManager(params NotificationManagerParams) *NotificationManager {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Events == nil {
		params.Events = NewEventBus()
	}
	if params.Callback == nil {
		params.Callback = NewSessionCallback()
	}
	return &NotificationManager{
		log:     params.Logger,
		store:   params.Store,
		events:  params.Events,
		cb:      params.Callback,
		metrics: params.Metrics,
		pending: make(map[string]*deque.Deque[signalling.TrackInfo]),
	}
}

// dispatch is the list of listener calls collected while a notification is applied. They run
// after the store transaction so listeners always observe a complete update.
type dispatch []func()

func (d *dispatch) add(fn func()) {
	*d = append(*d, fn)
}

func (d dispatch) run() {
	for _, fn := range d {
		fn()
	}
}

// HandleNotification applies n. While reconnecting the server re-delivers the roster, so only
// deltas against the current store state are reported.
func (m *NotificationManager) HandleNotification(n *signalling.Notification, isReconnecting bool) error {
	m.metrics.notificationReceived(n.Method)

	var err error
	switch n.Method {
	case signalling.NotifyPeerList:
		err = decodeAndApply(n, func(v signalling.PeerList) { m.handlePeerList(v, isReconnecting) })
	case signalling.NotifyPeerJoin:
		err = decodeAndApply(n, func(v signalling.PeerInfo) { m.handlePeerJoin(v, isReconnecting) })
	case signalling.NotifyPeerLeave:
		err = decodeAndApply(n, m.handlePeerLeave)
	case signalling.NotifyPeerUpdate:
		err = decodeAndApply(n, m.handlePeerUpdate)
	case signalling.NotifyTrackAdd:
		err = decodeAndApply(n, m.handleTrackAdd)
	case signalling.NotifyTrackRemove:
		err = decodeAndApply(n, m.handleTrackRemove)
	case signalling.NotifyTrackUpdate:
		err = decodeAndApply(n, m.handleTrackUpdate)
	case signalling.NotifyPolicyChange:
		err = decodeAndApply(n, m.handlePolicyChange)
	case signalling.NotifyRoleChangeRequest:
		err = decodeAndApply(n, m.handleRoleChangeRequest)
	case signalling.NotifyRTMPStart, signalling.NotifyRTMPStop,
		signalling.NotifyRecordingStart, signalling.NotifyRecordingStop:
		err = decodeOptionalAndApply(n, func(v signalling.RoomStateChange) { m.handleRoomStateChange(n.Method, v) })
	case signalling.NotifyMessage:
		err = decodeAndApply(n, m.handleMessage)
	default:
		m.log.Debugw("ignoring notification", "method", n.Method)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", n.Method, err)
	}
	return nil
}

func decodeAndApply[T any](n *signalling.Notification, fn func(T)) error {
	v, err := signalling.DecodeParams[T](n)
	if err != nil {
		return err
	}
	fn(v)
	return nil
}

// decodeOptionalAndApply accepts notifications sent without params.
func decodeOptionalAndApply[T any](n *signalling.Notification, fn func(T)) error {
	if len(n.Params) == 0 {
		var v T
		fn(v)
		return nil
	}
	return decodeAndApply(n, fn)
}

func roleByName(tx *StoreTx, name string) *Role {
	if name == "" {
		return nil
	}
	if r, ok := tx.GetRole(name); ok {
		return r
	}
	return &Role{Name: name}
}

// ----------------------------------
// Peers

func (m *NotificationManager) handlePeerList(list signalling.PeerList, isReconnecting bool) {
	var d dispatch
	m.store.Update(func(tx *StoreTx) {
		m.applyRoomInfo(tx, list.Room, &d)

		present := make(map[string]struct{}, len(list.Peers))
		for _, info := range list.Peers {
			present[info.PeerID] = struct{}{}
			m.pruneTracks(tx, info, &d)
			m.upsertPeer(tx, info, &d)
		}

		for _, p := range tx.GetPeers() {
			if p.IsLocal {
				continue
			}
			if _, ok := present[p.PeerID]; ok {
				continue
			}
			m.removePeer(tx, p.PeerID, &d)
		}

		for peerID := range m.pending {
			if _, ok := present[peerID]; !ok {
				delete(m.pending, peerID)
			}
		}
	})
	if isReconnecting {
		m.log.Infow("applied roster after reconnect", "peers", len(list.Peers), "changes", len(d))
	}
	d.run()
}

// pruneTracks drops stored tracks of a known remote peer that a full roster
// no longer lists for it.
func (m *NotificationManager) pruneTracks(tx *StoreTx, info signalling.PeerInfo, d *dispatch) {
	peer, ok := tx.GetPeerByID(info.PeerID)
	if !ok || peer.IsLocal {
		return
	}
	listed := make(map[string]struct{}, len(info.Tracks))
	for _, ti := range info.Tracks {
		listed[ti.TrackID] = struct{}{}
	}
	for _, trackID := range peer.TrackIDs() {
		if _, ok := listed[trackID]; ok {
			continue
		}
		t, ok := tx.RemoveTrack(trackID)
		if !ok {
			continue
		}
		owner, _ := tx.GetPeerByID(info.PeerID)
		d.add(func() { m.cb.OnTrackUpdate(TrackRemoved, t, owner) })
	}
}

func (m *NotificationManager) handlePeerJoin(info signalling.PeerInfo, isReconnecting bool) {
	var d dispatch
	m.store.Update(func(tx *StoreTx) {
		if _, known := tx.GetPeerByID(info.PeerID); known && !isReconnecting {
			m.log.Debugw("peer joined twice", "peerID", info.PeerID)
		}
		m.upsertPeer(tx, info, &d)
	})
	d.run()
}

// upsertPeer adds an unknown peer or silently refreshes a known one, then reconciles the
// peer's tracks against info.
func (m *NotificationManager) upsertPeer(tx *StoreTx, info signalling.PeerInfo, d *dispatch) {
	if local, ok := tx.GetLocalPeer(); ok && local.PeerID == info.PeerID {
		return
	}

	if _, known := tx.GetPeerByID(info.PeerID); known {
		tx.UpdatePeer(info.PeerID, func(p *Peer) {
			p.Name = info.Name
			p.CustomerUserID = info.UserID
			p.Metadata = info.Data
			if p.RoleName() != info.Role {
				p.Role = roleByName(tx, info.Role)
			}
		})
		m.reconcileTracks(tx, info.PeerID, info.Tracks, d)
		return
	}

	tx.AddPeer(&Peer{
		PeerID:         info.PeerID,
		Name:           info.Name,
		CustomerUserID: info.UserID,
		Metadata:       info.Data,
		Role:           roleByName(tx, info.Role),
		JoinedAt:       time.Now(),
	})
	peer, _ := tx.GetPeerByID(info.PeerID)
	d.add(func() { m.cb.OnPeerUpdate(PeerJoined, peer) })

	tracks := info.Tracks
	if q, ok := m.pending[info.PeerID]; ok {
		for i := 0; i < q.Len(); i++ {
			tracks = append(tracks, q.At(i))
		}
		delete(m.pending, info.PeerID)
	}
	m.reconcileTracks(tx, info.PeerID, tracks, d)
}

// reconcileTracks adds tracks that are new and applies state changes of known ones. Tracks
// already in the store are never reported as added again.
func (m *NotificationManager) reconcileTracks(tx *StoreTx, peerID string, infos []signalling.TrackInfo, d *dispatch) {
	for _, info := range infos {
		if existing, ok := tx.GetTrackByID(info.TrackID); ok && existing.PeerID == peerID {
			m.applyTrackState(tx, info, d)
			continue
		}
		t := trackFromInfo(peerID, info)
		if !tx.AddTrack(t) {
			continue
		}
		m.queueTrackUpdate(tx, TrackAdded, info.TrackID, d)
	}
}

func (m *NotificationManager) handlePeerLeave(leave signalling.PeerLeave) {
	var d dispatch
	m.store.Update(func(tx *StoreTx) {
		delete(m.pending, leave.PeerID)
		if local, ok := tx.GetLocalPeer(); ok && local.PeerID == leave.PeerID {
			m.log.Warnw("ignoring leave of the local peer", nil, "peerID", leave.PeerID)
			return
		}
		if !m.removePeer(tx, leave.PeerID, &d) {
			m.log.Debugw("leave of unknown peer", "peerID", leave.PeerID)
		}
	})
	d.run()
}

// removePeer reports the peer's tracks as removed before the peer itself.
func (m *NotificationManager) removePeer(tx *StoreTx, peerID string, d *dispatch) bool {
	peer, tracks := tx.RemovePeer(peerID)
	if peer == nil {
		return false
	}
	for _, t := range tracks {
		d.add(func() { m.cb.OnTrackUpdate(TrackRemoved, t, peer) })
	}
	d.add(func() { m.cb.OnPeerUpdate(PeerLeft, peer) })
	return true
}

func (m *NotificationManager) handlePeerUpdate(update signalling.PeerUpdate) {
	var d dispatch
	m.store.Update(func(tx *StoreTx) {
		peer, ok := tx.GetPeerByID(update.PeerID)
		if !ok {
			m.log.Debugw("update of unknown peer", "peerID", update.PeerID)
			return
		}

		switch update.Type {
		case signalling.PeerUpdateRole:
			if peer.RoleName() == update.Role {
				return
			}
			newRole := roleByName(tx, update.Role)
			change := RoleUpdate{PeerID: peer.PeerID, OldRole: peer.Role, NewRole: newRole}
			d.add(func() { m.events.Emit(EventRoleChange, change) })
			if peer.IsLocal {
				// publish state follows the local role, so the role change manager owns this update
				d.add(func() { m.events.Emit(EventLocalPeerRoleUpdate, change) })
				return
			}
			tx.UpdatePeer(peer.PeerID, func(p *Peer) { p.Role = newRole })
			m.queuePeerUpdate(tx, PeerRoleUpdated, peer.PeerID, &d)

		case signalling.PeerUpdateName:
			if peer.Name == update.Name {
				return
			}
			tx.UpdatePeer(peer.PeerID, func(p *Peer) { p.Name = update.Name })
			m.queuePeerUpdate(tx, PeerNameUpdated, peer.PeerID, &d)

		case signalling.PeerUpdateMetadata:
			if peer.Metadata == update.Data {
				return
			}
			tx.UpdatePeer(peer.PeerID, func(p *Peer) { p.Metadata = update.Data })
			m.queuePeerUpdate(tx, PeerMetadataUpdated, peer.PeerID, &d)

		default:
			m.log.Debugw("unknown peer update", "peerID", peer.PeerID, "type", update.Type)
		}
	})
	d.run()
}

func (m *NotificationManager) queuePeerUpdate(tx *StoreTx, update PeerUpdate, peerID string, d *dispatch) {
	peer, ok := tx.GetPeerByID(peerID)
	if !ok {
		return
	}
	d.add(func() { m.cb.OnPeerUpdate(update, peer) })
}

// ----------------------------------
// Tracks

func (m *NotificationManager) handleTrackAdd(tn signalling.TrackNotification) {
	var d dispatch
	m.store.Update(func(tx *StoreTx) {
		if _, ok := tx.GetPeerByID(tn.PeerID); !ok {
			q, ok := m.pending[tn.PeerID]
			if !ok {
				q = &deque.Deque[signalling.TrackInfo]{}
				m.pending[tn.PeerID] = q
			}
			for _, info := range tn.Tracks {
				q.PushBack(info)
			}
			m.log.Debugw("holding tracks of unknown peer", "peerID", tn.PeerID, "tracks", len(tn.Tracks))
			return
		}
		m.reconcileTracks(tx, tn.PeerID, tn.Tracks, &d)
	})
	d.run()
}

func (m *NotificationManager) handleTrackRemove(tn signalling.TrackNotification) {
	var d dispatch
	m.store.Update(func(tx *StoreTx) {
		if q, ok := m.pending[tn.PeerID]; ok {
			for _, info := range tn.Tracks {
				if i := q.Index(func(t signalling.TrackInfo) bool { return t.TrackID == info.TrackID }); i >= 0 {
					q.Remove(i)
				}
			}
			if q.Len() == 0 {
				delete(m.pending, tn.PeerID)
			}
		}

		for _, info := range tn.Tracks {
			existing, ok := tx.GetTrackByID(info.TrackID)
			if !ok || existing.PeerID != tn.PeerID {
				m.log.Debugw("remove of unknown track", "peerID", tn.PeerID, "trackID", info.TrackID)
				continue
			}
			if existing.IsLocal() {
				m.log.Warnw("ignoring remote removal of a local track", nil, "trackID", info.TrackID)
				continue
			}
			t, _ := tx.RemoveTrack(info.TrackID)
			peer, _ := tx.GetPeerByID(tn.PeerID)
			d.add(func() { m.cb.OnTrackUpdate(TrackRemoved, t, peer) })
		}
	})
	d.run()
}

func (m *NotificationManager) handleTrackUpdate(tn signalling.TrackNotification) {
	var d dispatch
	m.store.Update(func(tx *StoreTx) {
		if q, ok := m.pending[tn.PeerID]; ok {
			for _, info := range tn.Tracks {
				if i := q.Index(func(t signalling.TrackInfo) bool { return t.TrackID == info.TrackID }); i >= 0 {
					q.Set(i, info)
				}
			}
		}
		for _, info := range tn.Tracks {
			existing, ok := tx.GetTrackByID(info.TrackID)
			if !ok || existing.PeerID != tn.PeerID {
				m.log.Debugw("update of unknown track", "peerID", tn.PeerID, "trackID", info.TrackID)
				continue
			}
			m.applyTrackState(tx, info, &d)
		}
	})
	d.run()
}

// applyTrackState copies mute and degradation state from info, reporting only real changes.
func (m *NotificationManager) applyTrackState(tx *StoreTx, info signalling.TrackInfo, d *dispatch) {
	existing, ok := tx.GetTrackByID(info.TrackID)
	if !ok {
		return
	}
	enabled := !info.Mute
	if existing.Enabled != enabled {
		tx.UpdateTrack(info.TrackID, func(t *Track) { t.Enabled = enabled })
		update := TrackMuted
		if enabled {
			update = TrackUnmuted
		}
		m.queueTrackUpdate(tx, update, info.TrackID, d)
	}
	if existing.Degraded != info.Degraded {
		tx.UpdateTrack(info.TrackID, func(t *Track) { t.Degraded = info.Degraded })
		update := TrackRestored
		if info.Degraded {
			update = TrackDegraded
		}
		m.queueTrackUpdate(tx, update, info.TrackID, d)
	}
}

func (m *NotificationManager) queueTrackUpdate(tx *StoreTx, update TrackUpdate, trackID string, d *dispatch) {
	t, ok := tx.GetTrackByID(trackID)
	if !ok {
		return
	}
	peer, _ := tx.GetPeerByID(t.PeerID)
	d.add(func() { m.cb.OnTrackUpdate(update, t, peer) })
}

// ----------------------------------
// Roles

func (m *NotificationManager) handlePolicyChange(policy signalling.PolicyParams) {
	roles := make(map[string]*Role, len(policy.KnownRoles))
	for name, info := range policy.KnownRoles {
		if info.Name == "" {
			info.Name = name
		}
		roles[name] = roleFromInfo(info)
	}
	localRole, ok := roles[policy.Name]
	if !ok {
		localRole = &Role{Name: policy.Name}
	}

	var d dispatch
	m.store.Update(func(tx *StoreTx) {
		tx.SetKnownRoles(roles)

		// refresh remote peers so they point at the new role objects
		for _, p := range tx.GetPeers() {
			if p.IsLocal || p.Role == nil {
				continue
			}
			if r, ok := roles[p.Role.Name]; ok {
				tx.UpdatePeer(p.PeerID, func(p *Peer) { p.Role = r })
			}
		}

		local, ok := tx.GetLocalPeer()
		if !ok {
			return
		}
		switch {
		case local.Role == nil:
			tx.UpdatePeer(local.PeerID, func(p *Peer) { p.Role = localRole })
		case local.Role.Name != localRole.Name:
			change := RoleUpdate{PeerID: local.PeerID, OldRole: local.Role, NewRole: localRole}
			d.add(func() { m.events.Emit(EventLocalPeerRoleUpdate, change) })
		}
	})

	change := PolicyChange{LocalRole: localRole, KnownRoles: roles}
	m.events.Emit(EventPolicyChange, change)
	d.run()
}

func (m *NotificationManager) handleRoleChangeRequest(req signalling.RoleChangeRequest) {
	var role *Role
	m.store.View(func(tx *StoreTx) { role = roleByName(tx, req.Role) })
	m.cb.OnRoleChangeRequest(&RoleChangeRequest{
		RequestedBy: req.RequestedBy,
		Role:        role,
		Token:       req.Token,
	})
}

// ----------------------------------
// Room

func (m *NotificationManager) applyRoomInfo(tx *StoreTx, info signalling.RoomInfo, d *dispatch) {
	changed := false
	ok := tx.UpdateRoom(func(r *Room) {
		if info.RoomID != "" {
			r.ID = info.RoomID
		}
		if info.Name != "" {
			r.Name = info.Name
		}
		changed = r.RecordingRunning != info.RecordingRunning ||
			r.RTMPRunning != info.RTMPRunning ||
			r.HLSRunning != info.HLSRunning
		r.RecordingRunning = info.RecordingRunning
		r.RecordingType = info.RecordingType
		r.RTMPRunning = info.RTMPRunning
		r.HLSRunning = info.HLSRunning
	})
	if !ok {
		tx.SetRoom(&Room{
			ID:               info.RoomID,
			Name:             info.Name,
			RecordingRunning: info.RecordingRunning,
			RecordingType:    info.RecordingType,
			RTMPRunning:      info.RTMPRunning,
			HLSRunning:       info.HLSRunning,
		})
		return
	}
	if changed {
		room := tx.GetRoom()
		d.add(func() { m.cb.OnRoomUpdate(RoomStateUpdated, room) })
	}
}

func (m *NotificationManager) handleRoomStateChange(method string, change signalling.RoomStateChange) {
	m.applyRoomStateChange(method, change.Type)
}

// applyRoomStateChange updates the room streaming flags for an RTMP or recording
// start/stop and reports it, unless the room is already in that state.
func (m *NotificationManager) applyRoomStateChange(method string, recordingType string) {
	var (
		update  RoomUpdate
		room    *Room
		changed bool
	)
	m.store.Update(func(tx *StoreTx) {
		tx.UpdateRoom(func(r *Room) {
			switch method {
			case signalling.NotifyRTMPStart:
				update, changed = RoomRTMPStarted, !r.RTMPRunning
				r.RTMPRunning = true
			case signalling.NotifyRTMPStop:
				update, changed = RoomRTMPStopped, r.RTMPRunning
				r.RTMPRunning = false
			case signalling.NotifyRecordingStart:
				update, changed = RoomRecordingStarted, !r.RecordingRunning
				r.RecordingRunning = true
				r.RecordingType = recordingType
			case signalling.NotifyRecordingStop:
				update, changed = RoomRecordingStopped, r.RecordingRunning
				r.RecordingRunning = false
			}
		})
		room = tx.GetRoom()
	})
	if room == nil || !changed {
		return
	}
	m.cb.OnRoomUpdate(update, room)
}

// ----------------------------------
// Messages

func (m *NotificationManager) handleMessage(msg signalling.Message) {
	out := &Message{
		SenderID:       msg.Sender,
		RecipientPeer:  msg.RecipientPeer,
		RecipientRoles: slices.Clone(msg.RecipientRoles),
		Message:        msg.Message,
		Type:           msg.Type,
		Time:           time.Now(),
	}
	if msg.Timestamp > 0 {
		out.Time = time.UnixMilli(msg.Timestamp)
	}
	if out.Type == "" {
		out.Type = defaultMessageType
	}
	if sender, ok := m.store.GetPeerByID(msg.Sender); ok {
		out.SenderName = sender.Name
	}
	m.cb.OnMessageReceived(out)
}

// PendingTracks reports how many track notifications are held for peers not yet known.
func (m *NotificationManager) PendingTracks() int {
	n := 0
	for _, q := range m.pending {
		n += q.Len()
	}
	return n
}
