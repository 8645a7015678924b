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
	"errors"
	"sync"

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"
)

type RoleChangeManagerParams struct {
	Logger   logger.Logger
	Store    *Store
	Tracks   *LocalTrackManager
	Callback *SessionCallback
	// Settings returns the device settings used for tracks a new role allows.
	Settings func() InitialSettings
}

// RoleChangeManager applies role updates of the local peer. Updates are handled one at a time in
// arrival order on its own goroutine, so notification dispatch never waits on publishing. The
// queue is unbounded and Enqueue never blocks.
type RoleChangeManager struct {
	log      logger.Logger
	store    *Store
	tracks   *LocalTrackManager
	cb       *SessionCallback
	settings func() InitialSettings

	lock    sync.Mutex
	updates deque.Deque[RoleUpdate]
	wake    chan struct{}
	done    chan struct{}
}

func NewRoleChangeManager(params RoleChangeManagerParams) *RoleChangeManager {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Callback == nil {
		params.Callback = NewSessionCallback()
	}
	if params.Settings == nil {
		params.Settings = func() InitialSettings { return InitialSettings{} }
	}
	return &RoleChangeManager{
		log:      params.Logger,
		store:    params.Store,
		tracks:   params.Tracks,
		cb:       params.Callback,
		settings: params.Settings,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start runs the update loop until ctx is done.
func (m *RoleChangeManager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		for {
			update, ok := m.next()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-m.wake:
				}
				continue
			}
			if err := m.HandleLocalRoleUpdate(ctx, update); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warnw("could not apply role update", err, "role", update.NewRole.Name)
				m.cb.OnError(err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Enqueue schedules a local role update. It is an EventListener for EventLocalPeerRoleUpdate.
func (m *RoleChangeManager) Enqueue(payload any) {
	update, ok := payload.(RoleUpdate)
	if !ok || update.NewRole == nil {
		return
	}
	select {
	case <-m.done:
		return
	default:
	}

	m.lock.Lock()
	m.updates.PushBack(update)
	m.lock.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *RoleChangeManager) next() (RoleUpdate, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.updates.Len() == 0 {
		return RoleUpdate{}, false
	}
	return m.updates.PopFront(), true
}

func (m *RoleChangeManager) pending() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.updates.Len()
}

// HandleLocalRoleUpdate unpublishes sources the new role no longer allows, publishes newly
// allowed ones and then switches the local peer to the new role.
func (m *RoleChangeManager) HandleLocalRoleUpdate(ctx context.Context, update RoleUpdate) error {
	local, ok := m.store.GetLocalPeer()
	if !ok {
		return newError(CodeNotConnected, "RoleChange", "no local peer", nil)
	}
	oldRole, newRole := local.Role, update.NewRole
	m.log.Infow("local role changed", "from", local.RoleName(), "to", newRole.Name)

	var errs []error
	for _, kind := range []TrackKind{TrackKindAudio, TrackKindVideo} {
		if oldRole.Allows(kind.String()) && !newRole.Allows(kind.String()) {
			if lt, ok := m.tracks.mainTrack(kind); ok {
				if err := m.tracks.RemoveTrack(ctx, lt.ID()); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	if oldRole.Allows(PublishScreen) && !newRole.Allows(PublishScreen) {
		if err := m.tracks.StopScreenShare(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	var added []TrackKind
	for _, kind := range []TrackKind{TrackKindAudio, TrackKindVideo} {
		if newRole.Allows(kind.String()) {
			if _, ok := m.tracks.mainTrack(kind); !ok {
				added = append(added, kind)
			}
		}
	}

	// the role is switched before publishing so new tracks follow its publish params
	var peer *Peer
	m.store.Update(func(tx *StoreTx) {
		tx.UpdatePeer(local.PeerID, func(p *Peer) { p.Role = newRole })
		peer, _ = tx.GetLocalPeer()
	})
	if peer != nil {
		m.cb.OnPeerUpdate(PeerRoleUpdated, peer)
	}

	if len(added) > 0 {
		tracks, err := m.tracks.acquire(ctx, newRole, m.settings(), added...)
		if err != nil {
			errs = append(errs, err)
		} else if err := m.tracks.PublishTracks(ctx, tracks...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
