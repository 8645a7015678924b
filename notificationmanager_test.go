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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confkit/session-sdk-go/signalling"
)

type eventRecorder struct {
	events   []string
	messages []*Message
	rooms    []*Room
}

func (r *eventRecorder) callback() *SessionCallback {
	cb := NewSessionCallback()
	cb.OnPeerUpdate = func(update PeerUpdate, peer *Peer) {
		r.events = append(r.events, update.String()+":"+peer.PeerID)
	}
	cb.OnTrackUpdate = func(update TrackUpdate, track *Track, peer *Peer) {
		r.events = append(r.events, update.String()+":"+track.TrackID)
	}
	cb.OnRoomUpdate = func(update RoomUpdate, room *Room) {
		r.events = append(r.events, update.String())
		r.rooms = append(r.rooms, room)
	}
	cb.OnMessageReceived = func(msg *Message) {
		r.messages = append(r.messages, msg)
	}
	cb.OnRoleChangeRequest = func(req *RoleChangeRequest) {
		r.events = append(r.events, "ROLE_CHANGE_REQUEST:"+req.Role.Name)
	}
	return cb
}

func (r *eventRecorder) reset() {
	r.events = nil
}

type nmFixture struct {
	store  *Store
	events *EventBus
	rec    *eventRecorder
	nm     *NotificationManager
}

func newNMFixture(t *testing.T) *nmFixture {
	t.Helper()
	f := &nmFixture{
		store:  NewStore(nil),
		events: NewEventBus(),
		rec:    &eventRecorder{},
	}
	f.store.Update(func(tx *StoreTx) {
		tx.SetRoom(&Room{ID: "room"})
		tx.AddPeer(&Peer{PeerID: "me", Name: "local", IsLocal: true})
	})
	f.nm = NewNotificationManager(NotificationManagerParams{
		Store:    f.store,
		Events:   f.events,
		Callback: f.rec.callback(),
	})
	return f
}

func (f *nmFixture) send(t *testing.T, method string, params any, reconnecting bool) {
	t.Helper()
	n, err := signalling.NewNotification(method, params)
	require.NoError(t, err)
	require.NoError(t, f.nm.HandleNotification(n, reconnecting))
}

func peerInfo(peerID string, trackIDs ...string) signalling.PeerInfo {
	info := signalling.PeerInfo{PeerID: peerID, Name: "name-" + peerID, Role: "guest"}
	for i, id := range trackIDs {
		kind := "audio"
		if i%2 == 1 {
			kind = "video"
		}
		info.Tracks = append(info.Tracks, signalling.TrackInfo{TrackID: id, StreamID: "s-" + peerID, Type: kind, Source: "regular"})
	}
	return info
}

func TestNotificationManagerPeers(t *testing.T) {
	t.Run("join reports peer then tracks", func(t *testing.T) {
		f := newNMFixture(t)
		var seenTracks int
		f.nm.cb.OnPeerUpdate = func(update PeerUpdate, peer *Peer) {
			// listeners observe the whole notification already applied
			seenTracks = len(f.store.GetTracks())
			f.rec.events = append(f.rec.events, update.String()+":"+peer.PeerID)
		}
		f.send(t, signalling.NotifyPeerJoin, peerInfo("p1", "a1", "v1"), false)

		require.Equal(t, []string{"PEER_JOINED:p1", "TRACK_ADDED:a1", "TRACK_ADDED:v1"}, f.rec.events)
		require.Equal(t, 2, seenTracks)

		p, ok := f.store.GetPeerByID("p1")
		require.True(t, ok)
		require.Equal(t, "a1", p.AudioTrackID)
		require.Equal(t, "v1", p.VideoTrackID)
		require.Equal(t, "guest", p.RoleName())
	})

	t.Run("duplicate join updates silently", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerJoin, peerInfo("p1", "a1"), false)
		f.rec.reset()

		info := peerInfo("p1", "a1")
		info.Name = "renamed"
		f.send(t, signalling.NotifyPeerJoin, info, false)
		require.Empty(t, f.rec.events)
		p, _ := f.store.GetPeerByID("p1")
		require.Equal(t, "renamed", p.Name)
	})

	t.Run("leave removes tracks first", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerJoin, peerInfo("p1", "a1", "v1"), false)
		f.rec.reset()

		f.send(t, signalling.NotifyPeerLeave, signalling.PeerLeave{PeerID: "p1"}, false)
		require.Equal(t, []string{"TRACK_REMOVED:a1", "TRACK_REMOVED:v1", "PEER_LEFT:p1"}, f.rec.events)
		require.Empty(t, f.store.GetTracks())

		f.rec.reset()
		f.send(t, signalling.NotifyPeerLeave, signalling.PeerLeave{PeerID: "p1"}, false)
		require.Empty(t, f.rec.events)
	})

	t.Run("local peer is never removed by a leave", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerLeave, signalling.PeerLeave{PeerID: "me"}, false)
		_, ok := f.store.GetLocalPeer()
		require.True(t, ok)
		require.Empty(t, f.rec.events)
	})

	t.Run("name and metadata updates", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerJoin, peerInfo("p1"), false)
		f.rec.reset()

		f.send(t, signalling.NotifyPeerUpdate, signalling.PeerUpdate{PeerID: "p1", Type: signalling.PeerUpdateName, Name: "new"}, false)
		f.send(t, signalling.NotifyPeerUpdate, signalling.PeerUpdate{PeerID: "p1", Type: signalling.PeerUpdateName, Name: "new"}, false)
		f.send(t, signalling.NotifyPeerUpdate, signalling.PeerUpdate{PeerID: "p1", Type: signalling.PeerUpdateMetadata, Data: "{}"}, false)
		require.Equal(t, []string{"NAME_UPDATED:p1", "METADATA_UPDATED:p1"}, f.rec.events)

		p, _ := f.store.GetPeerByID("p1")
		require.Equal(t, "new", p.Name)
		require.Equal(t, "{}", p.Metadata)
	})

	t.Run("remote role update", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerJoin, peerInfo("p1"), false)
		f.rec.reset()

		var changes []RoleUpdate
		f.events.On(EventRoleChange, func(p any) { changes = append(changes, p.(RoleUpdate)) })
		f.send(t, signalling.NotifyPeerUpdate, signalling.PeerUpdate{PeerID: "p1", Type: signalling.PeerUpdateRole, Role: "host"}, false)

		require.Equal(t, []string{"ROLE_UPDATED:p1"}, f.rec.events)
		require.Len(t, changes, 1)
		require.Equal(t, "guest", changes[0].OldRole.Name)
		require.Equal(t, "host", changes[0].NewRole.Name)
	})

	t.Run("local role update is left to the role change manager", func(t *testing.T) {
		f := newNMFixture(t)
		f.store.Update(func(tx *StoreTx) {
			tx.UpdatePeer("me", func(p *Peer) { p.Role = &Role{Name: "guest"} })
		})

		var got []RoleUpdate
		f.events.On(EventLocalPeerRoleUpdate, func(p any) { got = append(got, p.(RoleUpdate)) })
		f.send(t, signalling.NotifyPeerUpdate, signalling.PeerUpdate{PeerID: "me", Type: signalling.PeerUpdateRole, Role: "host"}, false)

		require.Len(t, got, 1)
		require.Equal(t, "me", got[0].PeerID)
		local, _ := f.store.GetLocalPeer()
		require.Equal(t, "guest", local.RoleName())
		require.Empty(t, f.rec.events)
	})
}

func TestNotificationManagerReconnect(t *testing.T) {
	roster := signalling.PeerList{
		Room:  signalling.RoomInfo{RoomID: "room", Name: "standup"},
		Peers: []signalling.PeerInfo{peerInfo("p1", "a1", "v1"), peerInfo("p2", "a2")},
	}

	t.Run("unchanged roster fires nothing", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerList, roster, false)
		require.Len(t, f.rec.events, 5)
		f.rec.reset()

		f.send(t, signalling.NotifyPeerList, roster, true)
		for _, info := range roster.Peers {
			f.send(t, signalling.NotifyPeerJoin, info, true)
		}
		f.send(t, signalling.NotifyTrackAdd, signalling.TrackNotification{PeerID: "p1", Tracks: roster.Peers[0].Tracks}, true)
		require.Empty(t, f.rec.events)
		require.Len(t, f.store.GetPeers(), 3)
		require.Len(t, f.store.GetTracks(), 3)
	})

	t.Run("only genuine deltas are reported", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerList, roster, false)
		f.rec.reset()

		changed := signalling.PeerList{
			Room: roster.Room,
			Peers: []signalling.PeerInfo{
				peerInfo("p1", "a1", "v1", "s1"),
				peerInfo("p3"),
			},
		}
		changed.Peers[0].Tracks[0].Mute = true
		f.send(t, signalling.NotifyPeerList, changed, true)

		require.Equal(t, []string{
			"TRACK_MUTED:a1",
			"TRACK_ADDED:s1",
			"PEER_JOINED:p3",
			"TRACK_REMOVED:a2",
			"PEER_LEFT:p2",
		}, f.rec.events)
		_, ok := f.store.GetPeerByID("p2")
		require.False(t, ok)
		_, ok = f.store.GetLocalPeer()
		require.True(t, ok)
	})

	t.Run("tracks missing from the roster are removed", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerList, roster, false)
		f.rec.reset()

		f.send(t, signalling.NotifyPeerList, signalling.PeerList{
			Room:  roster.Room,
			Peers: []signalling.PeerInfo{peerInfo("p1", "a1"), roster.Peers[1]},
		}, true)

		require.Equal(t, []string{"TRACK_REMOVED:v1"}, f.rec.events)
		_, ok := f.store.GetTrackByID("v1")
		require.False(t, ok)
		p1, ok := f.store.GetPeerByID("p1")
		require.True(t, ok)
		require.Equal(t, []string{"a1"}, p1.TrackIDs())
	})

	t.Run("peer join does not prune tracks", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerList, roster, false)
		f.rec.reset()

		f.send(t, signalling.NotifyPeerJoin, peerInfo("p1", "a1"), true)
		require.Empty(t, f.rec.events)
		_, ok := f.store.GetTrackByID("v1")
		require.True(t, ok)
	})

	t.Run("rejoin with a new peer id is a new peer", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerList, roster, false)
		f.rec.reset()

		rejoined := peerInfo("p2-new", "a2-new")
		rejoined.UserID = "same-user"
		f.send(t, signalling.NotifyPeerList, signalling.PeerList{
			Room:  roster.Room,
			Peers: []signalling.PeerInfo{roster.Peers[0], rejoined},
		}, true)
		require.Equal(t, []string{
			"PEER_JOINED:p2-new",
			"TRACK_ADDED:a2-new",
			"TRACK_REMOVED:a2",
			"PEER_LEFT:p2",
		}, f.rec.events)
	})
}

func TestNotificationManagerTracks(t *testing.T) {
	t.Run("tracks of unknown peers wait for the peer", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyTrackAdd, signalling.TrackNotification{
			PeerID: "p1",
			Tracks: []signalling.TrackInfo{{TrackID: "a1", Type: "audio", Source: "regular"}},
		}, false)
		require.Empty(t, f.store.GetTracks())
		require.Equal(t, 1, f.nm.PendingTracks())

		f.send(t, signalling.NotifyPeerJoin, peerInfo("p1"), false)
		require.Equal(t, []string{"PEER_JOINED:p1", "TRACK_ADDED:a1"}, f.rec.events)
		require.Zero(t, f.nm.PendingTracks())
	})

	t.Run("pending tracks are dropped when removed", func(t *testing.T) {
		f := newNMFixture(t)
		tn := signalling.TrackNotification{
			PeerID: "p1",
			Tracks: []signalling.TrackInfo{{TrackID: "a1", Type: "audio", Source: "regular"}},
		}
		f.send(t, signalling.NotifyTrackAdd, tn, false)
		f.send(t, signalling.NotifyTrackRemove, tn, false)
		require.Zero(t, f.nm.PendingTracks())

		f.send(t, signalling.NotifyTrackAdd, tn, false)
		f.send(t, signalling.NotifyPeerLeave, signalling.PeerLeave{PeerID: "p1"}, false)
		require.Zero(t, f.nm.PendingTracks())
	})

	t.Run("mute and degradation changes", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerJoin, peerInfo("p1", "a1", "v1"), false)
		f.rec.reset()

		update := func(trackID string, mute, degraded bool) {
			f.send(t, signalling.NotifyTrackUpdate, signalling.TrackNotification{
				PeerID: "p1",
				Tracks: []signalling.TrackInfo{{TrackID: trackID, Mute: mute, Degraded: degraded}},
			}, false)
		}
		update("a1", true, false)
		update("a1", true, false)
		update("v1", false, true)
		update("v1", false, false)
		update("a1", false, false)
		update("missing", true, false)

		require.Equal(t, []string{
			"TRACK_MUTED:a1",
			"TRACK_DEGRADED:v1",
			"TRACK_RESTORED:v1",
			"TRACK_UNMUTED:a1",
		}, f.rec.events)
	})

	t.Run("track removal", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerJoin, peerInfo("p1", "a1", "v1"), false)
		f.rec.reset()

		f.send(t, signalling.NotifyTrackRemove, signalling.TrackNotification{
			PeerID: "p1",
			Tracks: []signalling.TrackInfo{{TrackID: "v1"}, {TrackID: "unknown"}},
		}, false)
		require.Equal(t, []string{"TRACK_REMOVED:v1"}, f.rec.events)
		p, _ := f.store.GetPeerByID("p1")
		require.Empty(t, p.VideoTrackID)
		require.Equal(t, "a1", p.AudioTrackID)
	})

	t.Run("random notifications never orphan tracks", func(t *testing.T) {
		f := newNMFixture(t)
		rnd := rand.New(rand.NewSource(7))
		for i := 0; i < 1500; i++ {
			peerID := fmt.Sprintf("p%d", rnd.Intn(6))
			trackID := fmt.Sprintf("%s-t%d", peerID, rnd.Intn(4))
			track := signalling.TrackInfo{TrackID: trackID, Type: "audio", Source: "regular", Mute: rnd.Intn(2) == 0}
			reconnecting := rnd.Intn(4) == 0
			switch rnd.Intn(6) {
			case 0:
				f.send(t, signalling.NotifyPeerJoin, peerInfo(peerID), reconnecting)
			case 1:
				f.send(t, signalling.NotifyPeerLeave, signalling.PeerLeave{PeerID: peerID}, reconnecting)
			case 2:
				f.send(t, signalling.NotifyTrackAdd, signalling.TrackNotification{PeerID: peerID, Tracks: []signalling.TrackInfo{track}}, reconnecting)
			case 3:
				f.send(t, signalling.NotifyTrackRemove, signalling.TrackNotification{PeerID: peerID, Tracks: []signalling.TrackInfo{track}}, reconnecting)
			case 4:
				f.send(t, signalling.NotifyTrackUpdate, signalling.TrackNotification{PeerID: peerID, Tracks: []signalling.TrackInfo{track}}, reconnecting)
			case 5:
				var peers []signalling.PeerInfo
				for j := 0; j < 6; j++ {
					if rnd.Intn(2) == 0 {
						peers = append(peers, peerInfo(fmt.Sprintf("p%d", j)))
					}
				}
				f.send(t, signalling.NotifyPeerList, signalling.PeerList{Peers: peers}, reconnecting)
			}
			requireStoreConsistent(t, f.store)
		}
	})
}

func TestNotificationManagerRoom(t *testing.T) {
	t.Run("policy sets the initial local role", func(t *testing.T) {
		f := newNMFixture(t)
		var policies []PolicyChange
		f.events.Once(EventPolicyChange, func(p any) { policies = append(policies, p.(PolicyChange)) })
		f.send(t, signalling.NotifyPolicyChange, signalling.PolicyParams{
			Name: "host",
			KnownRoles: map[string]signalling.RoleInfo{
				"host":  {Name: "host", Publish: signalling.PublishParams{Allowed: []string{"audio", "video"}}},
				"guest": {Name: "guest"},
			},
		}, false)

		require.Len(t, policies, 1)
		require.Equal(t, "host", policies[0].LocalRole.Name)
		local, _ := f.store.GetLocalPeer()
		require.Equal(t, "host", local.RoleName())
		require.True(t, local.Role.Allows(PublishVideo))
		require.Len(t, f.store.GetKnownRoles(), 2)
	})

	t.Run("recording and rtmp flags", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyRecordingStart, signalling.RoomStateChange{Type: "Browser"}, false)
		f.send(t, signalling.NotifyRecordingStart, signalling.RoomStateChange{Type: "Browser"}, false)
		require.NoError(t, f.nm.HandleNotification(&signalling.Notification{Method: signalling.NotifyRTMPStart}, false))
		f.send(t, signalling.NotifyRecordingStop, signalling.RoomStateChange{}, false)

		require.Equal(t, []string{"RECORDING_STARTED", "RTMP_STARTED", "RECORDING_STOPPED"}, f.rec.events)
		room := f.store.GetRoom()
		require.False(t, room.RecordingRunning)
		require.True(t, room.RTMPRunning)
		require.Equal(t, "Browser", f.rec.rooms[0].RecordingType)
	})

	t.Run("messages carry sender name and default type", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyPeerJoin, peerInfo("p1"), false)
		f.send(t, signalling.NotifyMessage, signalling.Message{Sender: "p1", Message: "hi", Timestamp: 1700000000000}, false)

		require.Len(t, f.rec.messages, 1)
		msg := f.rec.messages[0]
		require.Equal(t, "name-p1", msg.SenderName)
		require.Equal(t, "chat", msg.Type)
		require.Equal(t, int64(1700000000000), msg.Time.UnixMilli())
	})

	t.Run("role change request only notifies", func(t *testing.T) {
		f := newNMFixture(t)
		f.send(t, signalling.NotifyRoleChangeRequest, signalling.RoleChangeRequest{RequestedBy: "p1", Role: "host", Token: "tok"}, false)
		require.Equal(t, []string{"ROLE_CHANGE_REQUEST:host"}, f.rec.events)
		local, _ := f.store.GetLocalPeer()
		require.Nil(t, local.Role)
	})

	t.Run("malformed params", func(t *testing.T) {
		f := newNMFixture(t)
		err := f.nm.HandleNotification(&signalling.Notification{Method: signalling.NotifyPeerJoin, Params: []byte(`[1,2]`)}, false)
		require.Error(t, err)
		require.NoError(t, f.nm.HandleNotification(&signalling.Notification{Method: "on-something-new"}, false))
	})
}
