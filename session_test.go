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
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/confkit/session-sdk-go/signalling"
)

type sessionRecorder struct {
	lock         sync.Mutex
	events       []string
	errs         []error
	joins        int
	reconnecting int
	reconnected  int
	removed      []*PeerLeaveRequest
}

func (r *sessionRecorder) callback() *SessionCallback {
	return &SessionCallback{
		OnJoin: func(room *Room) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.joins++
		},
		OnPeerUpdate: func(update PeerUpdate, peer *Peer) {
			r.add(update.String() + ":" + peer.PeerID)
		},
		OnTrackUpdate: func(update TrackUpdate, track *Track, peer *Peer) {
			r.add(update.String() + ":" + track.TrackID)
		},
		OnRoomUpdate: func(update RoomUpdate, room *Room) {
			r.add(update.String())
		},
		OnReconnecting: func(err error) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.reconnecting++
		},
		OnReconnected: func() {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.reconnected++
		},
		OnRemovedFromRoom: func(req *PeerLeaveRequest) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.removed = append(r.removed, req)
		},
		OnError: func(err error) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *sessionRecorder) add(event string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event)
}

func (r *sessionRecorder) snapshot() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.events...)
}

func (r *sessionRecorder) reset() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = nil
}

func rolesInfo() map[string]signalling.RoleInfo {
	infos := make(map[string]signalling.RoleInfo, len(testRoles))
	for name, r := range testRoles {
		infos[name] = signalling.RoleInfo{Name: r.Name, Publish: r.PublishParams, Permissions: r.Permissions}
	}
	return infos
}

type sessionFixture struct {
	s       *Session
	signal  *fakeSignal
	media   *fakeMediaFactory
	capture *fakeCapture
	rec     *sessionRecorder
	token   string
}

// newSessionFixture starts a session whose server answers join with a roster of one remote peer
// and role for the local peer.
func newSessionFixture(t *testing.T, role string) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		signal:  &fakeSignal{},
		media:   &fakeMediaFactory{},
		capture: &fakeCapture{},
		rec:     &sessionRecorder{},
		token:   makeToken("room-1", "user-1", role),
	}
	roster := signalling.PeerList{
		Peers: []signalling.PeerInfo{peerInfo("p1", "a1", "v1")},
		Room:  signalling.RoomInfo{RoomID: "room-1", Name: "standup"},
	}
	f.signal.onCall = func(method string, params any) (any, error) {
		if method == signalling.MethodJoin {
			f.signal.pushAsync(signalling.NotifyPeerList, roster)
			f.signal.pushAsync(signalling.NotifyPolicyChange, signalling.PolicyParams{Name: role, KnownRoles: rolesInfo()})
		}
		return nil, nil
	}

	f.s = NewSession(f.rec.callback(),
		WithConfig(testConfig(newInitServer(t))),
		WithPeerID("me"),
		WithName("local"),
		WithCaptureProvider(f.capture),
		WithSignalTransport(f.signal.factory),
		WithMediaConnection(f.media.create),
	)
	t.Cleanup(func() { _ = f.s.Leave() })
	return f
}

func (f *sessionFixture) join(t *testing.T) {
	t.Helper()
	require.NoError(t, f.s.Join(context.Background(), f.token))
}

func TestSessionJoin(t *testing.T) {
	t.Run("publishes what the role allows", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)

		require.Equal(t, 1, f.rec.joins)
		require.Equal(t, ConnectionStateJoined, f.s.ConnectionState())

		tracks := f.s.LocalTracks()
		require.Len(t, tracks, 2)
		require.Equal(t, TrackKindAudio, tracks[0].Kind())
		require.Equal(t, TrackKindVideo, tracks[1].Kind())
		require.Equal(t, 640, tracks[1].Settings().Width)
		require.Equal(t, 360, tracks[1].Settings().Height)

		// one negotiation per track
		require.Equal(t, 2, f.signal.countCalls(signalling.MethodOffer))
		pub := f.media.publisher()
		require.Equal(t, 1, pub.senderCount(tracks[0].ID()))
		require.Equal(t, 1, pub.senderCount(tracks[1].ID()))

		local, ok := f.s.LocalPeer()
		require.True(t, ok)
		require.Equal(t, tracks[0].ID(), local.AudioTrackID)
		require.Equal(t, tracks[1].ID(), local.VideoTrackID)
		require.Equal(t, "host", local.RoleName())
		require.Equal(t, "user-1", local.CustomerUserID)

		require.Equal(t, "standup", f.s.Room().Name)
		require.Equal(t, "me", f.s.Room().LocalPeerID)
		require.Contains(t, f.rec.snapshot(), "PEER_JOINED:p1")
		requireStoreConsistent(t, f.s.store)
	})

	t.Run("capture failure does not fail the join", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.capture.err = &CaptureError{Name: CaptureErrNotAllowed, Kind: TrackKindVideo}
		f.join(t)

		require.Empty(t, f.s.LocalTracks())
		require.Len(t, f.rec.errs, 1)
		require.ErrorIs(t, f.rec.errs[0], ErrCantAccessCaptureDevice)
		require.Equal(t, 1, f.rec.joins)
	})

	t.Run("invalid token", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		for _, token := range []string{"", "a.b", "a.!!!.c", "a." + strings.Repeat("e", 8) + ".c"} {
			err := NewSession(nil).Join(context.Background(), token)
			require.ErrorIs(t, err, ErrInvalidTokenFormat, token)
		}
		require.Equal(t, 0, f.signal.countCalls(signalling.MethodJoin))
	})

	t.Run("single use", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		require.ErrorIs(t, f.s.Join(context.Background(), f.token), ErrSessionClosed)
		require.NoError(t, f.s.Leave())
		require.ErrorIs(t, f.s.Join(context.Background(), f.token), ErrSessionClosed)
	})

	t.Run("leave releases tracks", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		tracks := f.s.LocalTracks()

		require.NoError(t, f.s.Leave())
		require.Equal(t, ConnectionStateDisconnected, f.s.ConnectionState())
		require.Contains(t, f.signal.notifyMethods(), signalling.MethodLeave)
		for _, lt := range tracks {
			require.True(t, lt.IsStopped())
		}
		require.Len(t, f.capture.releasedIDs(), 2)
		require.Empty(t, f.s.Peers())
	})

	t.Run("preview then join reuses tracks", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		previewed := false
		f.signal.onOpen = func() {
			// the server sends the policy as soon as the preview connection is up
			if !previewed {
				previewed = true
				f.signal.pushAsync(signalling.NotifyPolicyChange, signalling.PolicyParams{Name: "host", KnownRoles: rolesInfo()})
			}
		}
		preview, err := f.s.Preview(context.Background(), f.token)
		require.NoError(t, err)
		require.Len(t, preview, 2)
		require.Equal(t, 0, f.signal.countCalls(signalling.MethodJoin))

		f.join(t)
		tracks := f.s.LocalTracks()
		require.Equal(t, preview[0].ID(), tracks[0].ID())
		require.Equal(t, preview[1].ID(), tracks[1].ID())
		f.capture.lock.Lock()
		require.Len(t, f.capture.requests, 1)
		f.capture.lock.Unlock()
	})
}

func TestSessionReconnect(t *testing.T) {
	t.Run("unchanged roster fires nothing", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		tracks := f.s.LocalTracks()
		f.rec.reset()

		f.signal.drop(errConnectionReset)
		require.Eventually(t, func() bool {
			f.rec.lock.Lock()
			defer f.rec.lock.Unlock()
			return f.rec.reconnected == 1
		}, 2*time.Second, 5*time.Millisecond)

		require.Equal(t, 1, f.rec.reconnecting)
		require.Empty(t, f.rec.snapshot())
		require.Equal(t, ConnectionStateJoined, f.s.ConnectionState())

		pub := f.media.publisher()
		for _, lt := range tracks {
			require.Equal(t, 1, pub.senderCount(lt.ID()))
		}
		p, ok := f.s.Peer("p1")
		require.True(t, ok)
		require.Equal(t, []string{"a1", "v1"}, p.TrackIDs())
		requireStoreConsistent(t, f.s.store)
	})

	t.Run("failure after join leaves and reports", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		f.signal.setOpenErr(signalling.ErrCannotDialSignal)
		f.signal.drop(errConnectionReset)

		require.Eventually(t, func() bool {
			f.rec.lock.Lock()
			defer f.rec.lock.Unlock()
			return len(f.rec.errs) == 1
		}, 2*time.Second, 5*time.Millisecond)
		require.ErrorIs(t, f.rec.errs[0], ErrReconnectBudgetExhausted)
		require.Equal(t, ConnectionStateDisconnected, f.s.ConnectionState())
	})
}

func TestSessionServerRequests(t *testing.T) {
	t.Run("removed from room", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		f.signal.push(t, signalling.NotifyPeerLeaveRequest, signalling.PeerLeaveRequest{RequestedBy: "p1", RoomEnd: true, Reason: "done"})

		require.Eventually(t, func() bool {
			return f.s.ConnectionState() == ConnectionStateDisconnected
		}, time.Second, 5*time.Millisecond)
		f.rec.lock.Lock()
		require.Len(t, f.rec.removed, 1)
		require.True(t, f.rec.removed[0].RoomEnd)
		require.Equal(t, "p1", f.rec.removed[0].RequestedBy)
		f.rec.lock.Unlock()
		require.Contains(t, f.signal.notifyMethods(), signalling.MethodLeave)
	})

	t.Run("local role downgrade unpublishes", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		video := f.s.LocalTracks()[1]
		f.rec.reset()

		f.signal.push(t, signalling.NotifyPeerUpdate, signalling.PeerUpdate{PeerID: "me", Type: signalling.PeerUpdateRole, Role: "guest"})
		// the callback fires once the role is stored
		require.Eventually(t, func() bool {
			return slices.Contains(f.rec.snapshot(), "ROLE_UPDATED:me")
		}, time.Second, 5*time.Millisecond)

		local, _ := f.s.LocalPeer()
		require.Equal(t, "guest", local.RoleName())
		require.Empty(t, local.VideoTrackID)
		require.True(t, video.IsStopped())
		require.Equal(t, 0, f.media.publisher().senderCount(video.ID()))
		require.NotEmpty(t, local.AudioTrackID)
	})

	t.Run("local role upgrade publishes", func(t *testing.T) {
		f := newSessionFixture(t, "viewer")
		f.join(t)
		require.Empty(t, f.s.LocalTracks())

		f.signal.push(t, signalling.NotifyPeerUpdate, signalling.PeerUpdate{PeerID: "me", Type: signalling.PeerUpdateRole, Role: "host"})
		require.Eventually(t, func() bool {
			return len(f.s.LocalTracks()) == 2
		}, time.Second, 5*time.Millisecond)
		local, _ := f.s.LocalPeer()
		require.Equal(t, "host", local.RoleName())
	})
}

func TestSessionActions(t *testing.T) {
	t.Run("second screen share makes no call", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		require.NoError(t, f.s.StartScreenShare(context.Background(), ScreenShareOptions{}))
		calls := len(f.signal.callMethods())

		err := f.s.StartScreenShare(context.Background(), ScreenShareOptions{})
		require.ErrorIs(t, err, ErrValidation)
		require.Len(t, f.signal.callMethods(), calls)
		require.Equal(t, 1, f.capture.screenRequests())
	})

	t.Run("remove track twice", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		lt, err := f.s.AddTrack(context.Background(), f.capture.newTrack(TrackKindAudio, "file"), TrackSourceAudioPlaylist)
		require.NoError(t, err)
		local, _ := f.s.LocalPeer()
		require.Len(t, local.AuxiliaryTrackIDs, 1)
		require.Equal(t, 1, f.media.publisher().senderCount(lt.ID()))

		require.NoError(t, f.s.RemoveTrack(context.Background(), lt.ID()))
		local, _ = f.s.LocalPeer()
		require.Empty(t, local.AuxiliaryTrackIDs)
		require.Equal(t, 0, f.media.publisher().senderCount(lt.ID()))
		offers := f.signal.countCalls(signalling.MethodOffer)

		require.NoError(t, f.s.RemoveTrack(context.Background(), lt.ID()))
		require.Equal(t, offers, f.signal.countCalls(signalling.MethodOffer))
	})

	t.Run("mute", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		audio := f.s.LocalTracks()[0]
		f.rec.reset()

		require.NoError(t, f.s.SetLocalAudioEnabled(false))
		require.Equal(t, []string{"TRACK_MUTED:" + audio.ID()}, f.rec.snapshot())
		track, _ := f.s.Track(audio.ID())
		require.False(t, track.Enabled)
		require.Eventually(t, func() bool {
			for _, m := range f.signal.notifyMethods() {
				if m == signalling.MethodTrackUpdate {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("blank message never reaches the server", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		for _, text := range []string{"", "   ", "\u200b", " \u200b\t\u200b \n"} {
			_, err := f.s.SendBroadcastMessage(context.Background(), text, "")
			require.ErrorIs(t, err, ErrValidation)
		}
		require.Equal(t, 0, f.signal.countCalls(signalling.MethodBroadcast))
	})

	t.Run("messages", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)

		msg, err := f.s.SendBroadcastMessage(context.Background(), " hello ", "")
		require.NoError(t, err)
		require.Equal(t, "hello", msg.Message)
		require.Equal(t, "chat", msg.Type)
		require.Equal(t, "me", msg.SenderID)
		call, _ := f.signal.lastCall(signalling.MethodBroadcast)
		require.Contains(t, string(call.Params), `"message":"hello"`)

		_, err = f.s.SendDirectMessage(context.Background(), "hi", "p1", "note")
		require.NoError(t, err)
		call, _ = f.signal.lastCall(signalling.MethodBroadcast)
		require.Contains(t, string(call.Params), `"recipient_peer":"p1"`)

		_, err = f.s.SendDirectMessage(context.Background(), "hi", "ghost", "")
		require.ErrorIs(t, err, ErrCannotFindPeer)
		_, err = f.s.SendDirectMessage(context.Background(), "hi", "me", "")
		require.ErrorIs(t, err, ErrValidation)

		_, err = f.s.SendGroupMessage(context.Background(), "hi", []string{"guest"}, "")
		require.NoError(t, err)
		_, err = f.s.SendGroupMessage(context.Background(), "hi", []string{"nobody"}, "")
		require.ErrorIs(t, err, ErrValidation)
		require.Equal(t, 3, f.signal.countCalls(signalling.MethodBroadcast))
	})

	t.Run("moderation", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)

		require.ErrorIs(t, f.s.ChangeRole(context.Background(), "ghost", "host", false), ErrCannotFindPeer)
		require.ErrorIs(t, f.s.ChangeRole(context.Background(), "p1", "nobody", false), ErrValidation)
		require.NoError(t, f.s.ChangeRole(context.Background(), "p1", "guest", false))
		require.Equal(t, 0, f.signal.countCalls(signalling.MethodRoleChange))
		require.NoError(t, f.s.ChangeRole(context.Background(), "p1", "host", true))
		call, _ := f.signal.lastCall(signalling.MethodRoleChange)
		require.JSONEq(t, `{"requested_for":"p1","role":"host","force":true}`, string(call.Params))

		require.ErrorIs(t, f.s.RemovePeer(context.Background(), "me", ""), ErrValidation)
		require.NoError(t, f.s.RemovePeer(context.Background(), "p1", "spam"))
		require.Equal(t, 1, f.signal.countCalls(signalling.MethodRemovePeer))

		// remote tracks start unmuted
		require.NoError(t, f.s.ChangeTrackState(context.Background(), "a1", true))
		require.Equal(t, 0, f.signal.countCalls(signalling.MethodChangeTrackState))
		require.NoError(t, f.s.ChangeTrackState(context.Background(), "a1", false))
		call, _ = f.signal.lastCall(signalling.MethodChangeTrackState)
		require.Contains(t, string(call.Params), `"mute":true`)

		require.NoError(t, f.s.ChangeMultiTrackState(context.Background(), false, MultiTrackFilter{Kind: TrackKindAudio, Roles: []string{"guest"}}))
		require.ErrorIs(t, f.s.ChangeMultiTrackState(context.Background(), false, MultiTrackFilter{Roles: []string{"nobody"}}), ErrValidation)
	})

	t.Run("recording", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		f.rec.reset()

		require.ErrorIs(t, f.s.StartRTMPOrRecording(context.Background(), RTMPOrRecordingParams{MeetingURL: "https://meet"}), ErrValidation)
		require.NoError(t, f.s.StartRTMPOrRecording(context.Background(), RTMPOrRecordingParams{MeetingURL: "https://meet", Record: true}))
		require.True(t, f.s.Room().RecordingRunning)
		require.Equal(t, "Browser", f.s.Room().RecordingType)

		require.NoError(t, f.s.StopRTMPAndRecording(context.Background()))
		require.False(t, f.s.Room().RecordingRunning)
		require.Equal(t, []string{"RECORDING_STARTED", "RECORDING_STOPPED"}, f.rec.snapshot())
	})

	t.Run("end room leaves", func(t *testing.T) {
		f := newSessionFixture(t, "host")
		f.join(t)
		require.NoError(t, f.s.EndRoom(context.Background(), true, "over"))
		require.Equal(t, ConnectionStateDisconnected, f.s.ConnectionState())
		call, _ := f.signal.lastCall(signalling.MethodEndRoom)
		require.JSONEq(t, `{"lock":true,"reason":"over"}`, string(call.Params))
	})
}
