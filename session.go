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
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/confkit/session-sdk-go/signalling"
)

type sessionParams struct {
	Config          Config
	Logger          logger.Logger
	Metrics         *Metrics
	Capture         CaptureProvider
	PeerID          string
	Name            string
	Metadata        string
	InitEndpoint    string
	AutoSubscribe   *bool
	InitialSettings InitialSettings

	newSignalTransport func(handler signalling.SignalTransportHandler, sh signalling.SignalHandler) signalling.SignalTransport
	newMediaConnection func(target signalling.SignalTarget, cfg webrtc.Configuration) (MediaConnection, error)
}

type SessionOption func(*sessionParams)

func WithConfig(cfg Config) SessionOption {
	return func(p *sessionParams) {
		p.Config = cfg
	}
}

func WithLogger(l logger.Logger) SessionOption {
	return func(p *sessionParams) {
		p.Logger = l
	}
}

func WithMetrics(m *Metrics) SessionOption {
	return func(p *sessionParams) {
		p.Metrics = m
	}
}

func WithCaptureProvider(c CaptureProvider) SessionOption {
	return func(p *sessionParams) {
		p.Capture = c
	}
}

// WithPeerID sets the peer id; a random one is generated otherwise.
func WithPeerID(id string) SessionOption {
	return func(p *sessionParams) {
		p.PeerID = id
	}
}

func WithName(name string) SessionOption {
	return func(p *sessionParams) {
		p.Name = name
	}
}

func WithMetadata(md string) SessionOption {
	return func(p *sessionParams) {
		p.Metadata = md
	}
}

func WithInitEndpoint(endpoint string) SessionOption {
	return func(p *sessionParams) {
		p.InitEndpoint = endpoint
	}
}

func WithAutoVideoSubscribe(val bool) SessionOption {
	return func(p *sessionParams) {
		p.AutoSubscribe = &val
	}
}

func WithInitialSettings(s InitialSettings) SessionOption {
	return func(p *sessionParams) {
		p.InitialSettings = s
	}
}

// WithSignalTransport replaces the websocket signal channel.
func WithSignalTransport(fn func(handler signalling.SignalTransportHandler, sh signalling.SignalHandler) signalling.SignalTransport) SessionOption {
	return func(p *sessionParams) {
		p.newSignalTransport = fn
	}
}

// WithMediaConnection replaces the pion peer connections.
func WithMediaConnection(fn func(target signalling.SignalTarget, cfg webrtc.Configuration) (MediaConnection, error)) SessionOption {
	return func(p *sessionParams) {
		p.newMediaConnection = fn
	}
}

// Session is one conferencing session. It can join a room once; after Leave a new Session must
// be created.
type Session struct {
	log    logger.Logger
	params sessionParams
	cb     *SessionCallback

	store         *Store
	events        *EventBus
	transport     *Transport
	notifications *NotificationManager
	tracks        *LocalTrackManager
	roles         *RoleChangeManager
	limiter       *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	lock          sync.Mutex
	token         string
	peerID        string
	previewTracks []*LocalTrack

	used         atomic.Bool
	joined       atomic.Bool
	left         atomic.Bool
	reconnecting atomic.Bool
}

var _ TransportListener = (*Session)(nil)

func NewSession(callback *SessionCallback, opts ...SessionOption) *Session {
	params := sessionParams{Config: DefaultConfig()}
	for _, opt := range opts {
		opt(&params)
	}
	if params.Logger == nil {
		params.Logger = sdkLogger()
	}
	if params.InitEndpoint == "" {
		params.InitEndpoint = params.Config.InitEndpoint
	}
	if params.AutoSubscribe == nil {
		params.AutoSubscribe = &params.Config.AutoSubscribeVideo
	}

	cb := NewSessionCallback()
	cb.Merge(callback)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:     params.Logger,
		params:  params,
		cb:      cb,
		events:  NewEventBus(),
		limiter: rate.NewLimiter(rate.Limit(params.Config.MessageRate), params.Config.MessageBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.store = NewStore(s.log)
	s.transport = NewTransport(TransportParams{
		Logger:             s.log,
		Config:             params.Config,
		Listener:           s,
		Metrics:            params.Metrics,
		NewSignalTransport: params.newSignalTransport,
		NewMediaConnection: params.newMediaConnection,
	})
	s.notifications = NewNotificationManager(NotificationManagerParams{
		Logger:   s.log,
		Store:    s.store,
		Events:   s.events,
		Callback: cb,
		Metrics:  params.Metrics,
	})
	s.tracks = NewLocalTrackManager(LocalTrackManagerParams{
		Logger:    s.log,
		Store:     s.store,
		Capture:   params.Capture,
		Publisher: s.transport,
		Callback:  cb,
	})
	s.roles = NewRoleChangeManager(RoleChangeManagerParams{
		Logger:   s.log,
		Store:    s.store,
		Tracks:   s.tracks,
		Callback: cb,
		Settings: func() InitialSettings { return s.currentSettings() },
	})
	return s
}

// prepare decodes the token and seeds the store with the room and the local peer.
func (s *Session) prepare(token string) (JoinParams, error) {
	claims, err := DecodeToken(token)
	if err != nil {
		return JoinParams{}, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.peerID == "" {
		s.peerID = s.params.PeerID
		if s.peerID == "" {
			s.peerID = uuid.NewString()
		}
		s.log = s.log.WithValues("peerID", s.peerID, "roomID", claims.RoomID)
		s.store.SetRoom(&Room{ID: claims.RoomID, LocalPeerID: s.peerID})
		s.store.AddPeer(&Peer{
			PeerID:         s.peerID,
			Name:           s.params.Name,
			Metadata:       s.params.Metadata,
			CustomerUserID: claims.UserID,
			IsLocal:        true,
		})
	}
	s.token = token

	return JoinParams{
		Token:              token,
		PeerID:             s.peerID,
		InitEndpoint:       s.params.InitEndpoint,
		Name:               s.params.Name,
		Metadata:           s.params.Metadata,
		AutoSubscribeVideo: *s.params.AutoSubscribe,
	}, nil
}

// awaitPolicy registers for the next role policy. The returned wait func blocks until it
// arrives or ctx is done.
func (s *Session) awaitPolicy() (wait func(ctx context.Context) (PolicyChange, error), cancel func()) {
	ch := make(chan PolicyChange, 1)
	cancel = s.events.Once(EventPolicyChange, func(payload any) {
		if p, ok := payload.(PolicyChange); ok {
			ch <- p
		}
	})
	return func(ctx context.Context) (PolicyChange, error) {
		timer := time.NewTimer(s.params.Config.JoinTimeout)
		defer timer.Stop()
		select {
		case p := <-ch:
			return p, nil
		case <-ctx.Done():
			return PolicyChange{}, ctx.Err()
		case <-s.ctx.Done():
			return PolicyChange{}, ErrSessionClosed
		case <-timer.C:
			return PolicyChange{}, newError(CodeSignalingFailure, "join", "no role policy received", nil)
		}
	}, cancel
}

// Preview acquires the local tracks the role of token allows without joining, and reports them
// through OnPreview. A following Join publishes these tracks.
func (s *Session) Preview(ctx context.Context, token string) ([]*LocalTrack, error) {
	if s.used.Load() || s.left.Load() {
		return nil, ErrSessionClosed
	}
	params, err := s.prepare(token)
	if err != nil {
		return nil, err
	}

	wait, cancel := s.awaitPolicy()
	defer cancel()
	if err := s.transport.Preview(ctx, params); err != nil {
		return nil, err
	}
	policy, err := wait(ctx)
	if err != nil {
		return nil, err
	}

	tracks, err := s.tracks.GetTracksToPublish(ctx, policy.LocalRole, s.currentSettings())
	if err != nil {
		return nil, err
	}
	s.lock.Lock()
	for _, lt := range s.previewTracks {
		_ = lt.Stop()
	}
	s.previewTracks = tracks
	s.lock.Unlock()

	s.cb.OnPreview(s.store.GetRoom(), tracks)
	return tracks, nil
}

// Join connects to the room of token, waits for the role policy and publishes the tracks the
// role allows. Capture failures are reported through OnError and do not fail the join.
func (s *Session) Join(ctx context.Context, token string) (err error) {
	if !s.used.CompareAndSwap(false, true) || s.left.Load() {
		return ErrSessionClosed
	}
	ctx, span := startSpan(ctx, "Session.Join")
	defer func() { endSpan(span, err) }()

	params, err := s.prepare(token)
	if err != nil {
		return err
	}

	s.roles.Start(s.ctx)
	s.events.On(EventLocalPeerRoleUpdate, s.roles.Enqueue)

	wait, cancel := s.awaitPolicy()
	defer cancel()

	if err = s.transport.Join(ctx, params); err != nil {
		s.teardown()
		return err
	}
	s.joined.Store(true)

	policy, err := wait(ctx)
	if err != nil {
		s.teardown()
		return err
	}

	s.lock.Lock()
	tracks := s.previewTracks
	s.previewTracks = nil
	s.lock.Unlock()
	if len(tracks) == 0 {
		tracks, err = s.tracks.GetTracksToPublish(ctx, policy.LocalRole, s.currentSettings())
		if err != nil {
			s.log.Warnw("could not acquire local tracks", err)
			s.cb.OnError(err)
			tracks = nil
		}
	}
	if len(tracks) > 0 {
		if err := s.tracks.PublishTracks(ctx, tracks...); err != nil {
			s.log.Warnw("could not publish local tracks", err)
			s.cb.OnError(err)
		}
	}

	s.log.Infow("joined room", "role", policy.LocalRole.Name, "tracks", len(tracks))
	s.cb.OnJoin(s.store.GetRoom())
	return nil
}

// Leave sends a best-effort leave and releases every resource of the session. It is safe to
// call more than once.
func (s *Session) Leave() error {
	if !s.left.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Infow("leaving room")
	return s.teardown()
}

func (s *Session) teardown() error {
	s.left.Store(true)
	s.cancel()
	err := s.transport.Leave()

	s.tracks.StopAll()
	s.lock.Lock()
	for _, lt := range s.previewTracks {
		_ = lt.Stop()
	}
	s.previewTracks = nil
	s.lock.Unlock()

	s.store.CleanUp()
	s.events.Clear()
	return err
}

func (s *Session) currentSettings() InitialSettings {
	return s.params.InitialSettings
}

// ----------------------------------
// TransportListener

func (s *Session) OnStateChange(state ConnectionState, err error) {
	switch state {
	case ConnectionStateReconnecting:
		s.reconnecting.Store(true)
		s.cb.OnReconnecting(err)
	case ConnectionStateJoined:
		if s.reconnecting.Swap(false) {
			s.cb.OnReconnected()
		}
	case ConnectionStateFailed:
		if !s.joined.Load() || s.left.Load() {
			return
		}
		go func() {
			_ = s.Leave()
			s.cb.OnError(err)
		}()
	}
}

func (s *Session) OnNotification(n *signalling.Notification) {
	if n.Method == signalling.NotifyPeerLeaveRequest {
		s.handlePeerLeaveRequest(n)
		return
	}
	if err := s.notifications.HandleNotification(n, s.transport.IsReconnecting()); err != nil {
		s.log.Warnw("could not handle notification", err)
	}
}

// handlePeerLeaveRequest reports the removal and leaves; the server expects the client to go.
func (s *Session) handlePeerLeaveRequest(n *signalling.Notification) {
	req, err := signalling.DecodeParams[signalling.PeerLeaveRequest](n)
	if err != nil {
		s.log.Warnw("invalid peer leave request", err)
		return
	}
	s.log.Infow("removed from room", "requestedBy", req.RequestedBy, "roomEnd", req.RoomEnd, "reason", req.Reason)
	s.cb.OnRemovedFromRoom(&PeerLeaveRequest{
		RequestedBy: req.RequestedBy,
		RoomEnd:     req.RoomEnd,
		Reason:      req.Reason,
	})
	go func() {
		if err := s.Leave(); err != nil {
			s.log.Debugw("leave after removal failed", "error", err)
		}
	}()
}

func (s *Session) OnRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	var (
		stored *Track
		peer   *Peer
	)
	s.store.Update(func(tx *StoreTx) {
		if !tx.UpdateTrack(track.ID(), func(t *Track) { t.Remote = track }) {
			return
		}
		stored, _ = tx.GetTrackByID(track.ID())
		peer, _ = tx.GetPeerByTrackID(track.ID())
	})
	if stored == nil {
		s.log.Debugw("received media for unknown track", "trackID", track.ID(), "kind", track.Kind())
		return
	}
	s.log.Debugw("subscribed to track", "trackID", stored.TrackID, "peerID", peer.PeerID)
}

// ----------------------------------
// Local tracks

func (s *Session) SetLocalAudioEnabled(enabled bool) error {
	return s.tracks.SetEnabled(TrackKindAudio, enabled)
}

func (s *Session) SetLocalVideoEnabled(enabled bool) error {
	return s.tracks.SetEnabled(TrackKindVideo, enabled)
}

// HandleDeviceError reports a capture failure of a live track. The track is disabled and the
// session stays up.
func (s *Session) HandleDeviceError(kind TrackKind, err error) {
	s.tracks.HandleDeviceError(kind, err)
}

func (s *Session) AddTrack(ctx context.Context, captured CapturedTrack, source TrackSource) (*LocalTrack, error) {
	if err := s.requireJoined("AddTrack"); err != nil {
		return nil, err
	}
	return s.tracks.AddTrack(ctx, captured, source)
}

func (s *Session) RemoveTrack(ctx context.Context, trackID string) error {
	return s.tracks.RemoveTrack(ctx, trackID)
}

func (s *Session) ReplaceTrack(ctx context.Context, trackID string, settings TrackSettings) error {
	return s.tracks.ReplaceTrack(ctx, trackID, settings)
}

func (s *Session) StartScreenShare(ctx context.Context, opts ScreenShareOptions) error {
	if err := s.requireJoined("StartScreenShare"); err != nil {
		return err
	}
	return s.tracks.StartScreenShare(ctx, opts)
}

func (s *Session) StopScreenShare(ctx context.Context) error {
	return s.tracks.StopScreenShare(ctx)
}

func (s *Session) LocalTracks() []*LocalTrack {
	return s.tracks.LocalTracks()
}

// ----------------------------------
// State

func (s *Session) ConnectionState() ConnectionState {
	return s.transport.State()
}

func (s *Session) Room() *Room {
	return s.store.GetRoom()
}

func (s *Session) LocalPeer() (*Peer, bool) {
	return s.store.GetLocalPeer()
}

func (s *Session) Peers() []*Peer {
	return s.store.GetPeers()
}

func (s *Session) Peer(peerID string) (*Peer, bool) {
	return s.store.GetPeerByID(peerID)
}

func (s *Session) Track(trackID string) (*Track, bool) {
	return s.store.GetTrackByID(trackID)
}

func (s *Session) KnownRoles() map[string]*Role {
	return s.store.GetKnownRoles()
}

// Events is the named listener registry of the session.
func (s *Session) Events() *EventBus {
	return s.events
}

func (s *Session) requireJoined(action string) error {
	if s.left.Load() {
		return ErrSessionClosed
	}
	if state := s.transport.State(); state != ConnectionStateJoined {
		return newError(CodeNotConnected, action, state.String(), nil)
	}
	return nil
}

func (s *Session) localPeer(action string) (*Peer, error) {
	local, ok := s.store.GetLocalPeer()
	if !ok {
		return nil, newError(CodeNotConnected, action, "no local peer", nil)
	}
	return local, nil
}

var errSelfTarget = errors.New("target is the local peer")
