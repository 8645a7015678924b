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
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/confkit/session-sdk-go/pkg/retry"
	"github.com/confkit/session-sdk-go/signalling"
)

// TransportListener receives everything the Transport does not handle itself.
type TransportListener interface {
	// OnStateChange is called after every connection state transition. err is set when the
	// transition was caused by a failure.
	OnStateChange(state ConnectionState, err error)
	OnNotification(n *signalling.Notification)
	OnRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

type TransportParams struct {
	Logger   logger.Logger
	Config   Config
	Listener TransportListener
	Metrics  *Metrics

	// NewSignalTransport replaces the websocket signal transport.
	NewSignalTransport func(handler signalling.SignalTransportHandler, sh signalling.SignalHandler) signalling.SignalTransport
	// NewMediaConnection replaces the pion peer connections.
	NewMediaConnection func(target signalling.SignalTarget, cfg webrtc.Configuration) (MediaConnection, error)
}

type JoinParams struct {
	Token              string
	PeerID             string
	InitEndpoint       string
	Name               string
	Metadata           string
	AutoSubscribeVideo bool
}

// Transport owns the signal channel and the publish/subscribe connection pair, and drives the
// connection state machine including reconnects.
type Transport struct {
	log      logger.Logger
	cfg      Config
	listener TransportListener
	metrics  *Metrics

	signal             signalling.SignalTransport
	newMediaConnection func(target signalling.SignalTarget, cfg webrtc.Configuration) (MediaConnection, error)
	init               *initLookup

	// one offer/answer exchange on the publish connection at a time
	negotiation *semaphore.Weighted

	lock       sync.RWMutex
	state      ConnectionState
	publisher  MediaConnection
	subscriber MediaConnection
	join       JoinParams
	published  []*LocalTrack

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	debouncedTrackUpdate func(func())
}

var (
	_ signalling.SignalProcessor        = (*Transport)(nil)
	_ signalling.SignalTransportHandler = (*Transport)(nil)
)

func NewTransport(params TransportParams) *Transport {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		log:                  params.Logger,
		cfg:                  params.Config,
		listener:             params.Listener,
		metrics:              params.Metrics,
		newMediaConnection:   params.NewMediaConnection,
		init:                 newInitLookup(params.Config.InitCacheTTL),
		negotiation:          semaphore.NewWeighted(1),
		ctx:                  ctx,
		cancel:               cancel,
		debouncedTrackUpdate: debounce.New(params.Config.TrackUpdateDebounce),
	}
	if t.newMediaConnection == nil {
		t.newMediaConnection = t.newPCTransport
	}

	sh := signalling.NewSignalHandler(signalling.SignalHandlerParams{
		Logger:    t.log,
		Processor: t,
	})
	if params.NewSignalTransport != nil {
		t.signal = params.NewSignalTransport(t, sh)
	} else {
		t.signal = signalling.NewSignalTransportWebSocket(signalling.SignalTransportWebSocketParams{
			Logger:                 t.log,
			Version:                Version,
			SignalTransportHandler: t,
			SignalHandler:          sh,
		})
	}
	t.metrics.setConnectionState(ConnectionStateDisconnected)
	return t
}

func (t *Transport) newPCTransport(target signalling.SignalTarget, cfg webrtc.Configuration) (MediaConnection, error) {
	name := targetName(target)
	return NewPCTransport(PCTransportParams{
		Logger:        t.log,
		Configuration: cfg,
		Target:        target,
		OnRTT:         func(rtt uint32) { t.metrics.observeRTT(name, rtt) },
	})
}

func (t *Transport) State() ConnectionState {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.state
}

func (t *Transport) IsReconnecting() bool {
	return t.State() == ConnectionStateReconnecting
}

func (t *Transport) setState(state ConnectionState, cause error) bool {
	notify, ok := t.transition(state, cause)
	if ok {
		notify()
	}
	return ok
}

// transition changes the state and returns the listener notification, so callers holding the
// negotiation semaphore can notify after releasing it.
func (t *Transport) transition(state ConnectionState, cause error) (func(), bool) {
	t.lock.Lock()
	if t.closed.Load() && state != ConnectionStateDisconnected {
		t.lock.Unlock()
		return nil, false
	}
	prev := t.state
	if prev == state || !prev.canTransition(state) {
		t.lock.Unlock()
		t.log.Debugw("ignoring state transition", "from", prev, "to", state)
		return nil, false
	}
	t.state = state
	t.lock.Unlock()

	t.log.Infow("connection state changed", "from", prev, "to", state)
	t.metrics.setConnectionState(state)
	return func() {
		if t.listener != nil {
			t.listener.OnStateChange(state, cause)
		}
	}, true
}

// Join resolves the signal endpoint, opens the signal channel and performs the join handshake.
// Server rejections are returned as typed errors and are never retried.
func (t *Transport) Join(ctx context.Context, params JoinParams) (err error) {
	if t.closed.Load() {
		return ErrSessionClosed
	}
	if !t.setState(ConnectionStateConnecting, nil) {
		return newError(CodeInvariantViolation, "join", fmt.Sprintf("cannot join while %s", t.State()), nil)
	}

	ctx, span := startSpan(ctx, "Transport.Join", attribute.String("peerID", params.PeerID))
	defer func() { endSpan(span, err) }()

	t.lock.Lock()
	t.join = params
	t.lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.JoinTimeout)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	if err = t.negotiation.Acquire(ctx, 1); err != nil {
		t.setState(ConnectionStateFailed, err)
		return err
	}
	err = t.connect(ctx)
	t.negotiation.Release(1)
	if err != nil {
		t.log.Warnw("join failed", err)
		t.setState(ConnectionStateFailed, err)
		return err
	}

	t.setState(ConnectionStateJoined, nil)
	return nil
}

// Preview opens the signal channel without joining so the server sends the role policy. The
// state stays Disconnected until Join.
func (t *Transport) Preview(ctx context.Context, params JoinParams) error {
	if t.closed.Load() {
		return ErrSessionClosed
	}
	if state := t.State(); state != ConnectionStateDisconnected {
		return newError(CodeInvariantViolation, "preview", fmt.Sprintf("cannot preview while %s", state), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.JoinTimeout)
	defer cancel()

	t.lock.Lock()
	t.join = params
	t.lock.Unlock()

	initConfig, err := t.init.Resolve(ctx, params.InitEndpoint, params.Token, params.PeerID)
	if err != nil {
		return err
	}
	return signalError("preview", t.signal.Open(ctx, initConfig.Endpoint, params.Token, signalling.ConnectParams{PeerID: params.PeerID}))
}

// connect runs one complete handshake on fresh connections and installs them. The caller holds
// the negotiation semaphore.
func (t *Transport) connect(ctx context.Context) error {
	t.lock.RLock()
	params := t.join
	tracks := append([]*LocalTrack(nil), t.published...)
	t.lock.RUnlock()

	initConfig, err := t.init.Resolve(ctx, params.InitEndpoint, params.Token, params.PeerID)
	if err != nil {
		return err
	}

	if err := t.signal.Open(ctx, initConfig.Endpoint, params.Token, signalling.ConnectParams{PeerID: params.PeerID}); err != nil {
		return signalError("connect", err)
	}

	publisher, subscriber, err := t.createConnections(initConfig.webrtcConfiguration())
	if err != nil {
		return newError(CodeSignalingFailure, "connect", "could not create peer connections", err)
	}
	installed := false
	defer func() {
		if !installed {
			_ = publisher.Close()
			_ = subscriber.Close()
		}
	}()

	// a rejoin is authoritative, so published tracks go onto the new connection's transceivers
	for _, lt := range tracks {
		if err := publisher.AddTrack(lt); err != nil {
			return newError(CodeSignalingFailure, "connect", "could not add track "+lt.ID(), err)
		}
	}

	// installed before the handshake so trickle and subscriber offers reach the new pair
	t.lock.Lock()
	if t.closed.Load() {
		t.lock.Unlock()
		return context.Canceled
	}
	oldPublisher, oldSubscriber := t.publisher, t.subscriber
	t.publisher, t.subscriber = publisher, subscriber
	t.lock.Unlock()
	installed = true
	closeConnections(oldPublisher, oldSubscriber)

	start := time.Now()
	offer, err := publisher.CreateOffer(false)
	if err != nil {
		return newError(CodeSignalingFailure, "join", "could not create offer", err)
	}
	var res signalling.AnswerResponse
	if err := t.call(ctx, signalling.MethodJoin, &signalling.JoinRequest{
		Name:               params.Name,
		Data:               params.Metadata,
		AutoSubscribeVideo: params.AutoSubscribeVideo,
		Offer:              offer,
		Tracks:             trackInfos(tracks),
	}, &res); err != nil {
		return err
	}
	if err := publisher.SetRemoteDescription(res.Answer); err != nil {
		return newError(CodeSignalingFailure, "join", "could not apply answer", err)
	}
	t.metrics.observeNegotiation("join", time.Since(start).Seconds())
	return nil
}

func (t *Transport) createConnections(cfg webrtc.Configuration) (MediaConnection, MediaConnection, error) {
	publisher, err := t.newMediaConnection(signalling.TargetPublisher, cfg)
	if err != nil {
		return nil, nil, err
	}
	subscriber, err := t.newMediaConnection(signalling.TargetSubscriber, cfg)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, err
	}

	for target, conn := range map[signalling.SignalTarget]MediaConnection{
		signalling.TargetPublisher:  publisher,
		signalling.TargetSubscriber: subscriber,
	} {
		conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
			if err := t.signal.Notify(t.ctx, signalling.MethodTrickle, &signalling.Trickle{
				Target:    target,
				Candidate: candidate,
			}); err != nil {
				t.log.Debugw("could not send ICE candidate", "target", targetName(target), "error", err)
			}
		})
		conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			t.onConnectionStateChange(conn, state)
		})
	}
	subscriber.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if t.listener != nil {
			t.listener.OnRemoteTrack(track, receiver)
		}
	})
	return publisher, subscriber, nil
}

func (t *Transport) onConnectionStateChange(conn MediaConnection, state webrtc.PeerConnectionState) {
	t.lock.RLock()
	current := conn == t.publisher || conn == t.subscriber
	t.lock.RUnlock()
	if !current {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		t.handleDisconnect(fmt.Errorf("peer connection %s", state))
	}
}

func closeConnections(conns ...MediaConnection) {
	for _, c := range conns {
		if c != nil {
			_ = c.Close()
		}
	}
}

// ----------------------------------
// Reconnect

// OnTransportClose is called when the signal channel ends without Close.
func (t *Transport) OnTransportClose(err error) {
	if t.closed.Load() {
		return
	}
	if signalling.IsCleanClose(err) {
		t.log.Infow("signal channel closed by server")
		t.setState(ConnectionStateFailed, newError(CodeWebSocketConnectionFailure, "signal", "closed by server", err))
		return
	}
	t.handleDisconnect(newError(CodeWebSocketConnectionFailure, "signal", "connection lost", err))
}

func (t *Transport) handleDisconnect(cause error) {
	if t.closed.Load() {
		return
	}
	// only a joined session reconnects; anything else is already handled by its owner
	if !t.setState(ConnectionStateReconnecting, cause) {
		return
	}
	go t.reconnect(cause)
}

func (t *Transport) reconnect(cause error) {
	ctx, span := startSpan(t.ctx, "Transport.Reconnect")
	t.log.Infow("reconnecting", "cause", cause)

	var notifyJoined func()
	err := retry.Do(ctx, t.cfg.Reconnect, func(ctx context.Context, attempt int) error {
		t.metrics.reconnectAttempt()
		t.log.Debugw("rejoin attempt", "attempt", attempt)

		notify, err := t.rejoin(ctx)
		switch {
		case err == nil:
			notifyJoined = notify
			return nil
		case isTerminal(err):
			return retry.Permanent(err)
		}
		t.log.Warnw("rejoin failed", err, "attempt", attempt)
		t.lock.RLock()
		endpoint, token := t.join.InitEndpoint, t.join.Token
		t.lock.RUnlock()
		t.init.invalidate(endpoint, token)
		return err
	})
	endSpan(span, err)

	if t.closed.Load() || errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		t.metrics.reconnectFinished(false)
		if !isTerminal(err) {
			err = newError(CodeReconnectFailed, "reconnect", "", err)
		}
		t.log.Warnw("reconnect failed", err)
		t.setState(ConnectionStateFailed, err)
		return
	}
	t.metrics.reconnectFinished(true)
	if notifyJoined != nil {
		notifyJoined()
	}
}

// rejoin runs one handshake and moves to Joined while still holding the semaphore. Publishes
// queued behind it then see the new connection.
func (t *Transport) rejoin(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.JoinTimeout)
	defer cancel()

	if err := t.negotiation.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.negotiation.Release(1)
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	notify, ok := t.transition(ConnectionStateJoined, nil)
	if !ok {
		return nil, context.Canceled
	}
	return notify, nil
}

// ----------------------------------
// Publishing

// Publish adds tracks to the publish connection and negotiates once for all of them. While
// reconnecting the tracks are only recorded and go out with the next rejoin.
func (t *Transport) Publish(ctx context.Context, tracks ...*LocalTrack) (err error) {
	ctx, span := startSpan(ctx, "Transport.Publish", attribute.Int("tracks", len(tracks)))
	defer func() { endSpan(span, err) }()

	ctx, cancel := mergeCancel(ctx, t.ctx)
	defer cancel()

	if err = t.negotiation.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.negotiation.Release(1)

	t.lock.Lock()
	state, publisher := t.state, t.publisher
	if state != ConnectionStateJoined && state != ConnectionStateReconnecting {
		t.lock.Unlock()
		return newError(CodeNotConnected, "publish", state.String(), nil)
	}
	var added []*LocalTrack
	for _, lt := range tracks {
		if t.isPublishedLocked(lt.ID()) {
			continue
		}
		t.published = append(t.published, lt)
		added = append(added, lt)
	}
	t.lock.Unlock()

	if state == ConnectionStateReconnecting || len(added) == 0 {
		return nil
	}

	for i, lt := range added {
		if err = publisher.AddTrack(lt); err != nil {
			t.rollbackPublish(publisher, added[:i], added)
			return newError(CodeSignalingFailure, "publish", "could not add track "+lt.ID(), err)
		}
	}
	if err = t.negotiate(ctx, publisher); err != nil {
		t.rollbackPublish(publisher, added, added)
		return err
	}
	for range added {
		t.metrics.trackPublished()
	}
	return nil
}

func (t *Transport) rollbackPublish(publisher MediaConnection, onConnection []*LocalTrack, recorded []*LocalTrack) {
	for _, lt := range onConnection {
		if _, err := publisher.RemoveTrack(lt.ID()); err != nil {
			t.log.Warnw("could not roll back track", err, "trackID", lt.ID())
		}
	}
	t.lock.Lock()
	for _, lt := range recorded {
		t.removePublishedLocked(lt.ID())
	}
	t.lock.Unlock()
}

// Unpublish removes tracks from the publish connection. Every published track has exactly one
// sender; anything else is an invariant violation.
func (t *Transport) Unpublish(ctx context.Context, tracks ...*LocalTrack) (err error) {
	ctx, span := startSpan(ctx, "Transport.Unpublish", attribute.Int("tracks", len(tracks)))
	defer func() { endSpan(span, err) }()

	ctx, cancel := mergeCancel(ctx, t.ctx)
	defer cancel()

	if err = t.negotiation.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.negotiation.Release(1)

	t.lock.Lock()
	state, publisher := t.state, t.publisher
	var removed []*LocalTrack
	for _, lt := range tracks {
		if t.removePublishedLocked(lt.ID()) {
			removed = append(removed, lt)
		}
	}
	t.lock.Unlock()

	if state != ConnectionStateJoined || len(removed) == 0 {
		return nil
	}

	for _, lt := range removed {
		count, err := publisher.RemoveTrack(lt.ID())
		if err != nil {
			return newError(CodeSignalingFailure, "unpublish", "could not remove track "+lt.ID(), err)
		}
		if count != 1 {
			return newError(CodeInvariantViolation, "unpublish",
				fmt.Sprintf("removed %d senders for track %s, expected 1", count, lt.ID()), nil)
		}
		t.metrics.trackUnpublished()
	}
	return t.negotiate(ctx, publisher)
}

// negotiate runs one offer/answer exchange on the publish connection. The caller holds the
// negotiation semaphore.
func (t *Transport) negotiate(ctx context.Context, publisher MediaConnection) error {
	start := time.Now()
	offer, err := publisher.CreateOffer(false)
	if err != nil {
		return newError(CodeSignalingFailure, "negotiate", "could not create offer", err)
	}

	t.lock.RLock()
	infos := trackInfos(t.published)
	t.lock.RUnlock()
	if sections, err := mediaSectionCount(offer.SDP); err == nil {
		t.log.Debugw("sending publish offer", "mediaSections", sections, "tracks", len(infos))
	}

	var res signalling.AnswerResponse
	if err := t.call(ctx, signalling.MethodOffer, &signalling.OfferRequest{Offer: offer, Tracks: infos}, &res); err != nil {
		return err
	}
	if err := publisher.SetRemoteDescription(res.Answer); err != nil {
		return newError(CodeSignalingFailure, "negotiate", "could not apply answer", err)
	}
	t.metrics.observeNegotiation("publish", time.Since(start).Seconds())
	return nil
}

// ReplaceTrack swaps the media of a published track without renegotiating. It reports false if
// the track has no sender.
func (t *Transport) ReplaceTrack(trackID string, track webrtc.TrackLocal) (bool, error) {
	t.lock.RLock()
	publisher := t.publisher
	t.lock.RUnlock()
	if publisher == nil {
		return false, nil
	}
	return publisher.ReplaceTrack(trackID, track)
}

// SetTrackEnabled mutes or unmutes a published track on the wire and schedules a track-update.
func (t *Transport) SetTrackEnabled(lt *LocalTrack) error {
	var media webrtc.TrackLocal
	if lt.IsEnabled() {
		media = lt.TrackLocal()
	}
	if _, err := t.ReplaceTrack(lt.ID(), media); err != nil {
		return newError(CodeSignalingFailure, "mute", lt.ID(), err)
	}
	t.SendTrackUpdate()
	return nil
}

// SendTrackUpdate sends the state of all published tracks, coalescing bursts of changes.
func (t *Transport) SendTrackUpdate() {
	t.debouncedTrackUpdate(func() {
		t.lock.RLock()
		infos := trackInfos(t.published)
		state := t.state
		t.lock.RUnlock()
		if state != ConnectionStateJoined {
			return
		}
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.JoinTimeout)
		defer cancel()
		if err := t.signal.Notify(ctx, signalling.MethodTrackUpdate, &signalling.TrackUpdateRequest{Tracks: infos}); err != nil {
			t.log.Warnw("could not send track update", err)
		}
	})
}

func (t *Transport) IsPublished(trackID string) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.isPublishedLocked(trackID)
}

func (t *Transport) PublishedTracks() []*LocalTrack {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return append([]*LocalTrack(nil), t.published...)
}

func (t *Transport) isPublishedLocked(trackID string) bool {
	for _, lt := range t.published {
		if lt.ID() == trackID {
			return true
		}
	}
	return false
}

func (t *Transport) removePublishedLocked(trackID string) bool {
	for i, lt := range t.published {
		if lt.ID() == trackID {
			t.published = append(t.published[:i:i], t.published[i+1:]...)
			return true
		}
	}
	return false
}

func trackInfos(tracks []*LocalTrack) map[string]signalling.TrackInfo {
	infos := make(map[string]signalling.TrackInfo, len(tracks))
	for _, lt := range tracks {
		infos[lt.ID()] = lt.info()
	}
	return infos
}

// ----------------------------------
// Signal processing

func (t *Transport) OnOffer(sd webrtc.SessionDescription) {
	t.lock.RLock()
	subscriber := t.subscriber
	t.lock.RUnlock()
	if subscriber == nil {
		t.log.Warnw("offer received without subscribe connection", nil)
		return
	}

	if err := subscriber.SetRemoteDescription(sd); err != nil {
		t.log.Warnw("could not apply subscriber offer", err)
		return
	}
	answer, err := subscriber.CreateAnswer()
	if err != nil {
		t.log.Warnw("could not create subscriber answer", err)
		return
	}
	if err := t.signal.Notify(t.ctx, signalling.MethodAnswer, &signalling.AnswerNotification{Answer: answer}); err != nil {
		t.log.Warnw("could not send subscriber answer", err)
	}
}

func (t *Transport) OnTrickle(trickle signalling.Trickle) {
	t.lock.RLock()
	conn := t.publisher
	if trickle.Target == signalling.TargetSubscriber {
		conn = t.subscriber
	}
	t.lock.RUnlock()
	if conn == nil {
		return
	}
	if err := conn.AddICECandidate(trickle.Candidate); err != nil {
		t.log.Warnw("could not add ICE candidate", err, "target", targetName(trickle.Target))
	}
}

func (t *Transport) OnNotification(n *signalling.Notification) {
	if t.listener != nil {
		t.listener.OnNotification(n)
	}
}

// ----------------------------------
// Requests

// Call sends a request on the signal channel, mapping failures to typed errors.
func (t *Transport) Call(ctx context.Context, method string, params any, result any) error {
	if state := t.State(); state != ConnectionStateJoined {
		return newError(CodeNotConnected, method, state.String(), nil)
	}
	return t.call(ctx, method, params, result)
}

func (t *Transport) call(ctx context.Context, method string, params any, result any) error {
	return signalError(method, t.signal.Call(ctx, method, params, result))
}

func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if state := t.State(); state != ConnectionStateJoined {
		return newError(CodeNotConnected, method, state.String(), nil)
	}
	return signalError(method, t.signal.Notify(ctx, method, params))
}

// ----------------------------------
// Leave

// Leave cancels in-flight work, sends a best-effort leave and tears everything down. Teardown
// happens even when the leave notification cannot be sent.
func (t *Transport) Leave() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	sent := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.LeaveTimeout)
	defer cancel()
	go func() {
		if !t.signal.IsConnected() {
			sent <- signalling.ErrNotConnected
			return
		}
		sent <- t.signal.Notify(ctx, signalling.MethodLeave, struct{}{})
	}()
	select {
	case err := <-sent:
		if err != nil {
			t.log.Debugw("leave not delivered", "error", err)
		}
	case <-ctx.Done():
		t.log.Debugw("leave timed out")
	}

	t.lock.Lock()
	publisher, subscriber := t.publisher, t.subscriber
	t.publisher, t.subscriber = nil, nil
	t.published = nil
	t.lock.Unlock()

	var g errgroup.Group
	g.Go(t.signal.Close)
	if publisher != nil {
		g.Go(publisher.Close)
	}
	if subscriber != nil {
		g.Go(subscriber.Close)
	}
	err := g.Wait()

	t.setState(ConnectionStateDisconnected, nil)
	return err
}

// mergeCancel returns a context of ctx that is also cancelled with other.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
