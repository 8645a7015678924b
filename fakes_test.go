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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/confkit/session-sdk-go/pkg/retry"
	"github.com/confkit/session-sdk-go/signalling"
)

func makeToken(roomID, userID, role string) string {
	enc := base64.RawURLEncoding
	payload, _ := json.Marshal(AuthToken{RoomID: roomID, UserID: userID, Role: role})
	return enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." + enc.EncodeToString(payload) + ".sig"
}

func newInitServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"endpoint":"wss://signal.test/ws","rtc_config":{"ice_servers":[]}}`))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func testConfig(initEndpoint string) Config {
	cfg := DefaultConfig()
	cfg.InitEndpoint = initEndpoint
	cfg.JoinTimeout = 2 * time.Second
	cfg.LeaveTimeout = 100 * time.Millisecond
	cfg.TrackUpdateDebounce = 10 * time.Millisecond
	cfg.Reconnect = retry.Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		MaxElapsed:   2 * time.Second,
	}
	return cfg
}

// ----------------------------------
// signal transport

type signalCall struct {
	Method string
	Params json.RawMessage
}

type fakeSignal struct {
	lock      sync.Mutex
	handler   signalling.SignalTransportHandler
	sh        signalling.SignalHandler
	connected bool
	opens     int
	calls     []signalCall
	notifies  []signalCall

	// openErr is returned by Open when set
	openErr error
	// onCall answers a call; nil results in the default answer
	onCall func(method string, params any) (any, error)
	// blockLeave makes the leave notification hang until its context ends
	blockLeave bool
	// onOpen runs after every successful Open
	onOpen func()

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeSignal) factory(h signalling.SignalTransportHandler, sh signalling.SignalHandler) signalling.SignalTransport {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.handler = h
	f.sh = sh
	return f
}

func (f *fakeSignal) SetLogger(l protoLogger.Logger) {}

func (f *fakeSignal) Open(ctx context.Context, url string, token string, params signalling.ConnectParams) error {
	f.lock.Lock()
	f.opens++
	if f.openErr != nil {
		f.lock.Unlock()
		return f.openErr
	}
	f.connected = true
	onOpen := f.onOpen
	f.lock.Unlock()

	if onOpen != nil {
		onOpen()
	}
	return nil
}

func (f *fakeSignal) IsConnected() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.connected
}

func (f *fakeSignal) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.connected = false
	return nil
}

func (f *fakeSignal) Call(ctx context.Context, method string, params any, result any) error {
	raw, _ := json.Marshal(params)
	f.lock.Lock()
	if !f.connected {
		f.lock.Unlock()
		return signalling.ErrNotConnected
	}
	f.calls = append(f.calls, signalCall{Method: method, Params: raw})
	onCall := f.onCall
	f.lock.Unlock()

	n := f.inFlight.Inc()
	defer f.inFlight.Dec()
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	var res any
	if onCall != nil {
		var err error
		if res, err = onCall(method, params); err != nil {
			return err
		}
	}
	if res == nil && (method == signalling.MethodJoin || method == signalling.MethodOffer) {
		res = signalling.AnswerResponse{Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}}
	}
	if result != nil && res != nil {
		b, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, result)
	}
	return nil
}

func (f *fakeSignal) Notify(ctx context.Context, method string, params any) error {
	raw, _ := json.Marshal(params)
	f.lock.Lock()
	if !f.connected {
		f.lock.Unlock()
		return signalling.ErrNotConnected
	}
	f.notifies = append(f.notifies, signalCall{Method: method, Params: raw})
	block := f.blockLeave && method == signalling.MethodLeave
	f.lock.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// push delivers a server notification as the signal channel would.
func (f *fakeSignal) push(t *testing.T, method string, params any) {
	t.Helper()
	n, err := signalling.NewNotification(method, params)
	require.NoError(t, err)
	f.lock.Lock()
	sh := f.sh
	f.lock.Unlock()
	require.NoError(t, sh.HandleNotification(n))
}

// pushAsync delivers a notification from a server hook, where require cannot be used.
func (f *fakeSignal) pushAsync(method string, params any) {
	n, err := signalling.NewNotification(method, params)
	if err != nil {
		panic(err)
	}
	f.lock.Lock()
	sh := f.sh
	f.lock.Unlock()
	_ = sh.HandleNotification(n)
}

// drop simulates the connection going away.
func (f *fakeSignal) drop(err error) {
	f.lock.Lock()
	f.connected = false
	h := f.handler
	f.lock.Unlock()
	h.OnTransportClose(err)
}

func (f *fakeSignal) setOpenErr(err error) {
	f.lock.Lock()
	f.openErr = err
	f.lock.Unlock()
}

func (f *fakeSignal) callMethods() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	methods := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		methods = append(methods, c.Method)
	}
	return methods
}

func (f *fakeSignal) countCalls(method string) int {
	n := 0
	for _, m := range f.callMethods() {
		if m == method {
			n++
		}
	}
	return n
}

func (f *fakeSignal) lastCall(method string) (signalCall, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Method == method {
			return f.calls[i], true
		}
	}
	return signalCall{}, false
}

func (f *fakeSignal) notifyMethods() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	methods := make([]string, 0, len(f.notifies))
	for _, c := range f.notifies {
		methods = append(methods, c.Method)
	}
	return methods
}

// ----------------------------------
// media connections

type fakeMedia struct {
	target signalling.SignalTarget

	lock      sync.Mutex
	senders   map[string]webrtc.TrackLocal
	counts    map[string]int
	replaced  []string
	remote    []webrtc.SessionDescription
	closed    bool
	onState   func(webrtc.PeerConnectionState)
	extraSend int
}

func (m *fakeMedia) AddTrack(t *LocalTrack) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	var media webrtc.TrackLocal
	if t.IsEnabled() {
		media = t.TrackLocal()
	}
	m.senders[t.ID()] = media
	m.counts[t.ID()] += 1 + m.extraSend
	return nil
}

func (m *fakeMedia) ReplaceTrack(trackID string, track webrtc.TrackLocal) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.counts[trackID]; !ok {
		return false, nil
	}
	m.senders[trackID] = track
	name := "nil"
	if track != nil {
		name = track.ID()
	}
	m.replaced = append(m.replaced, trackID+"="+name)
	return true, nil
}

func (m *fakeMedia) RemoveTrack(trackID string) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	n := m.counts[trackID]
	delete(m.counts, trackID)
	delete(m.senders, trackID)
	return n, nil
}

func (m *fakeMedia) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (m *fakeMedia) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "subscriber-answer"}, nil
}

func (m *fakeMedia) SetRemoteDescription(sd webrtc.SessionDescription) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.remote = append(m.remote, sd)
	return nil
}

func (m *fakeMedia) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return nil
}

func (m *fakeMedia) OnICECandidate(f func(candidate webrtc.ICECandidateInit)) {}

func (m *fakeMedia) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	m.lock.Lock()
	m.onState = f
	m.lock.Unlock()
}

func (m *fakeMedia) OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {}

func (m *fakeMedia) Close() error {
	m.lock.Lock()
	m.closed = true
	m.lock.Unlock()
	return nil
}

func (m *fakeMedia) setState(state webrtc.PeerConnectionState) {
	m.lock.Lock()
	f := m.onState
	m.lock.Unlock()
	f(state)
}

func (m *fakeMedia) senderCount(trackID string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.counts[trackID]
}

func (m *fakeMedia) senderIDs() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	ids := make([]string, 0, len(m.counts))
	for id := range m.counts {
		ids = append(ids, id)
	}
	return ids
}

func (m *fakeMedia) isClosed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closed
}

type fakeMediaFactory struct {
	lock  sync.Mutex
	conns []*fakeMedia
	// extraSend adds senders per track on new connections
	extraSend int
}

func (f *fakeMediaFactory) create(target signalling.SignalTarget, cfg webrtc.Configuration) (MediaConnection, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	m := &fakeMedia{
		target:    target,
		senders:   make(map[string]webrtc.TrackLocal),
		counts:    make(map[string]int),
		extraSend: f.extraSend,
	}
	f.conns = append(f.conns, m)
	return m, nil
}

// publisher returns the most recent publish connection.
func (f *fakeMediaFactory) publisher() *fakeMedia {
	f.lock.Lock()
	defer f.lock.Unlock()
	for i := len(f.conns) - 1; i >= 0; i-- {
		if f.conns[i].target == signalling.TargetPublisher {
			return f.conns[i]
		}
	}
	return nil
}

func (f *fakeMediaFactory) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.conns)
}

func (f *fakeMediaFactory) all() []*fakeMedia {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*fakeMedia(nil), f.conns...)
}

// ----------------------------------
// capture

type fakeCapture struct {
	lock     sync.Mutex
	next     int
	requests []CaptureRequest
	screens  []ScreenCaptureRequest
	released []string

	err error
	// kinds limits what AcquireTracks returns; nil returns everything requested
	kinds []TrackKind
	// screenAudio makes AcquireScreen include system audio when asked
	screenAudio bool
}

func (c *fakeCapture) newTrack(kind TrackKind, deviceID string) CapturedTrack {
	c.next++
	id := fmt.Sprintf("%s-%d", kind, c.next)
	mime := webrtc.MimeTypeOpus
	if kind == TrackKindVideo {
		mime = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "stream-"+id)
	if err != nil {
		panic(err)
	}
	if deviceID == "" {
		deviceID = "default-" + kind.String()
	}
	return CapturedTrack{
		Track:    track,
		Kind:     kind,
		DeviceID: deviceID,
		Close: func() error {
			c.lock.Lock()
			c.released = append(c.released, id)
			c.lock.Unlock()
			return nil
		},
	}
}

func (c *fakeCapture) allowed(kind TrackKind) bool {
	if c.kinds == nil {
		return true
	}
	for _, k := range c.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (c *fakeCapture) AcquireTracks(ctx context.Context, req CaptureRequest) ([]CapturedTrack, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	var tracks []CapturedTrack
	if req.Audio != nil && c.allowed(TrackKindAudio) {
		tracks = append(tracks, c.newTrack(TrackKindAudio, req.Audio.DeviceID))
	}
	if req.Video != nil && c.allowed(TrackKindVideo) {
		tracks = append(tracks, c.newTrack(TrackKindVideo, req.Video.DeviceID))
	}
	return tracks, nil
}

func (c *fakeCapture) AcquireScreen(ctx context.Context, req ScreenCaptureRequest) ([]CapturedTrack, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.screens = append(c.screens, req)
	if c.err != nil {
		return nil, c.err
	}
	tracks := []CapturedTrack{c.newTrack(TrackKindVideo, "screen")}
	if req.Audio && c.screenAudio {
		tracks = append(tracks, c.newTrack(TrackKindAudio, "screen-audio"))
	}
	return tracks, nil
}

func (c *fakeCapture) releasedIDs() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]string(nil), c.released...)
}

func (c *fakeCapture) screenRequests() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.screens)
}

func (c *fakeCapture) lastRequest() CaptureRequest {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.requests[len(c.requests)-1]
}

var errConnectionReset = errors.New("read tcp: connection reset by peer")
