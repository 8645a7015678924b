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

package signalling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
)

var _ SignalTransport = (*signalTransportWebSocket)(nil)

type SignalTransportWebSocketParams struct {
	Logger                 logger.Logger
	Version                string
	SignalTransportHandler SignalTransportHandler
	SignalHandler          SignalHandler
	Dialer                 *websocket.Dialer
	QueueSize              int
}

type signalTransportWebSocket struct {
	params SignalTransportWebSocketParams

	lock    sync.Mutex
	conn    atomic.Pointer[jsonrpc2.Conn]
	queue   *messageQueue
	closing atomic.Bool
}

func NewSignalTransportWebSocket(params SignalTransportWebSocketParams) SignalTransport {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &signalTransportWebSocket{
		params: params,
	}
}

func (s *signalTransportWebSocket) SetLogger(l logger.Logger) {
	s.params.Logger = l
}

func (s *signalTransportWebSocket) IsConnected() bool {
	return s.conn.Load() != nil
}

func (s *signalTransportWebSocket) Open(ctx context.Context, urlPrefix string, token string, params ConnectParams) error {
	if urlPrefix == "" {
		return ErrURLNotProvided
	}
	u, err := s.signalURL(urlPrefix, params)
	if err != nil {
		return err
	}

	dialer := s.params.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	startedAt := time.Now()
	wsConn, hresp, err := dialer.DialContext(ctx, u, NewHeaderWithToken(token))
	if err != nil {
		fields := []interface{}{
			"duration", time.Since(startedAt),
		}
		if hresp != nil {
			fields = append(fields, "status", hresp.StatusCode)
		}
		s.params.Logger.Errorw("error establishing signal connection", err, fields...)
		return dialError(err, hresp)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.closeLocked() // close previous conn, if any
	s.closing.Store(false)

	queue := newMessageQueue(messageQueueParams{
		Logger:  s.params.Logger,
		MaxSize: s.params.QueueSize,
		HandleMessage: func(n *Notification) {
			if err := s.params.SignalHandler.HandleNotification(n); err != nil {
				s.params.Logger.Debugw("could not handle notification", "method", n.Method, "error", err)
			}
		},
	})
	queue.Start()
	s.queue = queue

	stream := &readTrackingStream{ObjectStream: websocketjsonrpc2.NewObjectStream(wsConn)}
	conn := jsonrpc2.NewConn(context.Background(), stream, &notificationReceiver{logger: s.params.Logger, queue: queue})
	s.conn.Store(conn)

	go s.watch(conn, stream, queue)
	return nil
}

func (s *signalTransportWebSocket) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.closeLocked()
}

func (s *signalTransportWebSocket) closeLocked() error {
	s.closing.Store(true)
	if s.queue != nil {
		s.queue.Close()
		s.queue = nil
	}
	conn := s.conn.Swap(nil)
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		return err
	}
	return nil
}

func (s *signalTransportWebSocket) Call(ctx context.Context, method string, params any, result any) error {
	conn := s.conn.Load()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Call(ctx, method, params, result)
}

func (s *signalTransportWebSocket) Notify(ctx context.Context, method string, params any) error {
	conn := s.conn.Load()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Notify(ctx, method, params)
}

func (s *signalTransportWebSocket) watch(conn *jsonrpc2.Conn, stream *readTrackingStream, queue *messageQueue) {
	<-conn.DisconnectNotify()

	if s.closing.Load() || !s.conn.CompareAndSwap(conn, nil) {
		return
	}

	err := stream.Err()
	if !isIgnoredWebsocketError(err) {
		s.params.Logger.Infow("signal connection closed", "error", err)
	}

	// let notifications received before the drop settle before reporting it
	onClose := func() {
		queue.Close()
		if h := s.params.SignalTransportHandler; h != nil {
			h.OnTransportClose(err)
		}
	}
	if qerr := queue.EnqueueFunc(onClose); qerr != nil {
		onClose()
	}
}

func (s *signalTransportWebSocket) signalURL(urlPrefix string, params ConnectParams) (string, error) {
	u, err := url.Parse(ToWebsocketURL(urlPrefix))
	if err != nil {
		return "", err
	}
	q := u.Query()
	if params.PeerID != "" {
		q.Set("peer", params.PeerID)
	}
	q.Set("sdk", "go")
	q.Set("os", runtime.GOOS)
	if s.params.Version != "" {
		q.Set("version", s.params.Version)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ----------------------------------

type notificationReceiver struct {
	logger logger.Logger
	queue  *messageQueue
}

func (r *notificationReceiver) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req == nil {
		return
	}
	if !req.Notif {
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("client does not serve %q", req.Method),
		})
		return
	}

	n := &Notification{Method: req.Method}
	if req.Params != nil {
		n.Params = *req.Params
	}
	if err := r.queue.Enqueue(n); err != nil {
		r.logger.Warnw("dropping notification", err, "method", req.Method)
	}
}

type readTrackingStream struct {
	websocketjsonrpc2.ObjectStream

	lock sync.Mutex
	err  error
}

func (r *readTrackingStream) ReadObject(v interface{}) error {
	err := r.ObjectStream.ReadObject(v)
	if err != nil {
		r.lock.Lock()
		r.err = err
		r.lock.Unlock()
	}
	return err
}

func (r *readTrackingStream) Err() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.err
}

// HandshakeError is returned when the server answers the upgrade request with an HTTP error.
type HandshakeError struct {
	StatusCode int
	Reason     string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("signal handshake rejected (%d): %s", e.StatusCode, e.Reason)
}

func (e *HandshakeError) Unwrap() error {
	return ErrCannotConnectSignal
}

func dialError(err error, hresp *http.Response) error {
	if hresp == nil {
		return fmt.Errorf("%w: %v", ErrCannotDialSignal, err)
	}

	var reason string
	switch hresp.StatusCode {
	case http.StatusUnauthorized:
		reason = "unauthorized: "
	case http.StatusForbidden:
		reason = "forbidden: "
	case http.StatusNotFound:
		reason = "not found: "
	case http.StatusServiceUnavailable:
		reason = "unavailable: "
	}
	if hresp.Body != nil {
		body, rerr := io.ReadAll(io.LimitReader(hresp.Body, 4096))
		if rerr == nil {
			reason += strings.TrimSpace(string(body))
		}
	}
	return &HandshakeError{StatusCode: hresp.StatusCode, Reason: reason}
}

// IsCleanClose reports whether err is a normal closure initiated by the server.
func IsCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

func isIgnoredWebsocketError(err error) bool {
	if err == nil ||
		err == io.EOF ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		return true
	}

	return websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived)
}
