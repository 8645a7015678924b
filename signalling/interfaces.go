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

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
)

type ConnectParams struct {
	PeerID string
}

type SignalTransport interface {
	SetLogger(l protoLogger.Logger)

	Open(ctx context.Context, url string, token string, params ConnectParams) error
	IsConnected() bool
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any, result any) error
	Notify(ctx context.Context, method string, params any) error
}

type SignalTransportHandler interface {
	// OnTransportClose is invoked when the connection ends without Close being called.
	OnTransportClose(err error)
}

type SignalHandler interface {
	SetLogger(l protoLogger.Logger)

	HandleNotification(n *Notification) error
}

type SignalProcessor interface {
	OnOffer(sd webrtc.SessionDescription)
	OnTrickle(trickle Trickle)
	OnNotification(n *Notification)
}
