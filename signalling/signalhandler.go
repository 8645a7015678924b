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
	"github.com/livekit/protocol/logger"
)

var _ SignalHandler = (*signalhandler)(nil)

type SignalHandlerParams struct {
	Logger    logger.Logger
	Processor SignalProcessor
}

type signalhandler struct {
	params SignalHandlerParams
}

func NewSignalHandler(params SignalHandlerParams) SignalHandler {
	return &signalhandler{
		params: params,
	}
}

func (s *signalhandler) SetLogger(l logger.Logger) {
	s.params.Logger = l
}

// HandleNotification decodes media negotiation messages and forwards every other
// notification untouched.
func (s *signalhandler) HandleNotification(n *Notification) error {
	switch n.Method {
	case NotifyOffer:
		offer, err := DecodeParams[OfferNotification](n)
		if err != nil {
			s.params.Logger.Warnw("could not decode offer", err)
			return err
		}
		s.params.Processor.OnOffer(offer.Offer)

	case NotifyTrickle:
		trickle, err := DecodeParams[Trickle](n)
		if err != nil {
			s.params.Logger.Warnw("could not decode ICE candidate", err)
			return err
		}
		s.params.Processor.OnTrickle(trickle)

	case "":
		s.params.Logger.Warnw("notification without method", nil)
		return ErrUnknownMethod

	default:
		s.params.Processor.OnNotification(n)
	}
	return nil
}
