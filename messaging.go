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
	"time"

	"github.com/confkit/session-sdk-go/signalling"
)

// SendBroadcastMessage sends text to everyone in the room. An empty type defaults to chat.
func (s *Session) SendBroadcastMessage(ctx context.Context, text string, msgType string) (*Message, error) {
	return s.sendMessage(ctx, "SendBroadcastMessage", &Message{Message: text, Type: msgType})
}

// SendGroupMessage sends text to the peers holding any of roles. Every role must be known.
func (s *Session) SendGroupMessage(ctx context.Context, text string, roles []string, msgType string) (*Message, error) {
	const action = "SendGroupMessage"
	if len(roles) == 0 {
		return nil, validationError(action, "no recipient roles")
	}
	known := s.store.GetKnownRoles()
	for _, r := range roles {
		if _, ok := known[r]; !ok {
			return nil, validationError(action, "unknown role "+r)
		}
	}
	return s.sendMessage(ctx, action, &Message{Message: text, Type: msgType, RecipientRoles: slices.Clone(roles)})
}

// SendDirectMessage sends text to a single remote peer.
func (s *Session) SendDirectMessage(ctx context.Context, text string, peerID string, msgType string) (*Message, error) {
	const action = "SendDirectMessage"
	local, err := s.localPeer(action)
	if err != nil {
		return nil, err
	}
	if peerID == local.PeerID {
		return nil, newError(CodeValidationFailed, action, "cannot message yourself", errSelfTarget)
	}
	if _, ok := s.store.GetPeerByID(peerID); !ok {
		return nil, newError(CodeValidationFailed, action, peerID, ErrCannotFindPeer)
	}
	return s.sendMessage(ctx, action, &Message{Message: text, Type: msgType, RecipientPeer: peerID})
}

func (s *Session) sendMessage(ctx context.Context, action string, msg *Message) (*Message, error) {
	text := normalizeMessageText(msg.Message)
	if text == "" {
		return nil, validationError(action, "message cannot be empty")
	}
	local, err := s.localPeer(action)
	if err != nil {
		return nil, err
	}
	if msg.Type == "" {
		msg.Type = defaultMessageType
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msg.Message = text
	msg.SenderID = local.PeerID
	msg.SenderName = local.Name
	msg.Time = time.Now()
	err = s.transport.Call(ctx, signalling.MethodBroadcast, &signalling.BroadcastParams{
		Info: signalling.Message{
			Sender:         msg.SenderID,
			RecipientPeer:  msg.RecipientPeer,
			RecipientRoles: msg.RecipientRoles,
			Message:        msg.Message,
			Type:           msg.Type,
			Timestamp:      msg.Time.UnixMilli(),
		},
	}, nil)
	if err != nil {
		return nil, err
	}
	s.params.Metrics.messageSent()
	return msg, nil
}
