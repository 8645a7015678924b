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
	"net/http"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/confkit/session-sdk-go/signalling"
)

var (
	ErrInvalidTokenFormat         = errors.New("invalid token format")
	ErrInitFailure                = errors.New("init lookup failed")
	ErrSignalingFailure           = errors.New("signaling failure")
	ErrWebSocketConnectionFailure = errors.New("websocket connection failure")
	ErrServerRejected             = errors.New("rejected by server")
	ErrValidation                 = errors.New("validation failed")
	ErrCantAccessCaptureDevice    = errors.New("cannot access capture device")
	ErrDeviceNotAvailable         = errors.New("capture device not available")
	ErrDeviceInUse                = errors.New("capture device in use")
	ErrInvariantViolation         = errors.New("internal invariant violated")
	ErrNotConnected               = errors.New("not connected")
	ErrReconnectBudgetExhausted   = errors.New("could not reconnect within budget")
	ErrSessionClosed              = errors.New("session already used")
	ErrCannotFindTrack            = errors.New("could not find the track")
	ErrCannotFindPeer             = errors.New("could not find the peer")
)

type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeInvalidTokenFormat
	CodeInitFailure
	CodeSignalingFailure
	CodeWebSocketConnectionFailure
	CodeInvalidToken
	CodeEndpointDisabled
	CodeRoomFull
	CodeRoomTerminated
	CodeNotFound
	CodeValidationFailed
	CodeCantAccessCaptureDevice
	CodeDeviceNotAvailable
	CodeDeviceInUse
	CodeInvariantViolation
	CodeNotConnected
	CodeReconnectFailed
)

var errorCodeNames = map[ErrorCode]string{
	CodeUnknown:                    "Unknown",
	CodeInvalidTokenFormat:         "InvalidTokenFormat",
	CodeInitFailure:                "InitFailure",
	CodeSignalingFailure:           "SignalingFailure",
	CodeWebSocketConnectionFailure: "WebSocketConnectionFailure",
	CodeInvalidToken:               "InvalidToken",
	CodeEndpointDisabled:           "EndpointDisabled",
	CodeRoomFull:                   "RoomFull",
	CodeRoomTerminated:             "RoomTerminated",
	CodeNotFound:                   "NotFound",
	CodeValidationFailed:           "ValidationFailed",
	CodeCantAccessCaptureDevice:    "CantAccessCaptureDevice",
	CodeDeviceNotAvailable:         "DeviceNotAvailable",
	CodeDeviceInUse:                "DeviceInUse",
	CodeInvariantViolation:         "InvariantViolation",
	CodeNotConnected:               "NotConnected",
	CodeReconnectFailed:            "ReconnectFailed",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

func (c ErrorCode) category() error {
	switch c {
	case CodeInvalidTokenFormat:
		return ErrInvalidTokenFormat
	case CodeInitFailure:
		return ErrInitFailure
	case CodeSignalingFailure:
		return ErrSignalingFailure
	case CodeWebSocketConnectionFailure:
		return ErrWebSocketConnectionFailure
	case CodeInvalidToken, CodeEndpointDisabled, CodeRoomFull, CodeRoomTerminated, CodeNotFound:
		return ErrServerRejected
	case CodeValidationFailed:
		return ErrValidation
	case CodeCantAccessCaptureDevice:
		return ErrCantAccessCaptureDevice
	case CodeDeviceNotAvailable:
		return ErrDeviceNotAvailable
	case CodeDeviceInUse:
		return ErrDeviceInUse
	case CodeInvariantViolation:
		return ErrInvariantViolation
	case CodeNotConnected:
		return ErrNotConnected
	case CodeReconnectFailed:
		return ErrReconnectBudgetExhausted
	}
	return nil
}

// Error is the typed error surfaced by session operations. It matches its category sentinel
// with errors.Is, and the wrapped cause when there is one.
type Error struct {
	Code    ErrorCode
	Action  string
	Message string
	Err     error
}

func newError(code ErrorCode, action string, message string, cause error) *Error {
	return &Error{Code: code, Action: action, Message: message, Err: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s [%s]", e.Code, e.Action)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if c := e.Code.category(); c != nil {
		errs = append(errs, c)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsTerminal reports whether retrying the failed operation cannot help.
func (e *Error) IsTerminal() bool {
	switch e.Code {
	case CodeInvalidTokenFormat, CodeInvalidToken, CodeEndpointDisabled, CodeRoomFull, CodeRoomTerminated,
		CodeNotFound, CodeValidationFailed, CodeInvariantViolation, CodeReconnectFailed:
		return true
	}
	return false
}

func isTerminal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.IsTerminal()
}

func validationError(action string, message string) *Error {
	return newError(CodeValidationFailed, action, message, nil)
}

// serverErrorCodes maps JSON-RPC error codes sent by the server.
var serverErrorCodes = map[int64]ErrorCode{
	http.StatusBadRequest:   CodeValidationFailed,
	http.StatusUnauthorized: CodeInvalidToken,
	http.StatusForbidden:    CodeEndpointDisabled,
	http.StatusNotFound:     CodeNotFound,
	http.StatusConflict:     CodeRoomFull,
	http.StatusGone:         CodeRoomTerminated,
}

// signalError classifies an error returned while talking to the signal server.
func signalError(action string, err error) error {
	if err == nil {
		return nil
	}
	var sdkErr *Error
	if errors.As(err, &sdkErr) {
		return err
	}

	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		// unmapped codes are internal server failures and may succeed on retry
		code, ok := serverErrorCodes[rpcErr.Code]
		if !ok {
			code = CodeSignalingFailure
		}
		return newError(code, action, rpcErr.Message, err)
	}

	var handshakeErr *signalling.HandshakeError
	if errors.As(err, &handshakeErr) {
		switch handshakeErr.StatusCode {
		case http.StatusUnauthorized:
			return newError(CodeInvalidToken, action, handshakeErr.Reason, err)
		case http.StatusForbidden:
			return newError(CodeEndpointDisabled, action, handshakeErr.Reason, err)
		}
		return newError(CodeSignalingFailure, action, handshakeErr.Reason, err)
	}

	switch {
	case errors.Is(err, jsonrpc2.ErrClosed), errors.Is(err, signalling.ErrNotConnected):
		return newError(CodeWebSocketConnectionFailure, action, "", err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return newError(CodeSignalingFailure, action, "", err)
}
