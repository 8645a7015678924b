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

	"github.com/pion/webrtc/v4"
)

// CaptureConstraints are the media constraints applied when opening a device.
type CaptureConstraints struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate int
	BitRate   int
	Codec     string
}

// CaptureRequest asks for up to one audio and one video track. A nil entry is not captured.
type CaptureRequest struct {
	Audio *CaptureConstraints
	Video *CaptureConstraints
}

type ScreenCaptureRequest struct {
	Video CaptureConstraints
	Audio bool
}

// CapturedTrack is media handed over by the platform. Close releases the device and must be
// safe to call once.
type CapturedTrack struct {
	Track    webrtc.TrackLocal
	Kind     TrackKind
	DeviceID string
	Close    func() error
}

// CaptureProvider is the platform media stack.
type CaptureProvider interface {
	AcquireTracks(ctx context.Context, req CaptureRequest) ([]CapturedTrack, error)
	AcquireScreen(ctx context.Context, req ScreenCaptureRequest) ([]CapturedTrack, error)
}

var errNoCaptureProvider = errors.New("no capture provider configured")

// platform error names reported by capture providers
const (
	CaptureErrNotAllowed       = "NotAllowedError"
	CaptureErrPermissionDenied = "PermissionDeniedError"
	CaptureErrSecurity         = "SecurityError"
	CaptureErrNotFound         = "NotFoundError"
	CaptureErrDevicesNotFound  = "DevicesNotFoundError"
	CaptureErrOverconstrained  = "OverconstrainedError"
	CaptureErrNotReadable      = "NotReadableError"
	CaptureErrTrackStart       = "TrackStartError"
	CaptureErrAbort            = "AbortError"
)

// CaptureError is returned by capture providers. Name is the platform error name.
type CaptureError struct {
	Name string
	Kind TrackKind
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s capture failed (%s): %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("%s capture failed (%s)", e.Kind, e.Name)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

func captureErrorCode(name string) ErrorCode {
	switch name {
	case CaptureErrNotFound, CaptureErrDevicesNotFound, CaptureErrOverconstrained:
		return CodeDeviceNotAvailable
	case CaptureErrNotReadable, CaptureErrTrackStart, CaptureErrAbort:
		return CodeDeviceInUse
	}
	return CodeCantAccessCaptureDevice
}

// deviceError classifies a capture failure by its platform error name.
func deviceError(action string, err error) error {
	if err == nil {
		return nil
	}
	var sdkErr *Error
	if errors.As(err, &sdkErr) {
		return err
	}
	var capErr *CaptureError
	if errors.As(err, &capErr) {
		return newError(captureErrorCode(capErr.Name), action, string(capErr.Kind), err)
	}
	return newError(CodeCantAccessCaptureDevice, action, "", err)
}

func releaseCaptured(tracks []CapturedTrack) {
	for _, c := range tracks {
		if c.Close != nil {
			_ = c.Close()
		}
	}
}
