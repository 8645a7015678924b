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
	"sync"

	"github.com/livekit/protocol/utils/guid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/confkit/session-sdk-go/signalling"
)

const (
	trackPrefix  = "TR_"
	streamPrefix = "ST_"
)

// LocalTrack owns captured media of the local peer. Its id stays the same when the media source
// is replaced, and its capture resources are released exactly once.
type LocalTrack struct {
	id       string
	streamID string
	kind     TrackKind
	source   TrackSource
	settings TrackSettings

	lock     sync.Mutex
	track    webrtc.TrackLocal
	deviceID string
	release  func() error

	enabled atomic.Bool
	stopped atomic.Bool
}

func NewLocalTrack(captured CapturedTrack, opts ...LocalTrackOption) *LocalTrack {
	t := &LocalTrack{
		kind:     captured.Kind,
		source:   TrackSourceRegular,
		track:    captured.Track,
		deviceID: captured.DeviceID,
		release:  captured.Close,
	}
	t.enabled.Store(true)
	for _, o := range opts {
		o(t)
	}

	if captured.Track != nil {
		t.id = captured.Track.ID()
		t.streamID = captured.Track.StreamID()
		if t.kind == "" {
			t.kind = KindFromRTPType(captured.Track.Kind())
		}
	}
	if t.id == "" {
		t.id = guid.New(trackPrefix)
	}
	if t.streamID == "" {
		t.streamID = guid.New(streamPrefix)
	}
	if t.settings.DeviceID == "" {
		t.settings.DeviceID = captured.DeviceID
	}
	return t
}

func (t *LocalTrack) ID() string {
	return t.id
}

func (t *LocalTrack) StreamID() string {
	return t.streamID
}

func (t *LocalTrack) Kind() TrackKind {
	return t.kind
}

func (t *LocalTrack) Source() TrackSource {
	return t.source
}

func (t *LocalTrack) Settings() TrackSettings {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.settings
}

// TrackLocal returns the media currently fed to the sender.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.track
}

func (t *LocalTrack) DeviceID() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.deviceID
}

func (t *LocalTrack) IsEnabled() bool {
	return t.enabled.Load()
}

func (t *LocalTrack) IsStopped() bool {
	return t.stopped.Load()
}

// setEnabled reports whether the state changed.
func (t *LocalTrack) setEnabled(enabled bool) bool {
	return t.enabled.Swap(enabled) != enabled
}

// swap installs captured as the media source and returns the release func of the previous one.
func (t *LocalTrack) swap(captured CapturedTrack) func() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	prev := t.release
	t.track = captured.Track
	t.release = captured.Close
	if captured.DeviceID != "" {
		t.deviceID = captured.DeviceID
		t.settings.DeviceID = captured.DeviceID
	}
	return prev
}

// Stop releases the capture resources. Only the first call has an effect.
func (t *LocalTrack) Stop() error {
	if t.stopped.Swap(true) {
		return nil
	}
	t.lock.Lock()
	release := t.release
	t.release = nil
	t.lock.Unlock()

	if release == nil {
		return nil
	}
	return release()
}

func (t *LocalTrack) info() signalling.TrackInfo {
	return signalling.TrackInfo{
		TrackID:  t.id,
		StreamID: t.streamID,
		Type:     t.kind.String(),
		Source:   t.source.String(),
		Mute:     !t.IsEnabled(),
	}
}

func (t *LocalTrack) storeTrack(peerID string) *Track {
	return &Track{
		TrackID:  t.id,
		StreamID: t.streamID,
		Kind:     t.kind,
		Source:   t.source,
		Enabled:  t.IsEnabled(),
		PeerID:   peerID,
		Local:    t,
	}
}
