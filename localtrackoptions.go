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

// TrackSettings are the capture and encoding parameters of a local track.
type TrackSettings struct {
	DeviceID   string
	Width      int
	Height     int
	FrameRate  int
	MaxBitrate int
	Codec      string
}

func (s TrackSettings) constraints() *CaptureConstraints {
	return &CaptureConstraints{
		DeviceID:  s.DeviceID,
		Width:     s.Width,
		Height:    s.Height,
		FrameRate: s.FrameRate,
		BitRate:   s.MaxBitrate,
		Codec:     s.Codec,
	}
}

// InitialSettings is the requested local media state at join.
type InitialSettings struct {
	AudioMuted    bool
	VideoMuted    bool
	AudioDeviceID string
	VideoDeviceID string
}

// default bitrates of playlist tracks, in kbps
const (
	videoPlaylistBitrate = 1000
	audioPlaylistBitrate = 64
)

type LocalTrackOption func(t *LocalTrack)

func WithTrackSource(source TrackSource) LocalTrackOption {
	return func(t *LocalTrack) {
		t.source = source
	}
}

func WithTrackSettings(settings TrackSettings) LocalTrackOption {
	return func(t *LocalTrack) {
		t.settings = settings
	}
}

// WithEnabled sets the initial mute state; tracks start enabled.
func WithEnabled(enabled bool) LocalTrackOption {
	return func(t *LocalTrack) {
		t.enabled.Store(enabled)
	}
}
