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

// Package capture provides a confsdk.CaptureProvider backed by pion/mediadevices. The drivers
// and codecs are registered by the importing program.
package capture

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"

	confsdk "github.com/confkit/session-sdk-go"
)

var ErrNoCodecSelector = errors.New("codec selector is required")

type Option func(*Provider)

func WithLogger(l logger.Logger) Option {
	return func(p *Provider) {
		p.log = l
	}
}

// Provider opens local devices through mediadevices. Every returned track is encoded with the
// codecs of its selector.
type Provider struct {
	log      logger.Logger
	selector *mediadevices.CodecSelector

	// replaced in tests
	getUserMedia    func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	getDisplayMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	enumerate       func() []mediadevices.MediaDeviceInfo
}

var _ confsdk.CaptureProvider = (*Provider)(nil)

func NewProvider(selector *mediadevices.CodecSelector, opts ...Option) (*Provider, error) {
	if selector == nil {
		return nil, ErrNoCodecSelector
	}
	p := &Provider{
		log:             logger.GetLogger(),
		selector:        selector,
		getUserMedia:    mediadevices.GetUserMedia,
		getDisplayMedia: mediadevices.GetDisplayMedia,
		enumerate:       mediadevices.EnumerateDevices,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) AcquireTracks(ctx context.Context, req confsdk.CaptureRequest) ([]confsdk.CapturedTrack, error) {
	if req.Audio == nil && req.Video == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if req.Audio != nil {
		if !p.hasDevice(mediadevices.AudioInput, req.Audio.DeviceID) {
			return nil, &confsdk.CaptureError{Name: confsdk.CaptureErrNotFound, Kind: confsdk.TrackKindAudio}
		}
		constraints.Audio = audioConstraints(*req.Audio)
	}
	if req.Video != nil {
		if !p.hasDevice(mediadevices.VideoInput, req.Video.DeviceID) {
			return nil, &confsdk.CaptureError{Name: confsdk.CaptureErrNotFound, Kind: confsdk.TrackKindVideo}
		}
		constraints.Video = videoConstraints(*req.Video)
	}

	stream, err := p.getUserMedia(constraints)
	if err != nil {
		return nil, &confsdk.CaptureError{Name: errorName(err), Kind: requestKind(req), Err: err}
	}
	tracks := p.wrap(stream, req)
	p.log.Debugw("acquired local tracks", "count", len(tracks))
	return tracks, nil
}

// AcquireScreen captures the display. Screen audio is not offered by the screen driver, so only
// video is returned; callers asking for audio get what the platform supports.
func (p *Provider) AcquireScreen(ctx context.Context, req confsdk.ScreenCaptureRequest) ([]confsdk.CapturedTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := p.getDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: videoConstraints(req.Video),
		Codec: p.selector,
	})
	if err != nil {
		return nil, &confsdk.CaptureError{Name: errorName(err), Kind: confsdk.TrackKindVideo, Err: err}
	}
	if req.Audio {
		p.log.Debugw("screen audio is not available")
	}
	return p.wrap(stream, confsdk.CaptureRequest{Video: &req.Video}), nil
}

func (p *Provider) wrap(stream mediadevices.MediaStream, req confsdk.CaptureRequest) []confsdk.CapturedTrack {
	var tracks []confsdk.CapturedTrack
	for _, t := range stream.GetTracks() {
		kind := confsdk.KindFromRTPType(t.Kind())
		var deviceID string
		switch {
		case kind == confsdk.TrackKindAudio && req.Audio != nil:
			deviceID = req.Audio.DeviceID
		case kind == confsdk.TrackKindVideo && req.Video != nil:
			deviceID = req.Video.DeviceID
		}
		tracks = append(tracks, confsdk.CapturedTrack{
			Track:    t,
			Kind:     kind,
			DeviceID: deviceID,
			Close:    closeOnce(t),
		})
	}
	return tracks
}

// hasDevice reports whether a device of kind exists, and deviceID among them when set.
func (p *Provider) hasDevice(kind mediadevices.MediaDeviceType, deviceID string) bool {
	for _, d := range p.enumerate() {
		if d.Kind != kind {
			continue
		}
		if deviceID == "" || d.DeviceID == deviceID {
			return true
		}
	}
	return false
}

func closeOnce(t mediadevices.Track) func() error {
	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() { err = t.Close() })
		return err
	}
}

func audioConstraints(c confsdk.CaptureConstraints) func(*mediadevices.MediaTrackConstraints) {
	return func(mc *mediadevices.MediaTrackConstraints) {
		if c.DeviceID != "" {
			mc.DeviceID = prop.StringExact(c.DeviceID)
		}
		mc.ChannelCount = prop.Int(1)
	}
}

func videoConstraints(c confsdk.CaptureConstraints) func(*mediadevices.MediaTrackConstraints) {
	return func(mc *mediadevices.MediaTrackConstraints) {
		if c.DeviceID != "" {
			mc.DeviceID = prop.StringExact(c.DeviceID)
		}
		if c.Width > 0 {
			mc.Width = prop.Int(c.Width)
		}
		if c.Height > 0 {
			mc.Height = prop.Int(c.Height)
		}
		if c.FrameRate > 0 {
			mc.FrameRate = prop.Float(c.FrameRate)
		}
	}
}

func requestKind(req confsdk.CaptureRequest) confsdk.TrackKind {
	if req.Video != nil {
		return confsdk.TrackKindVideo
	}
	return confsdk.TrackKindAudio
}

// errorName maps a mediadevices failure onto the platform error names the session understands.
// mediadevices does not export typed errors, so the message is inspected.
func errorName(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraints"):
		return confsdk.CaptureErrOverconstrained
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return confsdk.CaptureErrNotReadable
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not permitted"):
		return confsdk.CaptureErrNotAllowed
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"):
		return confsdk.CaptureErrNotFound
	}
	return confsdk.CaptureErrAbort
}
