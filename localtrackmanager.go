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
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
)

// trackPublisher is the part of the Transport the local track manager drives.
type trackPublisher interface {
	Publish(ctx context.Context, tracks ...*LocalTrack) error
	Unpublish(ctx context.Context, tracks ...*LocalTrack) error
	ReplaceTrack(trackID string, track webrtc.TrackLocal) (bool, error)
	SetTrackEnabled(lt *LocalTrack) error
}

type LocalTrackManagerParams struct {
	Logger    logger.Logger
	Store     *Store
	Capture   CaptureProvider
	Publisher trackPublisher
	Callback  *SessionCallback
}

// ScreenShareOptions configures StartScreenShare. AudioOnly shares only the captured system
// audio and fails when the platform provides none.
type ScreenShareOptions struct {
	Video     CaptureConstraints
	Audio     bool
	AudioOnly bool
}

// LocalTrackManager acquires, publishes and releases the local peer's tracks.
type LocalTrackManager struct {
	log       logger.Logger
	store     *Store
	capture   CaptureProvider
	publisher trackPublisher
	cb        *SessionCallback

	// serializes track mutations of the local peer
	lock          sync.Mutex
	screenStarted bool
}

func NewLocalTrackManager(params LocalTrackManagerParams) *LocalTrackManager {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Callback == nil {
		params.Callback = NewSessionCallback()
	}
	return &LocalTrackManager{
		log:       params.Logger,
		store:     params.Store,
		capture:   params.Capture,
		publisher: params.Publisher,
		cb:        params.Callback,
	}
}

// GetTracksToPublish acquires the tracks role may publish, constrained by its publish params.
// Muted kinds are returned disabled.
func (m *LocalTrackManager) GetTracksToPublish(ctx context.Context, role *Role, settings InitialSettings) ([]*LocalTrack, error) {
	var kinds []TrackKind
	if role.Allows(PublishAudio) {
		kinds = append(kinds, TrackKindAudio)
	}
	if role.Allows(PublishVideo) {
		kinds = append(kinds, TrackKindVideo)
	}
	return m.acquire(ctx, role, settings, kinds...)
}

func (m *LocalTrackManager) acquire(ctx context.Context, role *Role, settings InitialSettings, kinds ...TrackKind) ([]*LocalTrack, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	if m.capture == nil {
		return nil, newError(CodeCantAccessCaptureDevice, "GetTracksToPublish", "", errNoCaptureProvider)
	}

	var (
		req    CaptureRequest
		wanted = make(map[TrackKind]TrackSettings, len(kinds))
	)
	for _, kind := range kinds {
		s := roleTrackSettings(role, kind, settings)
		wanted[kind] = s
		if kind == TrackKindAudio {
			req.Audio = s.constraints()
		} else {
			req.Video = s.constraints()
		}
	}

	captured, err := m.capture.AcquireTracks(ctx, req)
	if err != nil {
		return nil, deviceError("GetTracksToPublish", err)
	}

	byKind := make(map[TrackKind]CapturedTrack, len(wanted))
	var extra []CapturedTrack
	for _, c := range captured {
		if _, ok := wanted[c.Kind]; !ok {
			extra = append(extra, c)
			continue
		}
		if _, dup := byKind[c.Kind]; dup {
			extra = append(extra, c)
			continue
		}
		byKind[c.Kind] = c
	}
	releaseCaptured(extra)

	tracks := make([]*LocalTrack, 0, len(kinds))
	for _, kind := range kinds {
		c, ok := byKind[kind]
		if !ok {
			for _, lt := range tracks {
				_ = lt.Stop()
			}
			for k, c := range byKind {
				if k != kind {
					releaseCaptured([]CapturedTrack{c})
				}
			}
			return nil, newError(CodeDeviceNotAvailable, "GetTracksToPublish", "no "+kind.String()+" track captured", nil)
		}
		delete(byKind, kind)
		muted := settings.AudioMuted
		if kind == TrackKindVideo {
			muted = settings.VideoMuted
		}
		tracks = append(tracks, NewLocalTrack(c, WithTrackSettings(wanted[kind]), WithEnabled(!muted)))
	}
	return tracks, nil
}

func roleTrackSettings(role *Role, kind TrackKind, settings InitialSettings) TrackSettings {
	if kind == TrackKindAudio {
		return TrackSettings{
			DeviceID:   settings.AudioDeviceID,
			MaxBitrate: role.PublishParams.Audio.BitRate,
			Codec:      role.PublishParams.Audio.Codec,
		}
	}
	video := role.PublishParams.Video
	return TrackSettings{
		DeviceID:   settings.VideoDeviceID,
		Width:      video.Width,
		Height:     video.Height,
		FrameRate:  video.FrameRate,
		MaxBitrate: video.BitRate,
		Codec:      video.Codec,
	}
}

// PublishTracks publishes each track and records it on the local peer. A track whose publish
// fails is stopped.
func (m *LocalTrackManager) PublishTracks(ctx context.Context, tracks ...*LocalTrack) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.publishLocked(ctx, tracks...)
}

func (m *LocalTrackManager) publishLocked(ctx context.Context, tracks ...*LocalTrack) error {
	local, ok := m.store.GetLocalPeer()
	if !ok {
		return newError(CodeNotConnected, "publish", "no local peer", nil)
	}

	var errs []error
	for i, lt := range tracks {
		if err := m.publisher.Publish(ctx, lt); err != nil {
			for _, rest := range tracks[i:] {
				_ = rest.Stop()
			}
			errs = append(errs, err)
			break
		}
		if !m.store.AddTrack(lt.storeTrack(local.PeerID)) {
			errs = append(errs, newError(CodeInvariantViolation, "publish", "could not store track "+lt.ID(), nil))
			continue
		}
		m.log.Debugw("published local track", "trackID", lt.ID(), "kind", lt.Kind(), "source", lt.Source())
	}
	return errors.Join(errs...)
}

// AddTrack publishes an auxiliary track, such as a playlist.
func (m *LocalTrackManager) AddTrack(ctx context.Context, captured CapturedTrack, source TrackSource) (*LocalTrack, error) {
	settings := TrackSettings{DeviceID: captured.DeviceID}
	switch source {
	case TrackSourceVideoPlaylist:
		settings.MaxBitrate = videoPlaylistBitrate
	case TrackSourceAudioPlaylist:
		settings.MaxBitrate = audioPlaylistBitrate
	case TrackSourceScreen:
		return nil, validationError("AddTrack", "use StartScreenShare for screen tracks")
	}

	lt := NewLocalTrack(captured, WithTrackSource(source), WithTrackSettings(settings))
	if err := m.PublishTracks(ctx, lt); err != nil {
		return nil, err
	}
	return lt, nil
}

// ReplaceTrack captures a new source for a local track and swaps it onto the sender without
// renegotiating. The previous source is released only once the new one is installed.
func (m *LocalTrackManager) ReplaceTrack(ctx context.Context, trackID string, settings TrackSettings) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	lt, ok := m.localTrack(trackID)
	if !ok {
		return newError(CodeNotFound, "ReplaceTrack", trackID, ErrCannotFindTrack)
	}
	if m.capture == nil {
		return newError(CodeCantAccessCaptureDevice, "ReplaceTrack", "", errNoCaptureProvider)
	}

	var req CaptureRequest
	if lt.Kind() == TrackKindAudio {
		req.Audio = settings.constraints()
	} else {
		req.Video = settings.constraints()
	}
	captured, err := m.capture.AcquireTracks(ctx, req)
	if err != nil {
		return deviceError("ReplaceTrack", err)
	}
	var (
		next  CapturedTrack
		found bool
		extra []CapturedTrack
	)
	for _, c := range captured {
		if !found && c.Kind == lt.Kind() {
			next, found = c, true
			continue
		}
		extra = append(extra, c)
	}
	releaseCaptured(extra)
	if !found {
		return newError(CodeDeviceNotAvailable, "ReplaceTrack", "no "+lt.Kind().String()+" track captured", nil)
	}

	if lt.IsEnabled() {
		installed, err := m.publisher.ReplaceTrack(lt.ID(), next.Track)
		if err != nil {
			releaseCaptured([]CapturedTrack{next})
			return newError(CodeSignalingFailure, "ReplaceTrack", trackID, err)
		}
		if !installed {
			m.log.Infow("no sender for track, replacing source only", "trackID", trackID)
		}
	}

	if release := lt.swap(next); release != nil {
		if err := release(); err != nil {
			m.log.Warnw("could not release previous source", err, "trackID", trackID)
		}
	}
	return nil
}

// RemoveTrack unpublishes a local track, drops it from the local peer and releases its source.
// Removing an unknown track only logs.
func (m *LocalTrackManager) RemoveTrack(ctx context.Context, trackID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.removeLocked(ctx, trackID)
}

func (m *LocalTrackManager) removeLocked(ctx context.Context, trackID string) error {
	lt, ok := m.localTrack(trackID)
	if !ok {
		m.log.Warnw("cannot remove unknown local track", ErrCannotFindTrack, "trackID", trackID)
		return nil
	}

	if err := m.publisher.Unpublish(ctx, lt); err != nil {
		return err
	}
	m.store.RemoveTrack(trackID)
	if err := lt.Stop(); err != nil {
		m.log.Warnw("could not release track source", err, "trackID", trackID)
	}
	m.log.Debugw("removed local track", "trackID", trackID, "source", lt.Source())
	return nil
}

// SetEnabled mutes or unmutes the main local track of kind.
func (m *LocalTrackManager) SetEnabled(kind TrackKind, enabled bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.setEnabledLocked(kind, enabled)
}

func (m *LocalTrackManager) setEnabledLocked(kind TrackKind, enabled bool) error {
	lt, ok := m.mainTrack(kind)
	if !ok {
		return newError(CodeNotFound, "SetEnabled", "no local "+kind.String()+" track", ErrCannotFindTrack)
	}
	if !lt.setEnabled(enabled) {
		return nil
	}

	var (
		track *Track
		peer  *Peer
	)
	m.store.Update(func(tx *StoreTx) {
		tx.UpdateTrack(lt.ID(), func(t *Track) { t.Enabled = enabled })
		track, _ = tx.GetTrackByID(lt.ID())
		peer, _ = tx.GetLocalPeer()
	})
	err := m.publisher.SetTrackEnabled(lt)

	update := TrackMuted
	if enabled {
		update = TrackUnmuted
	}
	if track != nil {
		m.cb.OnTrackUpdate(update, track, peer)
	}
	return err
}

// HandleDeviceError disables the local track of kind after a capture failure during the
// session and reports the failure, leaving the session up.
func (m *LocalTrackManager) HandleDeviceError(kind TrackKind, err error) {
	devErr := deviceError("device", err)
	m.log.Warnw("capture device failed", devErr, "kind", kind)

	m.lock.Lock()
	if _, ok := m.mainTrack(kind); ok {
		if err := m.setEnabledLocked(kind, false); err != nil {
			m.log.Warnw("could not disable track", err, "kind", kind)
		}
	}
	m.lock.Unlock()
	m.cb.OnError(devErr)
}

// StartScreenShare captures and publishes the screen. Only one share may be active, and a
// second one fails before anything is sent.
func (m *LocalTrackManager) StartScreenShare(ctx context.Context, opts ScreenShareOptions) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	local, ok := m.store.GetLocalPeer()
	if !ok {
		return newError(CodeNotConnected, "StartScreenShare", "no local peer", nil)
	}
	if !local.Role.Allows(PublishScreen) {
		return validationError("StartScreenShare", "role "+local.RoleName()+" cannot share screen")
	}
	if m.screenStarted || len(m.screenTracks()) > 0 {
		return validationError("StartScreenShare", "a screen share is already active")
	}
	if m.capture == nil {
		return newError(CodeCantAccessCaptureDevice, "StartScreenShare", "", errNoCaptureProvider)
	}

	video := opts.Video
	params := local.Role.PublishParams.Screen
	if video.Width == 0 && video.Height == 0 {
		video.Width, video.Height = params.Width, params.Height
	}
	if video.FrameRate == 0 {
		video.FrameRate = params.FrameRate
	}
	if video.BitRate == 0 {
		video.BitRate = params.BitRate
	}
	if video.Codec == "" {
		video.Codec = params.Codec
	}

	captured, err := m.capture.AcquireScreen(ctx, ScreenCaptureRequest{Video: video, Audio: opts.Audio || opts.AudioOnly})
	if err != nil {
		return deviceError("StartScreenShare", err)
	}

	var keep, drop []CapturedTrack
	hasAudio := false
	for _, c := range captured {
		switch {
		case c.Kind == TrackKindAudio:
			hasAudio = true
			keep = append(keep, c)
		case opts.AudioOnly:
			drop = append(drop, c)
		default:
			keep = append(keep, c)
		}
	}
	releaseCaptured(drop)
	if opts.AudioOnly && !hasAudio {
		releaseCaptured(keep)
		return newError(CodeDeviceNotAvailable, "StartScreenShare", "audio only share without system audio", nil)
	}
	if len(keep) == 0 {
		return newError(CodeDeviceNotAvailable, "StartScreenShare", "no screen track captured", nil)
	}

	tracks := make([]*LocalTrack, 0, len(keep))
	for _, c := range keep {
		settings := TrackSettings{DeviceID: c.DeviceID}
		if c.Kind == TrackKindVideo {
			settings = TrackSettings{
				DeviceID:   c.DeviceID,
				Width:      video.Width,
				Height:     video.Height,
				FrameRate:  video.FrameRate,
				MaxBitrate: video.BitRate,
				Codec:      video.Codec,
			}
		}
		tracks = append(tracks, NewLocalTrack(c, WithTrackSource(TrackSourceScreen), WithTrackSettings(settings)))
	}

	m.screenStarted = true
	if err := m.publishLocked(ctx, tracks...); err != nil {
		for _, lt := range tracks {
			if _, ok := m.localTrack(lt.ID()); ok {
				if rerr := m.removeLocked(ctx, lt.ID()); rerr != nil {
					m.log.Warnw("could not roll back screen track", rerr, "trackID", lt.ID())
				}
			}
			_ = lt.Stop()
		}
		m.screenStarted = false
		return err
	}
	return nil
}

// StopScreenShare removes every screen track of the local peer.
func (m *LocalTrackManager) StopScreenShare(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	var errs []error
	for _, lt := range m.screenTracks() {
		if err := m.removeLocked(ctx, lt.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		m.screenStarted = false
	}
	return errors.Join(errs...)
}

func (m *LocalTrackManager) IsScreenSharing() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.screenStarted
}

// LocalTracks returns the tracks of the local peer, main tracks first.
func (m *LocalTrackManager) LocalTracks() []*LocalTrack {
	var tracks []*LocalTrack
	m.store.View(func(tx *StoreTx) {
		local, ok := tx.GetLocalPeer()
		if !ok {
			return
		}
		for _, id := range local.TrackIDs() {
			if t, ok := tx.GetTrackByID(id); ok && t.Local != nil {
				tracks = append(tracks, t.Local)
			}
		}
	})
	return tracks
}

// StopAll releases every local track without unpublishing.
func (m *LocalTrackManager) StopAll() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, lt := range m.LocalTracks() {
		if err := lt.Stop(); err != nil {
			m.log.Debugw("could not release track source", "trackID", lt.ID(), "error", err)
		}
	}
	m.screenStarted = false
}

func (m *LocalTrackManager) localTrack(trackID string) (*LocalTrack, bool) {
	t, ok := m.store.GetTrackByID(trackID)
	if !ok || t.Local == nil {
		return nil, false
	}
	return t.Local, true
}

func (m *LocalTrackManager) mainTrack(kind TrackKind) (*LocalTrack, bool) {
	local, ok := m.store.GetLocalPeer()
	if !ok {
		return nil, false
	}
	id := local.AudioTrackID
	if kind == TrackKindVideo {
		id = local.VideoTrackID
	}
	return m.localTrack(id)
}

func (m *LocalTrackManager) screenTracks() []*LocalTrack {
	var screen []*LocalTrack
	for _, lt := range m.LocalTracks() {
		if lt.Source() == TrackSourceScreen {
			screen = append(screen, lt)
		}
	}
	return screen
}
