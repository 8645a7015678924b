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
	"errors"
	"fmt"
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	sdkinterceptor "github.com/confkit/session-sdk-go/pkg/interceptor"
	"github.com/confkit/session-sdk-go/signalling"
)

const reliableDataChannel = "_reliable"

// MediaConnection is one side of the peer connection pair as seen by the Transport.
type MediaConnection interface {
	AddTrack(t *LocalTrack) error
	// ReplaceTrack swaps the media of every sender of trackID without renegotiation. It reports
	// false when no sender exists for the track.
	ReplaceTrack(trackID string, track webrtc.TrackLocal) (bool, error)
	// RemoveTrack removes the senders of trackID and returns how many were removed.
	RemoveTrack(trackID string) (int, error)
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(candidate webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	Close() error
}

type PCTransportParams struct {
	Logger        logger.Logger
	Configuration webrtc.Configuration
	Target        signalling.SignalTarget
	// OnRTT receives round trip time estimates in milliseconds.
	OnRTT func(rtt uint32)
}

// PCTransport is a wrapper around PeerConnection, with some helper methods
type PCTransport struct {
	log    logger.Logger
	pc     *webrtc.PeerConnection
	target signalling.SignalTarget

	lock                      sync.Mutex
	pendingCandidates         []webrtc.ICECandidateInit
	senders                   map[string][]*webrtc.RTPSender
	currentOfferIceCredential string
}

func NewPCTransport(params PCTransportParams) (*PCTransport, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	audioLevelExtension := webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI}
	if err := m.RegisterHeaderExtension(audioLevelExtension, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	sdesMidExtension := webrtc.RTPHeaderExtensionCapability{URI: sdp.SDESMidURI}
	if err := m.RegisterHeaderExtension(sdesMidExtension, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}

	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, err
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
	i.Add(responder)

	if params.OnRTT != nil {
		i.Add(sdkinterceptor.NewRTTInterceptorFactory(params.OnRTT))
	}

	if err := webrtc.ConfigureRTCPReports(i); err != nil {
		return nil, err
	}
	if err := webrtc.ConfigureTWCCSender(m, i); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))
	pc, err := api.NewPeerConnection(params.Configuration)
	if err != nil {
		return nil, err
	}

	t := &PCTransport{
		log:     params.Logger.WithValues("transport", targetName(params.Target)),
		pc:      pc,
		target:  params.Target,
		senders: make(map[string][]*webrtc.RTPSender),
	}

	if params.Target == signalling.TargetPublisher {
		// gives the first offer an application section so ICE can start before any track
		ordered := true
		if _, err := pc.CreateDataChannel(reliableDataChannel, &webrtc.DataChannelInit{Ordered: &ordered}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	return t, nil
}

func targetName(target signalling.SignalTarget) string {
	if target == signalling.TargetSubscriber {
		return "subscriber"
	}
	return "publisher"
}

func (t *PCTransport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

func (t *PCTransport) IsConnected() bool {
	return t.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

func (t *PCTransport) AddTrack(lt *LocalTrack) error {
	track := lt.TrackLocal()
	if track == nil {
		return fmt.Errorf("track %s has no media", lt.ID())
	}
	tr, err := t.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return err
	}
	sender := tr.Sender()
	if !lt.IsEnabled() {
		if err := sender.ReplaceTrack(nil); err != nil {
			return err
		}
	}
	go drainRTCP(sender)

	t.lock.Lock()
	t.senders[lt.ID()] = append(t.senders[lt.ID()], sender)
	t.lock.Unlock()
	return nil
}

// drainRTCP keeps interceptors fed until the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *PCTransport) ReplaceTrack(trackID string, track webrtc.TrackLocal) (bool, error) {
	t.lock.Lock()
	senders := t.senders[trackID]
	t.lock.Unlock()

	if len(senders) == 0 {
		return false, nil
	}
	for _, s := range senders {
		if err := s.ReplaceTrack(track); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (t *PCTransport) RemoveTrack(trackID string) (int, error) {
	t.lock.Lock()
	senders := t.senders[trackID]
	delete(t.senders, trackID)
	t.lock.Unlock()

	removed := 0
	var errs []error
	for _, s := range senders {
		if err := t.pc.RemoveTrack(s); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (t *PCTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var options *webrtc.OfferOptions
	if iceRestart {
		t.log.Debugw("restarting ICE")
		options = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := t.pc.CreateOffer(options)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *PCTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// SetRemoteDescription applies sd and flushes candidates that arrived before it.
func (t *PCTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if sd.Type == webrtc.SDPTypeOffer {
		credential, err := iceCredential(sd)
		if err != nil {
			t.log.Warnw("could not read remote ICE credential", err)
		} else {
			if t.currentOfferIceCredential != "" && t.currentOfferIceCredential != credential {
				t.log.Infow("remote offer restarts ICE")
			}
			t.currentOfferIceCredential = credential
		}
	}

	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return err
	}

	for _, c := range t.pendingCandidates {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.pendingCandidates = nil
			return err
		}
	}
	t.pendingCandidates = nil
	return nil
}

func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.lock.Lock()
	if t.pc.RemoteDescription() == nil {
		t.pendingCandidates = append(t.pendingCandidates, candidate)
		t.lock.Unlock()
		return nil
	}
	t.lock.Unlock()

	return t.pc.AddICECandidate(candidate)
}

func (t *PCTransport) OnICECandidate(f func(candidate webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

func (t *PCTransport) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(f)
}

func (t *PCTransport) OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	t.pc.OnTrack(f)
}

func (t *PCTransport) Close() error {
	return t.pc.Close()
}

// iceCredential returns "ufrag:pwd" of the first credential found in sd.
func iceCredential(sd webrtc.SessionDescription) (string, error) {
	parsed, err := sd.Unmarshal()
	if err != nil {
		return "", err
	}
	ufrag, _ := parsed.Attribute("ice-ufrag")
	pwd, _ := parsed.Attribute("ice-pwd")
	for _, md := range parsed.MediaDescriptions {
		if ufrag != "" && pwd != "" {
			break
		}
		if v, ok := md.Attribute("ice-ufrag"); ok && ufrag == "" {
			ufrag = v
		}
		if v, ok := md.Attribute("ice-pwd"); ok && pwd == "" {
			pwd = v
		}
	}
	if ufrag == "" || pwd == "" {
		return "", errors.New("no ICE credential in session description")
	}
	return fmt.Sprintf("%s:%s", ufrag, pwd), nil
}
