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

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/urfave/cli/v2"

	confsdk "github.com/confkit/session-sdk-go"
	"github.com/confkit/session-sdk-go/pkg/capture"
)

var SessionCommands = []*cli.Command{
	{
		Name:      "join",
		Usage:     "Joins a room and prints room events until interrupted",
		ArgsUsage: "[token]",
		Action:    joinRoom,
		Flags: []cli.Flag{
			tokenFlag,
			&cli.StringFlag{
				Name:    "config",
				Usage:   "config file path",
				EnvVars: []string{"CONFKIT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "display name",
				Value: "confkit-cli",
			},
			&cli.BoolFlag{
				Name:  "capture",
				Usage: "publish the local camera and microphone",
			},
			&cli.BoolFlag{
				Name:  "muted",
				Usage: "join with audio and video disabled",
			},
			&cli.StringFlag{
				Name:  "message",
				Usage: "broadcast a chat message once joined",
			},
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "leave after this long, 0 waits for an interrupt",
			},
		},
	},
}

func joinRoom(c *cli.Context) error {
	token, err := tokenArg(c)
	if err != nil {
		return err
	}
	cfg, err := confsdk.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	opts := []confsdk.SessionOption{
		confsdk.WithConfig(*cfg),
		confsdk.WithName(c.String("name")),
		confsdk.WithInitialSettings(confsdk.InitialSettings{
			AudioMuted: c.Bool("muted"),
			VideoMuted: c.Bool("muted"),
		}),
	}
	if c.Bool("capture") {
		provider, err := newCaptureProvider()
		if err != nil {
			return err
		}
		opts = append(opts, confsdk.WithCaptureProvider(provider))
	}

	done := make(chan struct{})
	session := confsdk.NewSession(printingCallback(done), opts...)

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := session.Join(ctx, token); err != nil {
		return err
	}
	defer func() {
		if err := session.Leave(); err != nil {
			logger.Warnw("leave failed", err)
		}
	}()

	if msg := c.String("message"); msg != "" {
		if _, err := session.SendBroadcastMessage(ctx, msg, ""); err != nil {
			return err
		}
	}

	var timeout <-chan time.Time
	if d := c.Duration("duration"); d > 0 {
		timeout = time.After(d)
	}
	select {
	case <-ctx.Done():
	case <-done:
	case <-timeout:
	}
	return nil
}

func newCaptureProvider() (*capture.Provider, error) {
	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return capture.NewProvider(selector, capture.WithLogger(logger.GetLogger()))
}

// printingCallback prints every event; done is closed once the session is over.
func printingCallback(done chan struct{}) *confsdk.SessionCallback {
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }
	return &confsdk.SessionCallback{
		OnJoin: func(room *confsdk.Room) {
			fmt.Printf("joined room %s (%s)\n", room.Name, room.ID)
		},
		OnPeerUpdate: func(update confsdk.PeerUpdate, peer *confsdk.Peer) {
			fmt.Printf("%s: %s (%s)\n", update, peer.Name, peer.RoleName())
		},
		OnTrackUpdate: func(update confsdk.TrackUpdate, track *confsdk.Track, peer *confsdk.Peer) {
			fmt.Printf("%s: %s %s of %s\n", update, track.Source, track.Kind, peer.Name)
		},
		OnRoomUpdate: func(update confsdk.RoomUpdate, room *confsdk.Room) {
			fmt.Printf("%s\n", update)
		},
		OnMessageReceived: func(msg *confsdk.Message) {
			fmt.Printf("[%s] %s: %s\n", msg.Time.Format(time.TimeOnly), msg.SenderName, msg.Message)
		},
		OnReconnecting: func(err error) {
			fmt.Printf("reconnecting: %v\n", err)
		},
		OnReconnected: func() {
			fmt.Println("reconnected")
		},
		OnRemovedFromRoom: func(req *confsdk.PeerLeaveRequest) {
			fmt.Printf("removed by %s: %s\n", req.RequestedBy, req.Reason)
			finish()
		},
		OnError: func(err error) {
			fmt.Printf("error: %v\n", err)
			var sdkErr *confsdk.Error
			if errors.As(err, &sdkErr) && sdkErr.IsTerminal() {
				finish()
			}
		},
	}
}
