/*
 * Copyright (c) 2022 Cisco and/or its affiliates.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package relay

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
	"github.com/media-streaming-mesh/camera-relay/internal/rtcpsession"
	"github.com/media-streaming-mesh/camera-relay/internal/rtm/rtsp"
	"github.com/media-streaming-mesh/camera-relay/internal/util"
)

// ErrSessionClosed is returned by Run when the session was torn down underneath it.
var ErrSessionClosed = errors.New("relay session closed")

// Session relays one downstream client to the camera.
//
//	Connecting -> Describing -> SettingUpTracks -> Playing -> Closing -> Closed
//
// Any failure and any explicit Teardown jump to Closing. A session is not reused.
type Session struct {
	opts   options
	logger *logrus.Entry

	conn  net.Conn
	state atomic.Int32

	// guards the handles below, nil until the matching step ran
	mu       sync.Mutex
	closing  bool
	client   *rtsp.Client
	server   *rtsp.ServerConn
	channels map[string]*TrackChannel

	teardownOnce sync.Once
	done         chan struct{}
}

// NewSession wraps an accepted downstream connection. Nothing is sent until Run.
func NewSession(conn net.Conn, opts ...Option) *Session {
	cfg := newOptions(opts)

	s := &Session{
		opts: cfg,
		logger: cfg.Logger.WithFields(logrus.Fields{
			"client": conn.RemoteAddr().String(),
		}),
		conn:     conn,
		channels: make(map[string]*TrackChannel),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(model.Connecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	return model.SessionState(s.state.Load())
}

// Channels returns the open track channels keyed by track name.
func (s *Session) Channels() map[string]*TrackChannel {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make(map[string]*TrackChannel, len(s.channels))
	for k, v := range s.channels {
		res[k] = v
	}
	return res
}

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// setState never leaves Closing or Closed for an earlier state.
func (s *Session) setState(st model.SessionState) {
	for {
		cur := s.state.Load()
		if model.SessionState(cur) >= model.Closing && st < model.Closing {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			break
		}
	}
	s.logger.Debugf("[Relay] session %s", st)
}

// Run drives the session to completion and always tears it down before it returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.Teardown()

	rtspOpts := []rtsp.Option{
		rtsp.UseContext(ctx),
		rtsp.UseLogger(s.opts.Logger),
		rtsp.UseTimeout(s.opts.Timeout),
	}

	// Connecting
	client, err := rtsp.Dial(ctx, s.opts.CameraURL, rtspOpts...)
	if err != nil {
		return errors.Wrap(err, "connect to camera")
	}
	if err := s.attach(func() { s.client = client }); err != nil {
		client.Close()
		return err
	}

	// Describing
	s.setState(model.Describing)
	if _, err := client.Options(); err != nil {
		s.logger.Warnf("[Relay] camera OPTIONS failed, continuing: %s", err)
	}

	desc, err := client.Describe()
	if err != nil {
		return errors.Wrap(err, "describe camera stream")
	}

	server := rtsp.NewServerConn(s.conn, desc.SDP, desc.Tracks, rtspOpts...)
	if err := s.attach(func() { s.server = server }); err != nil {
		return err
	}
	if err := server.HandlePlayback(); err != nil {
		return err
	}
	s.logger.Info("[Relay] playback handled")

	// SettingUpTracks
	s.setState(model.SettingUpTracks)
	downstream := server.SetupTracks()
	cameraIP := client.RemoteIP()

	for _, t := range desc.Tracks {
		if err := s.setupTrack(client, server, desc, t, cameraIP, downstream); err != nil {
			return err
		}
	}

	for _, ch := range s.Channels() {
		if err := ch.Start(); err != nil {
			return errors.Wrapf(err, "start track %s", ch.Name())
		}
	}

	// Playing
	s.setState(model.Playing)
	if _, err := client.Play(desc.BaseURL); err != nil {
		return errors.Wrap(err, "play camera stream")
	}
	s.logger.Info("[Relay] camera playing")

	loops := make(chan error, 2)
	go func() { loops <- errors.Wrap(client.ReadLoop(), "camera") }()
	go func() { loops <- errors.Wrap(server.Serve(), "client") }()

	select {
	case err = <-loops:
	case <-ctx.Done():
	case <-s.done:
	}
	return err
}

func (s *Session) setupTrack(
	client *rtsp.Client,
	server *rtsp.ServerConn,
	desc *rtsp.Description,
	t model.Track,
	cameraIP net.IP,
	downstream map[string]*rtsp.ServerTrack,
) error {
	name := t.Name()

	rtpConn, err := util.ReserveRTPPort("")
	if err != nil {
		return errors.Wrapf(err, "track %s", name)
	}

	res, err := client.Setup(desc.BaseURL, t, util.LocalPort(rtpConn))
	if err != nil {
		util.CloseQuiet(rtpConn)
		return errors.Wrapf(err, "setup track %s", name)
	}

	cfg := TrackConfig{
		Name:      name,
		RTPConn:   rtpConn,
		CameraIP:  cameraIP,
		Transport: strings.Join(res.Header["Transport"], ","),
		Session:   rtcpsession.New(rtcpsession.UsePolicy(s.opts.Policy)),
		Logger:    s.opts.Logger,
	}

	// only tracks the client asked for are forwarded
	if _, ok := downstream[name]; ok {
		cfg.OnRTP = func(pkt []byte) {
			if err := server.SendTrack(name, pkt, false); err != nil {
				s.logger.Tracef("[Relay] rtp not delivered: %s", err)
			}
		}
		cfg.OnRTCP = func(pkt []byte) {
			if err := server.SendTrack(name, pkt, true); err != nil {
				s.logger.Tracef("[Relay] rtcp not delivered: %s", err)
			}
		}
	}

	ch, err := NewTrackChannel(cfg)
	if err != nil {
		util.CloseQuiet(rtpConn)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		ch.Close()
		return ErrSessionClosed
	}
	s.channels[name] = ch
	return nil
}

// attach stores a handle unless the session is already closing.
func (s *Session) attach(set func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrSessionClosed
	}
	set()
	return nil
}

// Teardown closes every track channel, then the client and camera connections.
// It is idempotent and may race with Run.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.setState(model.Closing)

		s.mu.Lock()
		s.closing = true
		channels := s.channels
		s.channels = map[string]*TrackChannel{}
		server, client := s.server, s.client
		s.mu.Unlock()

		close(s.done)

		for _, ch := range channels {
			ch.Close()
		}

		if server != nil {
			server.Close()
		} else {
			util.CloseQuiet(s.conn)
		}
		if client != nil {
			client.Teardown()
		}

		s.setState(model.Closed)
		s.logger.Info("[Relay] session closed")
	})
}
