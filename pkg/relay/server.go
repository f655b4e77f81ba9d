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
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/media-streaming-mesh/camera-relay/internal/metrics"
	"github.com/media-streaming-mesh/camera-relay/internal/model"
	"github.com/media-streaming-mesh/camera-relay/internal/rtm/rtsp"
)

// Server accepts downstream RTSP clients and relays each one to the camera
// through its own Session.
type Server struct {
	opts   options
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	sessions *sync.Map

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer returns a stopped server. The camera URL is required.
func NewServer(opts ...Option) (*Server, error) {
	cfg := newOptions(opts)
	if cfg.CameraURL == "" {
		return nil, errors.New("relay server needs a camera url")
	}

	ctx, cancel := context.WithCancel(cfg.Context)
	return &Server{
		opts:     cfg,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: new(sync.Map),
	}, nil
}

// Start binds the listener and returns the bound port. Accepting runs in the background.
func (s *Server) Start() (int, error) {
	if s.closed.Load() {
		return 0, net.ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return 0, errors.New("relay server already started")
	}

	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return 0, errors.Wrapf(err, "listen on %s", s.opts.ListenAddr)
	}
	s.listener = ln

	port := ln.Addr().(*net.TCPAddr).Port
	s.log("listening on %s for camera %s", ln.Addr(), s.opts.CameraURL)

	s.wg.Add(1)
	go s.acceptConnections()
	return port, nil
}

// Addr returns the listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serving reports whether the listener is up.
func (s *Server) Serving() bool {
	return s.started.Load() && !s.closed.Load()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	n := 0
	s.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logError("accept: %s", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	key := model.NewConnectionKey(conn.LocalAddr().String(), conn.RemoteAddr().String())
	sess := NewSession(conn,
		UseLogger(s.logger),
		UseCameraURL(s.opts.CameraURL),
		UseReportPolicy(s.opts.Policy),
		UseTimeout(s.opts.Timeout),
	)

	s.sessions.Store(key.Key, sess)
	defer s.sessions.Delete(key.Key)

	// Close may have swept the registry before this session was stored
	if s.closed.Load() {
		sess.Teardown()
		return
	}

	metrics.SessionStarted()
	s.log("session started for %s", key.Remote)

	err := sess.Run(s.ctx)

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, rtsp.ErrPlaybackAborted), errors.Is(err, ErrSessionClosed):
		result = "aborted"
	default:
		result = "error"
		if !s.closed.Load() {
			s.logError("session for %s failed: %s", key.Remote, err)
		}
	}
	metrics.SessionEnded(result)
	s.log("session ended for %s (%s)", key.Remote, result)
}

// Close stops accepting, tears down every live session and waits for them.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				s.logError("closing listener: %s", err)
			}
		}

		s.sessions.Range(func(_, v interface{}) bool {
			v.(*Session).Teardown()
			return true
		})

		s.wg.Wait()
		s.log("closed")
	})
}

func (s *Server) log(format string, args ...interface{}) {
	s.logger.Infof("[Relay] "+format, args...)
}

func (s *Server) logError(format string, args ...interface{}) {
	s.logger.Errorf("[Relay] "+format, args...)
}
