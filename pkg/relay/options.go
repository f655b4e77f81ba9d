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
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
)

const (
	defaultListenAddr  = "127.0.0.1:0"
	defaultRTSPTimeout = 10 * time.Second
)

// Option configures NewServer and NewSession
type Option func(*options)

// options configure the relay
// options are normally set with flags or a configuration file
type options struct {
	// Context is the context to use for the relay.
	Context context.Context

	// Logger is the logger to use.
	Logger *logrus.Logger

	// CameraURL is the upstream RTSP URL every session plays.
	CameraURL string

	// ListenAddr is where the relay accepts downstream clients.
	ListenAddr string

	// Policy decides when Receiver Reports are sent.
	Policy model.ReportPolicy

	// Timeout bounds each RTSP exchange during the handshake.
	Timeout time.Duration
}

// UseContext sets the context for the relay
func UseContext(ctx context.Context) Option {
	return func(opts *options) {
		opts.Context = ctx
	}
}

// UseLogger sets the logger
func UseLogger(log *logrus.Logger) Option {
	return func(opts *options) {
		opts.Logger = log
	}
}

// UseCameraURL sets the upstream camera URL
func UseCameraURL(u string) Option {
	return func(opts *options) {
		opts.CameraURL = u
	}
}

// UseListenAddr sets the downstream listen address
func UseListenAddr(addr string) Option {
	return func(opts *options) {
		opts.ListenAddr = addr
	}
}

// UseReportPolicy sets the Receiver Report policy
func UseReportPolicy(p model.ReportPolicy) Option {
	return func(opts *options) {
		opts.Policy = p
	}
}

// UseTimeout sets the RTSP handshake timeout
func UseTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.Timeout = d
	}
}

func newOptions(opts []Option) options {
	cfg := options{
		Context:    context.Background(),
		ListenAddr: defaultListenAddr,
		Policy:     model.Loose,
		Timeout:    defaultRTSPTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRTSPTimeout
	}
	return cfg
}
