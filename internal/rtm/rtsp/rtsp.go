/*
 * Copyright (c) 2022-2022 Cisco and/or its affiliates.
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

// Package rtsp holds the two RTSP endpoints of a relay session: a minimal
// client toward the camera and a server context toward the downstream consumer.
package rtsp

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultUserAgent    = "camera-relay"
	serverSessionExpiry = 60
)

// Option configures Dial and NewServerConn
type Option func(*options)

// options configure both RTSP endpoints
type options struct {
	// Context is the context to use for the connection.
	Context context.Context

	// Logger is the logger to use.
	Logger *logrus.Logger

	// Timeout bounds every request/response exchange before PLAY.
	Timeout time.Duration

	// UserAgent is sent with every upstream request.
	UserAgent string
}

// UseContext sets the context for the connection
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

// UseTimeout sets the read/write deadline of a single exchange
func UseTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.Timeout = d
	}
}

// UseUserAgent sets the User-Agent header of upstream requests
func UseUserAgent(ua string) Option {
	return func(opts *options) {
		opts.UserAgent = ua
	}
}

func newOptions(opts []Option) options {
	cfg := options{
		Context:   context.Background(),
		Timeout:   defaultTimeout,
		UserAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return cfg
}
