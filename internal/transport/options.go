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

package transport

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthService is the service name reported over grpc.health.v1.
const HealthService = "camera-relay"

const defaultPollInterval = time.Second

// StatusSource reports whether the relay is accepting clients.
type StatusSource interface {
	Serving() bool
}

// Option configures Run
type Option func(*options)

// options configure the transport
// options are passed through run and normally are set with flags
// or a configuration file before the start of the relay
type options struct {
	// Context is the context to use for the transport.
	Context context.Context

	// Logger is the logger to use.
	Logger *logrus.Logger

	// GRPCListener sets up the gRPC server
	GrpcListener net.Listener

	// Source is polled for the health status
	Source StatusSource

	// PollInterval is how often Source is polled
	PollInterval time.Duration
}

// UseContext sets the context for the server
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

// UseListener sets the GRPC listener
func UseListener(ln net.Listener) Option {
	return func(opts *options) { opts.GrpcListener = ln }
}

// UseStatusSource sets what the health status is derived from
func UseStatusSource(src StatusSource) Option {
	return func(opts *options) {
		opts.Source = src
	}
}

// UsePollInterval sets how often the status source is polled
func UsePollInterval(d time.Duration) Option {
	return func(opts *options) {
		opts.PollInterval = d
	}
}
