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

package core

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/media-streaming-mesh/camera-relay/internal/config"
	"github.com/media-streaming-mesh/camera-relay/internal/metrics"
	"github.com/media-streaming-mesh/camera-relay/internal/transport"
	"github.com/media-streaming-mesh/camera-relay/pkg/relay"
)

// App contains minimal list of dependencies to be able to start an application.
type App struct {
	cfg   *config.Cfg
	relay *relay.Server

	ready    chan struct{}
	port     int
	grpcAddr string
}

// NewRelayServer builds the relay server from the configuration.
func NewRelayServer(cfg *config.Cfg) (*relay.Server, error) {
	return relay.NewServer(cfg.RelayOptions()...)
}

// NewApp returns an application that has not been started.
func NewApp(cfg *config.Cfg, srv *relay.Server) *App {
	return &App{
		cfg:   cfg,
		relay: srv,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the relay listener is bound.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Port is the relay TCP port, valid after Ready.
func (a *App) Port() int {
	return a.port
}

// GrpcAddr is the address of the health server, valid after Ready and empty
// when the health server is disabled.
func (a *App) GrpcAddr() string {
	return a.grpcAddr
}

// HealthCheck asks the relay running on this host for its serving status.
func HealthCheck(ctx context.Context, cfg *config.Cfg) error {
	if cfg.Grpc.Port == "" {
		return errors.New("grpc health is disabled (-grpcPort)")
	}
	return checkAddr(ctx, net.JoinHostPort("127.0.0.1", cfg.Grpc.Port))
}

func checkAddr(ctx context.Context, addr string) error {
	status, err := transport.Check(ctx, addr)
	if err != nil {
		return err
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		return errors.Errorf("relay at %s is %s", addr, status)
	}
	return nil
}

// Start, starts the camera relay application.
// It will block until the application exits either by:
// 1. a termination signal
// 2. unrecovered error
func (a *App) Start() error {
	// Capture signals and block before exit
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer cancel()

	return a.Run(ctx)
}

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	logger := a.cfg.Logger
	logger.Infof("Starting camera relay for %s", a.cfg.Camera)

	metrics.Init()

	port, err := a.relay.Start()
	if err != nil {
		return err
	}
	defer a.relay.Close()

	a.port = port
	logger.Infof("relay listening on port %d, policy %s", port, a.cfg.Policy)

	errs := make(chan error, 2)

	if a.cfg.MetricsAddr != "" {
		srv, err := a.serveMetrics(errs)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	grpcCtx, stopGrpc := context.WithCancel(ctx)
	defer stopGrpc()

	if a.cfg.Grpc.Port != "" {
		// Listen on a port given from initial config
		grpcPort := fmt.Sprintf("0.0.0.0:%s", a.cfg.Grpc.Port)
		ln, err := net.Listen("tcp", grpcPort)
		if err != nil {
			return errors.Wrap(err, "grpc listen")
		}
		a.grpcAddr = ln.Addr().String()

		transportOptions := []transport.Option{
			transport.UseContext(grpcCtx),
			transport.UseLogger(logger),
			transport.UseListener(ln),
			transport.UseStatusSource(a.relay),
		}

		go func() {
			if err := transport.Run(transportOptions...); err != nil && grpcCtx.Err() == nil {
				errs <- err
			}
		}()
	}

	close(a.ready)

	// block until we exit
	select {
	case err := <-errs:
		logger.Error(err.Error())
		return err
	case <-ctx.Done():
		logger.Info("Exit")
		return nil
	}
}

func (a *App) serveMetrics(errs chan<- error) (*http.Server, error) {
	ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return nil, errors.Wrap(err, "metrics listen")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- errors.Wrap(err, "metrics server")
		}
	}()
	a.cfg.Logger.Infof("serving metrics on %s", ln.Addr())
	return srv, nil
}
