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

// Package transport serves the relay health over gRPC.
package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Run serves grpc.health.v1 until the context is cancelled.
func Run(opts ...Option) error {
	cfg := options{
		Context:      context.Background(),
		PollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
	}
	if cfg.GrpcListener == nil {
		return errors.New("grpc transport needs a listener")
	}

	log := cfg.Logger

	grpcServer, err := newGrpcServer(&cfg)
	if err != nil {
		return err
	}

	wg := sync.WaitGroup{}

	var gprcErrs = make(chan error, 1)
	wg.Add(1)
	go func() {
		err := grpcServer.start()
		gprcErrs <- err
		log.Debugf("[GRPC] server has exited: %v", err)
		wg.Done()
	}()

	ctx, cancel := context.WithCancel(cfg.Context)
	defer cancel()
	defer wg.Wait() // Wait for server run processes to exit before returning

	wg.Add(1)
	go func() {
		defer wg.Done()
		pollStatus(ctx, grpcServer, cfg.Source, cfg.PollInterval)
	}()

	select {
	case err := <-gprcErrs:
		log.Errorf("[GRPC] failed to run the GRPC server: %s", err)
		cancel()
		return err
	case <-cfg.Context.Done():
		cancel()
		grpcServer.close()
		return cfg.Context.Err()
	}
}

// pollStatus mirrors the source status into the health server.
func pollStatus(ctx context.Context, s *grpcServer, src StatusSource, every time.Duration) {
	if src == nil {
		s.setServing(true)
		return
	}

	s.setServing(src.Serving())
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.setServing(src.Serving())
		}
	}
}
