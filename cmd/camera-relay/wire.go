//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/media-streaming-mesh/camera-relay/internal/config"
	"github.com/media-streaming-mesh/camera-relay/internal/core"
)

func InitializeApp(cfg *config.Cfg) (*core.App, error) {
	wire.Build(core.AppSet)
	return &core.App{}, nil
}
