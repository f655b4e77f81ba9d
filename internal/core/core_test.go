package core

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/media-streaming-mesh/camera-relay/internal/config"
	"github.com/media-streaming-mesh/camera-relay/internal/rtm/rtsp/rtsptest"
)

func TestAppRunAndStop(t *testing.T) {
	cam, err := rtsptest.NewCamera(rtsptest.SDP)
	require.NoError(t, err)
	defer cam.Close()

	cfg, err := config.Parse([]string{
		"-camera", cam.URL(),
		"-grpcPort", "0",
		"-metricsAddr", "127.0.0.1:0",
	})
	require.NoError(t, err)

	srv, err := NewRelayServer(cfg)
	require.NoError(t, err)
	app := NewApp(cfg, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-app.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not start")
	}
	require.NotZero(t, app.Port())
	assert.True(t, srv.Serving())

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", app.Port()))
	require.NoError(t, err)
	conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.False(t, srv.Serving())
}

func TestHealthCheck(t *testing.T) {
	cam, err := rtsptest.NewCamera(rtsptest.SDP)
	require.NoError(t, err)
	defer cam.Close()

	cfg, err := config.Parse([]string{
		"-camera", cam.URL(),
		"-grpcPort", "0",
	})
	require.NoError(t, err)

	srv, err := NewRelayServer(cfg)
	require.NoError(t, err)
	app := NewApp(cfg, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-app.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not start")
	}

	_, port, err := net.SplitHostPort(app.GrpcAddr())
	require.NoError(t, err)
	check, err := config.Parse([]string{"-healthcheck", "-grpcPort", port})
	require.NoError(t, err)

	// the health server flips to SERVING once its first poll ran
	deadline := time.Now().Add(3 * time.Second)
	for {
		checkCtx, done := context.WithTimeout(context.Background(), time.Second)
		err = HealthCheck(checkCtx, check)
		done()
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestHealthCheckDisabled(t *testing.T) {
	cfg, err := config.Parse([]string{"-healthcheck", "-grpcPort", ""})
	require.NoError(t, err)
	assert.Error(t, HealthCheck(context.Background(), cfg))
}

func TestNewRelayServerNeedsCamera(t *testing.T) {
	_, err := NewRelayServer(&config.Cfg{})
	assert.Error(t, err)
}
