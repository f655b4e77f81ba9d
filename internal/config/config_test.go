package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"-camera", "rtsp://10.0.0.5:554/stream1"})
	require.NoError(t, err)

	assert.Equal(t, "rtsp://10.0.0.5:554/stream1", cfg.Camera)
	assert.Equal(t, "127.0.0.1:0", cfg.Listen)
	assert.Equal(t, "9000", cfg.Grpc.Port)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, model.Loose, cfg.Policy)
	assert.Equal(t, 10*time.Second, cfg.RTSPTimeout)
	assert.NotNil(t, cfg.Logger)
	assert.Len(t, cfg.RelayOptions(), 5)
}

func TestParseFlags(t *testing.T) {
	cfg, err := Parse([]string{
		"-camera", "rtsp://cam/live",
		"-listen", "0.0.0.0:8554",
		"-grpcPort", "",
		"-metricsAddr", ":9100",
		"-rrPolicy", "strict",
		"-rtspTimeout", "3s",
	})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8554", cfg.Listen)
	assert.Empty(t, cfg.Grpc.Port)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, model.Strict, cfg.Policy)
	assert.Equal(t, 3*time.Second, cfg.RTSPTimeout)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"camera: rtsp://file-cam/live\n"+
			"listen: 127.0.0.1:8554\n"+
			"rrPolicy: strict\n"+
			"rtspTimeout: 5s\n"), 0o600))

	// explicit flags win over the file
	cfg, err := Parse([]string{"-config", path, "-listen", "127.0.0.1:9554"})
	require.NoError(t, err)

	assert.Equal(t, "rtsp://file-cam/live", cfg.Camera)
	assert.Equal(t, "127.0.0.1:9554", cfg.Listen)
	assert.Equal(t, model.Strict, cfg.Policy)
	assert.Equal(t, 5*time.Second, cfg.RTSPTimeout)
	assert.Equal(t, "9000", cfg.Grpc.Port)
}

func TestParseHealthCheckNeedsNoCamera(t *testing.T) {
	cfg, err := Parse([]string{"-healthcheck", "-grpcPort", "9100"})
	require.NoError(t, err)

	assert.True(t, cfg.HealthCheck)
	assert.Empty(t, cfg.Camera)
	assert.Equal(t, "9100", cfg.Grpc.Port)
}

func TestParseInvalid(t *testing.T) {
	tests := map[string][]string{
		"missing camera": {},
		"http camera":    {"-camera", "http://cam/live"},
		"bad policy":     {"-camera", "rtsp://cam/live", "-rrPolicy", "sometimes"},
		"zero timeout":   {"-camera", "rtsp://cam/live", "-rtspTimeout", "0s"},
		"unknown flag":   {"-camera", "rtsp://cam/live", "-dataplane", "vpp"},
		"missing file":   {"-camera", "rtsp://cam/live", "-config", "/nonexistent/relay.yaml"},
	}

	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(args)
			assert.Error(t, err)
		})
	}
}

func TestParseBadFileTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rtspTimeout: soon\n"), 0o600))

	_, err := Parse([]string{"-camera", "rtsp://cam/live", "-config", path})
	assert.Error(t, err)
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("LOG_TYPE", "json")

	l := logrus.New()
	setLogLvl(l)
	setLogType(l)

	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}
