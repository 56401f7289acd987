package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	onvif "github.com/SridarDhandapani/onvif-session"
)

const sampleConfig = `
listen: ":9090"
log_format: json
timeout: 3s
events:
  pull_timeout: 2s
  renew_interval: 12s
  restart_backoff: 1s
cameras:
  - id: front
    url: http://192.168.1.10/onvif/device_service
    username: admin
    password: secret
    events: true
  - id: yard
    host: 192.168.1.11
    port: 8000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel, "defaults survive")
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, onvif.DefaultServiceTTL, cfg.ServiceTTL)
	assert.Equal(t, 2*time.Second, cfg.Events.PullTimeout)
	assert.Equal(t, time.Second, cfg.Events.RestartBackoff)
	assert.Equal(t, 12*time.Second, cfg.Events.RenewInterval)
	assert.Equal(t, 5, cfg.Events.StallLimit, "defaults survive")

	require.Len(t, cfg.Cameras, 2)
	assert.Equal(t, "http://192.168.1.10/onvif/device_service", cfg.Cameras[0].DeviceURL())
	assert.True(t, cfg.Cameras[0].Events)
	assert.Equal(t, "http://192.168.1.11:8000/onvif/device_service", cfg.Cameras[1].DeviceURL())
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("ONVIF_GATEWAY_LISTEN", "127.0.0.1:7000")
	t.Setenv("ONVIF_GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("ONVIF_GATEWAY_EVENTS_MESSAGE_LIMIT", "16")
	t.Setenv("ONVIF_GATEWAY_EVENTS_RENEW_INTERVAL", "7s")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 16, cfg.Events.MessageLimit)
	assert.Equal(t, 7*time.Second, cfg.Events.RenewInterval, "environment wins over the file")
}

func TestLoadConfig_WithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Empty(t, cfg.Cameras)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "cameras: [oops"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := map[string][]CameraConfig{
		"missing id":      {{URL: "http://a"}},
		"duplicate id":    {{ID: "a", URL: "http://a"}, {ID: "a", Host: "b"}},
		"missing address": {{ID: "a"}},
	}

	for name, cameras := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Cameras = cameras
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.NotValid))
		})
	}

	cfg := DefaultConfig()
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.Validate())
}

func TestEventConfig_Options(t *testing.T) {
	opts := EventConfig{
		TerminationTime:    time.Minute,
		PullTimeout:        5 * time.Second,
		MessageLimit:       100,
		RenewInterval:      20 * time.Second,
		RetryBackoff:       3 * time.Second,
		UnsubscribeTimeout: time.Second,
		RestartBackoff:     time.Hour,
		StallLimit:         2,
	}.Options()

	assert.Equal(t, onvif.EventOptions{
		TerminationTime:    time.Minute,
		PullTimeout:        5 * time.Second,
		MessageLimit:       100,
		RenewInterval:      20 * time.Second,
		RetryBackoff:       3 * time.Second,
		UnsubscribeTimeout: time.Second,
	}, opts)
}
