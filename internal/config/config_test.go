package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000, cfg.Queue.MaxSize)
	assert.Equal(t, 50, cfg.Queue.BatchSize)
	assert.Equal(t, 10, cfg.Queue.MaxRetries)
	assert.Equal(t, 3, cfg.API.MaxRetries)
	assert.Equal(t, time.Second, cfg.API.RetryBaseDelay)
	assert.Equal(t, 2*time.Second, cfg.Radio.PollInterval)
	assert.Equal(t, 1000, cfg.Stream.BufferSize)
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serena.yaml")
	content := `
api:
  base_url: https://api.example.test
  timeout: 5s
queue:
  backend: memory
radio:
  transport: sim
  sim_devices: ["H10 AAAA", "OH1 BBBB"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.test", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, "/api/v1", cfg.API.Prefix)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, []string{"H10 AAAA", "OH1 BBBB"}, cfg.Radio.SimDevices)
	assert.Equal(t, 1000, cfg.Queue.MaxSize)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unterminated"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERENA_API_BASE_URL", "http://10.0.0.2:8000")
	t.Setenv("SERENA_API_TIMEOUT", "2s")
	t.Setenv("SERENA_QUEUE_BACKEND", "redis")
	t.Setenv("SERENA_REDIS_ADDR", "redis:6379")
	t.Setenv("SERENA_REDIS_DB", "3")
	t.Setenv("SERENA_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("SERENA_LOG_FILE", "/var/log/serena/serena.log")

	cfg := Default()
	cfg.LoadFromEnv("SERENA")
	assert.Equal(t, "http://10.0.0.2:8000", cfg.API.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.API.Timeout)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, "redis:6379", cfg.Queue.Redis.Addr)
	assert.Equal(t, 3, cfg.Queue.Redis.DB)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "/var/log/serena/serena.log", cfg.Log.File)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Radio.Transport = "carrier-pigeon"
	cfg.Queue.Backend = "tape"
	cfg.API.Token = "t"
	cfg.API.JWTSecret = "s"
	cfg.Log.MaxBackups = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radio.transport")
	assert.Contains(t, err.Error(), "queue.backend")
	assert.Contains(t, err.Error(), "mutually exclusive")
	assert.Contains(t, err.Error(), "rotation limits")
}
