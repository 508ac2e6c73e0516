// Package config loads serena's settings from YAML, SERENA_* environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is read from the working directory when no --config is given.
const DefaultFile = "serena.yaml"

// Config is the full set of serena settings.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Device   DeviceConfig   `yaml:"device"`
	Radio    RadioConfig    `yaml:"radio"`
	API      APIConfig      `yaml:"api"`
	Queue    QueueConfig    `yaml:"queue"`
	Stream   StreamConfig   `yaml:"stream"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Flux     FluxConfig     `yaml:"flux"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File, when set, also writes JSON logs to a rotating file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DeviceConfig overrides the ids stamped on outgoing records. An empty
// DeviceID uses the connected sensor's id.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	SessionID string `yaml:"session_id"`
}

// RadioConfig selects and tunes the radio transport.
type RadioConfig struct {
	Transport    string        `yaml:"transport"` // auto | bluez | bridge | sim | none
	Adapter      string        `yaml:"adapter"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BridgeAddr   string        `yaml:"bridge_addr"`
	BridgePath   string        `yaml:"bridge_path"`
	SimDevices   []string      `yaml:"sim_devices"`
	Scenario     string        `yaml:"scenario"`
	ScenarioDir  string        `yaml:"scenario_dir"`
	Seed         int64         `yaml:"seed"`
}

// APIConfig points the ingestion client at the collection service.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Prefix         string        `yaml:"prefix"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	Token          string        `yaml:"token"`
	JWTSecret      string        `yaml:"jwt_secret"`
	JWTTTL         time.Duration `yaml:"jwt_ttl"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// RedisConfig is used by the redis queue backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig selects the offline queue store.
type QueueConfig struct {
	Backend      string        `yaml:"backend"` // sqlite | redis | file | memory
	Path         string        `yaml:"path"`
	Redis        RedisConfig   `yaml:"redis"`
	MaxSize      int           `yaml:"max_size"`
	BatchSize    int           `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

type StreamConfig struct {
	BufferSize int      `yaml:"buffer_size"`
	Signals    []string `yaml:"signals"`
}

// MQTTConfig enables the record mirror when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// ReceiverConfig configures the local mock collection service.
type ReceiverConfig struct {
	Addr      string `yaml:"addr"`
	Prefix    string `yaml:"prefix"`
	Token     string `yaml:"token"`
	JWTSecret string `yaml:"jwt_secret"`
	Output    string `yaml:"output"`
}

// FluxConfig loads an optional WASM record transform.
type FluxConfig struct {
	WasmPath string `yaml:"wasm_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console", MaxSizeMB: 20, MaxBackups: 5, MaxAgeDays: 14},
		Radio: RadioConfig{
			Transport:    "auto",
			Adapter:      "hci0",
			ScanTimeout:  10 * time.Second,
			PollInterval: 2 * time.Second,
			BridgeAddr:   "127.0.0.1:8765",
			BridgePath:   "/bridge",
			SimDevices:   []string{"H10 SIM0001"},
			Scenario:     "baseline",
			Seed:         42,
		},
		API: APIConfig{
			BaseURL:        "http://localhost:8000",
			Prefix:         "/api/v1",
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			JWTTTL:         5 * time.Minute,
			PingInterval:   10 * time.Second,
		},
		Queue: QueueConfig{
			Backend:      "sqlite",
			Path:         filepath.Join(DataDir(), "queue.db"),
			Redis:        RedisConfig{Addr: "localhost:6379"},
			MaxSize:      1000,
			BatchSize:    50,
			MaxRetries:   10,
			SyncInterval: 30 * time.Second,
		},
		Stream: StreamConfig{BufferSize: 1000},
		MQTT: MQTTConfig{
			ClientID:    "serena",
			TopicPrefix: "serena",
		},
		Receiver: ReceiverConfig{
			Addr:   "127.0.0.1:8000",
			Prefix: "/api/v1",
		},
	}
}

// DataDir is where serena keeps persistent state.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "serena")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "serena")
	}
	return filepath.Join(os.TempDir(), "serena")
}

// Load reads path over the defaults and applies environment overrides.
// An empty path reads DefaultFile when it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.LoadFromEnv("SERENA")
	return cfg, nil
}

// LoadFromEnv applies <prefix>_* environment variables.
func (c *Config) LoadFromEnv(prefix string) {
	setString(&c.Log.Level, prefix+"_LOG_LEVEL")
	setString(&c.Log.Format, prefix+"_LOG_FORMAT")
	setString(&c.Log.File, prefix+"_LOG_FILE")

	setString(&c.Device.ID, prefix+"_DEVICE_ID")
	setString(&c.Device.SessionID, prefix+"_SESSION_ID")

	setString(&c.Radio.Transport, prefix+"_RADIO_TRANSPORT")
	setString(&c.Radio.Adapter, prefix+"_RADIO_ADAPTER")
	setString(&c.Radio.BridgeAddr, prefix+"_RADIO_BRIDGE_ADDR")
	setString(&c.Radio.Scenario, prefix+"_RADIO_SCENARIO")

	setString(&c.API.BaseURL, prefix+"_API_BASE_URL")
	setString(&c.API.Prefix, prefix+"_API_PREFIX")
	setString(&c.API.Token, prefix+"_API_TOKEN")
	setString(&c.API.JWTSecret, prefix+"_API_JWT_SECRET")
	setDuration(&c.API.Timeout, prefix+"_API_TIMEOUT")

	setString(&c.Queue.Backend, prefix+"_QUEUE_BACKEND")
	setString(&c.Queue.Path, prefix+"_QUEUE_PATH")
	c.Queue.Redis.LoadFromEnv(prefix + "_REDIS")

	c.MQTT.LoadFromEnv(prefix + "_MQTT")

	setString(&c.Receiver.Addr, prefix+"_RECEIVER_ADDR")
	setString(&c.Receiver.Token, prefix+"_RECEIVER_TOKEN")
	setString(&c.Flux.WasmPath, prefix+"_FLUX_WASM")
}

// LoadFromEnv applies <prefix>_ADDR, _PASSWORD and _DB.
func (c *RedisConfig) LoadFromEnv(prefix string) {
	setString(&c.Addr, prefix+"_ADDR")
	setString(&c.Password, prefix+"_PASSWORD")
	setInt(&c.DB, prefix+"_DB")
}

// LoadFromEnv applies <prefix>_BROKER, _CLIENT_ID, _USERNAME and _PASSWORD.
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	setString(&c.Broker, prefix+"_BROKER")
	setString(&c.ClientID, prefix+"_CLIENT_ID")
	setString(&c.Username, prefix+"_USERNAME")
	setString(&c.Password, prefix+"_PASSWORD")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be json or console, got %q", c.Log.Format))
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("log: rotation limits must not be negative"))
	}

	switch c.Radio.Transport {
	case "auto", "bluez", "bridge", "sim", "none":
	default:
		errs = append(errs, fmt.Errorf("radio.transport: unknown transport %q", c.Radio.Transport))
	}
	if c.Radio.ScanTimeout <= 0 {
		errs = append(errs, errors.New("radio.scan_timeout: must be positive"))
	}
	if c.Radio.PollInterval <= 0 {
		errs = append(errs, errors.New("radio.poll_interval: must be positive"))
	}

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url: is required"))
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, errors.New("api.max_retries: must not be negative"))
	}
	if c.API.RetryBaseDelay <= 0 {
		errs = append(errs, errors.New("api.retry_base_delay: must be positive"))
	}
	if c.API.Token != "" && c.API.JWTSecret != "" {
		errs = append(errs, errors.New("api: token and jwt_secret are mutually exclusive"))
	}

	switch c.Queue.Backend {
	case "sqlite", "file":
		if c.Queue.Path == "" {
			errs = append(errs, fmt.Errorf("queue.path: is required for the %s backend", c.Queue.Backend))
		}
	case "redis":
		if c.Queue.Redis.Addr == "" {
			errs = append(errs, errors.New("queue.redis.addr: is required for the redis backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("queue.backend: unknown backend %q", c.Queue.Backend))
	}
	if c.Queue.MaxSize <= 0 || c.Queue.BatchSize <= 0 || c.Queue.MaxRetries <= 0 {
		errs = append(errs, errors.New("queue: max_size, batch_size and max_retries must be positive"))
	}

	if c.Stream.BufferSize <= 0 {
		errs = append(errs, errors.New("stream.buffer_size: must be positive"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos: must be 0, 1 or 2"))
	}

	return errors.Join(errs...)
}
