package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/elmbridge/internal/logging"
	"github.com/shaunagostinho/elmbridge/internal/recorder"
)

const defaultConfigPath = "/etc/elmbridge/config.yaml"

// Transport names accepted in AdapterConfig.Transport.
const (
	TransportDemo   = "demo"
	TransportSerial = "serial"
	TransportRFCOMM = "rfcomm"
	TransportTCP    = "tcp"
)

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	Adapter  AdapterConfig   `yaml:"adapter" json:"adapter"`
	Emulator EmulatorConfig  `yaml:"emulator" json:"emulator"`
	Logging  logging.Config  `yaml:"logging" json:"logging"`
	Recorder recorder.Config `yaml:"recorder" json:"recorder"`
	Metrics  MetricsConfig   `yaml:"metrics" json:"metrics"`
	Server   ServerConfig    `yaml:"server" json:"server"`

	path string // file path for save/load
}

type AdapterConfig struct {
	Transport   string `yaml:"transport" json:"transport"` // demo, serial, rfcomm or tcp
	Target      string `yaml:"target" json:"target"`       // tty path, bluetooth address or host:port
	BaudRate    int    `yaml:"baud_rate" json:"baudRate"`
	NetworkName string `yaml:"network_name" json:"networkName"` // Wi-Fi SSID the tcp adapter is reached over
	// AutoReconnect keeps retrying a tcp adapter until it answers. Other
	// transports connect once.
	AutoReconnect bool     `yaml:"auto_reconnect" json:"autoReconnect"`
	LockPath      string   `yaml:"lock_path" json:"lockPath"` // empty disables the exclusive lock
	InitCommands  []string `yaml:"init_commands" json:"initCommands"`

	ConnectTimeoutMs   int `yaml:"connect_timeout_ms" json:"connectTimeoutMs"`
	ResponseTimeoutMs  int `yaml:"response_timeout_ms" json:"responseTimeoutMs"`
	RetryIntervalMs    int `yaml:"retry_interval_ms" json:"retryIntervalMs"`
	MinFrameIntervalMs int `yaml:"min_frame_interval_ms" json:"minFrameIntervalMs"`

	BreakerFailures   int `yaml:"breaker_failures" json:"breakerFailures"` // 0 disables the dial breaker
	BreakerCooldownMs int `yaml:"breaker_cooldown_ms" json:"breakerCooldownMs"`
}

type EmulatorConfig struct {
	VIN     string   `yaml:"vin" json:"vin"`
	DTCs    []string `yaml:"dtcs" json:"dtcs"`
	DelayMs int      `yaml:"delay_ms" json:"delayMs"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Transport:     TransportDemo,
			Target:        "/dev/rfcomm0",
			BaudRate:      38400,
			AutoReconnect: true,
			InitCommands:  []string{"ATZ", "ATE1", "ATH0", "ATCAF0", "ATSP6"},

			ConnectTimeoutMs:  5000,
			ResponseTimeoutMs: 1000,
			RetryIntervalMs:   10000,

			BreakerFailures:   3,
			BreakerCooldownMs: 30000,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			File: logging.FileConfig{
				MaxSizeMB:  10,
				MaxBackups: 5,
				MaxAgeDays: 14,
			},
		},
		Recorder: recorder.Config{
			Enabled: false,
			Path:    "/var/log/elmbridge",
			MaxRows: 100_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("config parse failed, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("config loaded", zap.String("path", path))
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		if loadEnvFile(ep) {
			log.Info("loaded .env", zap.String("path", ep))
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ELM_TRANSPORT, ELM_TARGET, ELM_BAUD, ELM_NETWORK_NAME,
// LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT, LOG_FILE, RECORD_ENABLED, RECORD_PATH,
// METRICS_ENABLED
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ELM_TRANSPORT"); v != "" {
		c.Adapter.Transport = v
	}
	if v := os.Getenv("ELM_TARGET"); v != "" {
		c.Adapter.Target = v
	}
	if v := os.Getenv("ELM_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Adapter.BaudRate = n
		}
	}
	if v := os.Getenv("ELM_NETWORK_NAME"); v != "" {
		c.Adapter.NetworkName = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File.Filename = v
	}
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Recorder.Enabled = envBool(v)
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		c.Recorder.Path = v
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = envBool(v)
	}
}

// Validate reports the first setting the bridge cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Adapter.Transport {
	case TransportDemo, TransportSerial, TransportRFCOMM, TransportTCP:
	default:
		return fmt.Errorf("adapter.transport %q: want demo, serial, rfcomm or tcp", c.Adapter.Transport)
	}
	if c.Adapter.Transport != TransportDemo && c.Adapter.Transport != TransportTCP && c.Adapter.Target == "" {
		return fmt.Errorf("adapter.target is required for %s", c.Adapter.Transport)
	}
	if c.Adapter.ConnectTimeoutMs <= 0 || c.Adapter.ResponseTimeoutMs <= 0 || c.Adapter.RetryIntervalMs <= 0 {
		return fmt.Errorf("adapter timeouts must be positive")
	}
	if c.Adapter.MinFrameIntervalMs < 0 {
		return fmt.Errorf("adapter.min_frame_interval_ms must not be negative")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	return nil
}

// AdapterSettings returns a copy of the adapter section.
func (c *Config) AdapterSettings() AdapterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a := c.Adapter
	a.InitCommands = append([]string(nil), c.Adapter.InitCommands...)
	return a
}

// AutoReconnectEnabled reports whether the retry loop policy applies.
func (a AdapterConfig) AutoReconnectEnabled() bool {
	return a.Transport == TransportTCP && a.AutoReconnect
}

func (a AdapterConfig) ConnectTimeout() time.Duration {
	return time.Duration(a.ConnectTimeoutMs) * time.Millisecond
}

func (a AdapterConfig) ResponseTimeout() time.Duration {
	return time.Duration(a.ResponseTimeoutMs) * time.Millisecond
}

func (a AdapterConfig) RetryInterval() time.Duration {
	return time.Duration(a.RetryIntervalMs) * time.Millisecond
}

func (a AdapterConfig) MinFrameInterval() time.Duration {
	return time.Duration(a.MinFrameIntervalMs) * time.Millisecond
}

// Path is the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return defaultConfigPath
	}
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	path := c.Path()

	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
