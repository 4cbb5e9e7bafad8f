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

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/logger"
	"github.com/shaunagostinho/elm-dash/internal/storage"
	"github.com/shaunagostinho/elm-dash/internal/telemetry"
	"github.com/shaunagostinho/elm-dash/internal/transport"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the CLI looks for its config file.
const DefaultConfigPath = "/etc/elmdash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Adapter link
	Adapter AdapterConfig `yaml:"adapter" json:"adapter"`

	// Command scheduling and adapter init timing
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Channel polling cadence
	Poller PollerConfig `yaml:"poller" json:"poller"`

	// Display preferences
	Display DisplayConfig `yaml:"display" json:"display"`

	// CSV logging
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Redis fan-out
	Redis storage.Config `yaml:"redis" json:"redis"`

	// Prometheus metrics
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	// Process log output
	Log LogConfig `yaml:"log" json:"log"`

	path string // file path for save/load
}

type AdapterConfig struct {
	Type      string                    `yaml:"type" json:"type"` // "serial", "websocket" or "sim"
	Serial    transport.SerialConfig    `yaml:"serial" json:"serial"`
	WebSocket transport.WebSocketConfig `yaml:"websocket" json:"websocket"`
}

// SchedulerConfig mirrors elm.Config in milliseconds.
type SchedulerConfig struct {
	CommandTimeoutMs int `yaml:"command_timeout_ms" json:"commandTimeoutMs"`
	InitTimeoutMs    int `yaml:"init_timeout_ms" json:"initTimeoutMs"`
	StaleAfterMs     int `yaml:"stale_after_ms" json:"staleAfterMs"`
	ResetSettleMs    int `yaml:"reset_settle_ms" json:"resetSettleMs"`
	StepDelayMs      int `yaml:"step_delay_ms" json:"stepDelayMs"`
}

// Elm converts to the client's timing config.
func (s SchedulerConfig) Elm() elm.Config {
	return elm.Config{
		CommandTimeout: ms(s.CommandTimeoutMs),
		InitTimeout:    ms(s.InitTimeoutMs),
		StaleAfter:     ms(s.StaleAfterMs),
		ResetSettle:    ms(s.ResetSettleMs),
		StepDelay:      ms(s.StepDelayMs),
	}
}

// PollerConfig mirrors telemetry.Config in milliseconds.
type PollerConfig struct {
	IntervalMs  int `yaml:"interval_ms" json:"intervalMs"`
	BackoffMs   int `yaml:"backoff_ms" json:"backoffMs"`
	MediumEvery int `yaml:"medium_every" json:"mediumEvery"` // loops
	SlowEvery   int `yaml:"slow_every" json:"slowEvery"`     // loops
	FreshForMs  int `yaml:"fresh_for_ms" json:"freshForMs"`
	ScanPauseMs int `yaml:"scan_pause_ms" json:"scanPauseMs"`
}

// Telemetry converts to the poller's config.
func (p PollerConfig) Telemetry() telemetry.Config {
	return telemetry.Config{
		Interval:    ms(p.IntervalMs),
		Backoff:     ms(p.BackoffMs),
		MediumEvery: p.MediumEvery,
		SlowEvery:   p.SlowEvery,
		FreshFor:    ms(p.FreshForMs),
		ScanPause:   ms(p.ScanPauseMs),
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

type DisplayConfig struct {
	Units      UnitsConfig     `yaml:"units" json:"units"`
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
}

type UnitsConfig struct {
	Temperature string `yaml:"temperature" json:"temperature"` // "C" or "F"
	Pressure    string `yaml:"pressure" json:"pressure"`       // "kpa", "psi", "bar"
	Speed       string `yaml:"speed" json:"speed"`             // "kph" or "mph"
}

type ThresholdConfig struct {
	RPMWarn   float64 `yaml:"rpm_warn" json:"rpmWarn"`
	RPMDanger float64 `yaml:"rpm_danger" json:"rpmDanger"`
	CLTWarn   float64 `yaml:"clt_warn" json:"cltWarn"`     // °C
	CLTDanger float64 `yaml:"clt_danger" json:"cltDanger"` // °C
	BattLow   float64 `yaml:"batt_low" json:"battLow"`
	BattHigh  float64 `yaml:"batt_high" json:"battHigh"`
	FuelLow   float64 `yaml:"fuel_low" json:"fuelLow"` // %
}

type MonitorConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type LogConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"` // "text" or "json"
	Output   string `yaml:"output" json:"output"` // "stdout" or "file"
	FilePath string `yaml:"file_path" json:"filePath"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	ec := elm.DefaultConfig()
	tc := telemetry.DefaultConfig()
	return &Config{
		Adapter: AdapterConfig{
			Type: "sim",
			Serial: transport.SerialConfig{
				PortPath: "/dev/rfcomm0",
				BaudRate: 38400,
			},
			WebSocket: transport.WebSocketConfig{
				URL: "ws://192.168.0.10:35000/",
			},
		},
		Scheduler: SchedulerConfig{
			CommandTimeoutMs: int(ec.CommandTimeout / time.Millisecond),
			InitTimeoutMs:    int(ec.InitTimeout / time.Millisecond),
			StaleAfterMs:     int(ec.StaleAfter / time.Millisecond),
			ResetSettleMs:    int(ec.ResetSettle / time.Millisecond),
			StepDelayMs:      int(ec.StepDelay / time.Millisecond),
		},
		Poller: PollerConfig{
			IntervalMs:  int(tc.Interval / time.Millisecond),
			BackoffMs:   int(tc.Backoff / time.Millisecond),
			MediumEvery: tc.MediumEvery,
			SlowEvery:   tc.SlowEvery,
			FreshForMs:  int(tc.FreshFor / time.Millisecond),
			ScanPauseMs: int(tc.ScanPause / time.Millisecond),
		},
		Display: DisplayConfig{
			Units: UnitsConfig{
				Temperature: "C",
				Pressure:    "kpa",
				Speed:       "kph",
			},
			Thresholds: ThresholdConfig{
				RPMWarn:   5500,
				RPMDanger: 6500,
				CLTWarn:   105,
				CLTDanger: 115,
				BattLow:   12.0,
				BattHigh:  15.0,
				FuelLow:   15,
			},
		},
		Logging: logger.Config{
			Enabled:    false,
			Path:       "/var/log/elmdash",
			IntervalMs: 100,
		},
		Redis: storage.DefaultConfig(),
		Monitor: MonitorConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	log := logrus.WithField("component", "config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.WithField("path", path).Info("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.WithField("path", path).WithError(err).Warn("config parse failed, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.WithField("path", path).Info("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	logrus.WithField("component", "config").WithField("path", path).Debug("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ELM_TRANSPORT, ELM_PORT, ELM_BAUD, ELM_URL, ELM_USERNAME,
// ELM_PASSWORD, LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT, REDIS_ADDR, REDIS_ENABLED,
// CSV_ENABLED, CSV_PATH, CSV_INTERVAL_MS, SPEED_UNIT, TEMP_UNIT
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ELM_TRANSPORT"); v != "" {
		c.Adapter.Type = v
	}
	if v := os.Getenv("ELM_PORT"); v != "" {
		c.Adapter.Serial.PortPath = v
	}
	if v := os.Getenv("ELM_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Adapter.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("ELM_URL"); v != "" {
		c.Adapter.WebSocket.URL = v
	}
	if v := os.Getenv("ELM_USERNAME"); v != "" {
		c.Adapter.WebSocket.Username = v
	}
	if v := os.Getenv("ELM_PASSWORD"); v != "" {
		c.Adapter.WebSocket.Password = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = truthy(v)
	}
	if v := os.Getenv("CSV_ENABLED"); v != "" {
		c.Logging.Enabled = truthy(v)
	}
	if v := os.Getenv("CSV_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("CSV_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.IntervalMs = n
		}
	}
	if v := os.Getenv("SPEED_UNIT"); v != "" {
		c.Display.Units.Speed = v
	}
	if v := os.Getenv("TEMP_UNIT"); v != "" {
		c.Display.Units.Temperature = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Path returns the file the config saves to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	if c.path == "" {
		c.path = DefaultConfigPath
	}
	c.mu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// DisplaySnapshot returns a copy of the display section.
func (c *Config) DisplaySnapshot() DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, baud rates, logging).
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
