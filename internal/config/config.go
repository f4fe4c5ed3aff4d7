// Package config loads the device configuration. The on-disk format
// is a single document, JSON or YAML (yaml.v3 parses both), with
// environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"devicenerd/internal/vm"
)

// Config is the full device configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device" json:"device"`
	Transports TransportConfig  `yaml:"transports" json:"transports"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	VM         vm.Config        `yaml:"vm" json:"vm"`
	Automation AutomationConfig `yaml:"automation" json:"automation"`
	Script     ScriptConfig     `yaml:"script" json:"script"`
	Audit      AuditConfig      `yaml:"audit" json:"audit"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`

	// DataDir roots all runtime state (store image, audit DB, logs).
	DataDir string `yaml:"dataDir" json:"dataDir"`
}

type DeviceConfig struct {
	Name            string `yaml:"name" json:"name"`
	FirmwareVersion string `yaml:"firmwareVersion" json:"firmwareVersion"`
}

type TransportConfig struct {
	Stdio         bool   `yaml:"stdio" json:"stdio"`
	TCP           bool   `yaml:"tcp" json:"tcp"`
	TCPAddr       string `yaml:"tcpAddr" json:"tcpAddr"`
	ReadTimeoutMs int    `yaml:"readTimeoutMs" json:"readTimeoutMs"`
}

type StoreConfig struct {
	// Path of the flash image file. Empty means RAM-only.
	Path        string `yaml:"path" json:"path"`
	Size        int    `yaml:"size" json:"size"`
	Compression bool   `yaml:"compression" json:"compression"`
}

type AutomationConfig struct {
	TickIntervalMs int `yaml:"tickIntervalMs" json:"tickIntervalMs"`
}

type ScriptConfig struct {
	TimeoutMs int `yaml:"timeoutMs" json:"timeoutMs"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type LoggingConfig struct {
	Debug      bool            `yaml:"debug" json:"debug"`
	Console    bool            `yaml:"console" json:"console"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:            "devicenerd",
			FirmwareVersion: "1.0.0",
		},
		Transports: TransportConfig{
			Stdio:         true,
			TCP:           false,
			TCPAddr:       "127.0.0.1:9876",
			ReadTimeoutMs: 5000,
		},
		Store: StoreConfig{
			Size:        64 * 1024,
			Compression: true,
		},
		Automation: AutomationConfig{TickIntervalMs: 100},
		Script:     ScriptConfig{TimeoutMs: 5000},
		Audit:      AuditConfig{Enabled: true},
		Logging:    LoggingConfig{Console: true},
		DataDir:    ".devd",
	}
}

// Load reads a config file over the defaults and applies env
// overrides. An empty path loads defaults plus env only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides maps DEVD_* environment variables onto the
// loaded configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DEVD_DEVICE_NAME"); v != "" {
		c.Device.Name = v
	}
	if v := os.Getenv("DEVD_TCP_ADDR"); v != "" {
		c.Transports.TCP = true
		c.Transports.TCPAddr = v
	}
	if v := os.Getenv("DEVD_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Debug = b
		}
	}
	if v := os.Getenv("DEVD_STORE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Store.Size = n
		}
	}
}

// StorePath resolves the flash image location under the data dir
// when no explicit path is set.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "flash.bin")
}

// AuditPath resolves the audit DB location under the data dir when
// no explicit path is set.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.DataDir, "audit.db")
}

// LogDir is where file logs go.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}
