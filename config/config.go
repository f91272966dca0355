package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "homereach"
	// DefaultDirectoryURL is the remote access directory endpoint.
	DefaultDirectoryURL = "https://directory.homereach.example"
	// DefaultServiceType is the mDNS service browsed for home storage devices.
	DefaultServiceType = "_wdnas._tcp"
	// DefaultDeviceScheme is used when building device base URLs.
	DefaultDeviceScheme = "https"
	// DefaultProbeTimeout bounds each status/about sub-call.
	DefaultProbeTimeout = 800 * time.Millisecond
	// DefaultDebounceInterval collapses bursts of reload triggers.
	DefaultDebounceInterval = 300 * time.Millisecond
	// DefaultPeriodicInterval is the safety-net reload period.
	DefaultPeriodicInterval = 60 * time.Second
	// DefaultDirectoryTimeout bounds directory HTTP calls.
	DefaultDirectoryTimeout = 15 * time.Second

	configFileName = "config.json"
	dotEnvFileName = ".env"
)

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	ClientID           string `json:"client_id"`
	ClientFriendlyName string `json:"client_friendly_name"`
	DirectoryURL       string `json:"directory_url"`
	PinnedRootCertPath string `json:"pinned_root_cert_path"`
	// InsecureSkipVerify disables certificate checks. Diagnostics only.
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
	ServiceType        string `json:"service_type"`
	WiFiInterface      string `json:"wifi_interface"`
	DeviceScheme       string `json:"device_scheme"`
	ProbeTimeout       string `json:"probe_timeout"`
	DirectoryTimeout   string `json:"directory_timeout"`
	DebounceInterval   string `json:"debounce_interval"`
	PeriodicInterval   string `json:"periodic_interval"`
	LogLevel           string `json:"log_level"`
	LogFormat          string `json:"log_format"`
	MetricsAddr        string `json:"metrics_addr"`
}

// ProbeTimeoutDuration parses ProbeTimeout, falling back to the default.
func (c *ClientConfig) ProbeTimeoutDuration() time.Duration {
	return parseDuration(c.ProbeTimeout, DefaultProbeTimeout)
}

// DirectoryTimeoutDuration parses DirectoryTimeout, falling back to the default.
func (c *ClientConfig) DirectoryTimeoutDuration() time.Duration {
	return parseDuration(c.DirectoryTimeout, DefaultDirectoryTimeout)
}

// DebounceIntervalDuration parses DebounceInterval, falling back to the default.
func (c *ClientConfig) DebounceIntervalDuration() time.Duration {
	return parseDuration(c.DebounceInterval, DefaultDebounceInterval)
}

// PeriodicIntervalDuration parses PeriodicInterval, falling back to the default.
func (c *ClientConfig) PeriodicIntervalDuration() time.Duration {
	return parseDuration(c.PeriodicInterval, DefaultPeriodicInterval)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoadDotEnv loads .env from the working directory when present. Variables
// already set in the environment win.
func LoadDotEnv() error {
	if _, err := os.Stat(dotEnvFileName); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", dotEnvFileName, err)
	}
	if err := godotenv.Load(dotEnvFileName); err != nil {
		return fmt.Errorf("load %s: %w", dotEnvFileName, err)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If HOMEREACH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("HOMEREACH_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// the config with environment overrides applied. Overrides are not persisted.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfgPath, nil
}

func defaultConfig() *ClientConfig {
	cfg := &ClientConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultFriendlyName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "homereach client"
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}
	if cfg.ClientFriendlyName == "" {
		cfg.ClientFriendlyName = defaultFriendlyName()
		updated = true
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = DefaultDirectoryURL
		updated = true
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
		updated = true
	}
	if scheme := normalizeScheme(cfg.DeviceScheme); scheme != cfg.DeviceScheme {
		cfg.DeviceScheme = scheme
		updated = true
	}
	if cfg.ProbeTimeout == "" {
		cfg.ProbeTimeout = DefaultProbeTimeout.String()
		updated = true
	}
	if cfg.DirectoryTimeout == "" {
		cfg.DirectoryTimeout = DefaultDirectoryTimeout.String()
		updated = true
	}
	if cfg.DebounceInterval == "" {
		cfg.DebounceInterval = DefaultDebounceInterval.String()
		updated = true
	}
	if cfg.PeriodicInterval == "" {
		cfg.PeriodicInterval = DefaultPeriodicInterval.String()
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
		updated = true
	}

	return updated
}

func normalizeScheme(scheme string) string {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "http":
		return "http"
	default:
		return DefaultDeviceScheme
	}
}

func applyEnvOverrides(cfg *ClientConfig) {
	if v := os.Getenv("HOMEREACH_DIRECTORY_URL"); v != "" {
		cfg.DirectoryURL = v
	}
	if v := os.Getenv("HOMEREACH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HOMEREACH_PINNED_ROOT"); v != "" {
		cfg.PinnedRootCertPath = v
	}
	if v := os.Getenv("HOMEREACH_INSECURE_TLS"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.InsecureSkipVerify = parsed
		}
	}
}
