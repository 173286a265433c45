// Package config loads the droidnet device and service options.
//
// Values come from three layers: built-in defaults, an optional YAML file and
// DROIDNET_* environment variables (a .env file is honoured through
// internal/env). The core treats the result as read-only.
package config

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/animegasan/luci-app-droidnet/internal/env"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variable names understood by Load.
const (
	EnvConfigPath  = "DROIDNET_CONFIG"
	EnvDevice      = "DROIDNET_DEVICE"
	EnvADBPath     = "DROIDNET_ADB_PATH"
	EnvLogPath     = "DROIDNET_LOG_PATH"
	EnvStagingPath = "DROIDNET_STAGING_PATH"
	EnvDBPath      = "DROIDNET_DB_PATH"
	EnvDiscovery   = "DROIDNET_DISCOVERY"
	EnvListen      = "DROIDNET_LISTEN"
	EnvPageSize    = "DROIDNET_PAGE_SIZE"

	// Settle windows: a Go duration or a bare number of seconds.
	EnvWaitRadio         = "DROIDNET_WAIT_RADIO"
	EnvWaitSpecialReboot = "DROIDNET_WAIT_SPECIAL_REBOOT"
	EnvWaitReboot        = "DROIDNET_WAIT_REBOOT"
	EnvWaitShutdown      = "DROIDNET_WAIT_SHUTDOWN"
	EnvWaitPackage       = "DROIDNET_WAIT_PACKAGE"
	EnvWaitRefresh       = "DROIDNET_WAIT_REFRESH"

	EnvServiceEnabled = "DROIDNET_SERVICE_ENABLED"
	EnvServiceRestart = "DROIDNET_SERVICE_RESTART"
)

// Defaults shared with the LuCI front end.
const (
	DefaultConfigPath  = "/etc/droidnet/config.yaml"
	DefaultLogPath     = "/var/log/droidnet.log"
	DefaultStagingPath = "/tmp/upload.apk"
	DefaultADBPath     = "adb"
	DefaultListen      = "127.0.0.1:8088"
	DefaultPageSize    = 10
)

// Discovery modes for attached devices.
const (
	DiscoveryServer = "server" // adb server protocol through gadb
	DiscoveryCLI    = "cli"    // `adb devices -l`
)

var tunnelServices = map[string]struct{}{
	"":          {},
	"openclash": {},
	"passwall":  {},
	"neko":      {},
	"v2raya":    {},
}

// Config is the root configuration structure.
type Config struct {
	Device       string        `yaml:"device"`
	ADBPath      string        `yaml:"adb_path"`
	Discovery    string        `yaml:"discovery"`
	LogPath      string        `yaml:"log_path"`
	StagingPath  string        `yaml:"staging_path"`
	DatabasePath string        `yaml:"database_path"`
	Listen       string        `yaml:"listen"`
	PageSize     int           `yaml:"page_size"`
	Waits        WaitConfig    `yaml:"waits"`
	Service      ServiceConfig `yaml:"service"`
}

// WaitConfig holds the optimistic settle windows in seconds.
type WaitConfig struct {
	Radio         int `yaml:"radio"`
	SpecialReboot int `yaml:"special_reboot"`
	Reboot        int `yaml:"reboot"`
	Shutdown      int `yaml:"shutdown"`
	Package       int `yaml:"package"`
	Refresh       int `yaml:"refresh"`
}

// ServiceConfig mirrors the monitoring service section. The watchdog itself
// lives outside this module; the values are only validated and surfaced.
type ServiceConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	FailedCount   int    `yaml:"failed_count"`
	WaitTime      int    `yaml:"wait_time"`
	Interface     string `yaml:"interface"`
	Restart       bool   `yaml:"restart"`
	TunnelService string `yaml:"tunnel_service"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		ADBPath:     DefaultADBPath,
		Discovery:   DiscoveryServer,
		LogPath:     DefaultLogPath,
		StagingPath: DefaultStagingPath,
		Listen:      DefaultListen,
		PageSize:    DefaultPageSize,
		Waits: WaitConfig{
			Radio:         5,
			SpecialReboot: 10,
			Reboot:        30,
			Shutdown:      15,
			Package:       1,
			Refresh:       10,
		},
		Service: ServiceConfig{
			FailedCount: 1,
			WaitTime:    1,
		},
	}
}

// Load reads the YAML file at path and applies environment overrides.
//
// An empty path falls back to $DROIDNET_CONFIG and then DefaultConfigPath;
// a missing file at the implicit default location is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = env.String(EnvConfigPath, "")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Device = env.String(EnvDevice, cfg.Device)
	cfg.ADBPath = env.String(EnvADBPath, cfg.ADBPath)
	cfg.LogPath = env.String(EnvLogPath, cfg.LogPath)
	cfg.StagingPath = env.String(EnvStagingPath, cfg.StagingPath)
	cfg.DatabasePath = env.String(EnvDBPath, cfg.DatabasePath)
	cfg.Discovery = env.String(EnvDiscovery, cfg.Discovery)
	cfg.Listen = env.String(EnvListen, cfg.Listen)
	cfg.PageSize = env.Int(EnvPageSize, cfg.PageSize)

	cfg.Waits.Radio = waitSeconds(EnvWaitRadio, cfg.Waits.Radio)
	cfg.Waits.SpecialReboot = waitSeconds(EnvWaitSpecialReboot, cfg.Waits.SpecialReboot)
	cfg.Waits.Reboot = waitSeconds(EnvWaitReboot, cfg.Waits.Reboot)
	cfg.Waits.Shutdown = waitSeconds(EnvWaitShutdown, cfg.Waits.Shutdown)
	cfg.Waits.Package = waitSeconds(EnvWaitPackage, cfg.Waits.Package)
	cfg.Waits.Refresh = waitSeconds(EnvWaitRefresh, cfg.Waits.Refresh)

	cfg.Service.Enabled = env.Bool(EnvServiceEnabled, cfg.Service.Enabled)
	cfg.Service.Restart = env.Bool(EnvServiceRestart, cfg.Service.Restart)
}

// waitSeconds overrides a wait setting, rounding sub-second values up.
func waitSeconds(key string, current int) int {
	d := env.Duration(key, Seconds(current))
	return int((d + time.Second - 1) / time.Second)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	c.Device = strings.TrimSpace(c.Device)
	c.Discovery = strings.ToLower(strings.TrimSpace(c.Discovery))
	c.Service.TunnelService = strings.ToLower(strings.TrimSpace(c.Service.TunnelService))

	if c.ADBPath == "" {
		errs = append(errs, "adb_path is required")
	}
	if c.LogPath == "" {
		errs = append(errs, "log_path is required")
	}
	if c.StagingPath == "" {
		errs = append(errs, "staging_path is required")
	}
	if c.Discovery != DiscoveryServer && c.Discovery != DiscoveryCLI {
		errs = append(errs, "discovery must be server or cli")
	}
	if c.PageSize <= 0 {
		errs = append(errs, "page_size must be positive")
	}
	for name, secs := range map[string]int{
		"waits.radio":          c.Waits.Radio,
		"waits.special_reboot": c.Waits.SpecialReboot,
		"waits.reboot":         c.Waits.Reboot,
		"waits.shutdown":       c.Waits.Shutdown,
		"waits.package":        c.Waits.Package,
		"waits.refresh":        c.Waits.Refresh,
	} {
		if secs < 0 {
			errs = append(errs, name+" must not be negative")
		}
	}
	if c.Service.FailedCount < 1 || c.Service.FailedCount > 5 {
		errs = append(errs, "service.failed_count must be between 1 and 5")
	}
	if c.Service.WaitTime < 1 || c.Service.WaitTime > 3 {
		errs = append(errs, "service.wait_time must be between 1 and 3")
	}
	if _, ok := tunnelServices[c.Service.TunnelService]; !ok {
		errs = append(errs, "service.tunnel_service must be one of openclash, passwall, neko, v2raya")
	}
	if c.Service.Restart && c.Service.TunnelService == "" {
		errs = append(errs, "service.tunnel_service is required when service.restart is enabled")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return errors.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequireDevice returns an error when no device serial is configured.
func (c *Config) RequireDevice() error {
	if c == nil || strings.TrimSpace(c.Device) == "" {
		return errors.Errorf("device is not configured (set device in config or $%s)", EnvDevice)
	}
	return nil
}

// Seconds converts a wait setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
