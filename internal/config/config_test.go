package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
device: "R58M123ABC"
log_path: "/tmp/droidnet.log"
discovery: cli
waits:
  radio: 2
service:
  enabled: true
  host: "bug.example.com"
  failed_count: 3
  wait_time: 2
  interface: "wwan"
  restart: true
  tunnel_service: "OpenClash"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device != "R58M123ABC" {
		t.Errorf("Device = %q, want %q", cfg.Device, "R58M123ABC")
	}
	if cfg.Discovery != DiscoveryCLI {
		t.Errorf("Discovery = %q, want %q", cfg.Discovery, DiscoveryCLI)
	}
	if cfg.Waits.Radio != 2 || cfg.Waits.Reboot != 30 {
		t.Errorf("Waits = %+v, want radio override and reboot default", cfg.Waits)
	}
	if cfg.Service.TunnelService != "openclash" {
		t.Errorf("TunnelService = %q, want lower-cased openclash", cfg.Service.TunnelService)
	}
	if cfg.StagingPath != DefaultStagingPath {
		t.Errorf("StagingPath = %q, want default", cfg.StagingPath)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "device: from-file\n")
	t.Setenv(EnvDevice, "from-env")
	t.Setenv(EnvPageSize, "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device != "from-env" {
		t.Errorf("Device = %q, want env override", cfg.Device)
	}
	if cfg.PageSize != 25 {
		t.Errorf("PageSize = %d, want 25", cfg.PageSize)
	}
}

func TestLoadWaitAndServiceEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
device: R58M
waits:
  radio: 2
service:
  tunnel_service: passwall
`)
	t.Setenv(EnvWaitRadio, "8")
	t.Setenv(EnvWaitReboot, "1m")
	t.Setenv(EnvWaitPackage, "1500ms")
	t.Setenv(EnvWaitShutdown, "later")
	t.Setenv(EnvServiceEnabled, "on")
	t.Setenv(EnvServiceRestart, "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Waits.Radio != 8 || cfg.Waits.Reboot != 60 || cfg.Waits.Package != 2 {
		t.Errorf("Waits = %+v", cfg.Waits)
	}
	if cfg.Waits.Shutdown != 15 {
		t.Errorf("unparsable override must keep the default, got %d", cfg.Waits.Shutdown)
	}
	if !cfg.Service.Enabled || !cfg.Service.Restart {
		t.Errorf("Service = %+v", cfg.Service)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("Load() expected error for missing explicit file, got nil")
	}
}

func TestLoadMissingImplicitFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load("")
	if err != nil && !strings.Contains(err.Error(), "parse config file") {
		// a real /etc/droidnet/config.yaml on the test host is also acceptable
		t.Fatalf("Load() error = %v", err)
	}
	if err == nil && cfg.PageSize <= 0 {
		t.Fatalf("PageSize = %d, want positive default", cfg.PageSize)
	}
}

func TestValidateRejectsBadService(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"failed count", func(c *Config) { c.Service.FailedCount = 9 }, "failed_count"},
		{"wait time", func(c *Config) { c.Service.WaitTime = 0 }, "wait_time"},
		{"tunnel", func(c *Config) { c.Service.TunnelService = "wireguard" }, "tunnel_service"},
		{"restart without tunnel", func(c *Config) { c.Service.Restart = true }, "required when service.restart"},
		{"discovery", func(c *Config) { c.Discovery = "usb" }, "discovery"},
		{"negative wait", func(c *Config) { c.Waits.Shutdown = -1 }, "waits.shutdown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestRequireDevice(t *testing.T) {
	cfg := Default()
	if err := cfg.RequireDevice(); err == nil {
		t.Fatal("RequireDevice() expected error for empty device")
	}
	cfg.Device = "emulator-5554"
	if err := cfg.RequireDevice(); err != nil {
		t.Fatalf("RequireDevice() error = %v", err)
	}
}

func TestSeconds(t *testing.T) {
	if got := Seconds(30); got != 30*time.Second {
		t.Fatalf("Seconds(30) = %v", got)
	}
}
