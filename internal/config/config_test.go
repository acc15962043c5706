package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bpfman/bpfmand/internal/config"
	"github.com/bpfman/bpfmand/internal/kernel"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.toml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validTOML = `
[interfaces.eth0]
xdp_mode = "drv"

[interfaces.eth1]

[grpc]
[[grpc.endpoints]]
unix = "/run/bpfman/bpfman.sock"
enabled = true

[database]
max_retries = 5
millisec_delay = 250

[signing]
allow_unsigned = false
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validTOML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Interfaces["eth0"].XDPMode != "drv" {
		t.Errorf("eth0 xdp_mode = %q, want drv", cfg.Interfaces["eth0"].XDPMode)
	}
	if cfg.XDPModeFor("eth0") != kernel.XDPModeDrv {
		t.Errorf("XDPModeFor(eth0) = %v, want XDPModeDrv", cfg.XDPModeFor("eth0"))
	}
	if cfg.Database.MaxRetries != 5 || cfg.Database.MillisecDelay != 250 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Signing.AllowUnsigned {
		t.Error("AllowUnsigned should be false")
	}
	if cfg.BoundEndpoint() != "/run/bpfman/bpfman.sock" {
		t.Errorf("BoundEndpoint() = %q", cfg.BoundEndpoint())
	}
}

func TestLoadConfig_DefaultsAppliedForOmittedInterface(t *testing.T) {
	path := writeTemp(t, validTOML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Interfaces["eth1"].XDPMode != "skb" {
		t.Errorf("eth1 xdp_mode default = %q, want skb", cfg.Interfaces["eth1"].XDPMode)
	}
	if cfg.XDPModeFor("eth2") != kernel.XDPModeSkb {
		t.Errorf("XDPModeFor(unconfigured) = %v, want XDPModeSkb", cfg.XDPModeFor("eth2"))
	}
}

func TestLoadConfig_DatabaseDefaults(t *testing.T) {
	toml := `
[grpc]
[[grpc.endpoints]]
unix = "/run/bpfman/bpfman.sock"
enabled = true
`
	path := writeTemp(t, toml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.MaxRetries != 10 || cfg.Database.MillisecDelay != 100 {
		t.Errorf("Database defaults = %+v, want MaxRetries=10 MillisecDelay=100", cfg.Database)
	}
}

func TestLoadConfig_InvalidXDPMode(t *testing.T) {
	toml := `
[interfaces.eth0]
xdp_mode = "turbo"
`
	path := writeTemp(t, toml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid xdp_mode, got nil")
	}
	if !strings.Contains(err.Error(), "turbo") {
		t.Errorf("error %q does not mention invalid mode", err.Error())
	}
}

func TestLoadConfig_EndpointMissingUnixPath(t *testing.T) {
	toml := `
[grpc]
[[grpc.endpoints]]
enabled = true
`
	path := writeTemp(t, toml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for endpoint missing unix path, got nil")
	}
	if !strings.Contains(err.Error(), "unix path") {
		t.Errorf("error %q does not mention missing unix path", err.Error())
	}
}

func TestLoadConfig_NoEndpointEnabled(t *testing.T) {
	toml := `
[grpc]
[[grpc.endpoints]]
unix = "/run/bpfman/bpfman.sock"
enabled = false
`
	path := writeTemp(t, toml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error when no endpoint is enabled, got nil")
	}
	if !strings.Contains(err.Error(), "enabled") {
		t.Errorf("error %q does not mention enabled", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.toml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	path := writeTemp(t, ":::not valid toml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML, got nil")
	}
}

func TestLoadConfig_EmptyFileIsValid(t *testing.T) {
	path := writeTemp(t, "")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if cfg.BoundEndpoint() != "" {
		t.Errorf("BoundEndpoint() = %q, want empty", cfg.BoundEndpoint())
	}
}

func TestRetryConfig_MatchesDatabaseSection(t *testing.T) {
	path := writeTemp(t, validTOML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rc := cfg.RetryConfig()
	if rc.MaxRetries != 5 || rc.MillisecDelay != 250 {
		t.Errorf("RetryConfig() = %+v", rc)
	}
}
