package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ploston/runner/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
control_plane_addr = "plane.example.com:7443"
auth_token = "secret"
runner_name = "builder-1"
workspace_root = "/var/lib/runner/workspace"
capabilities = ["fs", "shell", "git"]
container_binary = "podman"
max_parallel_steps = 8
default_step_timeout = "10m"

[capability_timeouts]
shell = "2m"

[session]
connect_timeout = "3s"
heartbeat_interval = "15s"
heartbeat_miss_limit = 5
max_disconnect = "10m"
backoff_initial = "500ms"
backoff_max = "30s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlPlaneAddr != "plane.example.com:7443" || cfg.RunnerName != "builder-1" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ContainerBinary != "podman" || cfg.MaxParallelSteps != 8 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.DefaultStepTimeout.Std() != 10*time.Minute {
		t.Fatalf("unexpected default timeout: %v", cfg.DefaultStepTimeout.Std())
	}
	if cfg.CapabilityTimeouts["shell"].Std() != 2*time.Minute {
		t.Fatalf("unexpected capability timeout: %v", cfg.CapabilityTimeouts)
	}
	if cfg.Session.HeartbeatInterval.Std() != 15*time.Second || cfg.Session.HeartbeatMissLimit != 5 {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
control_plane_addr = "plane:7443"
auth_token = "secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RunnerName == "" {
		t.Fatalf("expected default runner name")
	}
	if cfg.MaxParallelSteps != 4 || cfg.ContainerBinary != "docker" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.DefaultStepTimeout.Std() != 5*time.Minute {
		t.Fatalf("unexpected default timeout: %v", cfg.DefaultStepTimeout.Std())
	}
}

func TestLoadRejectsMissingToken(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `control_plane_addr = "plane:7443"`)
	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
control_plane_addr = "plane:7443"
auth_token = "secret"
legacy_mode = true
`)
	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
control_plane_addr = "plane:7443"
auth_token = "secret"
default_step_timeout = "forever"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
