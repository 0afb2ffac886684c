// Package config loads the runner's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Duration accepts Go duration strings ("30s", "5m") in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("%w: bad duration %q", ErrInvalidConfig, text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Session carries the reliability tunables of the control-plane link.
type Session struct {
	ConnectTimeout     Duration `toml:"connect_timeout"`
	HandshakeTimeout   Duration `toml:"handshake_timeout"`
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	HeartbeatMissLimit int      `toml:"heartbeat_miss_limit"`
	MaxDisconnect      Duration `toml:"max_disconnect"`
	BackoffInitial     Duration `toml:"backoff_initial"`
	BackoffMax         Duration `toml:"backoff_max"`
}

// Config is the full runner configuration.
type Config struct {
	ControlPlaneAddr string   `toml:"control_plane_addr"`
	AuthToken        string   `toml:"auth_token"`
	RunnerName       string   `toml:"runner_name"`
	WorkspaceRoot    string   `toml:"workspace_root"`
	Capabilities     []string `toml:"capabilities"`
	ContainerBinary  string   `toml:"container_binary"`

	MaxParallelSteps   int                 `toml:"max_parallel_steps"`
	DefaultStepTimeout Duration            `toml:"default_step_timeout"`
	CapabilityTimeouts map[string]Duration `toml:"capability_timeouts"`

	Session Session `toml:"session"`
}

// Default returns the baseline configuration before file overrides.
func Default() Config {
	return Config{
		RunnerName:         defaultRunnerName(),
		WorkspaceRoot:      "workspace",
		ContainerBinary:    "docker",
		MaxParallelSteps:   4,
		DefaultStepTimeout: Duration(5 * time.Minute),
	}
}

// Load reads path, applies defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys %v in %s", ErrInvalidConfig, undecoded, path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.RunnerName) == "" {
		c.RunnerName = def.RunnerName
	}
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		c.WorkspaceRoot = def.WorkspaceRoot
	}
	if strings.TrimSpace(c.ContainerBinary) == "" {
		c.ContainerBinary = def.ContainerBinary
	}
	if c.MaxParallelSteps <= 0 {
		c.MaxParallelSteps = def.MaxParallelSteps
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = def.DefaultStepTimeout
	}
}

// Validate rejects configurations the runner cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ControlPlaneAddr) == "" {
		return fmt.Errorf("%w: control_plane_addr is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.AuthToken) == "" {
		return fmt.Errorf("%w: auth_token is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RunnerName) == "" {
		return fmt.Errorf("%w: runner_name is required", ErrInvalidConfig)
	}
	for name, t := range c.CapabilityTimeouts {
		if t <= 0 {
			return fmt.Errorf("%w: capability_timeouts.%s must be positive", ErrInvalidConfig, name)
		}
	}
	return nil
}

func defaultRunnerName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "runner"
	}
	return host
}
