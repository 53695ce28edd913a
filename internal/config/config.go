// Package config loads the node configuration.
//
// The file lives at $CONTAINED_DATA_DIR/config.yaml. Every field is
// optional, and CONTAINED_LOG and CONTAINED_LISTEN override the file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/raskyld/contained"
	"gopkg.in/yaml.v3"
)

const (
	EnvLog     = "CONTAINED_LOG"
	EnvDataDir = "CONTAINED_DATA_DIR"
	EnvListen  = "CONTAINED_LISTEN"

	FileName = "config.yaml"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config of a node.
type Config struct {
	DataDir string `yaml:"-"`

	Log       string   `yaml:"log,omitempty"`
	Listen    string   `yaml:"listen,omitempty"`
	Advertise string   `yaml:"advertise,omitempty"`
	Subnet    string   `yaml:"subnet,omitempty"`
	Role      string   `yaml:"role,omitempty"`
	Peers     []string `yaml:"peers,omitempty"`

	KeepAlive       time.Duration `yaml:"keep_alive,omitempty"`
	StaleAfter      time.Duration `yaml:"stale_after,omitempty"`
	EvictAfter      time.Duration `yaml:"evict_after,omitempty"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout,omitempty"`
	Retention       time.Duration `yaml:"retention,omitempty"`

	Runtime Runtime `yaml:"runtime,omitempty"`
}

// Runtime tunes the local executors of full nodes.
type Runtime struct {
	MaxExecutors int `yaml:"max_executors,omitempty"`
	Backlog      int `yaml:"backlog,omitempty"`

	// MaxSteps and MaxMemory cap what a manifest may declare. Zero keeps
	// the sandbox ceilings.
	MaxSteps  uint64 `yaml:"max_steps,omitempty"`
	MaxMemory uint64 `yaml:"max_memory,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DataDir:         DefaultDataDir(),
		Log:             "info",
		Listen:          net.JoinHostPort("0.0.0.0", strconv.Itoa(contained.DefaultPort)),
		Subnet:          contained.DefaultSubnet,
		Role:            contained.RoleFull.String(),
		KeepAlive:       contained.DefaultKeepAlive,
		StaleAfter:      contained.DefaultStaleAfter,
		EvictAfter:      contained.DefaultEvictAfter,
		DeliveryTimeout: contained.DefaultDeliveryTimeout,
		Retention:       contained.DefaultRetention,
		Runtime: Runtime{
			MaxExecutors: 4,
			Backlog:      64,
		},
	}
}

// DefaultDataDir respects CONTAINED_DATA_DIR, falling back to
// ~/.local/share/contained.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "contained")
	}
	return filepath.Join(home, ".local", "share", "contained")
}

// Load reads the config file of dataDir, if any, then applies the
// environment overrides. An empty dataDir uses DefaultDataDir.
func Load(dataDir string) (Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, FileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %w", ErrInvalid, FileName, err)
		}
	}

	if v := os.Getenv(EnvLog); v != "" {
		cfg.Log = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		cfg.Listen = v
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, _, err := c.ListenAddr(); err != nil {
		return err
	}
	if _, err := contained.ParseRole(c.Role); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Subnet == "" {
		return fmt.Errorf("%w: subnet cannot be empty", ErrInvalid)
	}
	if c.KeepAlive <= 0 {
		return fmt.Errorf("%w: keep_alive must be positive", ErrInvalid)
	}
	if c.EvictAfter < c.StaleAfter {
		return fmt.Errorf("%w: evict_after (%s) is shorter than stale_after (%s)", ErrInvalid, c.EvictAfter, c.StaleAfter)
	}
	if c.Runtime.MaxExecutors < 1 {
		return fmt.Errorf("%w: runtime.max_executors must be positive", ErrInvalid)
	}
	return nil
}

// ListenAddr splits Listen into host and port.
func (c Config) ListenAddr() (string, int, error) {
	host, portStr, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return "", 0, fmt.Errorf("%w: listen %q: %w", ErrInvalid, c.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: listen %q: bad port", ErrInvalid, c.Listen)
	}
	return host, port, nil
}

// Save writes the configuration into its data directory.
func (c Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.DataDir, FileName), data, 0o600)
}
