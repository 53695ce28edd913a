package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv(EnvLog, "")
	t.Setenv(EnvListen, "")

	t.Run("defaults without a file", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := Load(dir)
		require.NoError(t, err)
		require.Equal(t, dir, cfg.DataDir)
		require.Equal(t, "0.0.0.0:6174", cfg.Listen)
		require.Equal(t, "full", cfg.Role)
		require.Equal(t, 5*time.Second, cfg.StaleAfter)
	})

	t.Run("file then environment", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`
log: debug
listen: 127.0.0.1:7000
role: light
subnet: lab
peers: [10.0.0.1:6174, 10.0.0.2:6174]
stale_after: 2s
runtime:
  max_executors: 8
  max_steps: 100000
`), 0o600))

		cfg, err := Load(dir)
		require.NoError(t, err)
		require.Equal(t, "debug", cfg.Log)
		require.Equal(t, "light", cfg.Role)
		require.Equal(t, "lab", cfg.Subnet)
		require.Equal(t, []string{"10.0.0.1:6174", "10.0.0.2:6174"}, cfg.Peers)
		require.Equal(t, 2*time.Second, cfg.StaleAfter)
		require.Equal(t, 30*time.Second, cfg.EvictAfter)
		require.Equal(t, 8, cfg.Runtime.MaxExecutors)
		require.Equal(t, 64, cfg.Runtime.Backlog)
		require.Equal(t, uint64(100000), cfg.Runtime.MaxSteps)
		require.Zero(t, cfg.Runtime.MaxMemory)

		t.Setenv(EnvListen, "127.0.0.1:7100")
		t.Setenv(EnvLog, "warn")
		cfg, err = Load(dir)
		require.NoError(t, err)
		host, port, err := cfg.ListenAddr()
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1", host)
		require.Equal(t, 7100, port)
		require.Equal(t, "warn", cfg.Log)
	})

	t.Run("round trip through Save", func(t *testing.T) {
		cfg := Default()
		cfg.DataDir = t.TempDir()
		cfg.Subnet = "saved"
		require.NoError(t, cfg.Save())
		loaded, err := Load(cfg.DataDir)
		require.NoError(t, err)
		require.Equal(t, cfg, loaded)
	})
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"listen without port": func(c *Config) { c.Listen = "127.0.0.1" },
		"port out of range":   func(c *Config) { c.Listen = "127.0.0.1:70000" },
		"unknown role":        func(c *Config) { c.Role = "observer" },
		"empty subnet":        func(c *Config) { c.Subnet = "" },
		"evict before stale":  func(c *Config) { c.EvictAfter = time.Second },
		"no executors":        func(c *Config) { c.Runtime.MaxExecutors = 0 },
		"no keep-alive":       func(c *Config) { c.KeepAlive = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
