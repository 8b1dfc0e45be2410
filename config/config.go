// Package config loads the supervisor configuration from headless.toml.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/headless/internal/files"
)

// FileName is the configuration file looked up from the working directory upwards.
const FileName = "headless.toml"

type Config struct {
	Sandbox    SandboxConfig    `toml:"sandbox"`
	Worker     WorkerConfig     `toml:"worker"`
	Stream     StreamConfig     `toml:"stream"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Server     ServerConfig     `toml:"server"`
}

// SandboxConfig configures the sandboxed worker runtime.
type SandboxConfig struct {
	Runtime string   `toml:"runtime"` // Executable path, overrides the bundled default
	Args    []string `toml:"args"`    // Leading arguments, before the control port
}

// WorkerConfig configures process workers.
type WorkerConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"` // Extra KEY=value pairs
}

type StreamConfig struct {
	Rate      int `toml:"rate"`       // Bytes per second, 0 for unlimited
	ChunkSize int `toml:"chunk_size"` // Largest piece of a file per stream frame
}

type SupervisorConfig struct {
	RespawnDelay string `toml:"respawn_delay"` // e.g. "500ms", empty for none
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	// TLSDir holds the certificates written by "headless certs". Empty serves plain HTTP.
	TLSDir             string `toml:"tls_dir"`
	HeartbeatTimeout   string `toml:"heartbeat_timeout"`
	OnHeartbeatFailure string `toml:"on_heartbeat_failure"` // One of stop, exit, none
}

func New() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Runtime: "phantomjs",
			Args:    []string{"--ignore-ssl-errors=true", "shell.js"},
		},
		Worker: WorkerConfig{
			Command: "node",
			Args:    []string{"shell.js"},
		},
		Stream: StreamConfig{
			Rate:      1 << 20,
			ChunkSize: 16 << 10,
		},
		Server: ServerConfig{
			ListenAddr:         "127.0.0.1:8080",
			HeartbeatTimeout:   "1m",
			OnHeartbeatFailure: "none",
		},
	}
}

// LoadFile reads path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config %s: unknown key %s", path, undecoded[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Find returns the path of the nearest headless.toml in dir or its parents, or "" if there is none.
func Find(dir string) string {
	return files.FindUp(FileName, dir)
}

// Load loads path, or the nearest headless.toml from the working directory if path is empty.
// Without a file the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		path = Find(cwd)
		if path == "" {
			return New(), nil
		}
	}
	return LoadFile(path)
}

func (c *Config) Validate() error {
	if c.Stream.Rate < 0 {
		return fmt.Errorf("stream.rate must not be negative, got %d", c.Stream.Rate)
	}
	if c.Stream.ChunkSize < 0 {
		return fmt.Errorf("stream.chunk_size must not be negative, got %d", c.Stream.ChunkSize)
	}
	if _, err := c.RespawnDelay(); err != nil {
		return err
	}
	if _, err := c.HeartbeatTimeout(); err != nil {
		return err
	}
	switch c.Server.OnHeartbeatFailure {
	case "", "stop", "exit", "none":
	default:
		return fmt.Errorf("server.on_heartbeat_failure must be one of [stop,exit,none], got %q", c.Server.OnHeartbeatFailure)
	}
	return nil
}

// RespawnDelay parses supervisor.respawn_delay.
func (c *Config) RespawnDelay() (time.Duration, error) {
	return parseDuration("supervisor.respawn_delay", c.Supervisor.RespawnDelay)
}

// HeartbeatTimeout parses server.heartbeat_timeout.
func (c *Config) HeartbeatTimeout() (time.Duration, error) {
	return parseDuration("server.heartbeat_timeout", c.Server.HeartbeatTimeout)
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", key, d)
	}
	return d, nil
}
