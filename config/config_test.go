package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := write(t, t.TempDir(), `
[sandbox]
runtime = "/opt/phantomjs/bin/phantomjs"

[stream]
rate = 2048

[supervisor]
respawn_delay = "250ms"
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/phantomjs/bin/phantomjs", cfg.Sandbox.Runtime)
	assert.Equal(t, []string{"--ignore-ssl-errors=true", "shell.js"}, cfg.Sandbox.Args, "unset keys keep their defaults")
	assert.Equal(t, 2048, cfg.Stream.Rate)
	assert.Equal(t, 16<<10, cfg.Stream.ChunkSize)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.ListenAddr)

	d, err := cfg.RespawnDelay()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestLoadFileErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		expErr  string
	}{
		{name: "syntax", content: "[stream\nrate = 1", expErr: "parsing config"},
		{name: "unknown key", content: "[stream]\nspeed = 1", expErr: "unknown key stream.speed"},
		{name: "negative rate", content: "[stream]\nrate = -1", expErr: "stream.rate must not be negative"},
		{name: "bad delay", content: "[supervisor]\nrespawn_delay = \"soon\"", expErr: "supervisor.respawn_delay"},
		{name: "negative delay", content: "[supervisor]\nrespawn_delay = \"-1s\"", expErr: "must not be negative"},
		{name: "bad heartbeat timeout", content: "[server]\nheartbeat_timeout = \"1 minute\"", expErr: "server.heartbeat_timeout"},
		{name: "bad heartbeat action", content: "[server]\non_heartbeat_failure = \"reboot\"", expErr: "one of [stop,exit,none]"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadFile(write(t, t.TempDir(), c.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expErr)
		})
	}
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	assert.Equal(t, "", Find(nested))

	path := write(t, root, "")
	assert.Equal(t, path, Find(nested))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(write(t, t.TempDir(), ""))
	require.NoError(t, err)
	assert.Equal(t, New(), cfg)

	d, err := cfg.RespawnDelay()
	require.NoError(t, err)
	assert.Zero(t, d)
}
