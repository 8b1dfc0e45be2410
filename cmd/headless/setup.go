package main

import (
	"github.com/guseggert/headless/command"
	"github.com/guseggert/headless/config"
	"github.com/guseggert/headless/supervisor"
	"github.com/guseggert/headless/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// loadConfig loads the config file and applies the flags that were set on top of it.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if ctx.IsSet("sandbox-runtime") {
		cfg.Sandbox.Runtime = ctx.String("sandbox-runtime")
	}
	if ctx.IsSet("worker-command") {
		cfg.Worker.Command = ctx.String("worker-command")
	}
	if ctx.IsSet("stream-rate") {
		cfg.Stream.Rate = ctx.Int("stream-rate")
	}
	if ctx.IsSet("respawn-delay") {
		cfg.Supervisor.RespawnDelay = ctx.String("respawn-delay")
	}
	if ctx.IsSet("listen-addr") {
		cfg.Server.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("tls-dir") {
		cfg.Server.TLSDir = ctx.String("tls-dir")
	}
	if ctx.IsSet("heartbeat-timeout") {
		cfg.Server.HeartbeatTimeout = ctx.String("heartbeat-timeout")
	}
	if ctx.IsSet("on-heartbeat-failure") {
		cfg.Server.OnHeartbeatFailure = ctx.String("on-heartbeat-failure")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newSupervisor(log *zap.SugaredLogger, cfg *config.Config) (*supervisor.Supervisor, error) {
	respawnDelay, err := cfg.RespawnDelay()
	if err != nil {
		return nil, err
	}
	registry := command.NewRegistry(command.Options{
		Log:        log.Named("command"),
		StreamRate: cfg.Stream.Rate,
		ChunkSize:  cfg.Stream.ChunkSize,
	})
	return supervisor.New(
		supervisor.WithLogger(log),
		supervisor.WithRegistry(registry),
		supervisor.WithRespawnDelay(respawnDelay),
		supervisor.WithOpener(transport.KindProcess, &transport.Process{
			Log:     log,
			Command: cfg.Worker.Command,
			Args:    cfg.Worker.Args,
			Env:     cfg.Worker.Env,
		}),
		supervisor.WithOpener(transport.KindSandboxed, &transport.Sandbox{
			Log:     log,
			Runtime: cfg.Sandbox.Runtime,
			Args:    cfg.Sandbox.Args,
		}),
	), nil
}
