package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/headless/config"
	"github.com/guseggert/headless/internal/version"
	"github.com/guseggert/headless/observer"
	"github.com/guseggert/headless/protocol"
	"github.com/guseggert/headless/server"
	"github.com/guseggert/headless/supervisor"
	"github.com/guseggert/headless/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:    "headless",
		Usage:   "run task lists in supervised headless workers",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path of the config file. Defaults to the nearest " + config.FileName + ".",
				EnvVars: []string{"HEADLESS_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"HEADLESS_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			runCommand,
			statusCommand,
			killCommand,
			stopCommand,
			observeCommand,
			outputCommand,
			certsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var supervisorFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "sandbox-runtime",
		Usage:   "Executable of the sandboxed runtime.",
		EnvVars: []string{"HEADLESS_SANDBOX_RUNTIME"},
	},
	&cli.StringFlag{
		Name:    "worker-command",
		Usage:   "Executable of process workers.",
		EnvVars: []string{"HEADLESS_WORKER_COMMAND"},
	},
	&cli.IntFlag{
		Name:    "stream-rate",
		Usage:   "Ceiling for streamed output in bytes per second, 0 for unlimited.",
		EnvVars: []string{"HEADLESS_STREAM_RATE"},
	},
	&cli.StringFlag{
		Name:  "respawn-delay",
		Usage: "Pause before relaunching the worker of a perpetual task list.",
	},
}

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "addr",
		Usage:   "Address of the server. Defaults to the configured listen address.",
		EnvVars: []string{"HEADLESS_ADDR"},
	},
	&cli.StringFlag{
		Name:    "tls-dir",
		Usage:   "Directory with the certificates written by the certs command.",
		EnvVars: []string{"HEADLESS_TLS_DIR"},
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the HTTP control surface",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
		},
		&cli.StringFlag{
			Name:    "tls-dir",
			Usage:   "Directory with the certificates written by the certs command. Enables mTLS.",
			EnvVars: []string{"HEADLESS_TLS_DIR"},
		},
		&cli.StringFlag{
			Name:  "on-heartbeat-failure",
			Usage: "Action to take on a heartbeat failure. One of [stop,exit,none].",
		},
		&cli.StringFlag{
			Name:  "heartbeat-timeout",
			Usage: "Duration to wait for a heartbeat before taking the heartbeat failure action.",
		},
	}, supervisorFlags...),
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger(ctx)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		sup, err := newSupervisor(logger, cfg)
		if err != nil {
			return err
		}

		heartbeatTimeout, err := cfg.HeartbeatTimeout()
		if err != nil {
			return err
		}
		opts := []server.Option{
			server.WithLogger(logger),
			server.WithListenAddr(cfg.Server.ListenAddr),
			server.WithHeartbeatTimeout(heartbeatTimeout),
		}
		if cfg.Server.TLSDir != "" {
			certs, err := server.ReadCerts(cfg.Server.TLSDir)
			if err != nil {
				return err
			}
			tlsConfig, err := server.ServerTLSConfig(certs.CACert, certs.ServerCert, certs.ServerKey)
			if err != nil {
				return fmt.Errorf("building server TLS config: %w", err)
			}
			opts = append(opts, server.WithTLS(tlsConfig))
		}

		var srv *server.Server
		switch cfg.Server.OnHeartbeatFailure {
		case "stop":
			opts = append(opts, server.WithHeartbeatFailureHandler(func() { srv.StopRuns() }))
		case "exit":
			opts = append(opts, server.WithHeartbeatFailureHandler(func() {
				fmt.Println("heartbeat failed, exiting")
				os.Exit(1)
			}))
		case "none", "":
			// nothing
		default:
			return fmt.Errorf("unsupported on-heartbeat-failure %q", cfg.Server.OnHeartbeatFailure)
		}
		srv = server.New(sup, opts...)

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			waitForSignal(ctx.Context)
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				logger.Warnf("error stopping server: %s", err)
			}
		}()
		if err := srv.Run(); err != nil {
			return err
		}
		// Serving ends before the runs are stopped.
		<-stopped
		return nil
	},
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run a task list locally, logging its events",
	ArgsUsage: "<task list>",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "kind",
			Usage: "Worker kind. One of [process,sandboxed].",
			Value: "process",
		},
		&cli.IntFlag{
			Name:  "index",
			Usage: "Step to start at.",
		},
	}, supervisorFlags...),
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("expected a task list path")
		}
		logger, err := newLogger(ctx)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		kind, err := transport.ParseKind(ctx.String("kind"))
		if err != nil {
			return err
		}
		sup, err := newSupervisor(logger, cfg)
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx.Context)
		defer cancel()
		run, err := sup.Start(runCtx, supervisor.Request{
			ListPath: ctx.Args().First(),
			Index:    ctx.Int("index"),
			Kind:     kind,
		})
		if err != nil {
			return err
		}
		run.Observers().Add(&observer.Logger{ID: "cli", Log: logger.Named("events")})

		go func() {
			waitForSignal(runCtx)
			run.Stop()
		}()
		if err := run.Wait(ctx.Context); err != nil {
			return err
		}
		if exit := run.LastExit(); exit != nil && exit.Code != 0 {
			return cli.Exit(fmt.Sprintf("worker exited with code %d", exit.Code), exit.Code)
		}
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:      "status",
	Usage:     "show the status of a run, or of all runs",
	ArgsUsage: "[run id]",
	Flags:     clientFlags,
	Action: func(ctx *cli.Context) error {
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		if ctx.NArg() == 0 {
			statuses, err := client.Runs(ctx.Context)
			if err != nil {
				return err
			}
			return printJSON(statuses)
		}
		st, err := client.Status(ctx.Context, ctx.Args().First())
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var killCommand = &cli.Command{
	Name:      "kill",
	Usage:     "ask the worker of a run to terminate",
	ArgsUsage: "<run id>",
	Flags:     clientFlags,
	Action: runAction(func(ctx *cli.Context, client *server.Client, id string) error {
		st, err := client.Kill(ctx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(st)
	}),
}

var stopCommand = &cli.Command{
	Name:      "stop",
	Usage:     "stop a run and forget it",
	ArgsUsage: "<run id>",
	Flags:     clientFlags,
	Action: runAction(func(ctx *cli.Context, client *server.Client, id string) error {
		st, err := client.Stop(ctx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(st)
	}),
}

var observeCommand = &cli.Command{
	Name:      "observe",
	Usage:     "print the events of a run until it exits",
	ArgsUsage: "<run id>",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "name",
			Usage: "Name of the observer session.",
		},
	}, clientFlags...),
	Action: runAction(func(ctx *cli.Context, client *server.Client, id string) error {
		var printErr error
		err := client.Observe(ctx.Context, id, ctx.String("name"), func(ev observer.Event) {
			if err := printJSON(ev); err != nil && printErr == nil {
				printErr = err
			}
		})
		if err != nil {
			return err
		}
		return printErr
	}),
}

var outputCommand = &cli.Command{
	Name:      "output",
	Usage:     "wait for the next output of a run and print it",
	ArgsUsage: "<run id>",
	Flags:     clientFlags,
	Action: runAction(func(ctx *cli.Context, client *server.Client, id string) error {
		return client.AwaitOutput(ctx.Context, id, func(args protocol.Args) {
			if err := printJSON(args); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		})
	}),
}

var certsCommand = &cli.Command{
	Name:      "certs",
	Usage:     "generate a CA with server and client certificates for mTLS",
	ArgsUsage: "<dir>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "validity",
			Usage: "How long the certificates are valid.",
			Value: 30 * 24 * time.Hour,
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("expected a directory")
		}
		certs, err := server.GenerateCerts(ctx.Duration("validity"))
		if err != nil {
			return fmt.Errorf("generating certs: %w", err)
		}
		return certs.WriteFiles(ctx.Args().First())
	},
}

func runAction(f func(ctx *cli.Context, client *server.Client, id string) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("expected a run id")
		}
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		return f(ctx, client, ctx.Args().First())
	}
}

func newLogger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

func newClient(ctx *cli.Context) (*server.Client, error) {
	logger, err := newLogger(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	addr := ctx.String("addr")
	if addr == "" {
		addr = cfg.Server.ListenAddr
	}
	var opts []server.ClientOption
	if cfg.Server.TLSDir != "" {
		certs, err := server.ReadCerts(cfg.Server.TLSDir)
		if err != nil {
			return nil, err
		}
		tlsConfig, err := server.ClientTLSConfig(certs.CACert, certs.ClientCert, certs.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
		opts = append(opts, server.WithClientTLS(tlsConfig))
	}
	return server.NewClient(logger, addr, opts...)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Println(string(b))
	return err
}

func waitForSignal(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}
