// Package main is the protogate command: it serves the gateway over HTTP and
// offers one-shot invocation, listing and validation from the shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/protogate/client"
	"github.com/pitabwire/protogate/internal/config"
	"github.com/pitabwire/protogate/internal/observability"
	"github.com/pitabwire/protogate/internal/registry"
	"github.com/pitabwire/protogate/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "protogate",
		Usage:   "protocol-translation gateway for REST, XML and SOAP services",
		Version: version + " (" + commit + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to configuration file",
				EnvVars: []string{"PROTOGATE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			invokeCmd,
			servicesCmd,
			validateCmd,
		},
	}
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the HTTP front-end",
	Action: func(cctx *cli.Context) error {
		cfg, err := config.Load(cctx.String("config"))
		if err != nil {
			return err
		}
		return serve(cctx.Context, cfg)
	},
}

var invokeCmd = &cli.Command{
	Name:      "invoke",
	Usage:     "call one service and print the response envelope",
	ArgsUsage: "SERVICE",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "param",
			Aliases: []string{"p"},
			Usage:   "parameter as key=value, repeatable",
		},
		&cli.StringFlag{
			Name:    "data",
			Aliases: []string{"d"},
			Usage:   "parameters as a JSON object; --param values override it",
		},
		&cli.StringFlag{
			Name:  "remote",
			Usage: "base URL of a running gateway; the call runs in-process when unset",
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "bearer token for --remote",
			EnvVars: []string{"PROTOGATE_TOKEN"},
		},
		&cli.StringFlag{
			Name:  "correlation-id",
			Usage: "correlation ID to use instead of a generated one",
		},
	},
	Action: func(cctx *cli.Context) error {
		service := cctx.Args().First()
		if service == "" {
			return cli.Exit("invoke: SERVICE argument is required", 2)
		}
		params, err := parseParams(cctx.String("data"), cctx.StringSlice("param"))
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}

		ctx := cctx.Context
		if id := cctx.String("correlation-id"); id != "" {
			ctx = client.ContextWithCorrelationID(ctx, id)
		}

		var resp *model.StandardResponse
		if remote := cctx.String("remote"); remote != "" {
			resp, err = client.New(remote, client.WithBearerToken(cctx.String("token"))).Call(ctx, service, params)
			if err != nil {
				return err
			}
		} else {
			s, cleanup, err := localStack(cctx.String("config"))
			if err != nil {
				return err
			}
			defer cleanup()
			resp = s.engine.Invoke(ctx, service, params)
		}

		enc := json.NewEncoder(cctx.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
		if !resp.Success {
			return cli.Exit("", 1)
		}
		return nil
	},
}

var servicesCmd = &cli.Command{
	Name:  "services",
	Usage: "list the registered services",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "remote",
			Usage: "base URL of a running gateway",
		},
	},
	Action: func(cctx *cli.Context) error {
		if remote := cctx.String("remote"); remote != "" {
			names, err := client.New(remote).Services(cctx.Context)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cctx.App.Writer, name)
			}
			return nil
		}

		s, cleanup, err := localStack(cctx.String("config"))
		if err != nil {
			return err
		}
		defer cleanup()
		for _, name := range s.registry.Names() {
			desc, err := s.registry.Resolve(name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cctx.App.Writer, describe(desc))
		}
		return nil
	},
}

var validateCmd = &cli.Command{
	Name:  "validate",
	Usage: "check the configuration and every service descriptor",
	Action: func(cctx *cli.Context) error {
		cfg, err := config.Load(cctx.String("config"))
		if err != nil {
			return err
		}
		descs, err := loadServices(cfg.Gateway)
		if err != nil {
			return err
		}

		var problems []string
		for _, d := range descs {
			if err := registry.Validate(d); err != nil {
				problems = append(problems, err.Error())
			}
		}
		// Duplicates across catalogs and inline services are only caught
		// when building the registry.
		if len(problems) == 0 {
			if _, err := registry.New(descs); err != nil {
				problems = append(problems, err.Error())
			}
		}
		if len(problems) > 0 {
			for _, p := range problems {
				fmt.Fprintln(cctx.App.ErrWriter, p)
			}
			return cli.Exit(fmt.Sprintf("%d invalid service descriptor(s)", len(problems)), 1)
		}

		fmt.Fprintf(cctx.App.Writer, "ok: %d services\n", len(descs))
		return nil
	},
}

// localStack builds an in-process gateway for one-shot commands. Logs go to
// stderr so stdout carries only the command output.
func localStack(path string) (*stack, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	cfg.Observability.LogOutput = "stderr"
	if cfg.Observability.LogLevel == "info" {
		cfg.Observability.LogLevel = "warn"
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	reg := prometheus.NewRegistry()
	s, err := buildStack(cfg, logger, reg, reg)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return s, func() { _ = logger.Sync() }, nil
}

// parseParams merges a JSON object with key=value pairs.
func parseParams(data string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &params); err != nil {
			return nil, fmt.Errorf("--data must be a JSON object: %w", err)
		}
		if params == nil {
			params = map[string]any{}
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--param %q: want key=value", p)
		}
		params[k] = v
	}
	return params, nil
}

func serve(parent context.Context, cfg *config.Config) error {
	// Step 1: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "protogate", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	// Step 2: Wire the gateway.
	s, err := buildStack(cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		logger.Error("gateway initialization failed", zap.Error(err))
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 3: Serve until a signal arrives or the listener fails.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("services", s.registry.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting new connections and drain in-flight requests.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		// Flush telemetry.
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
