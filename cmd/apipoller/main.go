// Package main is the entry point for apipoller. It loads configuration,
// mints a bearer credential if one is configured, polls a random target on
// every interval, and serves health and metrics on an optional status
// listener until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dskow/kongjwt/internal/circuitbreaker"
	"github.com/dskow/kongjwt/internal/config"
	"github.com/dskow/kongjwt/internal/health"
	"github.com/dskow/kongjwt/internal/kong"
	"github.com/dskow/kongjwt/internal/logging"
	"github.com/dskow/kongjwt/internal/manager"
	"github.com/dskow/kongjwt/internal/metrics"
	"github.com/dskow/kongjwt/internal/middleware"
	"github.com/dskow/kongjwt/internal/poller"
	"github.com/dskow/kongjwt/internal/tlsutil"
	"github.com/dskow/kongjwt/internal/token"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("apipoller", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "configs/apipoller.yaml", "path to configuration file")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the configuration (optional)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			fmt.Fprintf(stderr, "apipoller: %v\n", err)
			return 1
		}
	}

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ValidatePoller()
	}
	if err != nil {
		fmt.Fprintf(stderr, "apipoller: failed to load config: %v\n", err)
		return 1
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "apipoller: %v\n", err)
		return 1
	}
	defer closer.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"targets", len(cfg.Poller.Targets),
		"interval", cfg.Poller.Interval.String(),
		"request_timeout", cfg.Poller.RequestTimeout.String(),
		"headers", len(cfg.Poller.Headers),
		"credential", cfg.Poller.Credential.Enabled(),
		"status_addr", cfg.Poller.StatusAddr,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	tokens, err := newTokenSource(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to obtain poller credential", "error", err)
		return 1
	}

	breakers := circuitbreaker.NewSet(cfg.Poller.Targets, cfg.CircuitBreaker, logger)
	hc, err := tlsutil.HTTPClient(cfg.Poller.CAFile)
	if err != nil {
		logger.Error("failed to configure target tls", "error", err)
		return 1
	}
	p := poller.New(cfg.Poller, breakers, tokens, logger, poller.WithHTTPClient(hc))

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.SetValidator((*config.Config).ValidatePoller)
	reloader.OnReload(func(newCfg *config.Config) {
		breakers.Update(newCfg.Poller.Targets, newCfg.CircuitBreaker)
		p.UpdateConfig(newCfg.Poller)
	})
	reloader.Start()
	defer reloader.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})

	if cfg.Poller.StatusAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Poller.StatusAddr,
			Handler:           statusHandler(cfg, breakers, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting status listener", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("apipoller failed", "error", err)
		return 1
	}
	logger.Info("apipoller stopped gracefully")
	return 0
}

// newTokenSource returns the minter for poller.credential, or nil when no
// credential is configured. A consumer credential is fetched from Kong once;
// failing to fetch it aborts startup.
func newTokenSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (poller.TokenSource, error) {
	cred := cfg.Poller.Credential
	builder := token.NewBuilder(cfg.Token.Subject, nil)

	switch {
	case cred.Key != "":
		logger.Info("poller credential configured", "key", cred.Key)
		return manager.NewMinter(builder, cred.Key, cred.Secret, cred.Expiry(), "poller"), nil
	case cred.Consumer != "":
		client, err := kong.New(cfg.Kong, logger)
		if err != nil {
			return nil, err
		}
		m, err := manager.New(client, builder, cfg.Kong.ConsumerFilter, logger).MinterFor(ctx, cred.Consumer, cred.Expiry(), "poller")
		if err != nil {
			return nil, err
		}
		logger.Info("poller credential fetched from kong", "consumer", cred.Consumer, "key", m.Key())
		return m, nil
	default:
		return nil, nil
	}
}

// statusHandler serves /health, /ready and, when enabled, metrics.
func statusHandler(cfg *config.Config, breakers *circuitbreaker.Set, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	health.New(breakers, logger).RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle("GET "+metricsPath, metrics.Handler())
	}

	quiet := func(path string) bool {
		return path == "/health" || path == "/ready" || path == metricsPath
	}

	var h http.Handler = mux
	h = middleware.Logging(logger, quiet)(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(logger)(h)
	return h
}
