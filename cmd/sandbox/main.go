// Package main runs the local Kong stand-in: the fake Admin API on one port
// and the JWT-protected echo upstream on another, both backed by a YAML
// fixture of consumers and credentials.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"github.com/dskow/kongjwt/internal/logging"
	"github.com/dskow/kongjwt/internal/metrics"
	"github.com/dskow/kongjwt/internal/proxy"
	"github.com/dskow/kongjwt/internal/sandbox"
	"github.com/dskow/kongjwt/internal/tlsutil"
)

// options are read from the environment first; flags override them.
type options struct {
	Fixture    string        `env:"SANDBOX_FIXTURE" envDefault:"configs/sandbox-fixture.yaml"`
	Host       string        `env:"SANDBOX_HOST" envDefault:"127.0.0.1"`
	AdminPort  int           `env:"SANDBOX_ADMIN_PORT" envDefault:"8001"`
	ProxyPort  int           `env:"SANDBOX_PROXY_PORT" envDefault:"8000"`
	AdminToken string        `env:"SANDBOX_ADMIN_TOKEN"`
	PageSize   int           `env:"SANDBOX_PAGE_SIZE" envDefault:"100"`
	Name       string        `env:"SERVICE_NAME" envDefault:"sandbox"`
	Leeway     time.Duration `env:"SANDBOX_LEEWAY" envDefault:"0s"`
	LogLevel   string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string        `env:"LOG_FORMAT" envDefault:"text"`
	RateLimit  float64       `env:"SANDBOX_RATE_LIMIT"`
	RateBurst  int           `env:"SANDBOX_RATE_BURST" envDefault:"1"`
	TLSCert    string        `env:"SANDBOX_TLS_CERT"`
	TLSKey     string        `env:"SANDBOX_TLS_KEY"`
	Upstream   string        `env:"SANDBOX_UPSTREAM_URL"`
	HideCreds  bool          `env:"SANDBOX_HIDE_CREDENTIALS"`
	UpstreamTO time.Duration `env:"SANDBOX_UPSTREAM_TIMEOUT" envDefault:"60s"`
	Metrics    bool          `env:"SANDBOX_METRICS" envDefault:"true"`
}

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var opts options
	if err := env.Parse(&opts); err != nil {
		fmt.Fprintf(stderr, "sandbox: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("sandbox", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.Fixture, "fixture", opts.Fixture, "YAML fixture of consumers and jwt credentials")
	fs.StringVar(&opts.Host, "host", opts.Host, "interface both listeners bind to")
	fs.IntVar(&opts.AdminPort, "admin-port", opts.AdminPort, "Admin API port")
	fs.IntVar(&opts.ProxyPort, "proxy-port", opts.ProxyPort, "JWT-protected upstream port")
	fs.StringVar(&opts.AdminToken, "admin-token", opts.AdminToken, "require this Kong-Admin-Token on Admin API requests")
	fs.IntVar(&opts.PageSize, "page-size", opts.PageSize, "default Admin API page size")
	fs.StringVar(&opts.Name, "name", opts.Name, "service name reported by the upstream")
	fs.DurationVar(&opts.Leeway, "leeway", opts.Leeway, "tolerated clock skew on exp")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "debug, info, warn or error")
	fs.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "json or text")
	fs.Float64Var(&opts.RateLimit, "rate-limit", opts.RateLimit, "requests per second per credential on the upstream (0 disables)")
	fs.IntVar(&opts.RateBurst, "rate-burst", opts.RateBurst, "burst allowed on top of -rate-limit")
	fs.StringVar(&opts.TLSCert, "tls-cert", opts.TLSCert, "serve the upstream over https with this PEM certificate")
	fs.StringVar(&opts.TLSKey, "tls-key", opts.TLSKey, "PEM private key for -tls-cert")
	fs.StringVar(&opts.Upstream, "upstream-url", opts.Upstream, "forward authenticated requests to this backend instead of echoing them")
	fs.BoolVar(&opts.HideCreds, "hide-credentials", opts.HideCreds, "strip Authorization before forwarding")
	fs.BoolVar(&opts.Metrics, "metrics", opts.Metrics, "serve Prometheus metrics on the Admin API at /metrics")
	fs.DurationVar(&opts.UpstreamTO, "upstream-timeout", opts.UpstreamTO, "timeout for forwarded requests")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if (opts.TLSCert == "") != (opts.TLSKey == "") {
		fmt.Fprintln(stderr, "sandbox: -tls-cert and -tls-key must be set together")
		return 2
	}

	logger := logging.NewWithWriter(stdout, opts.LogFormat, opts.LogLevel)

	fixture, err := sandbox.LoadFixture(opts.Fixture)
	if err != nil {
		logger.Error("failed to load fixture", "error", err)
		return 1
	}
	if opts.Metrics {
		metrics.Init()
	}
	store := sandbox.NewStore(fixture, nil)
	logger.Info("fixture loaded", "path", opts.Fixture, "consumers", len(store.Consumers()))

	admin := &http.Server{
		Handler: sandbox.NewAdminHandler(store, sandbox.AdminOptions{
			AdminToken: opts.AdminToken,
			PageSize:   opts.PageSize,
			Metrics:    opts.Metrics,
		}, logger.With("listener", "admin")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	upstreamOpts := sandbox.UpstreamOptions{
		Name:      opts.Name,
		Leeway:    opts.Leeway,
		RateLimit: opts.RateLimit,
		RateBurst: opts.RateBurst,
	}
	if opts.Upstream != "" {
		fwd, err := proxy.New(opts.Upstream, store.Identify, proxy.Options{
			HideCredentials: opts.HideCreds,
			Timeout:         opts.UpstreamTO,
		}, logger.With("listener", "proxy"))
		if err != nil {
			logger.Error("invalid upstream", "error", err)
			return 1
		}
		upstreamOpts.Forward = fwd
		logger.Info("forwarding authenticated requests", "upstream", opts.Upstream)
	}

	proxySrv := &http.Server{
		Handler:           sandbox.NewUpstreamHandler(store, upstreamOpts, logger.With("listener", "proxy")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	adminLn, err := net.Listen("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.AdminPort)))
	if err != nil {
		logger.Error("failed to listen", "listener", "admin", "error", err)
		return 1
	}
	proxyLn, err := net.Listen("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.ProxyPort)))
	if err != nil {
		adminLn.Close()
		logger.Error("failed to listen", "listener", "proxy", "error", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	if opts.TLSCert != "" {
		certs, err := tlsutil.WatchCert(gctx, opts.TLSCert, opts.TLSKey, logger)
		if err != nil {
			adminLn.Close()
			proxyLn.Close()
			logger.Error("failed to load tls certificate", "error", err)
			return 1
		}
		proxyLn = tls.NewListener(proxyLn, certs.ServerConfig())
	}
	serve := func(name string, srv *http.Server, ln net.Listener) {
		g.Go(func() error {
			logger.Info(name+" listening", "addr", ln.Addr().String(), "tls", name == "proxy" && opts.TLSCert != "")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	serve("admin api", admin, adminLn)
	serve("proxy", proxySrv, proxyLn)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(admin.Shutdown(shutdownCtx), proxySrv.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error("sandbox failed", "error", err)
		return 1
	}
	logger.Info("sandbox stopped gracefully")
	return 0
}
