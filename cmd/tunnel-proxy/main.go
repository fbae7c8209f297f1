package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"tunnel-proxy-go/internal/client"
	"tunnel-proxy-go/internal/config"
	"tunnel-proxy-go/internal/handler"
	"tunnel-proxy-go/internal/manifest"
	"tunnel-proxy-go/internal/metrics"
	"tunnel-proxy-go/internal/middleware"
	"tunnel-proxy-go/internal/registry"
	"tunnel-proxy-go/internal/server"
	"tunnel-proxy-go/internal/service"
	"tunnel-proxy-go/internal/tlsconf"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// sweepInterval is how often the manifest scans for expired requests.
const sweepInterval = 5 * time.Second

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("tunnel-proxy"),
		kong.Description("HTTP/2 + HTTP/1.1 reverse-proxy tunnel fabric."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			config.Load,
			newLogger,
			metrics.New,
			registry.New,
			manifest.New,
			client.NewBackendClient,
			service.NewForwarder,
			service.NewRegistrar,
			handler.BuildH2Router,
			handler.NewRegistrationHandler,
			handler.NewForwardHandler,
			newTLSConfig,
			server.NewH2Server,
			newEcho,
		),
		fx.Invoke(
			applyThreadCount,
			handler.RegisterRoutes,
			warnConfigPermissions,
			startH2Server,
			startHTTP1Server,
			startManifestSweep,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newTLSConfig builds the h2 front door's TLS config, or nil when TLS is off.
func newTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if !cfg.TLS.Enabled {
		return nil, nil
	}
	return tlsconf.NewServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.ProxyHeaders())
	e.Use(middleware.MetricsMiddleware(m))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	return e
}

// applyThreadCount maps the THREADS contract onto the runtime scheduler.
func applyThreadCount(cfg *config.Config, logger *slog.Logger) {
	runtime.GOMAXPROCS(cfg.Server.Threads)
	logger.Info("scheduler configured", "threads", cfg.Server.Threads)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startH2Server(lc fx.Lifecycle, srv *server.H2Server, cfg *config.Config, logger *slog.Logger) {
	var ln net.Listener
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.H2Addr()
			var err error
			ln, err = net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting HTTP/2 front door",
				"addr", addr,
				"tls", cfg.TLS.Enabled,
			)
			go srv.Serve(ln)
			return nil
		},
		OnStop: func(_ context.Context) error {
			logger.Info("stopping HTTP/2 front door")
			return ln.Close()
		},
	})
}

func startHTTP1Server(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.HTTP1Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting HTTP/1.1 front door", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("HTTP/1.1 server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping HTTP/1.1 front door")
			return e.Shutdown(ctx)
		},
	})
}

func startManifestSweep(lc fx.Lifecycle, m *manifest.Manifest, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("starting manifest sweep", "interval", sweepInterval.String())
			go m.Run(ctx, sweepInterval)
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			m.LogStats()
			return nil
		},
	})
}
