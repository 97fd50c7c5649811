package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"proxy-rotator-go/internal/client"
	"proxy-rotator-go/internal/config"
	"proxy-rotator-go/internal/handler"
	"proxy-rotator-go/internal/metrics"
	"proxy-rotator-go/internal/middleware"
	"proxy-rotator-go/internal/pool"
	"proxy-rotator-go/internal/refresh"
	"proxy-rotator-go/internal/scheduler"
	"proxy-rotator-go/internal/service"
)

const startTimeout = 2 * time.Minute

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("proxy-rotator"),
		kong.Description("HTTP forward proxy that relays each request through a random upstream proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		// The initial pool refresh runs inside OnStart and may take up to
		// listing.timeout_seconds.
		fx.StartTimeout(startTimeout),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			pool.NewStore,
			newEcho,
			client.NewListingClient,
			newProxyClient,
			newRefresher,
			newScheduler,
			newProxyService,
			handler.NewProxyHandler,
			newHealthHandler,
			newAdminHandler,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startScheduler, startServer),
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

func newProxyClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *client.ProxyClient {
	return client.NewProxyClient(cfg, logger, m)
}

func newRefresher(cfg *config.Config, lc *client.ListingClient, store *pool.Store, pc *client.ProxyClient, logger *slog.Logger, m *metrics.Metrics) *refresh.Refresher {
	timeout := time.Duration(cfg.Listing.TimeoutSeconds) * time.Second
	return refresh.New(lc, store, cfg.Upstream.ProxyScheme, timeout, logger, m, pc)
}

func newScheduler(cfg *config.Config, r *refresh.Refresher, logger *slog.Logger) *scheduler.Scheduler {
	timeout := time.Duration(cfg.Listing.TimeoutSeconds) * time.Second
	return scheduler.New(r, cfg.Refresh.Schedule, timeout, logger)
}

func newProxyService(store *pool.Store, pc *client.ProxyClient, cfg *config.Config, logger *slog.Logger) *service.ProxyService {
	return service.NewProxyService(store, pc, cfg, logger)
}

func newHealthHandler(cfg *config.Config, v handler.Version, r *refresh.Refresher) *handler.HealthHandler {
	return handler.NewHealthHandler(cfg, v, r)
}

func newAdminHandler(r *refresh.Refresher, logger *slog.Logger) *handler.AdminHandler {
	return handler.NewAdminHandler(r, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// No WriteTimeout: relayed responses may stream for as long as the
	// upstream timeout allows.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.StripHopByHop())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerRoutes(e *echo.Echo, proxy *handler.ProxyHandler, health *handler.HealthHandler, admin *handler.AdminHandler, cfg *config.Config, m *metrics.Metrics) {
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
	}
	handler.RegisterRoutes(e, proxy, health, admin, cfg.Metrics.Path, metricsHandler)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// startScheduler is invoked before startServer, so the initial refresh
// completes before the listener accepts traffic.
func startScheduler(lc fx.Lifecycle, s *scheduler.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
