package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/time/rate"

	"cors-proxy-go/internal/admission"
	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/engine"
	"cors-proxy-go/internal/handler"
	"cors-proxy-go/internal/helppage"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/middleware"
	"cors-proxy-go/internal/proxy"
	"cors-proxy-go/internal/ratelimit"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("cors-proxy"),
		kong.Description("Reverse proxy that adds CORS headers to proxied requests."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newEcho,
			metrics.New,
			helppage.New,
			engine.New,
			newOriginLimiter,
			newAdmissionChain,
			newOrchestrator,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
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

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running streamed
	// responses. Protection is provided by the upstream client timeout, ReadTimeout,
	// and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	e.Use(middleware.StripHopByHop())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newOriginLimiter(cfg *config.Config, logger *slog.Logger) (admission.RateLimitFunc, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	checker, err := ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Period(), cfg.RateLimit.Unlimited)
	if err != nil {
		return nil, err
	}
	logger.Info("origin rate limit enabled",
		"max_requests", cfg.RateLimit.MaxRequests,
		"period_seconds", cfg.RateLimit.PeriodSeconds,
	)
	return checker.Check, nil
}

func newAdmissionChain(cfg *config.Config, limit admission.RateLimitFunc, help *helppage.Cache, logger *slog.Logger) *admission.Chain {
	return admission.NewChain(admission.Options{
		Blacklist:          cfg.Proxy.OriginBlacklist,
		Whitelist:          cfg.Proxy.OriginWhitelist,
		Required:           cfg.Proxy.RequireHeaders,
		RateLimit:          limit,
		RedirectSameOrigin: cfg.Proxy.RedirectSameOrigin,
		CORSMaxAge:         cfg.Proxy.CORSMaxAge,
		HelpFile:           cfg.Proxy.HelpFile,
	}, help, logger)
}

func newOrchestrator(eng *engine.Engine, logger *slog.Logger, m *metrics.Metrics) *proxy.Orchestrator {
	// Upstream connections honor the standard proxy environment variables.
	selector := httpproxy.FromEnvironment().ProxyFunc()
	return proxy.NewOrchestrator(eng, proxy.NewRedirectFollower(logger), selector, logger, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}

			if domain := cfg.Server.TLS.Domain; domain != "" {
				manager, err := certManager(domain, cfg.Server.TLS.CertDir)
				if err != nil {
					ln.Close()
					return err
				}
				e.Server.TLSConfig = manager.TLSConfig()
				logger.Info("starting server", "addr", addr, "tls_domain", domain)
				go func() {
					if err := e.Server.ServeTLS(ln, "", ""); err != nil && err != http.ErrServerClosed {
						logger.Error("server error", "err", err)
					}
				}()
				return nil
			}

			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
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

// certManager issues and renews certificates for domain via ACME, caching
// them under dir. Challenges are answered over TLS-ALPN on the serving port.
func certManager(domain, dir string) (*autocert.Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cert dir %s: %w", dir, err)
	}
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Cache:      autocert.DirCache(dir),
	}, nil
}
