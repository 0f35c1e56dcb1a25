// Package main is the entry point for the AI gateway. It loads
// configuration, builds the per-instance clients and routing manager,
// assembles the middleware stack, starts the HTTP server, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dskow/ai-gateway/internal/breaker"
	"github.com/dskow/ai-gateway/internal/client"
	"github.com/dskow/ai-gateway/internal/config"
	"github.com/dskow/ai-gateway/internal/logging"
	"github.com/dskow/ai-gateway/internal/metrics"
	"github.com/dskow/ai-gateway/internal/middleware"
	"github.com/dskow/ai-gateway/internal/ratelimit"
	"github.com/dskow/ai-gateway/internal/retry"
	"github.com/dskow/ai-gateway/internal/rollout"
	"github.com/dskow/ai-gateway/internal/server"
	"github.com/dskow/ai-gateway/internal/tlsutil"
	"github.com/dskow/ai-gateway/internal/token"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := buildLogger(cfg.Logging)
	if err != nil {
		bootLogger.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"instances", len(cfg.Instances),
		"rollout_strategy", cfg.Rollout.Strategy,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
		"trusted_proxies", len(cfg.Server.TrustedProxies),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	tokens, err := token.NewManager(token.Config{
		Secret:   cfg.Token.Secret,
		Issuer:   cfg.Token.Issuer,
		Audience: cfg.Token.Audience,
		Subject:  cfg.Token.Subject,
		TTL:      cfg.Token.TTL,
	})
	if err != nil {
		logger.Error("failed to create token manager", "error", err)
		os.Exit(1)
	}

	// One process-wide degraded-mode window shared by all clients.
	cooldown := breaker.NewCooldown()

	policy := retry.Policy{
		MaxRetries:     cfg.Upstream.MaxRetries,
		AttemptTimeout: cfg.Upstream.AttemptTimeout,
		InitialDelay:   cfg.Upstream.InitialDelay,
		MaxDelay:       cfg.Upstream.MaxDelay,
	}

	instances := make([]rollout.Instance, 0, len(cfg.Instances))
	names := make([]string, 0, len(cfg.Instances))
	clients := make(map[string]rollout.Caller, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		instances = append(instances, rollout.Instance{
			Name:    inst.Name,
			BaseURL: inst.BaseURL,
			Version: inst.Version,
			Weight:  inst.Weight,
		})
		names = append(names, inst.Name)
		clients[inst.Name] = client.New(client.Options{
			Name:             inst.Name,
			BaseURL:          inst.BaseURL,
			Version:          inst.Version,
			Tokens:           tokens,
			Breaker:          breaker.New(inst.Name, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.Cooldown, logger),
			Cooldown:         cooldown,
			CooldownDuration: cfg.CircuitBreaker.Cooldown,
			Retry:            policy,
			Logger:           logger,
		})
	}

	recorder := metrics.NewRecorder(names)

	mgr, err := rollout.New(instances, clients, rollout.Config{
		Strategy:   cfg.Rollout.Strategy,
		Percentage: cfg.Rollout.Percentage,
		UserGroups: cfg.Rollout.UserGroups,
	}, recorder, logger)
	if err != nil {
		logger.Error("failed to create rollout manager", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → BodyLimit → RateLimit → API
	apiMux := http.NewServeMux()
	api := server.New(mgr, limiter.ClientIP, logger)
	api.RegisterRoutes(apiMux)

	var handler http.Handler = apiMux
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Initialize config reloader before wiring the admin API so both see
	// the same config source.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
		if err := mgr.Update(newCfg.Rollout.Strategy, &newCfg.Rollout.Percentage, newCfg.Rollout.UserGroups); err != nil {
			logger.Error("rollout reload rejected", "error", err)
		}
	})

	// Probes, metrics, and the admin API bypass the middleware stack.
	sideMux := http.NewServeMux()
	api.RegisterProbes(sideMux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		sideMux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	if cfg.Admin.Enabled {
		admin := server.NewAdmin(mgr, reloader, tokens, cfg.Admin.IPAllowlist, limiter.ClientIP, logger)
		admin.RegisterRoutes(sideMux)
		logger.Info("admin API registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/healthz") ||
			strings.HasPrefix(r.URL.Path, "/readyz") ||
			(cfg.Admin.Enabled && strings.HasPrefix(r.URL.Path, "/admin/")) ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			sideMux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		srv.TLSConfig = &tls.Config{GetCertificate: certLoader.GetCertificate}
	}

	go func() {
		logger.Info("starting gateway", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}

// buildLogger creates the process logger per the logging config. File
// outputs go through the rotating writer; the returned closer is nil for
// stdout and stderr.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var out io.Writer
	var closer io.Closer

	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		out = rw
		closer = rw
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return logger, closer, nil
}
