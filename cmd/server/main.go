package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentgate/agentgate/internal/api"
	"github.com/agentgate/agentgate/internal/app"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/logger"
	"github.com/agentgate/agentgate/internal/metrics"
	"github.com/agentgate/agentgate/internal/middleware"
	"github.com/agentgate/agentgate/internal/notify"
	"github.com/agentgate/agentgate/internal/ratelimit"
	"github.com/agentgate/agentgate/internal/reputation"
	"github.com/agentgate/agentgate/internal/secrets"
	"github.com/agentgate/agentgate/internal/spending"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/token"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	gw, err := config.LoadGateway(cfg.GatewayConfigPath)
	if err != nil {
		slog.Error("failed to load gateway config", "path", cfg.GatewayConfigPath, "error", err)
		os.Exit(1)
	}
	slog.Info("loaded gateway policy", "service", gw.Service.Name, "scopes", len(gw.Scopes), "routes", len(gw.Routes))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	reputationManager, err := reputation.NewManager(gw.Reputation)
	if err != nil {
		slog.Error("invalid reputation config", "error", err)
		os.Exit(1)
	}

	// Initialize storage
	store, err := openStore(ctx, cfg, reputationManager.Default())
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	slog.Info("opened store", "backend", cfg.StoreBackend)

	secret, err := secrets.ResolveTokenSecret(ctx, cfg.TokenSecret, cfg.TokenSecretCiphertext, cfg.Secrets)
	if err != nil {
		slog.Error("failed to resolve token secret", "provider", cfg.Secrets.Provider, "error", err)
		os.Exit(1)
	}
	tokens, err := token.NewIssuer(secret, gw.Service.Namespace, gw.Auth.TokenTTL, nil)
	if err != nil {
		slog.Error("failed to create token issuer", "error", err)
		os.Exit(1)
	}

	tracker, err := spending.NewTracker(gw.Spending, nil)
	if err != nil {
		slog.Error("invalid spending config", "error", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NotifyWebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(notify.DefaultWebhookConfig(cfg.NotifyWebhookURL))
		if err != nil {
			slog.Error("failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		notifier = webhook
	}

	m := metrics.New()
	limiter := ratelimit.New(nil)

	// Initialize application services
	svc, err := app.NewGatewayService(app.Deps{
		Store:      store,
		Tokens:     tokens,
		Reputation: reputationManager,
		Limiter:    limiter,
		Spending:   tracker,
		Notifier:   notifier,
		Metrics:    m,
	}, app.OptionsFromConfig(gw, cfg.Passthrough, cfg.StoreTimeout))
	if err != nil {
		slog.Error("failed to create gateway service", "error", err)
		os.Exit(1)
	}

	janitor := app.NewJanitor(store, limiter, tracker, m, cfg.CleanupInterval)
	go janitor.Run(ctx)

	// Initialize API server
	server, err := api.NewServer(api.Options{
		Config:    cfg,
		Gateway:   gw,
		Service:   svc,
		Metrics:   m,
		Janitor:   janitor,
		IPLimiter: middleware.NewIPRateLimiter(cfg.IPRateLimitRPS, cfg.IPRateLimitBurst),
	})
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start(ctx)
	}()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Wait for either server error or shutdown signal
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		// Let in-flight registration webhooks finish before the store closes
		svc.Wait()

		slog.Info("server stopped")
	}
}

func openStore(ctx context.Context, cfg *config.Config, defaultReputation float64) (storage.Store, error) {
	opts := storage.Options{DefaultReputation: defaultReputation}
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return storage.NewMemoryStore(opts), nil
	case config.BackendSQLite:
		return storage.NewSQLite(cfg.SQLitePath, opts)
	case config.BackendPostgres:
		return storage.NewPostgres(ctx, cfg.PostgresDSN, opts)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
