// Package cmd wires configuration, credentials, the session manager, and the
// HTTP server into the two top-level commands: running the service and the
// interactive cookie login.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/web-gemini/GeminiWebGateway/internal/api"
	"github.com/web-gemini/GeminiWebGateway/internal/config"
	"github.com/web-gemini/GeminiWebGateway/internal/credentials"
	"github.com/web-gemini/GeminiWebGateway/internal/provider/geminiweb"
	"github.com/web-gemini/GeminiWebGateway/internal/session"
	"github.com/web-gemini/GeminiWebGateway/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

// buildSource assembles the credential chain: config literals first, then
// the token file written by --login.
func buildSource(cfg *config.Config) credentials.Source {
	return credentials.NewChain(
		credentials.NewStaticSource(cfg.GeminiWeb.Secure1PSID, cfg.GeminiWeb.Secure1PSIDTS),
		credentials.NewFileSource(cfg.GeminiWeb.TokenFile),
	)
}

// StartService runs the gateway until SIGINT or SIGTERM.
func StartService(cfg *config.Config, configPath string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := buildSource(cfg)
	provider := geminiweb.NewProvider(source, geminiweb.Options{
		Proxy:          cfg.ProxyURL,
		MaxChars:       cfg.GeminiWeb.MaxCharsPerRequest,
		PersistContext: cfg.GeminiWeb.Context,
		ConvStorePath:  geminiweb.ConvStorePath(cfg.GeminiWeb.TokenFile),
	})
	manager := session.NewManager(provider, cfg.GeminiWeb.OpenTimeout())
	server := api.NewServer(cfg, manager)

	w, err := watcher.NewWatcher(configPath, cfg.GeminiWeb.TokenFile,
		server.UpdateConfig, provider.Invalidate)
	if err != nil {
		log.Fatalf("failed to create file watcher: %v", err)
	}
	if err = w.Start(ctx); err != nil {
		log.Fatalf("failed to start file watcher: %v", err)
	}

	go evictLoop(ctx, manager, cfg.GeminiWeb.IdleThreshold(), cfg.GeminiWeb.EvictInterval())
	if interval := cfg.GeminiWeb.RotateInterval(); interval > 0 {
		go rotateLoop(ctx, provider, interval)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received signal %s, shutting down", sig)
	case err = <-errCh:
		if err != nil {
			log.Errorf("server stopped: %v", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	manager.CloseAll()
	if err = w.Stop(); err != nil {
		log.Errorf("stopping watcher: %v", err)
	}
	log.Info("gateway stopped")
}

// evictLoop reclaims idle upstream conversations on a fixed interval.
func evictLoop(ctx context.Context, manager *session.Manager, threshold, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.EvictIdle(threshold)
		}
	}
}

// rotateLoop refreshes the __Secure-1PSIDTS cookie so long-lived
// deployments do not expire mid-flight.
func rotateLoop(ctx context.Context, provider *geminiweb.Provider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := provider.RotateCookies(ctx); err != nil {
				log.Warnf("cookie rotation failed: %v", err)
			}
		}
	}
}
