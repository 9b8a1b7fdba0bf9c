// Command cdngatewayd runs the optional HTTP façade over a single
// gateway.Gateway instance.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/cdngateway/api"
	"github.com/use-agent/cdngateway/config"
	"github.com/use-agent/cdngateway/gateway"
	"github.com/use-agent/cdngateway/internal/browserengine"
	"github.com/use-agent/cdngateway/internal/challenge"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	log := slog.Default()
	log.Info("cdngatewayd starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"name", cfg.Gateway.Name,
	)

	// ── 3. Initialise browser engine + gateway ──────────────────────
	detector := challenge.NewDetector(cfg.Gateway.OriginValidationMarkers)
	engine := browserengine.NewRodEngine(cfg.Browser.BrowserBin, cfg.Browser.NoSandbox, cfg.Gateway.Proxy, detector, log)

	gw := gateway.New(cfg.Gateway, engine, log)

	ctx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	gw.EnsureInitialized(ctx)
	cancelInit()

	// ── 4. Setup router ──────────────────────────────────────────────
	startTime := time.Now()
	router := api.NewRouter(gw, cfg, startTime)

	// ── 5. Start HTTP server ──────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 6. Graceful shutdown ──────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server forced shutdown", "error", err)
	} else {
		log.Info("HTTP server drained gracefully")
	}

	log.Info("cdngatewayd stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(h))
}
