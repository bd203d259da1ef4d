// model-adapter runs inside every built model image. It owns the bridge to
// the framework runtime and exposes the invocation endpoint the serving
// address points at.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/serveml-labs/serveml-go/internal/adapter"
	"github.com/serveml-labs/serveml-go/internal/platform/env"
	"github.com/serveml-labs/serveml-go/internal/platform/httpserver"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	modelPath := env.String("MODEL_PATH", "/srv/model")
	framework := env.String("SERVEML_FRAMEWORK", "sklearn")
	bridgeScript := env.String("SERVEML_BRIDGE_SCRIPT", "/srv/bridge.py")
	pythonBin := env.String("SERVEML_PYTHON_BIN", "python3")
	addr := env.String("SERVEML_ADAPTER_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("SERVEML_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	cache := adapter.NewBridgeCache(logger, func(ctx context.Context, path string) (adapter.Predictor, error) {
		return adapter.StartBridge(ctx, logger, pythonBin, bridgeScript, path, framework)
	})
	defer cache.Close()

	// Warm the bridge up front so the first invocation does not pay the
	// model load. A load failure is reported through health, not a crash:
	// the control plane's confirmation poll decides the deployment's fate.
	warmCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if _, err := cache.Acquire(warmCtx, modelPath); err != nil {
		logger.Error("model load failed", "model", modelPath, "error", err)
	}
	cancel()

	handler := adapter.NewHandler(logger, cache, modelPath)

	cfg := httpserver.Config{
		Service:         "model-adapter",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "model-adapter", handler.Routes())); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
