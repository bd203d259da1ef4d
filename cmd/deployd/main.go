// deployd is the model deployment control plane: it accepts artifact
// submissions, drives each one through validation, build, and publication,
// and serves the deployment records over HTTP.
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

	"github.com/serveml-labs/serveml-go/internal/build"
	"github.com/serveml-labs/serveml-go/internal/deploy"
	"github.com/serveml-labs/serveml-go/internal/platform/auth"
	"github.com/serveml-labs/serveml-go/internal/platform/env"
	"github.com/serveml-labs/serveml-go/internal/platform/httpserver"
	"github.com/serveml-labs/serveml-go/internal/platform/objectstore"
	"github.com/serveml-labs/serveml-go/internal/platform/postgres"
	"github.com/serveml-labs/serveml-go/internal/publish"
	repopg "github.com/serveml-labs/serveml-go/internal/repo/postgres"
	storageobjectstore "github.com/serveml-labs/serveml-go/internal/storage/objectstore"
	"github.com/serveml-labs/serveml-go/internal/validate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("SERVEML_HTTP_ADDR", ":8000")
	shutdownTimeout, err := env.Duration("SERVEML_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	uploadMaxMiB, err := env.Int("SERVEML_UPLOAD_MAX_MIB", 600)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	presignTTL, err := env.Duration("SERVEML_PRESIGN_TTL", 15*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	store, err := storageobjectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.AuthenticatorFor(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(1)
	}

	validateCfg, err := validate.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid validation config", "error", err)
		os.Exit(2)
	}
	prober, err := validate.NewSandboxProber(validateCfg)
	if err != nil {
		logger.Error("prober init failed", "error", err)
		os.Exit(1)
	}
	validator, err := validate.NewValidator(logger, validateCfg, prober)
	if err != nil {
		logger.Error("validator init failed", "error", err)
		os.Exit(2)
	}

	buildCfg, err := build.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid build config", "error", err)
		os.Exit(2)
	}
	engine, err := build.NewDockerEngine(buildCfg.DockerBin)
	if err != nil {
		logger.Error("build engine unavailable", "error", err)
		os.Exit(1)
	}
	builder, err := build.NewBuilder(logger, buildCfg, engine)
	if err != nil {
		logger.Error("builder init failed", "error", err)
		os.Exit(2)
	}
	sizeTable, err := build.DefaultSizeTable()
	if err != nil {
		logger.Error("size table init failed", "error", err)
		os.Exit(2)
	}

	publishCfg, err := publish.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid publish config", "error", err)
		os.Exit(2)
	}
	serving, err := publish.NewDockerServing(buildCfg.DockerBin, env.String("SERVEML_SERVING_HOST", ""))
	if err != nil {
		logger.Error("serving platform unavailable", "error", err)
		os.Exit(1)
	}
	publisher, err := publish.NewPublisher(logger, publishCfg, publish.NewDaemonRegistry(publishCfg.InsecureRegistry), serving)
	if err != nil {
		logger.Error("publisher init failed", "error", err)
		os.Exit(2)
	}

	deployCfg, err := deploy.ConfigFromEnv(storeCfg.BucketUploads)
	if err != nil {
		logger.Error("invalid deploy config", "error", err)
		os.Exit(2)
	}
	records := repopg.NewDeploymentStore(db)
	service, err := deploy.NewService(logger, deployCfg, records, store, validator, builder, publisher, sizeTable)
	if err != nil {
		logger.Error("deploy service init failed", "error", err)
		os.Exit(2)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = service.Close(closeCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("deployd"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"deployd",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newDeployAPI(logger, service, store, storeCfg.BucketUploads, int64(uploadMaxMiB)<<20, presignTTL)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "deployd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "deployd", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
