// Package server initializes and runs the main application server.
// It selects the persistence and blob storage backends from configuration,
// loads the token signing keys, and starts the HTTP server with graceful
// shutdown on OS signals.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/filekeeper/internal/logging"
	"github.com/dmitrijs2005/filekeeper/internal/server/blob"
	"github.com/dmitrijs2005/filekeeper/internal/server/config"
	"github.com/dmitrijs2005/filekeeper/internal/server/files"
	"github.com/dmitrijs2005/filekeeper/internal/server/hashing"
	"github.com/dmitrijs2005/filekeeper/internal/server/httpapi"
	"github.com/dmitrijs2005/filekeeper/internal/server/locking"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage/dynamo"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage/memdb"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage/postgres"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage/sqlite"
	"github.com/dmitrijs2005/filekeeper/internal/server/tokens"
	"github.com/dmitrijs2005/filekeeper/internal/server/users"
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	manager     storage.Manager
	userService *users.Service
	fileService *files.Service
}

func newManager(ctx context.Context, cfg *config.Config) (storage.Manager, error) {
	switch cfg.DatabaseKind {
	case "memory":
		return memdb.NewManager(), nil
	case "sqlite":
		return sqlite.NewManager(ctx, cfg.DatabaseDSN)
	case "postgres":
		return postgres.NewManager(ctx, cfg.DatabaseDSN)
	case "dynamo":
		return dynamo.NewManager(ctx, dynamo.Config{
			Region:      cfg.AWSRegion,
			AccessKeyID: cfg.AWSAccessKeyID,
			SecretKey:   cfg.AWSSecretKey,
			Endpoint:    cfg.DynamoEndpoint,
			TablePrefix: cfg.DynamoTablePrefix,
		})
	default:
		return nil, fmt.Errorf("unknown database kind: %s", cfg.DatabaseKind)
	}
}

func newBlobStorage(ctx context.Context, cfg *config.Config) (blob.Storage, error) {
	switch cfg.StorageKind {
	case "local":
		return blob.NewLocal(cfg.StorageDir)
	case "s3":
		return blob.NewS3(ctx, blob.S3Config{
			Region:       cfg.AWSRegion,
			Bucket:       cfg.S3Bucket,
			AccessKeyID:  cfg.AWSAccessKeyID,
			SecretKey:    cfg.AWSSecretKey,
			BaseEndpoint: cfg.S3BaseEndpoint,
		})
	default:
		return nil, fmt.Errorf("unknown storage kind: %s", cfg.StorageKind)
	}
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	manager, err := newManager(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	store, err := newBlobStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("blob storage init error: %w", err)
	}

	registry := hashing.NewDefaultRegistry()
	guard := locking.NewGuard(int(cfg.LockoutThreshold), cfg.LockoutWindow)
	tokenService := tokens.NewService(cfg.TokenValidityDuration)

	us := users.NewService(manager, registry, guard, tokenService, logger)
	fs := files.NewService(manager, store, logger)

	return &App{
		config:      cfg,
		logger:      logger,
		manager:     manager,
		userService: us,
		fileService: fs,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {

	s := httpapi.NewServer(app.config.EndpointAddrHTTP, app.userService, app.fileService, app.logger)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	if err := app.userService.LoadSigningKeys(ctx); err != nil {
		return fmt.Errorf("loading signing keys: %w", err)
	}

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.manager.Close(closeCtx); err != nil {
		app.logger.Error(closeCtx, "closing database", "error", err.Error())
	}

	return nil
}
