// Command gateway runs the presign gateway: the stateless HTTP service
// that authenticates crawlers and issues presigned upload URLs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ikkem-lin/papercrawl/internal/config"
	"github.com/ikkem-lin/papercrawl/internal/gateway"
	"github.com/ikkem-lin/papercrawl/internal/logging"
	"github.com/ikkem-lin/papercrawl/internal/objectstore"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Development, "gateway")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := buildObjectStore(ctx, cfg)
	if err != nil {
		logger.Fatal("init object store", zap.Error(err))
	}
	defer cleanup()

	srv := gateway.NewServer(store, gateway.Config{
		Accounts:       cfg.Gateway.Accounts,
		PresignExpiry:  cfg.PresignExpiry(),
		RatePerAccount: cfg.Gateway.RatePerAccount,
		RateBurst:      cfg.Gateway.RateBurst,
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	logger.Info("gateway listening",
		zap.Int("port", cfg.Gateway.Port),
		zap.String("object_store", cfg.Gateway.ObjectStore),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
	logger.Info("gateway stopped")
}

func buildObjectStore(ctx context.Context, cfg config.Config) (objectstore.Store, func(), error) {
	switch cfg.Gateway.ObjectStore {
	case config.ObjectStoreMinio:
		s, err := objectstore.NewMinioStore(ctx, cfg.Gateway.Minio)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case config.ObjectStoreGCS:
		s, err := objectstore.NewGCSStore(ctx, cfg.Gateway.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil //nolint:errcheck
	case config.ObjectStoreMemory:
		return objectstore.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown object store %q", cfg.Gateway.ObjectStore)
	}
}
