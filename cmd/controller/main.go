package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gpupool/controller/internal/auth"
	"github.com/gpupool/controller/internal/blob"
	"github.com/gpupool/controller/internal/config"
	"github.com/gpupool/controller/internal/dispatch"
	"github.com/gpupool/controller/internal/server"
	"github.com/gpupool/controller/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%s - failed to load config: %v", time.Now().UTC().Format(time.RFC3339), err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("%s - failed to open store: %v", time.Now().UTC().Format(time.RFC3339), err)
	}

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("%s - failed to open blob store: %v", time.Now().UTC().Format(time.RFC3339), err)
	}

	authn, err := auth.New(auth.Options{
		Secret:    cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAud,
		Expiry:    cfg.JWTExpiry,
		AdminUser: cfg.AdminUser,
		Pass:      cfg.AdminPass,
		PassHash:  cfg.AdminPassHash,
	})
	if err != nil {
		log.Fatalf("%s - failed to configure auth: %v", time.Now().UTC().Format(time.RFC3339), err)
	}

	manager := dispatch.New(cfg, st, blobs)

	srv := server.New(cfg, st, blobs, manager, authn)
	srv.RegisterRoutes()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SweeperEnabled {
		go manager.RunSweeper(sigCtx)
		log.Printf("%s - lease sweeper enabled (every %s)", time.Now().UTC().Format(time.RFC3339), cfg.SweepInterval)
	}

	log.Printf("%s - starting controller on :%s (store=%s blob=%s)",
		time.Now().UTC().Format(time.RFC3339), cfg.Port, cfg.StoreBackend, cfg.BlobBackend)

	// Start blocks until context cancellation or server error; the store is
	// closed during shutdown.
	if err := srv.Start(sigCtx); err != nil {
		log.Printf("%s - server stopped: %v", time.Now().UTC().Format(time.RFC3339), err)
		os.Exit(1)
	}

	log.Printf("%s - controller exited cleanly", time.Now().UTC().Format(time.RFC3339))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreBackend == "sqlite" {
		return store.NewSQLite(ctx, cfg.SQLitePath, cfg.EventsMax)
	}
	return store.NewRedis(ctx, cfg.StoreURL, cfg.EventsMax)
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.BlobBackend == "memory" {
		return blob.NewMemory(), nil
	}
	return blob.NewS3(ctx, blob.S3Options{
		Bucket:    cfg.BlobBucket,
		Endpoint:  cfg.BlobEndpoint,
		Region:    cfg.BlobRegion,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
	})
}
