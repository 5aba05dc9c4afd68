package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nerrad567/udmi-device/internal/auth"
	"github.com/nerrad567/udmi-device/internal/blob"
	"github.com/nerrad567/udmi-device/internal/infrastructure/config"
	"github.com/nerrad567/udmi-device/internal/infrastructure/database"
	"github.com/nerrad567/udmi-device/internal/infrastructure/logging"
	"github.com/nerrad567/udmi-device/internal/keystore"
	"github.com/nerrad567/udmi-device/internal/persistence"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// openBackend opens the configured key/value store. The returned func
// releases it.
func openBackend(ctx context.Context, cfg config.PersistenceConfig, log *logging.Logger) (persistence.Backend, func() error, error) {
	noClose := func() error { return nil }

	switch cfg.Backend {
	case "memory":
		return persistence.NewMemoryBackend(), noClose, nil
	case "sqlite":
		b, err := persistence.OpenSQLite(ctx, database.Config{
			Path:        cfg.Path,
			WALMode:     cfg.WALMode,
			BusyTimeout: cfg.BusyTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		b, err := persistence.NewFileBackend(cfg.Path, persistence.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return b, noClose, nil
	}
}

// loadSigner returns the JWT signer when the site endpoint uses JWT auth.
// A missing key is generated so the device can be registered with its
// public half.
func loadSigner(cfg *config.Config, log *logging.Logger) (auth.Signer, error) {
	if cfg.Endpoint.Auth.Type != udmi.AuthJWT {
		return nil, nil
	}

	var opts []keystore.FileStoreOption
	if cfg.Keys.BackupRecipient != "" {
		identity := ""
		if cfg.Keys.BackupIdentityPath != "" {
			data, err := os.ReadFile(cfg.Keys.BackupIdentityPath)
			if err != nil {
				return nil, fmt.Errorf("reading backup identity: %w", err)
			}
			identity = strings.TrimSpace(string(data))
		}
		opts = append(opts, keystore.WithSealedBackup(cfg.Keys.BackupRecipient, identity))
	}

	store, err := keystore.NewFileStore(cfg.Keys.PrivateKeyPath, opts...)
	if err != nil {
		return nil, err
	}
	existed := store.Exists()
	key, err := keystore.EnsureKey(store, cfg.Keys.Algorithm)
	if err != nil {
		return nil, err
	}
	if !existed {
		log.Info("generated device key", "path", cfg.Keys.PrivateKeyPath, "algorithm", cfg.Keys.Algorithm)
		if err := store.Backup(); err != nil {
			log.Warn("device key backup failed", "error", err)
		}
	}
	return auth.NewKeySigner(key, cfg.Keys.Algorithm)
}

// newCredentials builds the provider for an endpoint. Any signer is passed
// as a nil interface when absent.
func newCredentials(ep udmi.EndpointConfiguration, signer auth.Signer, log *logging.Logger) (auth.CredentialProvider, error) {
	return auth.NewProvider(ep, signer, log.With("component", "auth"))
}

func loadCertHolder(cfg config.TLSConfig) (*auth.CertHolder, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil
	}
	return auth.NewCertHolder(cfg.CertFile, cfg.KeyFile)
}

// newBlobPipeline builds the blob pipeline with http(s), data and, when
// enabled, s3 fetchers.
func newBlobPipeline(cfg config.BlobConfig, store persistence.Backend, log *logging.Logger) (*blob.Pipeline, error) {
	fetchers := blob.NewDefaultRegistry(&http.Client{
		Timeout: time.Duration(cfg.HTTPTimeout) * time.Second,
	})
	if cfg.S3.Enabled {
		s3, err := blob.NewS3Fetcher(blob.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Region:    cfg.S3.Region,
		})
		if err != nil {
			return nil, err
		}
		fetchers.Register("s3", s3)
	}
	return blob.NewPipeline(blob.PipelineOptions{
		Fetchers:       fetchers,
		Store:          store,
		WorkDir:        cfg.WorkDir,
		LargeThreshold: cfg.LargeBlobThreshold,
		Logger:         log.With("component", "blob"),
	}), nil
}
