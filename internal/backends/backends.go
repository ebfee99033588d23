// Package backends opens the metadata engine and the byte store selected by
// the configuration.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/i-harbor/iharbor-s3/internal/config"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/storage"
)

// OpenMetadata opens the metadata engine named by cfg.Engine.
func OpenMetadata(ctx context.Context, cfg *config.MetadataConfig) (metadata.Store, error) {
	switch cfg.Engine {
	case "", "sqlite":
		if err := ensureParent(cfg.SQLite.Path); err != nil {
			return nil, err
		}
		s, err := metadata.NewSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("metadata store initialized", "engine", "sqlite", "path", cfg.SQLite.Path)
		return s, nil
	case "memory":
		slog.Warn("metadata store is in memory; uploads do not survive a restart")
		return metadata.NewMemoryStore(), nil
	case "dynamodb":
		if cfg.DynamoDB.Table == "" {
			return nil, fmt.Errorf("metadata.dynamodb.table is required when engine is 'dynamodb'")
		}
		s, err := metadata.NewDynamoDBStore(ctx, &cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		slog.Info("metadata store initialized", "engine", "dynamodb", "table", cfg.DynamoDB.Table, "region", cfg.DynamoDB.Region)
		return s, nil
	case "firestore":
		s, err := metadata.NewFirestoreStore(ctx, &cfg.Firestore)
		if err != nil {
			return nil, err
		}
		slog.Info("metadata store initialized", "engine", "firestore", "project", cfg.Firestore.ProjectID, "collection", cfg.Firestore.Collection)
		return s, nil
	case "cosmos":
		if cfg.Cosmos.Endpoint == "" {
			return nil, fmt.Errorf("metadata.cosmos.endpoint is required when engine is 'cosmos'")
		}
		s, err := metadata.NewCosmosStore(ctx, &cfg.Cosmos)
		if err != nil {
			return nil, err
		}
		slog.Info("metadata store initialized", "engine", "cosmos", "database", cfg.Cosmos.Database, "container", cfg.Cosmos.Container)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown metadata engine %q", cfg.Engine)
	}
}

// OpenStorage opens the byte store named by cfg.Backend.
func OpenStorage(ctx context.Context, cfg *config.StorageConfig) (storage.ByteStore, error) {
	var (
		store storage.ByteStore
		err   error
		attrs []any
	)
	switch cfg.Backend {
	case "", "local":
		store, err = storage.NewLocalStore(cfg.Local.RootDir)
		attrs = []any{"root", cfg.Local.RootDir}
	case "memory":
		store = storage.NewMemoryStore()
	case "sqlite":
		if err := ensureParent(cfg.SQLite.Path); err != nil {
			return nil, err
		}
		store, err = storage.NewSQLiteStore(cfg.SQLite.Path)
		attrs = []any{"path", cfg.SQLite.Path}
	case "aws":
		if cfg.AWS.Bucket == "" {
			return nil, fmt.Errorf("storage.aws.bucket is required when backend is 'aws'")
		}
		store, err = storage.NewAWSStore(ctx, cfg.AWS)
		attrs = []any{"bucket", cfg.AWS.Bucket, "region", cfg.AWS.Region, "prefix", cfg.AWS.Prefix}
	case "gcp":
		if cfg.GCP.Bucket == "" {
			return nil, fmt.Errorf("storage.gcp.bucket is required when backend is 'gcp'")
		}
		store, err = storage.NewGCPStore(ctx, cfg.GCP)
		attrs = []any{"bucket", cfg.GCP.Bucket, "project", cfg.GCP.Project, "prefix", cfg.GCP.Prefix}
	case "azure":
		if cfg.Azure.Container == "" {
			return nil, fmt.Errorf("storage.azure.container is required when backend is 'azure'")
		}
		store, err = storage.NewAzureStore(ctx, cfg.Azure)
		attrs = []any{"container", cfg.Azure.Container, "prefix", cfg.Azure.Prefix}
	case "rados":
		if cfg.Rados.Pool == "" {
			return nil, fmt.Errorf("storage.rados.pool is required when backend is 'rados'")
		}
		store, err = storage.NewRadosStore(ctx, cfg.Rados)
		attrs = []any{"pool", cfg.Rados.Pool, "user", cfg.Rados.User}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s storage backend: %w", cfg.Backend, err)
	}
	slog.Info("storage backend initialized", append([]any{"backend", cfg.Backend}, attrs...)...)
	return store, nil
}

func ensureParent(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	return nil
}
