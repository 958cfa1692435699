package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stepbus/stepbus/internal/config"
	"github.com/stepbus/stepbus/internal/database"
	"github.com/stepbus/stepbus/internal/logging"
	"github.com/stepbus/stepbus/internal/storage"
	gormstorage "github.com/stepbus/stepbus/internal/storage/gorm"
	"github.com/stepbus/stepbus/internal/storage/memory"
	pgstorage "github.com/stepbus/stepbus/internal/storage/postgres"
	sqlitestorage "github.com/stepbus/stepbus/internal/storage/sqlite"
)

// createStorageBackend builds the backend named by storage.type. Init is
// left to the caller. "auto" connects right away so it can pick Postgres
// or the SQLite fallback.
func createStorageBackend(storageCfg config.StorageConfig, logManager *logging.SlogManager, zl zerolog.Logger) (storage.Backend, error) {
	logger := logManager.Logger()

	switch storageCfg.Type {
	case "postgres":
		logger.Info("Postgres storage backend selected", "host", storageCfg.Postgres.Host, "database", storageCfg.Postgres.Database)
		return pgstorage.New(pgstorage.Dependencies{
			Config:     storageCfg.Postgres,
			LogManager: logManager,
		}), nil

	case "sqlite":
		backend, err := sqlitestorage.New(storageCfg.SQLite, logManager)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite backend: %w", err)
		}
		logger.Info("SQLite storage backend selected", "path", storageCfg.SQLite.Path)
		return backend, nil

	case "auto":
		m := database.NewManager(zl.With().Str("component", "database").Logger())
		if err := m.Connect(storageCfg.Postgres, storageCfg.SQLite.Path); err != nil {
			return nil, err
		}
		if m.Fallback {
			return gormstorage.New(gormstorage.Dependencies{DB: m.DB, LogManager: logManager}), nil
		}
		return pgstorage.New(pgstorage.Dependencies{
			DB:         m.DB,
			Config:     storageCfg.Postgres,
			LogManager: logManager,
		}), nil

	case "memory", "":
		logger.Info("Memory storage backend selected")
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", storageCfg.Type)
	}
}

// openStorage creates and initializes the configured backend.
func openStorage(logManager *logging.SlogManager, zl zerolog.Logger) (storage.Backend, error) {
	backend, err := createStorageBackend(config.GetStorageConfig(), logManager, zl)
	if err != nil {
		return nil, err
	}
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	return backend, nil
}
