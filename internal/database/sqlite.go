// Package database opens the SQLite files of the client and the reference server.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/datosfinca/agrobodega/internal/remote"
	"github.com/datosfinca/agrobodega/internal/store"
	"github.com/datosfinca/agrobodega/internal/warehouses"
)

// OpenLocal opens the device database and migrates the entity store schema.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
	models := append(store.Models(), &migrationRecord{})
	return openSQLite(path, logger, models, localMigrations())
}

// OpenRemote opens the sync server database and migrates its schema.
func OpenRemote(path string, logger *zap.Logger) (*gorm.DB, error) {
	models := append(remote.Models(), warehouses.Models()...)
	models = append(models, &migrationRecord{})
	return openSQLite(path, logger, models, remoteMigrations())
}

func openSQLite(path string, logger *zap.Logger, models []any, migrations []migrationDefinition) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models...); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := applyMigrations(db, migrations, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
