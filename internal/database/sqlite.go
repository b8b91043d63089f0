package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the on-device SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&record.Record{},
		&record.Mutation{},
		&record.Attachment{},
		&record.SyncCheckpoint{},
		&record.ConflictDecision{},
		&record.Counter{},
		&migrationRecord{},
		&schemaVersionRecord{},
	); err != nil {
		return nil, err
	}

	if err := reconcileSchemaVersion(db, logger); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
