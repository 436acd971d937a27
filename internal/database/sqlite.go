package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/undertow/internal/relay"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenRelay establishes the relay's SQLite connection and performs
// schema migrations for the remote message log.
func OpenRelay(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&relay.MessageRecord{}, &relay.DeviceRecord{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("relay database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenLocal establishes a replica-side SQLite connection. The local
// store migrates its own schema in Init.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("local database opened", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
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

	return db, nil
}
