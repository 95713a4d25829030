package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/recollect-app/recollect/backend/internal/audit"
	"github.com/recollect-app/recollect/backend/internal/insights"
	"github.com/recollect-app/recollect/backend/internal/memories"
	"github.com/recollect-app/recollect/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Open establishes a Postgres connection, ensures the vector extension is
// available, and performs schema migrations.
func Open(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	// The embedding column type and the <=> operator come from pgvector.
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("enable pgvector: %w", err)
	}

	if err := migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("dialect", "postgres"))
	}
	return db, nil
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// Used by tests and local development; semantic search requires Postgres.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("dialect", "sqlite"), zap.String("path", path))
	}
	return db, nil
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.SetupJoinTable(&memories.Memory{}, "Tags", &memories.MemoryTag{}); err != nil {
		return err
	}

	err := db.AutoMigrate(
		&users.Profile{},
		&memories.Memory{},
		&memories.Version{},
		&memories.Tag{},
		&memories.Perspective{},
		&insights.Insight{},
		&audit.Log{},
		&migrationRecord{},
	)
	if err != nil {
		return err
	}

	return applyMigrations(db, logger)
}
