// Package store opens the backing database and prepares the schema.
// A DSN starting with postgres:// or postgresql:// selects the
// Postgres driver; anything else is treated as a SQLite path.
package store

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/learnlog/learnlog/model"
)

// Open connects to the database identified by dsn. SQLite connections
// get WAL mode, a busy timeout and foreign key enforcement, matching
// how the server is expected to run when not backed by Postgres.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		if !strings.Contains(dsn, "?") && !strings.HasPrefix(dsn, "file:") {
			dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dsn)
		}
		dialector = sqlite.Open(dsn)
	}

	// TranslateError turns driver-specific constraint violations into
	// gorm.ErrDuplicatedKey, which ingest relies on to resolve
	// concurrent duplicate uploads.
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the schema for every persisted model.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
