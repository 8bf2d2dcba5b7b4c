package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/nyumba/internal/config"
)

// openSQLite opens the pure-Go SQLite backend. WAL keeps readers
// unblocked during writes; the busy timeout and foreign keys are set via
// DSN pragmas so every connection gets them.
func openSQLite(cfg *config.StorageConfig, defaultPath string, slogger *slog.Logger) (*gorm.DB, error) {
	path := defaultPath
	journalMode := "wal"
	if cfg != nil && cfg.SQLite != nil {
		if cfg.SQLite.Path != "" {
			path = cfg.SQLite.Path
		}
		if cfg.SQLite.JournalMode != "" {
			journalMode = cfg.SQLite.JournalMode
		}
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is not set")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path, journalMode)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}

	slogger.Info("sqlite store opened",
		slog.String("path", path),
		slog.String("journal_mode", journalMode),
	)
	return db, nil
}
