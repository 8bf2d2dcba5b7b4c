package storage

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/nyumba/internal/config"
)

// openPostgres opens the PostgreSQL backend with a tuned pool.
func openPostgres(cfg *config.StorageConfig, slogger *slog.Logger) (*gorm.DB, error) {
	if cfg == nil || cfg.Postgres == nil || cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres driver selected but storage.postgres.dsn is not set")
	}
	pg := cfg.Postgres

	db, err := gorm.Open(postgres.Open(pg.DSN), &gorm.Config{
		Logger:      gormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pg.MaxOpen())
	sqlDB.SetMaxIdleConns(pg.MaxIdle())
	sqlDB.SetConnMaxLifetime(pg.ConnMaxLifetime())

	slogger.Info("postgres store connected",
		slog.Int("max_open_conns", pg.MaxOpen()),
		slog.Int("max_idle_conns", pg.MaxIdle()),
	)
	return db, nil
}
