package service

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/socialdash/autopost/internal/config"
	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/store"
)

func NewDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("database type %q has no SQL engine", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Type == "sqlite" {
		// One writer at a time keeps transactions from failing with SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if cfg.Type == "postgres" {
		if err := store.InstallPostgresTrigger(db); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// Migrate creates or updates the schema
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Post{},
		&models.ErrorLog{},
		&models.MetricsSample{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// NewStore builds the document store for the configured engine. The returned
// *gorm.DB is nil for the in-memory store.
func NewStore(cfg *config.DatabaseConfig, log *zap.Logger) (store.DocumentStore, *gorm.DB, error) {
	if cfg.Type == "memory" {
		log.Warn("Using in-memory store, posts are lost on restart")
		return store.NewMemStore(), nil, nil
	}

	db, err := NewDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}

	var notifier store.Notifier
	if cfg.Type == "postgres" {
		notifier = store.NewPGNotifier(cfg.DSN(), log)
	} else {
		notifier = store.NewPollNotifier(config.MustDuration(cfg.WatchInterval))
	}

	return store.NewGormStore(db, notifier, log), db, nil
}
