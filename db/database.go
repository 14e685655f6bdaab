// Package db provides functions to initialize and manage the SQLite database
// for conductor.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/devicefleet/conductor/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AllModels returns all the models that need to be migrated.
// This is the single source of truth for database migrations.
func AllModels() []any {
	return []any{
		&models.ExecutionBackendModel{},
		&models.ReportingBackendModel{},
		&models.ProjectModel{},
		&models.BuildModel{},
		&models.BuildTagModel{},
		&models.RunModel{},
		&models.DeviceTypeModel{},
		&models.PDUAgentModel{},
		&models.DeviceModel{},
		&models.JobModel{},
	}
}

func InitDB(databasePath string) (*gorm.DB, error) {
	slog.Debug("Initializing database", "path", databasePath)

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(getGormLogLevel()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", databasePath, err)
	}

	// Serialize writers; sqlite handles one writer at a time anyway and this
	// avoids SQLITE_BUSY under the worker pool.
	if err := database.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		return nil, err
	}
	if err := database.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	slog.Debug("Database initialized successfully", "path", databasePath)
	return database, nil
}

// AutoMigrateAll runs auto-migration for all application models.
func AutoMigrateAll(database *gorm.DB) error {
	if err := database.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// getGormLogLevel maps application log level to corresponding GORM log level.
func getGormLogLevel() logger.LogLevel {
	l := slog.Default()

	switch {
	case l.Enabled(context.TODO(), slog.LevelDebug):
		return logger.Info // show SQL queries only when debug logging is enabled
	case l.Enabled(context.TODO(), slog.LevelInfo), l.Enabled(context.TODO(), slog.LevelWarn):
		return logger.Warn
	case l.Enabled(context.TODO(), slog.LevelError):
		return logger.Error
	default:
		return logger.Silent
	}
}
