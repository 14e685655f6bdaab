// Package app provides the application context: database, repositories,
// engine and task pool, shared by the CLI and the server.
package app

import (
	"os"

	"github.com/devicefleet/conductor/config"
	"github.com/devicefleet/conductor/db"
	"github.com/devicefleet/conductor/encryption"
	"github.com/devicefleet/conductor/engine"
	"github.com/devicefleet/conductor/repository"
	"github.com/devicefleet/conductor/tasks"
	"gorm.io/gorm"
)

var (
	// Version is set at build time via -ldflags
	Version = "dev"

	database  *gorm.DB
	appConfig *config.Config
	pool      *tasks.Pool
	eng       *engine.Engine

	projects    repository.ProjectRepository
	builds      repository.BuildRepository
	runs        repository.RunRepository
	deviceTypes repository.DeviceTypeRepository
	devices     repository.DeviceRepository
	jobs        repository.JobRepository
	tags        repository.TagRepository
)

// InitializeWithConfig wires the application from a pre-built Config.
func InitializeWithConfig(cfg *config.Config) error {
	appConfig = cfg

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.RepositoryHome, 0o755); err != nil {
		return err
	}

	var err error
	database, err = db.InitDB(cfg.DatabasePath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrateAll(database); err != nil {
		return err
	}

	encryptionSvc, err := encryption.NewService(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	projects = repository.NewProjectRepository(database, encryptionSvc)
	builds = repository.NewBuildRepository(database, encryptionSvc)
	runs = repository.NewRunRepository(database)
	deviceTypes = repository.NewDeviceTypeRepository(database)
	devices = repository.NewDeviceRepository(database, encryptionSvc)
	jobs = repository.NewJobRepository(database, encryptionSvc)
	tags = repository.NewTagRepository(database)

	pool = tasks.NewPool(cfg.WorkerCount, cfg.TaskRetries)
	eng = engine.New(engine.Params{
		Config:      cfg,
		Queue:       pool,
		Projects:    projects,
		Builds:      builds,
		Runs:        runs,
		DeviceTypes: deviceTypes,
		Devices:     devices,
		Jobs:        jobs,
		Tags:        tags,
	})
	return nil
}

func GetConfig() *config.Config                        { return appConfig }
func GetEngine() *engine.Engine                        { return eng }
func GetPool() *tasks.Pool                             { return pool }
func GetProjectRepository() repository.ProjectRepository { return projects }
func GetBuildRepository() repository.BuildRepository   { return builds }
func GetDeviceRepository() repository.DeviceRepository { return devices }
func GetJobRepository() repository.JobRepository       { return jobs }
