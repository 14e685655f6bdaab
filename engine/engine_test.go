package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devicefleet/conductor/config"
	dbpkg "github.com/devicefleet/conductor/db"
	"github.com/devicefleet/conductor/encryption"
	"github.com/devicefleet/conductor/models"
	"github.com/devicefleet/conductor/repository"
	"github.com/devicefleet/conductor/tasks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testQueue runs enqueued work synchronously on drain, in FIFO order,
// including units enqueued while draining. Delays are ignored.
type testQueue struct {
	units []tasks.Task
	names []string
}

func (q *testQueue) Enqueue(name string, task tasks.Task) {
	q.names = append(q.names, name)
	q.units = append(q.units, task)
}

func (q *testQueue) EnqueueAfter(name string, _ time.Duration, task tasks.Task) {
	q.Enqueue(name, task)
}

func (q *testQueue) drain(t *testing.T) {
	t.Helper()
	for len(q.units) > 0 {
		unit := q.units[0]
		q.units = q.units[1:]
		require.NoError(t, unit(context.Background()))
	}
}

type testEnv struct {
	db        *gorm.DB
	config    *config.Config
	queue     *testQueue
	engine    *Engine
	execution *MockExecutionClient
	reporting *MockReportingClient
	artifact  *MockArtifactClient

	projects    repository.ProjectRepository
	builds      repository.BuildRepository
	runs        repository.RunRepository
	deviceTypes repository.DeviceTypeRepository
	devices     repository.DeviceRepository
	jobs        repository.JobRepository
	tags        repository.TagRepository
}

func newTestEncryption(t *testing.T) *encryption.Service {
	t.Helper()
	svc, err := encryption.NewService("YWJjZGVmZ2hpamtsbW5vcHFyc3R1dnd4eXoxMjM0NTY=")
	require.NoError(t, err)
	return svc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, dbpkg.AutoMigrateAll(db))

	cfg := &config.Config{
		DataDir:           t.TempDir(),
		RepositoryHome:    t.TempDir(),
		APIDomain:         "example.com",
		OTADeadline:       30 * time.Minute,
		SweepInterval:     time.Minute,
		DeltaPollInterval: time.Millisecond,
		DeltaPollMax:      3,
		WorkerCount:       1,
		RollbackMarker:    "Upgrade and rollback",
	}

	env := &testEnv{
		db:          db,
		config:      cfg,
		queue:       &testQueue{},
		execution:   &MockExecutionClient{},
		reporting:   &MockReportingClient{},
		artifact:    &MockArtifactClient{},
		projects:    repository.NewProjectRepository(db, newTestEncryption(t)),
		builds:      repository.NewBuildRepository(db, newTestEncryption(t)),
		runs:        repository.NewRunRepository(db),
		deviceTypes: repository.NewDeviceTypeRepository(db),
		devices:     repository.NewDeviceRepository(db, newTestEncryption(t)),
		jobs:        repository.NewJobRepository(db, newTestEncryption(t)),
		tags:        repository.NewTagRepository(db),
	}
	env.engine = New(Params{
		Config:      cfg,
		Queue:       env.queue,
		Projects:    env.projects,
		Builds:      env.builds,
		Runs:        env.runs,
		DeviceTypes: env.deviceTypes,
		Devices:     env.devices,
		Jobs:        env.jobs,
		Tags:        env.tags,
	})
	env.engine.SetClientFactories(
		func(baseURL, token string) ExecutionClient { return env.execution },
		func(baseURL, token string) ReportingClient { return env.reporting },
		func(domain, token string) ArtifactClient { return env.artifact },
	)
	return env
}

func (env *testEnv) createProject(t *testing.T, mutate func(*models.ProjectModel)) *models.ProjectModel {
	t.Helper()
	backend := &models.ExecutionBackendModel{
		BaseModel: models.BaseModel{ID: uuid.New()},
		Name:      "lab",
		URL:       "https://lava.example.com/api/v0.2",
	}
	require.NoError(t, env.db.Create(backend).Error)

	project := &models.ProjectModel{
		Name:               "p1",
		DefaultBranch:      "main",
		ExecutionBackendID: &backend.ID,
		MaxRestarts:        3,
	}
	if mutate != nil {
		mutate(project)
	}
	require.NoError(t, env.projects.Create(project))

	loaded, err := env.projects.FindByName(project.Name)
	require.NoError(t, err)
	return loaded
}

func (env *testEnv) createReportingBackend(t *testing.T, project *models.ProjectModel) {
	t.Helper()
	backend := &models.ReportingBackendModel{
		BaseModel: models.BaseModel{ID: uuid.New()},
		Name:      "qa-reports",
		URL:       "https://qa.example.com",
	}
	require.NoError(t, env.db.Create(backend).Error)
	project.ReportingBackendID = &backend.ID
	project.ReportingGroup = "fleet"
	require.NoError(t, env.projects.Update(project))
	project.ReportingBackend = backend
}

func (env *testEnv) createBuild(t *testing.T, project *models.ProjectModel, buildID int64, mutate func(*models.BuildModel)) *models.BuildModel {
	t.Helper()
	build := &models.BuildModel{
		ProjectID: project.ID,
		BuildID:   buildID,
		URL:       buildURL(project.Name, buildID),
		Branch:    "main",
		Type:      models.BuildTypeRegular,
		Status:    StatusPassed,
	}
	if mutate != nil {
		mutate(build)
	}
	created, err := env.builds.GetOrCreate(build)
	require.NoError(t, err)
	require.True(t, created)

	loaded, err := env.builds.FindByID(build.ID)
	require.NoError(t, err)
	return loaded
}

func (env *testEnv) createDeviceType(t *testing.T, project *models.ProjectModel, name string) *models.DeviceTypeModel {
	t.Helper()
	deviceType := &models.DeviceTypeModel{
		ProjectID:    project.ID,
		Name:         name,
		NetInterface: "eth0",
	}
	require.NoError(t, env.deviceTypes.Create(deviceType))
	return deviceType
}

func (env *testEnv) createDevice(t *testing.T, project *models.ProjectModel, deviceType *models.DeviceTypeModel, name string) *models.DeviceModel {
	t.Helper()
	device := &models.DeviceModel{
		ProjectID:    project.ID,
		DeviceTypeID: deviceType.ID,
		Name:         name,
		ControlMode:  models.ControlModeNormal,
	}
	require.NoError(t, env.devices.Create(device))

	loaded, err := env.devices.FindByID(device.ID)
	require.NoError(t, err)
	return loaded
}

func (env *testEnv) writePlan(t *testing.T, projectName, fileName, content string) {
	t.Helper()
	dir := filepath.Join(env.config.DataDir, "plans", projectName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte(content), 0o644))
}

func buildURL(project string, buildID int64) string {
	return fmt.Sprintf("https://api.example.com/projects/%s/lmp/builds/%d/", project, buildID)
}

func runURL(project string, buildID int64, run string) string {
	return fmt.Sprintf("%sruns/%s/", buildURL(project, buildID), run)
}

const functionalPlan = `
name: basic
device_type: devA
jobs:
  - name: boot-test
    kind: functional
    timeouts:
      job:
        minutes: 30
    actions:
      - boot:
          method: uboot
          prompts:
            - "fio@{device_type}"
      - test:
          definitions:
            - type: git
              name: smoke
              repository: https://github.com/example/tests
              path: smoke.yaml
`

const otaPlan = `
name: updates
device_type: devA
jobs:
  - name: ota-upgrade
    kind: ota_flash
    ota: true
    actions:
      - boot:
          method: uboot
          prompts:
            - "fio@{device_type}"
      - command:
          name: ota-update-to-{ota_target}
`
