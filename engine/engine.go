// Package engine implements the build and device-fleet test orchestration:
// CI event ingestion, test-plan compilation and dispatch, artifact tag
// management, bounded restart and static-delta chaining, and the device
// state machine. All durable state lives in the repositories; the engine
// itself only schedules work units on the task queue.
package engine

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/devicefleet/conductor/config"
	"github.com/devicefleet/conductor/httpx"
	"github.com/devicefleet/conductor/models"
	"github.com/devicefleet/conductor/repository"
	"github.com/devicefleet/conductor/tasks"
	"github.com/devicefleet/conductor/testplan"
	"github.com/google/uuid"
)

type Engine struct {
	config *config.Config
	queue  tasks.Queue

	projects    repository.ProjectRepository
	builds      repository.BuildRepository
	runs        repository.RunRepository
	deviceTypes repository.DeviceTypeRepository
	devices     repository.DeviceRepository
	jobs        repository.JobRepository
	tags        repository.TagRepository

	// client constructors, replaceable in tests
	newExecution func(baseURL, token string) ExecutionClient
	newReporting func(baseURL, token string) ReportingClient
	newArtifact  func(domain, token string) ArtifactClient

	// per-project serialization of tag window maintenance
	tagLocks sync.Map
}

// Params carries the engine's collaborators.
type Params struct {
	Config      *config.Config
	Queue       tasks.Queue
	Projects    repository.ProjectRepository
	Builds      repository.BuildRepository
	Runs        repository.RunRepository
	DeviceTypes repository.DeviceTypeRepository
	Devices     repository.DeviceRepository
	Jobs        repository.JobRepository
	Tags        repository.TagRepository
	HTTP        *httpx.Client
}

func New(p Params) *Engine {
	httpClient := p.HTTP
	if httpClient == nil {
		httpClient = httpx.NewClient(p.Config.TaskRetries)
	}
	return &Engine{
		config:       p.Config,
		queue:        p.Queue,
		projects:     p.Projects,
		builds:       p.Builds,
		runs:         p.Runs,
		deviceTypes:  p.DeviceTypes,
		devices:      p.Devices,
		jobs:         p.Jobs,
		tags:         p.Tags,
		newExecution: defaultExecutionClient(httpClient),
		newReporting: defaultReportingClient(httpClient),
		newArtifact:  defaultArtifactClient(httpClient),
	}
}

// SetClientFactories overrides the backend client constructors, used by
// tests to substitute fakes.
func (e *Engine) SetClientFactories(
	execution func(baseURL, token string) ExecutionClient,
	reporting func(baseURL, token string) ReportingClient,
	artifact func(domain, token string) ArtifactClient,
) {
	if execution != nil {
		e.newExecution = execution
	}
	if reporting != nil {
		e.newReporting = reporting
	}
	if artifact != nil {
		e.newArtifact = artifact
	}
}

func (e *Engine) executionFor(project *models.ProjectModel) (ExecutionClient, error) {
	if project.ExecutionBackend == nil {
		return nil, fmt.Errorf("project %s has no execution backend", project.Name)
	}
	return e.newExecution(project.ExecutionBackend.URL, project.ExecutionBackend.APIToken), nil
}

// reportingFor returns nil when the project has no reporting backend;
// callers treat that as "skip reporting", never as an error.
func (e *Engine) reportingFor(project *models.ProjectModel) ReportingClient {
	if project.ReportingBackend == nil {
		return nil
	}
	return e.newReporting(project.ReportingBackend.URL, project.ReportingBackend.APIToken)
}

func (e *Engine) artifactFor(project *models.ProjectModel) ArtifactClient {
	domain := project.APIDomain
	if domain == "" {
		domain = e.config.APIDomain
	}
	token := project.APIToken
	if token == "" {
		token = e.config.APIToken
	}
	return e.newArtifact(domain, token)
}

// reportingName is the project's identity on the reporting side.
func reportingName(project *models.ProjectModel) string {
	if project.ReportingProject != "" {
		return project.ReportingProject
	}
	return project.Name
}

// plansFor loads the operator-edited test plans of a project. Plans are
// re-read per unit of work; they are small YAML files and operators edit
// them without restarting the service.
func (e *Engine) plansFor(project *models.ProjectModel) ([]*testplan.TestPlan, error) {
	return testplan.LoadDir(filepath.Join(e.config.DataDir, "plans", project.Name))
}

func (e *Engine) tagLock(projectID uuid.UUID) *sync.Mutex {
	mu, _ := e.tagLocks.LoadOrStore(projectID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
