package engine

import (
	"context"

	"github.com/devicefleet/conductor/factory"
	"github.com/devicefleet/conductor/httpx"
	"github.com/devicefleet/conductor/lava"
	"github.com/devicefleet/conductor/signing"
	"github.com/devicefleet/conductor/squad"
)

// ExecutionClient is the narrow surface the engine needs from the test
// execution backend.
type ExecutionClient interface {
	SubmitJob(ctx context.Context, definition string) ([]int64, error)
	JobDefinition(ctx context.Context, jobID int64) (string, error)
	Suites(ctx context.Context, jobID int64) ([]lava.Suite, error)
	Tests(ctx context.Context, jobID, suiteID int64) ([]lava.TestResult, error)
	SetDeviceHealth(ctx context.Context, hostname, health string) error
}

// ReportingClient is the result tracking backend.
type ReportingClient interface {
	WatchJob(ctx context.Context, group, project, buildVersion, environment string, backendJobID int64) (int64, error)
	CreateBuild(ctx context.Context, group, project, version, patchSource, patchID string) error
	SubmitResults(ctx context.Context, group, project, buildVersion, environment string, results map[string]string) error
	UpdateTestJobName(ctx context.Context, trackingID int64, name string) error
}

// ArtifactClient covers the device cloud: CI artifacts, the signed
// artifact index, device records and delta generation.
type ArtifactClient interface {
	OSTreeHash(ctx context.Context, runURL string) (string, error)
	CommitID(ctx context.Context, runURL string) (string, error)
	Targets(ctx context.Context, project string) (*signing.Targets, error)
	PublishTargets(ctx context.Context, project string, targets *signing.Targets, previousChecksum string) error
	DeviceTarget(ctx context.Context, deviceName string) (*factory.DeviceTarget, error)
	DeleteDevice(ctx context.Context, deviceName string) error
	AddProvisioning(ctx context.Context, project, productID, deviceUUID string) error
	RemoveProvisioning(ctx context.Context, project, productID, deviceUUID string) error
	CreateStaticDelta(ctx context.Context, project string, toVersion int64, fromVersions []int64) (string, error)
	BuildStatus(ctx context.Context, buildURL string) (string, error)
	RequestRerun(ctx context.Context, runURL string) error
}

func defaultExecutionClient(http *httpx.Client) func(baseURL, token string) ExecutionClient {
	return func(baseURL, token string) ExecutionClient {
		return lava.NewClient(http, baseURL, token)
	}
}

func defaultReportingClient(http *httpx.Client) func(baseURL, token string) ReportingClient {
	return func(baseURL, token string) ReportingClient {
		return squad.NewClient(http, baseURL, token)
	}
}

func defaultArtifactClient(http *httpx.Client) func(domain, token string) ArtifactClient {
	return func(domain, token string) ArtifactClient {
		return factory.NewClient(http, domain, token)
	}
}
