package engine

import (
	"context"

	"github.com/devicefleet/conductor/factory"
	"github.com/devicefleet/conductor/lava"
	"github.com/devicefleet/conductor/signing"
	"github.com/stretchr/testify/mock"
)

type MockExecutionClient struct {
	mock.Mock
}

func (m *MockExecutionClient) SubmitJob(ctx context.Context, definition string) ([]int64, error) {
	args := m.Called(ctx, definition)
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockExecutionClient) JobDefinition(ctx context.Context, jobID int64) (string, error) {
	args := m.Called(ctx, jobID)
	return args.String(0), args.Error(1)
}

func (m *MockExecutionClient) Suites(ctx context.Context, jobID int64) ([]lava.Suite, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).([]lava.Suite), args.Error(1)
}

func (m *MockExecutionClient) Tests(ctx context.Context, jobID, suiteID int64) ([]lava.TestResult, error) {
	args := m.Called(ctx, jobID, suiteID)
	return args.Get(0).([]lava.TestResult), args.Error(1)
}

func (m *MockExecutionClient) SetDeviceHealth(ctx context.Context, hostname, health string) error {
	args := m.Called(ctx, hostname, health)
	return args.Error(0)
}

type MockReportingClient struct {
	mock.Mock
}

func (m *MockReportingClient) WatchJob(ctx context.Context, group, project, buildVersion, environment string, backendJobID int64) (int64, error) {
	args := m.Called(ctx, group, project, buildVersion, environment, backendJobID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockReportingClient) CreateBuild(ctx context.Context, group, project, version, patchSource, patchID string) error {
	args := m.Called(ctx, group, project, version, patchSource, patchID)
	return args.Error(0)
}

func (m *MockReportingClient) SubmitResults(ctx context.Context, group, project, buildVersion, environment string, results map[string]string) error {
	args := m.Called(ctx, group, project, buildVersion, environment, results)
	return args.Error(0)
}

func (m *MockReportingClient) UpdateTestJobName(ctx context.Context, trackingID int64, name string) error {
	args := m.Called(ctx, trackingID, name)
	return args.Error(0)
}

type MockArtifactClient struct {
	mock.Mock
}

func (m *MockArtifactClient) OSTreeHash(ctx context.Context, runURL string) (string, error) {
	args := m.Called(ctx, runURL)
	return args.String(0), args.Error(1)
}

func (m *MockArtifactClient) CommitID(ctx context.Context, runURL string) (string, error) {
	args := m.Called(ctx, runURL)
	return args.String(0), args.Error(1)
}

func (m *MockArtifactClient) Targets(ctx context.Context, project string) (*signing.Targets, error) {
	args := m.Called(ctx, project)
	targets, _ := args.Get(0).(*signing.Targets)
	return targets, args.Error(1)
}

func (m *MockArtifactClient) PublishTargets(ctx context.Context, project string, targets *signing.Targets, previousChecksum string) error {
	args := m.Called(ctx, project, targets, previousChecksum)
	return args.Error(0)
}

func (m *MockArtifactClient) DeviceTarget(ctx context.Context, deviceName string) (*factory.DeviceTarget, error) {
	args := m.Called(ctx, deviceName)
	target, _ := args.Get(0).(*factory.DeviceTarget)
	return target, args.Error(1)
}

func (m *MockArtifactClient) DeleteDevice(ctx context.Context, deviceName string) error {
	args := m.Called(ctx, deviceName)
	return args.Error(0)
}

func (m *MockArtifactClient) AddProvisioning(ctx context.Context, project, productID, deviceUUID string) error {
	args := m.Called(ctx, project, productID, deviceUUID)
	return args.Error(0)
}

func (m *MockArtifactClient) RemoveProvisioning(ctx context.Context, project, productID, deviceUUID string) error {
	args := m.Called(ctx, project, productID, deviceUUID)
	return args.Error(0)
}

func (m *MockArtifactClient) CreateStaticDelta(ctx context.Context, project string, toVersion int64, fromVersions []int64) (string, error) {
	args := m.Called(ctx, project, toVersion, fromVersions)
	return args.String(0), args.Error(1)
}

func (m *MockArtifactClient) BuildStatus(ctx context.Context, buildURL string) (string, error) {
	args := m.Called(ctx, buildURL)
	return args.String(0), args.Error(1)
}

func (m *MockArtifactClient) RequestRerun(ctx context.Context, runURL string) error {
	args := m.Called(ctx, runURL)
	return args.Error(0)
}
