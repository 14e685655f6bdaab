package engine

import (
	"context"
	"testing"

	"github.com/devicefleet/conductor/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		trigger   string
		buildType models.BuildType
		ok        bool
	}{
		{"platform-main", models.BuildTypeRegular, true},
		{"containers-main", models.BuildTypeContainers, true},
		{"generate-static-deltas", models.BuildTypeStaticDelta, true},
		{"code-check", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		buildType, ok := Classify(tc.trigger)
		assert.Equal(t, tc.ok, ok, tc.trigger)
		assert.Equal(t, tc.buildType, buildType, tc.trigger)
	}
}

func TestBranchFromTrigger(t *testing.T) {
	assert.Equal(t, "main", branchFromTrigger("platform-main", models.BuildTypeRegular))
	assert.Equal(t, "devel", branchFromTrigger("containers-devel", models.BuildTypeContainers))
	assert.Equal(t, "", branchFromTrigger("platform", models.BuildTypeRegular))
	assert.Equal(t, "", branchFromTrigger("generate-static-deltas", models.BuildTypeStaticDelta))
}

func TestProjectNameFromURL(t *testing.T) {
	name, err := ProjectNameFromURL("https://api.example.com/projects/p1/lmp/builds/73/")
	require.NoError(t, err)
	assert.Equal(t, "p1", name)

	_, err = ProjectNameFromURL("https://api.example.com/builds/73/")
	assert.Error(t, err)
}

func TestIngestDispatchesFunctionalJob(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createDeviceType(t, project, "devA")
	env.writePlan(t, project.Name, "basic.yaml", functionalPlan)

	run := runURL(project.Name, 1, "devA")
	env.artifact.On("CommitID", mock.Anything, run).Return("abc123", nil)
	env.artifact.On("OSTreeHash", mock.Anything, run).Return("hash1", nil)
	env.execution.On("SubmitJob", mock.Anything, mock.Anything).Return([]int64{101}, nil)

	event := CIEvent{
		Status:      StatusPassed,
		BuildID:     1,
		URL:         buildURL(project.Name, 1),
		TriggerName: "platform-main",
		Runs:        []RunEvent{{Name: "devA", URL: run, Status: StatusPassed}},
	}
	require.NoError(t, env.engine.Ingest(context.Background(), event))
	env.queue.drain(t)

	builds, err := env.builds.ListByProject(project.ID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, models.BuildTypeRegular, builds[0].Type)
	assert.Equal(t, "abc123", builds[0].CommitID)

	jobs, err := env.jobs.ListByProject(project.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(101), jobs[0].BackendJobID)
	assert.Equal(t, models.JobKindFunctional, jobs[0].Kind)
	assert.Equal(t, "devA", jobs[0].RequestedDeviceType)
	env.execution.AssertNumberOfCalls(t, "SubmitJob", 1)
}

func TestIngestIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createDeviceType(t, project, "devA")
	env.writePlan(t, project.Name, "basic.yaml", functionalPlan)

	run := runURL(project.Name, 1, "devA")
	env.artifact.On("CommitID", mock.Anything, run).Return("abc123", nil)
	env.artifact.On("OSTreeHash", mock.Anything, run).Return("hash1", nil)
	env.execution.On("SubmitJob", mock.Anything, mock.Anything).Return([]int64{101}, nil)

	event := CIEvent{
		Status:      StatusPassed,
		BuildID:     1,
		URL:         buildURL(project.Name, 1),
		TriggerName: "platform-main",
		Runs:        []RunEvent{{Name: "devA", URL: run, Status: StatusPassed}},
	}
	require.NoError(t, env.engine.Ingest(context.Background(), event))
	env.queue.drain(t)
	require.NoError(t, env.engine.Ingest(context.Background(), event))
	env.queue.drain(t)

	builds, err := env.builds.ListByProject(project.ID)
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestIngestIgnoresUnclassifiedTrigger(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)

	event := CIEvent{
		Status:      StatusPassed,
		BuildID:     1,
		URL:         buildURL(project.Name, 1),
		TriggerName: "code-check",
	}
	require.NoError(t, env.engine.Ingest(context.Background(), event))

	builds, err := env.builds.ListByProject(project.ID)
	require.NoError(t, err)
	assert.Empty(t, builds)
	assert.Empty(t, env.queue.units)
}

func TestIngestRejectsUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	event := CIEvent{
		Status:      StatusPassed,
		BuildID:     1,
		URL:         buildURL("ghost", 1),
		TriggerName: "platform-main",
	}
	err := env.engine.Ingest(context.Background(), event)
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestIngestSkipsNonDefaultBranch(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)

	event := CIEvent{
		Status:      StatusPassed,
		BuildID:     1,
		URL:         buildURL(project.Name, 1),
		TriggerName: "platform-devel",
	}
	require.NoError(t, env.engine.Ingest(context.Background(), event))

	builds, err := env.builds.ListByProject(project.ID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	// The build is recorded but nothing is scheduled for it.
	assert.Empty(t, env.queue.units)
}

func TestIngestFailedBuildGoesToRestartCheck(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)

	event := CIEvent{
		Status:      StatusFailed,
		BuildID:     1,
		URL:         buildURL(project.Name, 1),
		TriggerName: "platform-main",
		Runs:        []RunEvent{{Name: "devA", URL: runURL(project.Name, 1, "devA"), Status: StatusFailed}},
	}
	require.NoError(t, env.engine.Ingest(context.Background(), event))
	require.Equal(t, []string{"restart-check"}, env.queue.names)
	env.queue.drain(t)

	// Restart is disabled on the project, so no re-run was requested.
	env.artifact.AssertNotCalled(t, "RequestRerun", mock.Anything, mock.Anything)
}
