package engine

import (
	"context"
	"testing"

	"github.com/devicefleet/conductor/factory"
	"github.com/devicefleet/conductor/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCompileRegularRendersFunctionalJob(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createDeviceType(t, project, "devA")
	env.writePlan(t, project.Name, "basic.yaml", functionalPlan)
	build := env.createBuild(t, project, 1, nil)

	run := RunEvent{Name: "devA", URL: runURL(project.Name, 1, "devA"), Status: StatusPassed}
	env.artifact.On("OSTreeHash", mock.Anything, run.URL).Return("h1", nil)

	compiled, err := env.engine.CompileForRun(context.Background(), build, run)
	require.NoError(t, err)
	require.Len(t, compiled, 1)
	assert.Equal(t, models.JobKindFunctional, compiled[0].Kind)
	assert.Contains(t, compiled[0].Definition, "fio@devA")
	assert.NotContains(t, compiled[0].Definition, "{device_type}")

	recorded, err := env.runs.FindByBuildAndName(build.ID, "devA")
	require.NoError(t, err)
	assert.Equal(t, "h1", recorded.OSTreeHash)
}

func TestCompileSoftSkipsMissingOSTreeHash(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createDeviceType(t, project, "devA")
	env.writePlan(t, project.Name, "basic.yaml", functionalPlan)
	build := env.createBuild(t, project, 1, nil)

	run := RunEvent{Name: "devA", URL: runURL(project.Name, 1, "devA"), Status: StatusPassed}
	env.artifact.On("OSTreeHash", mock.Anything, run.URL).Return("", factory.ErrOSTreeHashMissing)

	compiled, err := env.engine.CompileForRun(context.Background(), build, run)
	require.NoError(t, err)
	assert.Empty(t, compiled)

	// The pairing is not recorded without a hash.
	_, err = env.runs.FindByBuildAndName(build.ID, "devA")
	assert.Error(t, err)
}

func TestCompileUnknownDeviceTypeYieldsNothing(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.writePlan(t, project.Name, "basic.yaml", functionalPlan)
	build := env.createBuild(t, project, 1, nil)

	run := RunEvent{Name: "devZ", URL: runURL(project.Name, 1, "devZ"), Status: StatusPassed}
	compiled, err := env.engine.CompileForRun(context.Background(), build, run)
	require.NoError(t, err)
	assert.Empty(t, compiled)
	env.artifact.AssertNotCalled(t, "OSTreeHash", mock.Anything, mock.Anything)
}

func TestCompileWithoutPlansYieldsNothing(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createDeviceType(t, project, "devA")
	build := env.createBuild(t, project, 1, nil)

	run := RunEvent{Name: "devA", URL: runURL(project.Name, 1, "devA"), Status: StatusPassed}
	compiled, err := env.engine.CompileForRun(context.Background(), build, run)
	require.NoError(t, err)
	assert.Empty(t, compiled)
}

func TestCompileOTAJobsExcludedFromRegularBuild(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createDeviceType(t, project, "devA")
	env.writePlan(t, project.Name, "updates.yaml", otaPlan)
	build := env.createBuild(t, project, 1, nil)

	run := RunEvent{Name: "devA", URL: runURL(project.Name, 1, "devA"), Status: StatusPassed}
	env.artifact.On("OSTreeHash", mock.Anything, run.URL).Return("h1", nil)

	compiled, err := env.engine.CompileForRun(context.Background(), build, run)
	require.NoError(t, err)
	assert.Empty(t, compiled)
}

func TestCompileOTABindsPredecessorArtifacts(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createDeviceType(t, project, "devA")
	env.writePlan(t, project.Name, "updates.yaml", otaPlan)

	predecessor := env.createBuild(t, project, 4, func(b *models.BuildModel) {
		b.CommitID = "prev-commit"
	})
	require.NoError(t, env.runs.GetOrCreate(&models.RunModel{
		BuildID:    predecessor.ID,
		RunName:    "devA",
		DeviceType: "devA",
		OSTreeHash: "h1",
	}))
	build := env.createBuild(t, project, 5, func(b *models.BuildModel) {
		b.Type = models.BuildTypeOTA
	})

	run := RunEvent{Name: "devA", URL: runURL(project.Name, 5, "devA"), Status: StatusPassed}
	env.artifact.On("OSTreeHash", mock.Anything, run.URL).Return("h2", nil)

	compiled, err := env.engine.CompileForRun(context.Background(), build, run)
	require.NoError(t, err)
	require.Len(t, compiled, 1)
	assert.Equal(t, models.JobKindOTAFlash, compiled[0].Kind)
	// The device boots the predecessor's image and updates to the new build.
	assert.Contains(t, compiled[0].Definition, "ota-update-to-5")
	assert.NotContains(t, compiled[0].Definition, "{ota_target}")
}

func TestCompileOTAWithoutPredecessorSkips(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createDeviceType(t, project, "devA")
	env.writePlan(t, project.Name, "updates.yaml", otaPlan)
	build := env.createBuild(t, project, 5, func(b *models.BuildModel) {
		b.Type = models.BuildTypeOTA
	})

	run := RunEvent{Name: "devA", URL: runURL(project.Name, 5, "devA"), Status: StatusPassed}
	env.artifact.On("OSTreeHash", mock.Anything, run.URL).Return("h2", nil)

	compiled, err := env.engine.CompileForRun(context.Background(), build, run)
	require.NoError(t, err)
	assert.Empty(t, compiled)
}

func TestCompileOTAWithoutPredecessorRunSkips(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createDeviceType(t, project, "devA")
	env.writePlan(t, project.Name, "updates.yaml", otaPlan)

	// Predecessor exists but never produced a run for this device type.
	env.createBuild(t, project, 4, nil)
	build := env.createBuild(t, project, 5, func(b *models.BuildModel) {
		b.Type = models.BuildTypeOTA
	})

	run := RunEvent{Name: "devA", URL: runURL(project.Name, 5, "devA"), Status: StatusPassed}
	env.artifact.On("OSTreeHash", mock.Anything, run.URL).Return("h2", nil)

	compiled, err := env.engine.CompileForRun(context.Background(), build, run)
	require.NoError(t, err)
	assert.Empty(t, compiled)
}
