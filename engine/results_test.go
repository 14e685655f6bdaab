package engine

import (
	"context"
	"testing"

	"github.com/devicefleet/conductor/lava"
	"github.com/devicefleet/conductor/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestTranslateResult(t *testing.T) {
	assert.Equal(t, "PASSED", TranslateResult("pass"))
	assert.Equal(t, "FAILED", TranslateResult("fail"))
	assert.Equal(t, "SKIPPED", TranslateResult("skip"))
	assert.Equal(t, "SKIPPED", TranslateResult("unknown"))
	assert.Equal(t, "SKIPPED", TranslateResult("something-new"))
}

func TestSuiteName(t *testing.T) {
	assert.Equal(t, "boot", suiteName("1_boot"))
	assert.Equal(t, "smoke", suiteName("smoke"))
}

func TestFinishedFunctionalJobReportsTranslatedResults(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createReportingBackend(t, project)
	env.createDeviceType(t, project, "devA")
	build := env.createBuild(t, project, 7, nil)

	job := &models.JobModel{
		ProjectID:           project.ID,
		BuildID:             build.ID,
		BackendJobID:        300,
		Kind:                models.JobKindFunctional,
		RequestedDeviceType: "devA",
		Definition:          "prompts:\n- fio@dev-01\n",
	}
	require.NoError(t, env.jobs.Create(job))

	env.execution.On("Suites", mock.Anything, int64(300)).
		Return([]lava.Suite{{ID: 1, Name: "1_smoke"}}, nil)
	env.execution.On("Tests", mock.Anything, int64(300), int64(1)).
		Return([]lava.TestResult{
			{Name: "login", Result: "pass"},
			{Name: "network", Result: "fail"},
		}, nil)
	env.reporting.On("SubmitResults", mock.Anything, "fleet", project.Name,
		"7", "devA", map[string]string{
			"smoke/login":   "PASSED",
			"smoke/network": "FAILED",
		}).Return(nil)

	require.NoError(t, env.engine.HandleNotification(context.Background(), Notification{
		JobID: 300, State: JobStateFinished, Health: HealthComplete,
	}))
	env.reporting.AssertExpectations(t)
}

func TestFinishedJobWithoutResultsReportsNothing(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	env.createReportingBackend(t, project)
	env.createDeviceType(t, project, "devA")
	build := env.createBuild(t, project, 7, nil)

	job := &models.JobModel{
		ProjectID:           project.ID,
		BuildID:             build.ID,
		BackendJobID:        301,
		Kind:                models.JobKindFunctional,
		RequestedDeviceType: "devA",
	}
	require.NoError(t, env.jobs.Create(job))

	env.execution.On("Suites", mock.Anything, int64(301)).Return([]lava.Suite{}, nil)

	require.NoError(t, env.engine.HandleNotification(context.Background(), Notification{
		JobID: 301, State: JobStateFinished, Health: HealthComplete,
	}))
	env.reporting.AssertNotCalled(t, "SubmitResults",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
