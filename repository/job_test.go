package repository

import (
	"testing"

	"github.com/devicefleet/conductor/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobFindByBackendIDDecryptsProjectSecrets(t *testing.T) {
	db := newTestDB(t)
	enc := newTestEncryption(t)
	projects := NewProjectRepository(db, enc)
	builds := NewBuildRepository(db, enc)
	jobs := NewJobRepository(db, enc)

	project := &models.ProjectModel{
		Name:          "p1",
		DefaultBranch: "main",
		APIToken:      "plain-token",
	}
	require.NoError(t, projects.Create(project))

	build := buildRow(project.ID, 7, "main")
	_, err := builds.GetOrCreate(build)
	require.NoError(t, err)

	require.NoError(t, jobs.Create(&models.JobModel{
		ProjectID:    project.ID,
		BuildID:      build.ID,
		BackendJobID: 42,
		Kind:         models.JobKindFunctional,
	}))

	// The notification path takes its credentials from the job row; they
	// must match what the project repository hands out.
	job, err := jobs.FindByBackendID(42)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "plain-token", job.Project.APIToken)
}

func TestJobFindByBackendIDUnknown(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobRepository(db, newTestEncryption(t))

	job, err := jobs.FindByBackendID(424242)
	require.NoError(t, err)
	assert.Nil(t, job)
}
