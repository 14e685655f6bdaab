package repository

import (
	"fmt"
	"testing"

	dbpkg "github.com/devicefleet/conductor/db"
	"github.com/devicefleet/conductor/encryption"
	"github.com/devicefleet/conductor/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, dbpkg.AutoMigrateAll(db))
	return db
}

func newTestEncryption(t *testing.T) *encryption.Service {
	t.Helper()
	enc, err := encryption.NewService("YWJjZGVmZ2hpamtsbW5vcHFyc3R1dnd4eXoxMjM0NTY=")
	require.NoError(t, err)
	return enc
}

func newTestProject(t *testing.T, db *gorm.DB) *models.ProjectModel {
	t.Helper()
	projects := NewProjectRepository(db, newTestEncryption(t))
	project := &models.ProjectModel{Name: "p1", DefaultBranch: "main"}
	require.NoError(t, projects.Create(project))
	return project
}

func buildRow(projectID uuid.UUID, buildID int64, branch string) *models.BuildModel {
	return &models.BuildModel{
		ProjectID: projectID,
		BuildID:   buildID,
		URL:       fmt.Sprintf("https://api.example.com/projects/p1/lmp/builds/%d/", buildID),
		Branch:    branch,
		Type:      models.BuildTypeRegular,
		Status:    "PASSED",
	}
}

func TestBuildGetOrCreateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	project := newTestProject(t, db)
	builds := NewBuildRepository(db, newTestEncryption(t))

	first := buildRow(project.ID, 7, "main")
	created, err := builds.GetOrCreate(first)
	require.NoError(t, err)
	assert.True(t, created)

	second := buildRow(project.ID, 7, "main")
	created, err = builds.GetOrCreate(second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	rows, err := builds.ListByProject(project.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestBuildGetOrCreatePreservesExistingRow(t *testing.T) {
	db := newTestDB(t)
	project := newTestProject(t, db)
	builds := NewBuildRepository(db, newTestEncryption(t))

	first := buildRow(project.ID, 7, "main")
	first.CommitID = "abc123"
	_, err := builds.GetOrCreate(first)
	require.NoError(t, err)

	replay := buildRow(project.ID, 7, "main")
	created, err := builds.GetOrCreate(replay)
	require.NoError(t, err)
	assert.False(t, created)
	// The replayed event never overwrites what was resolved already.
	assert.Equal(t, "abc123", replay.CommitID)
}

func TestAdjacentPredecessor(t *testing.T) {
	db := newTestDB(t)
	project := newTestProject(t, db)
	builds := NewBuildRepository(db, newTestEncryption(t))

	for _, row := range []struct {
		buildID int64
		branch  string
	}{
		{3, "main"},
		{5, "main"},
		{6, "devel"},
		{8, "main"},
	} {
		_, err := builds.GetOrCreate(buildRow(project.ID, row.buildID, row.branch))
		require.NoError(t, err)
	}

	pred, err := builds.AdjacentPredecessor(project.ID, "main", 8)
	require.NoError(t, err)
	require.NotNil(t, pred)
	// Most recent lower build of the same branch; the devel build between
	// them is not a candidate.
	assert.Equal(t, int64(5), pred.BuildID)

	pred, err = builds.AdjacentPredecessor(project.ID, "main", 3)
	require.NoError(t, err)
	assert.Nil(t, pred)
}

func TestLatestInLineage(t *testing.T) {
	db := newTestDB(t)
	project := newTestProject(t, db)
	builds := NewBuildRepository(db, newTestEncryption(t))

	for _, row := range []struct {
		buildID   int64
		branch    string
		buildType models.BuildType
	}{
		{3, "main", models.BuildTypeRegular},
		{5, "main", models.BuildTypeRegular},
		{6, "devel", models.BuildTypeRegular},
		{7, "main", models.BuildTypeContainers},
		{8, "main", models.BuildTypeStaticDelta},
	} {
		build := buildRow(project.ID, row.buildID, row.branch)
		build.Type = row.buildType
		_, err := builds.GetOrCreate(build)
		require.NoError(t, err)
	}

	// Newer containers and static delta builds are not part of the update
	// lineage; the devel build belongs to another branch.
	latest, err := builds.LatestInLineage(project.ID, "main")
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest.BuildID)
}

func TestBuildFindByIDDecryptsProjectSecrets(t *testing.T) {
	db := newTestDB(t)
	enc := newTestEncryption(t)
	projects := NewProjectRepository(db, enc)
	builds := NewBuildRepository(db, enc)

	// Backend tokens are stored encrypted like every other credential.
	backend := &models.ExecutionBackendModel{
		BaseModel: models.BaseModel{ID: uuid.New()},
		Name:      "lab",
		URL:       "https://lava.example.com/api/v0.2",
		APIToken:  mustEncrypt(t, enc, "lava-token"),
	}
	require.NoError(t, db.Create(backend).Error)

	project := &models.ProjectModel{
		Name:               "p1",
		DefaultBranch:      "main",
		APIToken:           "plain-token",
		ExecutionBackendID: &backend.ID,
	}
	require.NoError(t, projects.Create(project))

	build := buildRow(project.ID, 7, "main")
	_, err := builds.GetOrCreate(build)
	require.NoError(t, err)

	// The project reached through the build association carries the same
	// plaintext credentials the project repository hands out.
	loaded, err := builds.FindByID(build.ID)
	require.NoError(t, err)
	assert.Equal(t, "plain-token", loaded.Project.APIToken)
	require.NotNil(t, loaded.Project.ExecutionBackend)
	assert.Equal(t, "lava-token", loaded.Project.ExecutionBackend.APIToken)
}

func mustEncrypt(t *testing.T, enc *encryption.Service, plaintext string) string {
	t.Helper()
	ciphertext, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	return ciphertext
}

func TestProjectSecretsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	enc, err := encryption.NewService("YWJjZGVmZ2hpamtsbW5vcHFyc3R1dnd4eXoxMjM0NTY=")
	require.NoError(t, err)
	projects := NewProjectRepository(db, enc)

	project := &models.ProjectModel{
		Name:          "p1",
		DefaultBranch: "main",
		WebhookSecret: "hook-secret",
		APIToken:      "api-token",
		SigningKey:    "pem-material",
	}
	require.NoError(t, projects.Create(project))

	// Stored ciphertext differs from the plaintext.
	var raw models.ProjectModel
	require.NoError(t, db.Where("name = ?", "p1").First(&raw).Error)
	assert.NotEqual(t, "hook-secret", raw.WebhookSecret)
	assert.NotEqual(t, "api-token", raw.APIToken)

	loaded, err := projects.FindByName("p1")
	require.NoError(t, err)
	assert.Equal(t, "hook-secret", loaded.WebhookSecret)
	assert.Equal(t, "api-token", loaded.APIToken)
	assert.Equal(t, "pem-material", loaded.SigningKey)
}
