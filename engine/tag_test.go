package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"testing"

	"github.com/devicefleet/conductor/models"
	"github.com/devicefleet/conductor/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testSigningKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func testTargets(versions ...int64) *signing.Targets {
	targets := map[string]any{}
	for _, version := range versions {
		targets[fmt.Sprintf("raspberrypi4-64-lmp-%d", version)] = map[string]any{
			"hashes": map[string]any{"sha256": fmt.Sprintf("hash-%d", version)},
			"custom": map[string]any{
				"version": fmt.Sprintf("%d", version),
				"tags":    []any{},
			},
		}
	}
	return &signing.Targets{
		Signed: map[string]any{
			"_type":   "Targets",
			"version": float64(1),
			"targets": targets,
		},
	}
}

func newTagEnv(t *testing.T) (*testEnv, *models.ProjectModel) {
	env := newTestEnv(t)
	project := env.createProject(t, func(p *models.ProjectModel) {
		p.ApplyTagOnCallback = true
		p.PromotionTag = "promoted"
		p.SigningKey = testSigningKey(t)
		p.SigningKeyID = "kid-1"
	})
	return env, project
}

func TestTagWindowNeverExceedsTwoBuilds(t *testing.T) {
	env, project := newTagEnv(t)

	var published []*signing.Targets
	env.artifact.On("PublishTargets", mock.Anything, project.Name, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			published = append(published, args.Get(2).(*signing.Targets))
		}).
		Return(nil)

	tagged := func() []int64 {
		tag, err := env.tags.GetOrCreate(project.ID, "promoted")
		require.NoError(t, err)
		builds, err := env.tags.TaggedBuilds(tag.ID)
		require.NoError(t, err)
		ids := make([]int64, 0, len(builds))
		for _, build := range builds {
			ids = append(ids, build.BuildID)
		}
		return ids
	}

	for _, buildID := range []int64{1, 2, 3} {
		build := env.createBuild(t, project, buildID, nil)
		env.artifact.On("Targets", mock.Anything, project.Name).Return(testTargets(1, 2, 3), nil).Once()
		require.NoError(t, env.engine.ApplyPromotionTag(context.Background(), project.ID, build.ID))
		assert.LessOrEqual(t, len(tagged()), 2, "after tagging build %d", buildID)
	}

	assert.Equal(t, []int64{2, 3}, tagged())
	require.Len(t, published, 3)
	for _, targets := range published {
		require.Len(t, targets.Signatures, 1)
		assert.Equal(t, "kid-1", targets.Signatures[0].KeyID)
		assert.Equal(t, signing.MethodRSAPSS, targets.Signatures[0].Method)
		// Every publish bumps the version counter.
		assert.Equal(t, int64(2), targets.Signed["version"])
	}
}

func TestTagSkippedWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	project := env.createProject(t, nil)
	build := env.createBuild(t, project, 1, nil)

	require.NoError(t, env.engine.ApplyPromotionTag(context.Background(), project.ID, build.ID))
	env.artifact.AssertNotCalled(t, "Targets", mock.Anything, mock.Anything)
}

func TestTagSkippedForRollbackBuildWhenFirstBuildOnly(t *testing.T) {
	env, project := newTagEnv(t)
	project.TagFirstBuildOnly = true
	require.NoError(t, env.projects.Update(project))

	build := env.createBuild(t, project, 4, func(b *models.BuildModel) {
		b.Type = models.BuildTypeOTA
	})
	require.NoError(t, env.engine.ApplyPromotionTag(context.Background(), project.ID, build.ID))
	env.artifact.AssertNotCalled(t, "Targets", mock.Anything, mock.Anything)
}

func TestTagFailsOnMissingSigningKey(t *testing.T) {
	env, project := newTagEnv(t)
	project.SigningKey = ""
	require.NoError(t, env.projects.Update(project))

	build := env.createBuild(t, project, 1, nil)
	env.artifact.On("Targets", mock.Anything, project.Name).Return(testTargets(1), nil).Once()

	err := env.engine.ApplyPromotionTag(context.Background(), project.ID, build.ID)
	assert.ErrorIs(t, err, signing.ErrSigningMisconfigured)
	env.artifact.AssertNotCalled(t, "PublishTargets",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
