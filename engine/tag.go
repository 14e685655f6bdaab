package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/devicefleet/conductor/models"
	"github.com/devicefleet/conductor/signing"
	"github.com/google/uuid"
)

// ApplyPromotionTag maintains the project's promotion tag as a sliding
// window of at most two builds: the new build and its adjacent
// predecessor. Builds tagged below the predecessor are untagged first, in
// the same signed document, so the window invariant holds at every
// published state. The whole read-modify-sign-publish sequence is
// serialized per project.
func (e *Engine) ApplyPromotionTag(ctx context.Context, projectID, buildID uuid.UUID) error {
	project, err := e.projects.FindByID(projectID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	build, err := e.builds.FindByID(buildID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownBuild, buildID)
	}

	if !project.ApplyTagOnCallback || project.PromotionTag == "" {
		return nil
	}
	if project.TagFirstBuildOnly && build.Type == models.BuildTypeOTA {
		slog.Debug("Skipping tag for rollback build",
			"project", project.Name,
			"build_id", build.BuildID)
		return nil
	}

	mu := e.tagLock(project.ID)
	mu.Lock()
	defer mu.Unlock()

	artifact := e.artifactFor(project)
	targets, err := artifact.Targets(ctx, project.Name)
	if err != nil {
		return err
	}
	checksum, err := targets.Checksum()
	if err != nil {
		return err
	}

	tag, err := e.tags.GetOrCreate(project.ID, project.PromotionTag)
	if err != nil {
		return err
	}

	predecessor, err := e.builds.AdjacentPredecessor(project.ID, build.Branch, build.BuildID)
	if err != nil {
		return err
	}
	var untagged []*models.BuildModel
	if predecessor != nil {
		stale, err := e.tags.TaggedBuildsBelow(project.ID, tag.ID, predecessor.BuildID)
		if err != nil {
			return err
		}
		for _, old := range stale {
			if err := targets.SetTag(old.BuildID, project.PromotionTag, false); err != nil {
				if !errors.Is(err, signing.ErrTargetNotFound) {
					return err
				}
				// Target already expired from the index; the local tag
				// row is still dropped below.
				slog.Warn("Tagged build no longer in artifact index",
					"project", project.Name,
					"build_id", old.BuildID)
			}
			untagged = append(untagged, old)
		}
	}

	if err := targets.SetTag(build.BuildID, project.PromotionTag, true); err != nil {
		return err
	}
	if err := targets.Sign(project.SigningKey, project.SigningKeyID); err != nil {
		return err
	}
	if err := artifact.PublishTargets(ctx, project.Name, targets, checksum); err != nil {
		return err
	}

	for _, old := range untagged {
		if err := e.tags.RemoveBuild(tag, old); err != nil {
			return err
		}
	}
	if err := e.tags.AddBuild(tag, build); err != nil {
		return err
	}

	slog.Info("Promotion tag applied",
		"project", project.Name,
		"tag", project.PromotionTag,
		"build_id", build.BuildID,
		"untagged", len(untagged))
	return nil
}
