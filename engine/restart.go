package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// HandleFailedBuild implements bounded restart-on-failure: every failed
// sub-run of the callback gets one re-run request, and the build's restart
// counter is incremented exactly once per callback. A counter at the
// project maximum is a terminal state, not an error.
func (e *Engine) HandleFailedBuild(ctx context.Context, buildID uuid.UUID, runs []RunEvent) error {
	build, err := e.builds.FindByID(buildID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownBuild, buildID)
	}
	project := &build.Project

	if !project.RestartOnFailure {
		return nil
	}
	if build.RestartCounter >= project.MaxRestarts {
		slog.Info("Restart budget exhausted, accepting failure",
			"project", project.Name,
			"build_id", build.BuildID,
			"restart_counter", build.RestartCounter)
		return nil
	}

	artifact := e.artifactFor(project)
	failed := 0
	requested := 0
	for _, run := range runs {
		if run.Status != StatusFailed {
			continue
		}
		failed++
		if err := artifact.RequestRerun(ctx, run.URL); err != nil {
			slog.Error("Re-run request failed",
				"project", project.Name,
				"build_id", build.BuildID,
				"run", run.Name,
				"error", err)
			continue
		}
		requested++
		slog.Info("Re-run requested",
			"project", project.Name,
			"build_id", build.BuildID,
			"run", run.Name)
	}
	if requested == 0 {
		if failed > 0 {
			// The counter stays untouched, so the queue's retry of this
			// unit gets a fresh attempt at the same budget.
			return fmt.Errorf("all %d re-run requests failed for build %d",
				failed, build.BuildID)
		}
		return nil
	}

	build.RestartCounter++
	return e.builds.Update(build)
}
