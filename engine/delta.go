package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/devicefleet/conductor/models"
	"github.com/devicefleet/conductor/testplan"
	"github.com/google/uuid"
)

// CreateStaticDelta requests delta generation from the build's adjacent
// predecessor to the build itself, records the resulting CI build with
// back-links to both endpoints, and starts polling its status.
func (e *Engine) CreateStaticDelta(ctx context.Context, projectID, buildID uuid.UUID) error {
	project, err := e.projects.FindByID(projectID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	build, err := e.builds.FindByID(buildID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownBuild, buildID)
	}

	predecessor, err := e.builds.AdjacentPredecessor(project.ID, build.Branch, build.BuildID)
	if err != nil {
		return err
	}
	if predecessor == nil {
		slog.Debug("No predecessor, skipping static delta",
			"project", project.Name,
			"build_id", build.BuildID)
		return nil
	}

	artifact := e.artifactFor(project)
	deltaURL, err := artifact.CreateStaticDelta(ctx, project.Name, build.BuildID, []int64{predecessor.BuildID})
	if err != nil {
		return err
	}
	deltaBuildID, err := BuildIDFromURL(deltaURL)
	if err != nil {
		return err
	}

	delta := &models.BuildModel{
		ProjectID:    project.ID,
		BuildID:      deltaBuildID,
		URL:          deltaURL,
		Branch:       build.Branch,
		Type:         models.BuildTypeStaticDelta,
		Status:       StatusRunning,
		Reason:       fmt.Sprintf("static delta %d-%d", predecessor.BuildID, build.BuildID),
		StaticFromID: &predecessor.ID,
		StaticToID:   &build.ID,
	}
	created, err := e.builds.GetOrCreate(delta)
	if err != nil {
		return err
	}
	if !created && (delta.StaticFromID == nil || delta.StaticToID == nil) {
		// The CI callback for the delta build may land before this task
		// and create the row without back-links.
		delta.Type = models.BuildTypeStaticDelta
		delta.StaticFromID = &predecessor.ID
		delta.StaticToID = &build.ID
		if err := e.builds.Update(delta); err != nil {
			return err
		}
	}

	slog.Info("Static delta build created",
		"project", project.Name,
		"delta_build_id", delta.BuildID,
		"from", predecessor.BuildID,
		"to", build.BuildID)

	id := delta.ID
	e.queue.EnqueueAfter("delta-poll", e.config.DeltaPollInterval, func(ctx context.Context) error {
		return e.PollStaticDelta(ctx, id, 1)
	})
	return nil
}

// PollStaticDelta checks the delta build's CI status. PASSED schedules
// update verification against the origin build's run set; FAILED stops;
// anything else reschedules the poll. Polling is bounded by the configured
// attempt budget rather than retrying forever.
func (e *Engine) PollStaticDelta(ctx context.Context, deltaID uuid.UUID, attempt int) error {
	delta, err := e.builds.FindByID(deltaID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownBuild, deltaID)
	}
	project := &delta.Project

	status, err := e.artifactFor(project).BuildStatus(ctx, delta.URL)
	if err != nil {
		return err
	}
	if err := e.builds.UpdateStatus(delta.ID, status); err != nil {
		return err
	}

	switch status {
	case StatusPassed:
		return e.scheduleDeltaTests(ctx, delta)
	case StatusFailed:
		slog.Info("Static delta generation failed",
			"project", project.Name,
			"delta_build_id", delta.BuildID)
		return nil
	default:
		if e.config.DeltaPollMax > 0 && attempt >= e.config.DeltaPollMax {
			slog.Warn("Static delta polling budget exhausted",
				"project", project.Name,
				"delta_build_id", delta.BuildID,
				"attempts", attempt,
				"last_status", status)
			return nil
		}
		e.queue.EnqueueAfter("delta-poll", e.config.DeltaPollInterval, func(ctx context.Context) error {
			return e.PollStaticDelta(ctx, deltaID, attempt+1)
		})
		return nil
	}
}

// scheduleDeltaTests dispatches update verification using the origin
// build's run set; the delta build itself carries no per-device-type runs.
func (e *Engine) scheduleDeltaTests(ctx context.Context, delta *models.BuildModel) error {
	project := &delta.Project
	if delta.StaticFromID == nil || delta.StaticToID == nil {
		slog.Warn("Static delta has no endpoint links, nothing to schedule",
			"project", project.Name,
			"delta_build_id", delta.BuildID)
		return nil
	}
	from, err := e.builds.FindByID(*delta.StaticFromID)
	if err != nil {
		return err
	}
	to, err := e.builds.FindByID(*delta.StaticToID)
	if err != nil {
		return err
	}
	originRuns, err := e.runs.ListByBuild(from.ID)
	if err != nil {
		return err
	}

	plans, err := e.plansFor(project)
	if err != nil {
		return err
	}

	for _, run := range originRuns {
		deviceType, err := e.deviceTypes.FindByName(project.ID, run.DeviceType)
		if err != nil {
			return err
		}
		if deviceType == nil {
			continue
		}
		compiled, err := e.compileUpdateJobs(project, deviceType,
			testplan.ForDeviceType(plans, run.DeviceType), from, to.BuildID, run.RunName)
		if err != nil {
			slog.Error("Static delta compilation failed",
				"project", project.Name,
				"run", run.RunName,
				"error", err)
			continue
		}
		if len(compiled) == 0 {
			continue
		}
		if err := e.Dispatch(ctx, delta, run.DeviceType, compiled); err != nil {
			slog.Error("Static delta dispatch failed",
				"project", project.Name,
				"run", run.RunName,
				"error", err)
		}
	}
	return nil
}

// BuildIDFromURL extracts the numeric build id from a CI build URL of the
// form .../builds/<id>/.
func BuildIDFromURL(rawURL string) (int64, error) {
	segments := strings.Split(strings.TrimRight(rawURL, "/"), "/")
	if len(segments) == 0 {
		return 0, fmt.Errorf("no build id in url %s", rawURL)
	}
	id, err := strconv.ParseInt(segments[len(segments)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("no build id in url %s: %w", rawURL, err)
	}
	return id, nil
}
