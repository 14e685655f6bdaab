package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/devicefleet/conductor/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// CI callback status strings.
const (
	StatusPassed  = "PASSED"
	StatusFailed  = "FAILED"
	StatusRunning = "RUNNING"
)

// RunEvent is one sub-run reported inside a CI event.
type RunEvent struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Status string `json:"status"`
	LogURL string `json:"log_url"`
}

// CIEvent is a decoded build-completion callback.
type CIEvent struct {
	Status      string     `json:"status"`
	BuildID     int64      `json:"build_id"`
	URL         string     `json:"url"`
	TriggerName string     `json:"trigger_name"`
	Runs        []RunEvent `json:"runs"`
}

// Classify maps a trigger label to a build type. An unmatched label means
// "no build created", a valid terminal outcome.
func Classify(trigger string) (models.BuildType, bool) {
	switch {
	case strings.Contains(trigger, "generate-static-deltas"):
		return models.BuildTypeStaticDelta, true
	case strings.Contains(trigger, "containers"):
		return models.BuildTypeContainers, true
	case strings.Contains(trigger, "platform"):
		return models.BuildTypeRegular, true
	}
	return "", false
}

func branchFromTrigger(trigger string, buildType models.BuildType) string {
	var prefix string
	switch buildType {
	case models.BuildTypeRegular:
		prefix = "platform-"
	case models.BuildTypeContainers:
		prefix = "containers-"
	default:
		return ""
	}
	if branch, ok := strings.CutPrefix(trigger, prefix); ok {
		return branch
	}
	return ""
}

// ProjectNameFromURL extracts the project identifier from a CI source URL
// of the form .../projects/<name>/...
func ProjectNameFromURL(rawURL string) (string, error) {
	segments := strings.Split(rawURL, "/")
	for i, segment := range segments {
		if segment == "projects" && i+1 < len(segments) && segments[i+1] != "" {
			return segments[i+1], nil
		}
	}
	return "", fmt.Errorf("no project segment in url %s", rawURL)
}

// Ingest turns a CI event into a classified, deduplicated build record and
// schedules the downstream work. Nothing is dispatched synchronously here.
func (e *Engine) Ingest(ctx context.Context, event CIEvent) error {
	projectName, err := ProjectNameFromURL(event.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownProject, err)
	}
	project, err := e.projects.FindByName(projectName)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownProject, projectName)
		}
		return err
	}

	buildType, ok := Classify(event.TriggerName)
	if !ok {
		slog.Info("Ignoring unclassified trigger",
			"project", project.Name,
			"trigger", event.TriggerName,
			"build_id", event.BuildID)
		return nil
	}

	build := &models.BuildModel{
		ProjectID: project.ID,
		BuildID:   event.BuildID,
		URL:       event.URL,
		Branch:    branchFromTrigger(event.TriggerName, buildType),
		Type:      buildType,
		Status:    event.Status,
	}
	created, err := e.builds.GetOrCreate(build)
	if err != nil {
		return err
	}
	// The latest reported status always wins, including on replays.
	if err := e.builds.UpdateStatus(build.ID, event.Status); err != nil {
		return err
	}
	build.Status = event.Status

	slog.Info("Build ingested",
		"project", project.Name,
		"build_id", build.BuildID,
		"type", build.Type,
		"status", build.Status,
		"created", created)

	if event.Status != StatusPassed {
		buildID := build.ID
		runs := event.Runs
		e.queue.Enqueue("restart-check", func(ctx context.Context) error {
			return e.HandleFailedBuild(ctx, buildID, runs)
		})
		return nil
	}

	switch build.Type {
	case models.BuildTypeStaticDelta:
		if build.Reason == "" {
			build.Reason = event.TriggerName
			if err := e.builds.Update(build); err != nil {
				return err
			}
		}
		buildID := build.ID
		e.queue.Enqueue("delta-poll", func(ctx context.Context) error {
			return e.PollStaticDelta(ctx, buildID, 0)
		})
	case models.BuildTypeContainers:
		projectID, buildID := project.ID, build.ID
		e.queue.Enqueue("tag", func(ctx context.Context) error {
			return e.ApplyPromotionTag(ctx, projectID, buildID)
		})
	case models.BuildTypeRegular:
		if build.Branch != project.DefaultBranch {
			slog.Debug("Skipping non-default branch build",
				"project", project.Name,
				"branch", build.Branch,
				"build_id", build.BuildID)
			return nil
		}
		buildID := build.ID
		runs := event.Runs
		e.queue.Enqueue("process-build", func(ctx context.Context) error {
			return e.ProcessBuild(ctx, buildID, runs)
		})
	}
	return nil
}

// ProcessBuild runs the per-build workflow for a passed default-branch
// build: resolve the source commit, apply tag management, then fan out
// compile+dispatch per reported run. Commit resolution is durably stored
// before any fan-out because every device type reuses the single resolved
// commit id.
func (e *Engine) ProcessBuild(ctx context.Context, buildID uuid.UUID, runs []RunEvent) error {
	build, err := e.builds.FindByID(buildID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownBuild, buildID)
	}
	project := &build.Project

	if err := e.ResolveCommit(ctx, build, runs); err != nil {
		return err
	}

	if err := e.ApplyPromotionTag(ctx, project.ID, build.ID); err != nil {
		// The build record stays; a tagging failure never rolls it back.
		slog.Error("Tag management failed",
			"project", project.Name,
			"build_id", build.BuildID,
			"error", err)
	}

	if build.SkipTesting {
		slog.Info("Skipping test scheduling",
			"project", project.Name,
			"build_id", build.BuildID,
			"merge_commit", build.IsMergeCommit)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			if err := e.DispatchRun(gctx, build.ID, run); err != nil {
				// Failures are isolated per device type.
				slog.Error("Run dispatch failed",
					"project", project.Name,
					"build_id", build.BuildID,
					"run", run.Name,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if project.TestStaticDelta && build.Type == models.BuildTypeRegular {
		projectID, id := project.ID, build.ID
		e.queue.Enqueue("delta-create", func(ctx context.Context) error {
			return e.CreateStaticDelta(ctx, projectID, id)
		})
	}
	if project.CreateUpgradeCommit && build.Type == models.BuildTypeRegular {
		if err := e.CreateUpgradeCommit(project, build); err != nil {
			slog.Error("Upgrade commit failed",
				"project", project.Name,
				"build_id", build.BuildID,
				"error", err)
		}
	}
	return nil
}
