package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/devicefleet/conductor/models"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// DispatchRun compiles and submits all applicable jobs for one reported
// run of a build.
func (e *Engine) DispatchRun(ctx context.Context, buildID uuid.UUID, run RunEvent) error {
	build, err := e.builds.FindByID(buildID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownBuild, buildID)
	}
	compiled, err := e.CompileForRun(ctx, build, run)
	if err != nil {
		return err
	}
	if len(compiled) == 0 {
		return nil
	}
	return e.Dispatch(ctx, build, run.Name, compiled)
}

// Dispatch submits rendered definitions to the execution backend and
// records a job row per returned id. A zero-id response is a backend
// rejection: logged, never fatal. Watch registration with the reporting
// backend is best effort.
func (e *Engine) Dispatch(ctx context.Context, build *models.BuildModel, deviceType string, compiled []CompiledJob) error {
	project := &build.Project

	if e.config.DryRunDir != "" {
		return e.writeDryRun(project, build, deviceType, compiled)
	}

	execution, err := e.executionFor(project)
	if err != nil {
		return err
	}

	// The reporting side needs the build record before any job of it can
	// be watched. Best effort: the backend answers OK for replays.
	if reporting := e.reportingFor(project); reporting != nil {
		err := reporting.CreateBuild(ctx,
			project.ReportingGroup,
			reportingName(project),
			fmt.Sprintf("%d", build.BuildID),
			"", "")
		if err != nil {
			slog.Warn("Reporting build creation failed",
				"project", project.Name,
				"build_id", build.BuildID,
				"error", err)
		}
	}

	for _, job := range compiled {
		ids, err := execution.SubmitJob(ctx, job.Definition)
		if err != nil {
			slog.Error("Job submission failed",
				"project", project.Name,
				"build_id", build.BuildID,
				"device_type", deviceType,
				"kind", job.Kind,
				"error", err)
			continue
		}
		if len(ids) == 0 {
			slog.Warn("Execution backend rejected job",
				"project", project.Name,
				"build_id", build.BuildID,
				"device_type", deviceType,
				"kind", job.Kind)
			continue
		}
		for _, backendID := range ids {
			record := &models.JobModel{
				ProjectID:           project.ID,
				BuildID:             build.ID,
				BackendJobID:        backendID,
				Kind:                job.Kind,
				State:               "Submitted",
				RequestedDeviceType: deviceType,
				Definition:          job.Definition,
			}
			if err := e.jobs.Create(record); err != nil {
				return err
			}
			slog.Info("Job submitted",
				"project", project.Name,
				"build_id", build.BuildID,
				"device_type", deviceType,
				"kind", job.Kind,
				"backend_job_id", backendID)
			if job.Kind.Watchable() {
				e.registerWatch(ctx, project, build, deviceType, job.Name, backendID)
			}
		}
	}
	return nil
}

func (e *Engine) registerWatch(ctx context.Context, project *models.ProjectModel, build *models.BuildModel, deviceType, jobName string, backendJobID int64) {
	reporting := e.reportingFor(project)
	if reporting == nil {
		return
	}
	trackingID, err := reporting.WatchJob(ctx,
		project.ReportingGroup,
		reportingName(project),
		fmt.Sprintf("%d", build.BuildID),
		deviceType,
		backendJobID)
	if err != nil {
		// The job exists and is tracked locally either way.
		slog.Warn("Watch registration failed",
			"project", project.Name,
			"backend_job_id", backendJobID,
			"error", err)
		return
	}
	slog.Debug("Job registered for watch",
		"backend_job_id", backendJobID,
		"tracking_id", trackingID)

	// Reports show the template name instead of the backend's numeric id.
	if jobName != "" {
		if err := reporting.UpdateTestJobName(ctx, trackingID, jobName); err != nil {
			slog.Warn("Tracked job rename failed",
				"project", project.Name,
				"tracking_id", trackingID,
				"error", err)
		}
	}
}

// writeDryRun stores rendered definitions on disk instead of submitting
// them, for operator inspection of template changes.
func (e *Engine) writeDryRun(project *models.ProjectModel, build *models.BuildModel, deviceType string, compiled []CompiledJob) error {
	if err := os.MkdirAll(e.config.DryRunDir, 0o755); err != nil {
		return err
	}
	for i, job := range compiled {
		name := slug.Make(fmt.Sprintf("%s-%d-%s-%s-%d",
			project.Name, build.BuildID, deviceType, job.Kind, i))
		path := filepath.Join(e.config.DryRunDir, name+".yaml")
		if err := os.WriteFile(path, []byte(job.Definition), 0o644); err != nil {
			return err
		}
		slog.Info("Dry run definition written", "path", path)
	}
	return nil
}
