package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/devicefleet/conductor/factory"
	"github.com/devicefleet/conductor/models"
	"github.com/devicefleet/conductor/testplan"
)

// CompiledJob is one rendered definition ready for submission.
type CompiledJob struct {
	Name       string
	Kind       models.JobKind
	Definition string
}

// CompileForRun renders all applicable job definitions for one (build,
// run) pairing. Unknown device types and runs without a published OSTree
// hash yield an empty result, not an error.
func (e *Engine) CompileForRun(ctx context.Context, build *models.BuildModel, run RunEvent) ([]CompiledJob, error) {
	project := &build.Project

	deviceType, err := e.deviceTypes.FindByName(project.ID, run.Name)
	if err != nil {
		return nil, err
	}
	if deviceType == nil {
		// CI may produce more run names than the fleet supports.
		slog.Debug("No device type registered for run",
			"project", project.Name,
			"run", run.Name)
		return nil, nil
	}

	plans, err := e.plansFor(project)
	if err != nil {
		return nil, err
	}
	plans = testplan.ForDeviceType(plans, run.Name)
	if len(plans) == 0 {
		return nil, nil
	}

	hash, err := e.recordRun(ctx, build, run)
	if err != nil {
		return nil, err
	}

	switch build.Type {
	case models.BuildTypeRegular:
		if hash == "" {
			slog.Warn("OSTree hash missing, skipping run",
				"project", project.Name,
				"build_id", build.BuildID,
				"run", run.Name)
			return nil, nil
		}
		params := testplan.ContextParams{
			RunName:      run.Name,
			RunURL:       run.URL,
			BuildURL:     build.URL,
			BuildID:      build.BuildID,
			OTATargetID:  build.BuildID,
			CommitID:     build.CommitID,
			Reason:       build.Reason,
			NetInterface: deviceType.NetInterface,
			OSTreeHash:   hash,
			Settings:     deviceType.Settings,
		}
		return compileJobs(plans, params, false), nil

	case models.BuildTypeOTA, models.BuildTypeContainers:
		predecessor, err := e.builds.AdjacentPredecessor(project.ID, build.Branch, build.BuildID)
		if err != nil {
			return nil, err
		}
		if predecessor == nil {
			slog.Warn("No adjacent predecessor for update templates",
				"project", project.Name,
				"build_id", build.BuildID)
			return nil, nil
		}
		return e.compileUpdateJobs(project, deviceType, plans, predecessor, build.BuildID, run.Name)
	}
	return nil, nil
}

// compileUpdateJobs renders OTA-flavored templates bound to the
// predecessor's artifacts with the given build id as the update target.
// Also used for static-delta verification, where the delta's origin build
// stands in as the predecessor.
func (e *Engine) compileUpdateJobs(
	project *models.ProjectModel,
	deviceType *models.DeviceTypeModel,
	plans []*testplan.TestPlan,
	from *models.BuildModel,
	targetBuildID int64,
	runName string,
) ([]CompiledJob, error) {
	fromRun, err := e.runs.FindByBuildAndName(from.ID, runName)
	if err != nil {
		// The predecessor never produced a run for this device type;
		// there is nothing to update from.
		slog.Warn("Predecessor run missing, skipping update templates",
			"project", project.Name,
			"from_build_id", from.BuildID,
			"run", runName)
		return nil, nil
	}

	params := testplan.ContextParams{
		RunName:      runName,
		RunURL:       fmt.Sprintf("%sruns/%s/", from.URL, runName),
		BuildURL:     from.URL,
		BuildID:      from.BuildID,
		OTATargetID:  targetBuildID,
		CommitID:     from.CommitID,
		Reason:       from.Reason,
		NetInterface: deviceType.NetInterface,
		OSTreeHash:   fromRun.OSTreeHash,
		Settings:     deviceType.Settings,
	}
	return compileJobs(plans, params, true), nil
}

func compileJobs(plans []*testplan.TestPlan, params testplan.ContextParams, ota bool) []CompiledJob {
	context := testplan.BuildContext(params)
	var compiled []CompiledJob
	for _, plan := range plans {
		for i := range plan.Jobs {
			job := &plan.Jobs[i]
			if job.OTA != ota {
				continue
			}
			definition, err := job.Render(plan, context)
			if err != nil {
				slog.Error("Template rendering failed",
					"plan", plan.Name,
					"job", job.Name,
					"error", err)
				continue
			}
			compiled = append(compiled, CompiledJob{Name: job.Name, Kind: job.Kind, Definition: definition})
		}
	}
	return compiled
}

// recordRun stores the (build, run) pairing with its observed OSTree hash.
// A missing hash is a soft failure: the pairing is not recorded and an
// empty hash is returned.
func (e *Engine) recordRun(ctx context.Context, build *models.BuildModel, run RunEvent) (string, error) {
	artifact := e.artifactFor(&build.Project)
	hash, err := artifact.OSTreeHash(ctx, run.URL)
	if errors.Is(err, factory.ErrOSTreeHashMissing) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	record := &models.RunModel{
		BuildID:    build.ID,
		RunName:    run.Name,
		DeviceType: run.Name,
		OSTreeHash: hash,
	}
	if err := e.runs.GetOrCreate(record); err != nil {
		return "", err
	}
	return hash, nil
}
