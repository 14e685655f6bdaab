package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/devicefleet/conductor/models"
)

// resultTranslation maps execution backend test verdicts to the reporting
// backend's vocabulary. Anything unrecognized is reported as skipped.
var resultTranslation = map[string]string{
	"pass":    "PASSED",
	"fail":    "FAILED",
	"skip":    "SKIPPED",
	"unknown": "SKIPPED",
}

func TranslateResult(result string) string {
	if translated, ok := resultTranslation[result]; ok {
		return translated
	}
	return "SKIPPED"
}

// suiteName strips the ordering index the backend prefixes suite names
// with ("1_boot" becomes "boot").
func suiteName(name string) string {
	if _, rest, ok := strings.Cut(name, "_"); ok {
		return rest
	}
	return name
}

// reportJobResults fetches every result suite a finished job produced,
// translates the verdicts and pushes them to the reporting backend.
func (e *Engine) reportJobResults(ctx context.Context, job *models.JobModel) error {
	project := &job.Project
	execution, err := e.executionFor(project)
	if err != nil {
		return err
	}

	suites, err := execution.Suites(ctx, job.BackendJobID)
	if err != nil {
		return err
	}
	results := make(map[string]string)
	for _, suite := range suites {
		tests, err := execution.Tests(ctx, job.BackendJobID, suite.ID)
		if err != nil {
			return err
		}
		for _, test := range tests {
			key := fmt.Sprintf("%s/%s", suiteName(suite.Name), test.Name)
			results[key] = TranslateResult(test.Result)
		}
	}
	if len(results) == 0 {
		slog.Debug("Job produced no results",
			"project", project.Name,
			"backend_job_id", job.BackendJobID)
		return nil
	}

	reporting := e.reportingFor(project)
	if reporting == nil {
		slog.Debug("No reporting backend, results not forwarded",
			"project", project.Name,
			"backend_job_id", job.BackendJobID)
		return nil
	}
	return reporting.SubmitResults(ctx,
		project.ReportingGroup,
		reportingName(project),
		fmt.Sprintf("%d", job.Build.BuildID),
		job.RequestedDeviceType,
		results)
}
