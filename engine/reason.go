package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/devicefleet/conductor/models"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ResolveCommit fills the build's source commit id from the CI run
// definition and annotates it from the local manifest mirror: commit
// subject as the reason, merge-commit flag, and reclassification to an OTA
// build when the subject carries the rollback marker. Resolution happens
// exactly once per build; replays are no-ops.
func (e *Engine) ResolveCommit(ctx context.Context, build *models.BuildModel, runs []RunEvent) error {
	if build.CommitID != "" {
		return nil
	}
	if len(runs) == 0 {
		slog.Debug("Build has no runs, commit resolution skipped",
			"project", build.Project.Name,
			"build_id", build.BuildID)
		return nil
	}

	artifact := e.artifactFor(&build.Project)
	commitID, err := artifact.CommitID(ctx, runs[0].URL)
	if err != nil {
		return fmt.Errorf("failed to resolve commit for build %d: %w", build.BuildID, err)
	}
	build.CommitID = commitID

	e.describeCommit(build)

	if build.Project.TestOnMergeOnly && !build.IsMergeCommit {
		build.SkipTesting = true
	}
	return e.builds.Update(build)
}

// describeCommit looks the resolved commit up in the project's manifest
// mirror. An unavailable mirror or unknown commit degrades to an empty
// reason, never a failed build.
func (e *Engine) describeCommit(build *models.BuildModel) {
	repo, err := e.openMirror(&build.Project)
	if err != nil {
		slog.Warn("Manifest mirror unavailable",
			"project", build.Project.Name,
			"error", err)
		return
	}

	commit, err := repo.CommitObject(plumbing.NewHash(build.CommitID))
	if err != nil {
		slog.Warn("Commit not found in manifest mirror",
			"project", build.Project.Name,
			"commit", build.CommitID,
			"error", err)
		return
	}

	subject, _, _ := strings.Cut(commit.Message, "\n")
	build.Reason = subject
	build.IsMergeCommit = commit.NumParents() > 1
	if strings.Contains(subject, e.config.RollbackMarker) {
		// Upgrade-and-rollback commits produce OTA verification builds.
		build.Type = models.BuildTypeOTA
	}
}

func (e *Engine) openMirror(project *models.ProjectModel) (*gogit.Repository, error) {
	path := filepath.Join(e.config.RepositoryHome, project.Name)
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, err
	}
	err = repo.Fetch(&gogit.FetchOptions{RemoteName: "origin", Force: true})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		slog.Warn("Manifest mirror fetch failed",
			"project", project.Name,
			"error", err)
	}
	return repo, nil
}

// CreateUpgradeCommit pushes an empty commit carrying the rollback marker
// to the project's manifest repository. The resulting CI build is ingested
// like any other and classified as OTA through its commit subject.
func (e *Engine) CreateUpgradeCommit(project *models.ProjectModel, build *models.BuildModel) error {
	repo, err := e.openMirror(project)
	if err != nil {
		return fmt.Errorf("failed to open manifest mirror: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	message := fmt.Sprintf("%s: target %d", e.config.RollbackMarker, build.BuildID)
	_, err = worktree.Commit(message, &gogit.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "conductor",
			Email: fmt.Sprintf("conductor@%s", e.config.APIDomain),
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create upgrade commit: %w", err)
	}

	if err := repo.Push(&gogit.PushOptions{RemoteName: "origin"}); err != nil &&
		!errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push upgrade commit: %w", err)
	}
	slog.Info("Upgrade commit pushed",
		"project", project.Name,
		"build_id", build.BuildID)
	return nil
}
