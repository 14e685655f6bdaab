package repository

import (
	"errors"
	"log/slog"

	"github.com/devicefleet/conductor/encryption"
	"github.com/devicefleet/conductor/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BuildRepository interface {
	FindByID(id uuid.UUID) (*models.BuildModel, error)
	// GetOrCreate looks up a build by its natural key (project, build id,
	// url) and creates it when absent. Repeated deliveries of the same CI
	// event never create a second row. Returns whether the row was created.
	GetOrCreate(build *models.BuildModel) (bool, error)
	Update(build *models.BuildModel) error
	UpdateStatus(id uuid.UUID, status string) error
	// AdjacentPredecessor returns the most recent build of the same project
	// and branch with a strictly lower build id, or nil when none exists.
	AdjacentPredecessor(projectID uuid.UUID, branch string, buildID int64) (*models.BuildModel, error)
	// LatestInLineage returns the most recent platform build of the branch
	// by build id. Static delta and containers builds are not part of the
	// lineage a device updates along.
	LatestInLineage(projectID uuid.UUID, branch string) (*models.BuildModel, error)
	ListByProject(projectID uuid.UUID) ([]*models.BuildModel, error)
}

type buildRepository struct {
	db         *gorm.DB
	encryption *encryption.Service
}

func NewBuildRepository(db *gorm.DB, enc *encryption.Service) BuildRepository {
	return &buildRepository{db: db, encryption: enc}
}

func (r *buildRepository) FindByID(id uuid.UUID) (*models.BuildModel, error) {
	var model models.BuildModel
	if err := r.db.Preload("Project").Preload("Project.ExecutionBackend").
		Preload("Project.ReportingBackend").
		First(&model, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if err := decryptProjectSecrets(r.encryption, &model.Project); err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *buildRepository) GetOrCreate(build *models.BuildModel) (bool, error) {
	if build.ID == uuid.Nil {
		build.ID = uuid.New()
	}
	// ON CONFLICT DO NOTHING against the natural-key unique index makes
	// concurrent deliveries of the same event race-safe.
	res := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(build)
	if res.Error != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "get_or_create_build",
			"build_id", build.BuildID,
			"error", res.Error)
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// Row existed; load it.
	var existing models.BuildModel
	err := r.db.Where("project_id = ? AND build_id = ? AND url = ?",
		build.ProjectID, build.BuildID, build.URL).First(&existing).Error
	if err != nil {
		return false, err
	}
	*build = existing
	return false, nil
}

func (r *buildRepository) Update(build *models.BuildModel) error {
	return r.db.Omit("Project", "Runs", "Tags", "StaticFrom", "StaticTo").
		Save(build).Error
}

func (r *buildRepository) UpdateStatus(id uuid.UUID, status string) error {
	return r.db.Model(&models.BuildModel{}).
		Where("id = ?", id).
		Update("status", status).
		Error
}

func (r *buildRepository) AdjacentPredecessor(projectID uuid.UUID, branch string, buildID int64) (*models.BuildModel, error) {
	var model models.BuildModel
	err := r.db.Where("project_id = ? AND branch = ? AND build_id < ?", projectID, branch, buildID).
		Order("build_id DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *buildRepository) LatestInLineage(projectID uuid.UUID, branch string) (*models.BuildModel, error) {
	var model models.BuildModel
	err := r.db.Where("project_id = ? AND branch = ? AND type IN ?",
		projectID, branch, []models.BuildType{models.BuildTypeRegular, models.BuildTypeOTA}).
		Order("build_id DESC").
		First(&model).Error
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *buildRepository) ListByProject(projectID uuid.UUID) ([]*models.BuildModel, error) {
	var rows []models.BuildModel
	if err := r.db.Where("project_id = ?", projectID).
		Order("build_id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	builds := make([]*models.BuildModel, len(rows))
	for i := range rows {
		builds[i] = &rows[i]
	}
	return builds, nil
}
