package repository

import (
	"github.com/devicefleet/conductor/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RunRepository interface {
	// GetOrCreate records a (build, run name) pairing with its observed
	// OSTree hash. Runs are append-only; an existing row wins.
	GetOrCreate(run *models.RunModel) error
	FindByBuildAndName(buildID uuid.UUID, runName string) (*models.RunModel, error)
	ListByBuild(buildID uuid.UUID) ([]*models.RunModel, error)
}

type runRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{db: db}
}

func (r *runRepository) GetOrCreate(run *models.RunModel) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	res := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(run)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var existing models.RunModel
		err := r.db.Where("build_id = ? AND run_name = ?", run.BuildID, run.RunName).
			First(&existing).Error
		if err != nil {
			return err
		}
		*run = existing
	}
	return nil
}

func (r *runRepository) FindByBuildAndName(buildID uuid.UUID, runName string) (*models.RunModel, error) {
	var model models.RunModel
	err := r.db.Where("build_id = ? AND run_name = ?", buildID, runName).First(&model).Error
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *runRepository) ListByBuild(buildID uuid.UUID) ([]*models.RunModel, error) {
	var rows []models.RunModel
	if err := r.db.Where("build_id = ?", buildID).Find(&rows).Error; err != nil {
		return nil, err
	}
	runs := make([]*models.RunModel, len(rows))
	for i := range rows {
		runs[i] = &rows[i]
	}
	return runs, nil
}
