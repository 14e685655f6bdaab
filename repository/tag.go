package repository

import (
	"github.com/devicefleet/conductor/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TagRepository interface {
	GetOrCreate(projectID uuid.UUID, name string) (*models.BuildTagModel, error)
	AddBuild(tag *models.BuildTagModel, build *models.BuildModel) error
	RemoveBuild(tag *models.BuildTagModel, build *models.BuildModel) error
	// TaggedBuildsBelow returns builds of the project that still carry the
	// tag and have a build id strictly below the given bound.
	TaggedBuildsBelow(projectID uuid.UUID, tagID uuid.UUID, buildID int64) ([]*models.BuildModel, error)
	TaggedBuilds(tagID uuid.UUID) ([]*models.BuildModel, error)
}

type tagRepository struct {
	db *gorm.DB
}

func NewTagRepository(db *gorm.DB) TagRepository {
	return &tagRepository{db: db}
}

func (r *tagRepository) GetOrCreate(projectID uuid.UUID, name string) (*models.BuildTagModel, error) {
	tag := models.BuildTagModel{
		BaseModel: models.BaseModel{ID: uuid.New()},
		ProjectID: projectID,
		Name:      name,
	}
	res := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tag)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		var existing models.BuildTagModel
		err := r.db.Where("project_id = ? AND name = ?", projectID, name).
			First(&existing).Error
		if err != nil {
			return nil, err
		}
		return &existing, nil
	}
	return &tag, nil
}

func (r *tagRepository) AddBuild(tag *models.BuildTagModel, build *models.BuildModel) error {
	return r.db.Model(tag).Association("Builds").Append(&models.BuildModel{
		BaseModel: models.BaseModel{ID: build.ID},
	})
}

func (r *tagRepository) RemoveBuild(tag *models.BuildTagModel, build *models.BuildModel) error {
	return r.db.Model(tag).Association("Builds").Delete(&models.BuildModel{
		BaseModel: models.BaseModel{ID: build.ID},
	})
}

func (r *tagRepository) TaggedBuildsBelow(projectID uuid.UUID, tagID uuid.UUID, buildID int64) ([]*models.BuildModel, error) {
	var rows []models.BuildModel
	err := r.db.
		Joins("JOIN build_tag_builds ON build_tag_builds.build_model_id = builds.id").
		Where("build_tag_builds.build_tag_model_id = ?", tagID).
		Where("builds.project_id = ? AND builds.build_id < ?", projectID, buildID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	builds := make([]*models.BuildModel, len(rows))
	for i := range rows {
		builds[i] = &rows[i]
	}
	return builds, nil
}

func (r *tagRepository) TaggedBuilds(tagID uuid.UUID) ([]*models.BuildModel, error) {
	var rows []models.BuildModel
	err := r.db.
		Joins("JOIN build_tag_builds ON build_tag_builds.build_model_id = builds.id").
		Where("build_tag_builds.build_tag_model_id = ?", tagID).
		Order("builds.build_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	builds := make([]*models.BuildModel, len(rows))
	for i := range rows {
		builds[i] = &rows[i]
	}
	return builds, nil
}
