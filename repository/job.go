package repository

import (
	"errors"

	"github.com/devicefleet/conductor/encryption"
	"github.com/devicefleet/conductor/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type JobRepository interface {
	Create(job *models.JobModel) error
	Update(job *models.JobModel) error
	// FindByBackendID resolves a job by the id assigned by the execution
	// backend. Returns nil when unknown; notifications for jobs conductor
	// did not submit are expected and dropped upstream.
	FindByBackendID(backendJobID int64) (*models.JobModel, error)
	ListByProject(projectID uuid.UUID) ([]*models.JobModel, error)
}

type jobRepository struct {
	db         *gorm.DB
	encryption *encryption.Service
}

func NewJobRepository(db *gorm.DB, enc *encryption.Service) JobRepository {
	return &jobRepository{db: db, encryption: enc}
}

func (r *jobRepository) Create(job *models.JobModel) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	return r.db.Create(job).Error
}

func (r *jobRepository) Update(job *models.JobModel) error {
	return r.db.Omit("Project", "Device", "Build").Save(job).Error
}

func (r *jobRepository) FindByBackendID(backendJobID int64) (*models.JobModel, error) {
	var model models.JobModel
	err := r.db.Preload("Project").Preload("Project.ExecutionBackend").
		Preload("Project.ReportingBackend").Preload("Device").Preload("Build").
		Where("backend_job_id = ?", backendJobID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decryptProjectSecrets(r.encryption, &model.Project); err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *jobRepository) ListByProject(projectID uuid.UUID) ([]*models.JobModel, error) {
	var rows []models.JobModel
	if err := r.db.Where("project_id = ?", projectID).
		Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	jobs := make([]*models.JobModel, len(rows))
	for i := range rows {
		jobs[i] = &rows[i]
	}
	return jobs, nil
}
