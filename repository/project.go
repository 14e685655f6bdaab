// Package repository implements database access for conductor entities.
// Secrets (webhook secrets, API tokens, signing keys) are encrypted at rest
// and transparently decrypted on load.
package repository

import (
	"log/slog"

	"github.com/devicefleet/conductor/encryption"
	"github.com/devicefleet/conductor/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ProjectRepository interface {
	FindByID(id uuid.UUID) (*models.ProjectModel, error)
	FindByName(name string) (*models.ProjectModel, error)
	Create(project *models.ProjectModel) error
	Update(project *models.ProjectModel) error
	List() ([]*models.ProjectModel, error)
}

type projectRepository struct {
	db         *gorm.DB
	encryption *encryption.Service
}

func NewProjectRepository(db *gorm.DB, enc *encryption.Service) ProjectRepository {
	return &projectRepository{db: db, encryption: enc}
}

func (r *projectRepository) FindByID(id uuid.UUID) (*models.ProjectModel, error) {
	var model models.ProjectModel
	err := r.db.Preload("ExecutionBackend").Preload("ReportingBackend").
		First(&model, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return r.decrypt(&model)
}

func (r *projectRepository) FindByName(name string) (*models.ProjectModel, error) {
	var model models.ProjectModel
	err := r.db.Preload("ExecutionBackend").Preload("ReportingBackend").
		Where("name = ?", name).First(&model).Error
	if err != nil {
		return nil, err
	}
	return r.decrypt(&model)
}

func (r *projectRepository) List() ([]*models.ProjectModel, error) {
	var rows []models.ProjectModel
	if err := r.db.Preload("ExecutionBackend").Preload("ReportingBackend").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	projects := make([]*models.ProjectModel, len(rows))
	for i := range rows {
		project, err := r.decrypt(&rows[i])
		if err != nil {
			return nil, err
		}
		projects[i] = project
	}
	return projects, nil
}

func (r *projectRepository) Create(project *models.ProjectModel) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	model, err := r.encrypt(project)
	if err != nil {
		return err
	}
	if err := r.db.Create(model).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "create_project",
			"project_name", project.Name,
			"error", err)
		return err
	}
	return nil
}

func (r *projectRepository) Update(project *models.ProjectModel) error {
	model, err := r.encrypt(project)
	if err != nil {
		return err
	}
	return r.db.Model(&models.ProjectModel{}).
		Where("id = ?", model.ID).
		Select("*").
		Omit("created_at").
		Updates(model).
		Error
}

func (r *projectRepository) encrypt(project *models.ProjectModel) (*models.ProjectModel, error) {
	model := *project
	var err error
	if model.WebhookSecret, err = r.encryption.Encrypt(project.WebhookSecret); err != nil {
		return nil, err
	}
	if model.APIToken, err = r.encryption.Encrypt(project.APIToken); err != nil {
		return nil, err
	}
	if model.SigningKey, err = r.encryption.Encrypt(project.SigningKey); err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *projectRepository) decrypt(model *models.ProjectModel) (*models.ProjectModel, error) {
	if err := decryptProjectSecrets(r.encryption, model); err != nil {
		return nil, err
	}
	return model, nil
}

// decryptProjectSecrets reverses the at-rest encryption of a loaded project
// row and its preloaded backends. Every repository that hands out a project,
// directly or through an association, must run it: callers use the tokens
// against the backends as-is.
func decryptProjectSecrets(enc *encryption.Service, model *models.ProjectModel) error {
	var err error
	if model.WebhookSecret, err = enc.Decrypt(model.WebhookSecret); err != nil {
		return err
	}
	if model.APIToken, err = enc.Decrypt(model.APIToken); err != nil {
		return err
	}
	if model.SigningKey, err = enc.Decrypt(model.SigningKey); err != nil {
		return err
	}
	if model.ExecutionBackend != nil {
		if model.ExecutionBackend.APIToken, err = enc.Decrypt(model.ExecutionBackend.APIToken); err != nil {
			return err
		}
	}
	if model.ReportingBackend != nil {
		if model.ReportingBackend.APIToken, err = enc.Decrypt(model.ReportingBackend.APIToken); err != nil {
			return err
		}
	}
	return nil
}
