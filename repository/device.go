package repository

import (
	"errors"
	"time"

	"github.com/devicefleet/conductor/encryption"
	"github.com/devicefleet/conductor/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceTypeRepository interface {
	FindByName(projectID uuid.UUID, name string) (*models.DeviceTypeModel, error)
	ListByProject(projectID uuid.UUID) ([]*models.DeviceTypeModel, error)
	Create(deviceType *models.DeviceTypeModel) error
}

type deviceTypeRepository struct {
	db *gorm.DB
}

func NewDeviceTypeRepository(db *gorm.DB) DeviceTypeRepository {
	return &deviceTypeRepository{db: db}
}

func (r *deviceTypeRepository) FindByName(projectID uuid.UUID, name string) (*models.DeviceTypeModel, error) {
	var model models.DeviceTypeModel
	err := r.db.Where("project_id = ? AND name = ?", projectID, name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *deviceTypeRepository) ListByProject(projectID uuid.UUID) ([]*models.DeviceTypeModel, error) {
	var rows []models.DeviceTypeModel
	if err := r.db.Where("project_id = ?", projectID).Find(&rows).Error; err != nil {
		return nil, err
	}
	types := make([]*models.DeviceTypeModel, len(rows))
	for i := range rows {
		types[i] = &rows[i]
	}
	return types, nil
}

func (r *deviceTypeRepository) Create(deviceType *models.DeviceTypeModel) error {
	if deviceType.ID == uuid.Nil {
		deviceType.ID = uuid.New()
	}
	return r.db.Create(deviceType).Error
}

type DeviceRepository interface {
	FindByID(id uuid.UUID) (*models.DeviceModel, error)
	FindByAutoRegisterName(projectID uuid.UUID, name string) (*models.DeviceModel, error)
	ListByType(deviceTypeID uuid.UUID) ([]*models.DeviceModel, error)
	ListByProject(projectID uuid.UUID) ([]*models.DeviceModel, error)
	// ListOTAExpired returns devices still in OTA whose OTA start timestamp
	// is older than the deadline.
	ListOTAExpired(deadline time.Time) ([]*models.DeviceModel, error)
	Create(device *models.DeviceModel) error
	Update(device *models.DeviceModel) error
	// Transition applies fn to the device row under a single-writer
	// discipline. Concurrent notifications for the same device serialize
	// here so an OTA transition is never lost.
	Transition(id uuid.UUID, fn func(device *models.DeviceModel) error) error
	SavePDUAgent(agent *models.PDUAgentModel) error
	FindPDUAgentByName(name string) (*models.PDUAgentModel, error)
}

type deviceRepository struct {
	db         *gorm.DB
	encryption *encryption.Service
}

func NewDeviceRepository(db *gorm.DB, enc *encryption.Service) DeviceRepository {
	return &deviceRepository{db: db, encryption: enc}
}

func (r *deviceRepository) preload() *gorm.DB {
	return r.db.Preload("DeviceType").Preload("PDUAgent")
}

// decryptAgent reverses the at-rest encryption of a PDU agent's check-in
// token. Applied to every load, including the preloaded association.
func (r *deviceRepository) decryptAgent(agent *models.PDUAgentModel) error {
	var err error
	agent.Token, err = r.encryption.Decrypt(agent.Token)
	return err
}

func (r *deviceRepository) decryptDevice(device *models.DeviceModel) error {
	if device.PDUAgent == nil {
		return nil
	}
	return r.decryptAgent(device.PDUAgent)
}

func (r *deviceRepository) FindByID(id uuid.UUID) (*models.DeviceModel, error) {
	var model models.DeviceModel
	if err := r.preload().First(&model, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if err := r.decryptDevice(&model); err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *deviceRepository) FindByAutoRegisterName(projectID uuid.UUID, name string) (*models.DeviceModel, error) {
	var model models.DeviceModel
	err := r.preload().Where("project_id = ? AND auto_register_name = ?", projectID, name).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.decryptDevice(&model); err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *deviceRepository) ListByType(deviceTypeID uuid.UUID) ([]*models.DeviceModel, error) {
	var rows []models.DeviceModel
	if err := r.preload().Where("device_type_id = ?", deviceTypeID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *deviceRepository) ListByProject(projectID uuid.UUID) ([]*models.DeviceModel, error) {
	var rows []models.DeviceModel
	if err := r.preload().Where("project_id = ?", projectID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *deviceRepository) ListOTAExpired(deadline time.Time) ([]*models.DeviceModel, error) {
	var rows []models.DeviceModel
	err := r.preload().
		Where("control_mode = ? AND ota_started_at < ?", models.ControlModeOTAInProgress, deadline).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *deviceRepository) Create(device *models.DeviceModel) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	return r.db.Create(device).Error
}

func (r *deviceRepository) Update(device *models.DeviceModel) error {
	return r.db.Omit("Project", "DeviceType", "PDUAgent").Save(device).Error
}

func (r *deviceRepository) Transition(id uuid.UUID, fn func(device *models.DeviceModel) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var device models.DeviceModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("DeviceType").Preload("PDUAgent").
			First(&device, "id = ?", id).Error; err != nil {
			return err
		}
		if err := r.decryptDevice(&device); err != nil {
			return err
		}
		if err := fn(&device); err != nil {
			return err
		}
		return tx.Omit("Project", "DeviceType", "PDUAgent").Save(&device).Error
	})
}

func (r *deviceRepository) SavePDUAgent(agent *models.PDUAgentModel) error {
	// The caller keeps the plaintext token; only the stored copy is
	// encrypted.
	model := *agent
	var err error
	if model.Token, err = r.encryption.Encrypt(agent.Token); err != nil {
		return err
	}
	if model.ID == uuid.Nil {
		model.ID = uuid.New()
		agent.ID = model.ID
		return r.db.Create(&model).Error
	}
	return r.db.Save(&model).Error
}

func (r *deviceRepository) FindPDUAgentByName(name string) (*models.PDUAgentModel, error) {
	var agent models.PDUAgentModel
	err := r.db.Where("name = ?", name).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.decryptAgent(&agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *deviceRepository) collect(rows []models.DeviceModel) ([]*models.DeviceModel, error) {
	devices := make([]*models.DeviceModel, len(rows))
	for i := range rows {
		if err := r.decryptDevice(&rows[i]); err != nil {
			return nil, err
		}
		devices[i] = &rows[i]
	}
	return devices, nil
}
