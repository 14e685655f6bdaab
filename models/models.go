// Package models provides the database models for conductor.
package models

import (
	"time"

	"github.com/google/uuid"
)

type BaseModel struct {
	ID        uuid.UUID `gorm:"type:char(36);primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BuildType classifies a CI build. Assigned once at creation, never
// reinterpreted afterwards.
type BuildType string

const (
	BuildTypeRegular     BuildType = "regular"
	BuildTypeOTA         BuildType = "ota"
	BuildTypeStaticDelta BuildType = "static_delta"
	BuildTypeContainers  BuildType = "containers"
)

// ControlMode is the ownership state of a test device.
type ControlMode string

const (
	ControlModeNormal        ControlMode = "normal"
	ControlModeOTAInProgress ControlMode = "ota_in_progress"
	ControlModeProvisioning  ControlMode = "credential_provisioning"
)

// JobKind distinguishes submitted test jobs.
type JobKind string

const (
	JobKindFunctional          JobKind = "functional"
	JobKindOTAFlash            JobKind = "ota_flash"
	JobKindCredentialProvision JobKind = "credential_provision"
	JobKindImageAssemble       JobKind = "image_assemble"
)

// Watchable reports whether jobs of this kind are registered with the
// reporting backend for live tracking.
func (k JobKind) Watchable() bool {
	switch k {
	case JobKindFunctional, JobKindCredentialProvision, JobKindImageAssemble:
		return true
	default:
		return false
	}
}

type ExecutionBackendModel struct {
	BaseModel
	Name         string `gorm:"not null;unique"`
	URL          string `gorm:"not null"`
	WebsocketURL string
	APIToken     string `gorm:"type:text"` // encrypted
	AuthHeader   string // name of the download auth header configured in the backend
}

func (ExecutionBackendModel) TableName() string {
	return "execution_backends"
}

type ReportingBackendModel struct {
	BaseModel
	Name     string `gorm:"not null;unique"`
	URL      string `gorm:"not null"`
	APIToken string `gorm:"type:text"` // encrypted
}

func (ReportingBackendModel) TableName() string {
	return "reporting_backends"
}

type ProjectModel struct {
	BaseModel
	Name          string `gorm:"not null;unique"`
	WebhookSecret string `gorm:"type:text"` // encrypted
	APIToken      string `gorm:"type:text"` // encrypted
	APIDomain     string // overrides the default artifact API domain

	// TUF signing material for artifact tagging
	SigningKey   string `gorm:"type:text"` // encrypted PEM
	SigningKeyID string

	ExecutionBackendID *uuid.UUID
	ExecutionBackend   *ExecutionBackendModel `gorm:"foreignKey:ExecutionBackendID"`
	ReportingBackendID *uuid.UUID
	ReportingBackend   *ReportingBackendModel `gorm:"foreignKey:ReportingBackendID"`
	ReportingGroup     string
	ReportingProject   string // overrides Name in the reporting backend when set

	DefaultBranch string `gorm:"not null;default:main"`

	// feature flags
	ApplyTagOnCallback  bool
	PromotionTag        string
	TagFirstBuildOnly   bool
	CreateUpgradeCommit bool
	TestOnMergeOnly     bool
	TestStaticDelta     bool
	RestartOnFailure    bool
	MaxRestarts         int `gorm:"not null;default:3"`

	// partner factories inherit manifest changes from this project
	ForkedFrom string

	ProvisioningProductID string

	Builds      []BuildModel      `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
	DeviceTypes []DeviceTypeModel `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
}

func (ProjectModel) TableName() string {
	return "projects"
}

type BuildModel struct {
	BaseModel
	ProjectID uuid.UUID `gorm:"not null;index;uniqueIndex:idx_builds_natural_key"`
	BuildID   int64     `gorm:"not null;uniqueIndex:idx_builds_natural_key"`
	URL       string    `gorm:"not null;uniqueIndex:idx_builds_natural_key"`

	Branch         string    // branch/tag label extracted from the trigger
	CommitID       string    // filled asynchronously from the CI run definition
	ManifestCommit string    // head of the upstream manifest tree for merge builds
	Reason         string    // beginning of the commit message subject
	IsMergeCommit  bool
	Type           BuildType `gorm:"not null;default:regular"`
	Status         string    // last status reported by the CI callback
	SkipTesting    bool
	RestartCounter int `gorm:"not null;default:0"`

	// static delta endpoints; both set only for Type == static_delta
	StaticFromID *uuid.UUID
	StaticFrom   *BuildModel `gorm:"foreignKey:StaticFromID"`
	StaticToID   *uuid.UUID
	StaticTo     *BuildModel `gorm:"foreignKey:StaticToID"`

	Project ProjectModel   `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
	Runs    []RunModel     `gorm:"foreignKey:BuildID;constraint:OnDelete:CASCADE"`
	Tags    []BuildTagModel `gorm:"many2many:build_tag_builds"`
}

func (BuildModel) TableName() string {
	return "builds"
}

type BuildTagModel struct {
	BaseModel
	ProjectID uuid.UUID `gorm:"not null;index;uniqueIndex:idx_build_tags_name"`
	Name      string    `gorm:"not null;uniqueIndex:idx_build_tags_name"`

	Builds []BuildModel `gorm:"many2many:build_tag_builds"`
}

func (BuildTagModel) TableName() string {
	return "build_tags"
}

// RunModel is one (build, device type) pairing actually exercised, with the
// OSTree content hash observed for that device type. Append-only.
type RunModel struct {
	BaseModel
	BuildID    uuid.UUID `gorm:"not null;index;uniqueIndex:idx_runs_build_name"`
	RunName    string    `gorm:"not null;uniqueIndex:idx_runs_build_name"`
	DeviceType string    `gorm:"not null"`
	OSTreeHash string    `gorm:"not null"`

	Build BuildModel `gorm:"foreignKey:BuildID;constraint:OnDelete:CASCADE"`
}

func (RunModel) TableName() string {
	return "runs"
}

type DeviceTypeModel struct {
	BaseModel
	ProjectID    uuid.UUID `gorm:"not null;index;uniqueIndex:idx_device_types_name"`
	Name         string    `gorm:"not null;uniqueIndex:idx_device_types_name"`
	NetInterface string    `gorm:"not null"`
	Architecture string    `gorm:"not null;default:aarch64"`
	// free-form YAML mapping used as template substitutions
	Settings string `gorm:"type:text"`

	Project ProjectModel `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
}

func (DeviceTypeModel) TableName() string {
	return "device_types"
}

type PDUAgentModel struct {
	BaseModel
	Name     string `gorm:"not null;unique"`
	State    string `gorm:"not null;default:offline"`
	LastPing *time.Time
	Version  string
	Token    string `gorm:"type:text"` // encrypted
	Message  string `gorm:"type:text"` // pending power command, consumed by the relay
}

func (PDUAgentModel) TableName() string {
	return "pdu_agents"
}

type DeviceModel struct {
	BaseModel
	ProjectID    uuid.UUID `gorm:"not null;index"`
	DeviceTypeID uuid.UUID `gorm:"not null;index"`
	Name         string    `gorm:"not null"`
	// name under which the device auto-registers in the fleet backend
	AutoRegisterName string
	ProvisioningName string

	ControlMode ControlMode `gorm:"not null;default:normal"`
	// non-null iff ControlMode == ota_in_progress
	OTAStartedAt *time.Time

	PDUAgentID *uuid.UUID
	PDUAgent   *PDUAgentModel `gorm:"foreignKey:PDUAgentID"`

	Project    ProjectModel    `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
	DeviceType DeviceTypeModel `gorm:"foreignKey:DeviceTypeID;constraint:OnDelete:CASCADE"`
}

func (DeviceModel) TableName() string {
	return "devices"
}

type JobModel struct {
	BaseModel
	ProjectID uuid.UUID `gorm:"not null;index"`
	BuildID   uuid.UUID `gorm:"not null;index"`
	// opaque id returned by the execution backend
	BackendJobID int64   `gorm:"not null;index"`
	Kind         JobKind `gorm:"not null;default:functional"`
	State        string  // last state reported by the event stream
	// device type the job was compiled for
	RequestedDeviceType string
	// filled once the backend assigns a concrete device
	DeviceID *uuid.UUID
	Device   *DeviceModel `gorm:"foreignKey:DeviceID"`
	// rendered definition text, kept for debugging and device matching
	Definition string `gorm:"type:text"`

	Project ProjectModel `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
	Build   BuildModel   `gorm:"foreignKey:BuildID;constraint:OnDelete:CASCADE"`
}

func (JobModel) TableName() string {
	return "jobs"
}
