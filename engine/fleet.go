package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devicefleet/conductor/models"
	"github.com/google/uuid"
)

// Job notification states and the success health value reported by the
// execution backend.
const (
	JobStateRunning  = "Running"
	JobStateFinished = "Finished"
	HealthComplete   = "Complete"
)

// Notification is one job/device state message from the execution
// backend's event stream.
type Notification struct {
	JobID  int64  `json:"job"`
	Device string `json:"device"`
	State  string `json:"state"`
	Health string `json:"health"`
}

// HandleNotification drives the device state machine from one inbound
// notification. Notifications for jobs this service did not submit, or
// that match no known device, are dropped with a log line.
func (e *Engine) HandleNotification(ctx context.Context, n Notification) error {
	job, err := e.jobs.FindByBackendID(n.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		slog.Debug("Notification for unknown job", "backend_job_id", n.JobID)
		return nil
	}
	project := &job.Project

	device, err := e.matchDevice(job)
	if err != nil {
		return err
	}
	job.State = n.State
	if device != nil && job.DeviceID == nil {
		job.DeviceID = &device.ID
	}
	if err := e.jobs.Update(job); err != nil {
		return err
	}

	switch job.Kind {
	case models.JobKindOTAFlash:
		return e.handleOTANotification(ctx, project, device, n)
	case models.JobKindFunctional:
		if n.State == JobStateRunning {
			e.removeFromPool(ctx, project, device)
			return nil
		}
		if n.State == JobStateFinished {
			return e.reportJobResults(ctx, job)
		}
	case models.JobKindCredentialProvision:
		return e.handleProvisioningNotification(ctx, project, device, n)
	case models.JobKindImageAssemble:
		if n.State == JobStateFinished {
			return e.reportJobResults(ctx, job)
		}
	}
	return nil
}

// matchDevice resolves a job to a concrete device by looking for the
// device's identity boot prompts inside the rendered definition. This is a
// best-effort heuristic; non-matches are logged for audit and dropped.
func (e *Engine) matchDevice(job *models.JobModel) (*models.DeviceModel, error) {
	if job.DeviceID != nil && job.Device != nil {
		return job.Device, nil
	}
	deviceType, err := e.deviceTypes.FindByName(job.ProjectID, job.RequestedDeviceType)
	if err != nil {
		return nil, err
	}
	if deviceType == nil {
		return nil, nil
	}
	devices, err := e.devices.ListByType(deviceType.ID)
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		for _, prompt := range identityPrompts(device.Name) {
			if strings.Contains(job.Definition, prompt) {
				return device, nil
			}
		}
	}
	slog.Warn("No device matched job definition",
		"backend_job_id", job.BackendJobID,
		"device_type", job.RequestedDeviceType,
		"candidates", len(devices))
	return nil, nil
}

func identityPrompts(deviceName string) []string {
	return []string{
		fmt.Sprintf("fio@%s", deviceName),
		fmt.Sprintf("root@%s", deviceName),
	}
}

func (e *Engine) handleOTANotification(ctx context.Context, project *models.ProjectModel, device *models.DeviceModel, n Notification) error {
	if device == nil {
		slog.Warn("Dropping OTA notification without device match",
			"backend_job_id", n.JobID,
			"state", n.State)
		return nil
	}

	switch n.State {
	case JobStateRunning:
		err := e.devices.Transition(device.ID, func(device *models.DeviceModel) error {
			if device.ControlMode == models.ControlModeOTAInProgress {
				return nil
			}
			now := time.Now()
			device.ControlMode = models.ControlModeOTAInProgress
			device.OTAStartedAt = &now
			slog.Info("Device entered OTA",
				"project", project.Name,
				"device", device.Name)
			return nil
		})
		if err != nil {
			return err
		}
		e.setBoardHealth(ctx, project, n.Device, "Maintenance")
		return nil
	case JobStateFinished:
		if err := e.finishOTA(ctx, project, device.ID, n.Health == HealthComplete); err != nil {
			return err
		}
		e.setBoardHealth(ctx, project, n.Device, "Good")
		return nil
	}
	return nil
}

// setBoardHealth moves the board the flash job ran on in or out of the
// execution backend's maintenance pool. Best effort; the OTA lifecycle
// proceeds either way.
func (e *Engine) setBoardHealth(ctx context.Context, project *models.ProjectModel, hostname, health string) {
	if hostname == "" {
		return
	}
	execution, err := e.executionFor(project)
	if err != nil {
		return
	}
	if err := execution.SetDeviceHealth(ctx, hostname, health); err != nil {
		slog.Warn("Board health update failed",
			"project", project.Name,
			"board", hostname,
			"health", health,
			"error", err)
	}
}

// finishOTA evaluates the update outcome (when the job claims success),
// reports it, releases the device back to the normal pool and powers it
// off. Runs under the device row lock; a device already released is a
// no-op, which makes notification replays and the sweep safe against each
// other.
func (e *Engine) finishOTA(ctx context.Context, project *models.ProjectModel, deviceID uuid.UUID, claimSuccess bool) error {
	return e.devices.Transition(deviceID, func(device *models.DeviceModel) error {
		if device.ControlMode != models.ControlModeOTAInProgress {
			return nil
		}
		success := false
		if claimSuccess {
			success = e.otaSucceeded(ctx, project, device)
		}
		e.reportOTAOutcome(ctx, project, device, success)

		device.ControlMode = models.ControlModeNormal
		device.OTAStartedAt = nil
		e.powerOff(device)
		slog.Info("Device released from OTA",
			"project", project.Name,
			"device", device.Name,
			"success", success)
		return nil
	})
}

// otaSucceeded compares the device's reported target hash with the OSTree
// hash recorded for this device type on the most recent platform build of
// the default branch. Containers and static delta builds carry no update
// targets and are not candidates.
func (e *Engine) otaSucceeded(ctx context.Context, project *models.ProjectModel, device *models.DeviceModel) bool {
	target, err := e.artifactFor(project).DeviceTarget(ctx, fleetName(device))
	if err != nil {
		slog.Error("Device target lookup failed",
			"project", project.Name,
			"device", device.Name,
			"error", err)
		return false
	}
	latest, err := e.builds.LatestInLineage(project.ID, project.DefaultBranch)
	if err != nil {
		return false
	}
	run, err := e.runs.FindByBuildAndName(latest.ID, device.DeviceType.Name)
	if err != nil {
		slog.Warn("No run recorded for latest build",
			"project", project.Name,
			"build_id", latest.BuildID,
			"device_type", device.DeviceType.Name)
		return false
	}
	return target.OSTreeHash == run.OSTreeHash
}

// reportOTAOutcome reports the update result against the build id the
// device updated from: the adjacent predecessor of the latest build.
func (e *Engine) reportOTAOutcome(ctx context.Context, project *models.ProjectModel, device *models.DeviceModel, success bool) {
	reporting := e.reportingFor(project)
	if reporting == nil {
		return
	}
	latest, err := e.builds.LatestInLineage(project.ID, project.DefaultBranch)
	if err != nil {
		slog.Error("Cannot determine build for OTA report",
			"project", project.Name,
			"error", err)
		return
	}
	version := latest.BuildID
	predecessor, err := e.builds.AdjacentPredecessor(project.ID, latest.Branch, latest.BuildID)
	if err == nil && predecessor != nil {
		version = predecessor.BuildID
	}
	result := "fail"
	if success {
		result = "pass"
	}
	err = reporting.SubmitResults(ctx,
		project.ReportingGroup,
		reportingName(project),
		fmt.Sprintf("%d", version),
		device.DeviceType.Name,
		map[string]string{"ota-update": result})
	if err != nil {
		slog.Error("OTA result report failed",
			"project", project.Name,
			"device", device.Name,
			"error", err)
	}
}

func (e *Engine) handleProvisioningNotification(ctx context.Context, project *models.ProjectModel, device *models.DeviceModel, n Notification) error {
	if device == nil {
		slog.Warn("Dropping provisioning notification without device match",
			"backend_job_id", n.JobID,
			"state", n.State)
		return nil
	}
	artifact := e.artifactFor(project)
	switch n.State {
	case JobStateRunning:
		e.removeFromPool(ctx, project, device)
		if err := artifact.AddProvisioning(ctx, project.Name,
			project.ProvisioningProductID, device.ProvisioningName); err != nil {
			return err
		}
		return e.devices.Transition(device.ID, func(device *models.DeviceModel) error {
			device.ControlMode = models.ControlModeProvisioning
			return nil
		})
	case JobStateFinished:
		// Released regardless of health so the device can be
		// re-provisioned on its next job.
		if err := artifact.RemoveProvisioning(ctx, project.Name,
			project.ProvisioningProductID, device.ProvisioningName); err != nil {
			slog.Error("Provisioning release failed",
				"project", project.Name,
				"device", device.Name,
				"error", err)
		}
		return e.devices.Transition(device.ID, func(device *models.DeviceModel) error {
			device.ControlMode = models.ControlModeNormal
			return nil
		})
	}
	return nil
}

// removeFromPool deletes the device's fleet registration so the backend
// re-registers it under a fresh identity. Best effort.
func (e *Engine) removeFromPool(ctx context.Context, project *models.ProjectModel, device *models.DeviceModel) {
	if device == nil {
		return
	}
	if err := e.artifactFor(project).DeleteDevice(ctx, fleetName(device)); err != nil {
		slog.Warn("Device deregistration failed",
			"project", project.Name,
			"device", device.Name,
			"error", err)
	}
}

// powerOff queues a power command for the device's PDU agent to pick up.
func (e *Engine) powerOff(device *models.DeviceModel) {
	if device.PDUAgent == nil {
		slog.Debug("Device has no PDU agent", "device", device.Name)
		return
	}
	agent := device.PDUAgent
	agent.Message = fmt.Sprintf("power-off %s", device.Name)
	if err := e.devices.SavePDUAgent(agent); err != nil {
		slog.Error("Failed to queue power command",
			"device", device.Name,
			"agent", agent.Name,
			"error", err)
	}
}

// fleetName is the identity the device cloud knows the board by.
func fleetName(device *models.DeviceModel) string {
	if device.AutoRegisterName != "" {
		return device.AutoRegisterName
	}
	return device.Name
}

// HandleDeviceUpdate records a device's fresh auto-registered identity
// after it re-registered with the fleet backend. The new name is matched
// to a device by its configured name prefix.
func (e *Engine) HandleDeviceUpdate(ctx context.Context, projectName, deviceName string) error {
	project, err := e.projects.FindByName(projectName)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownProject, projectName)
	}
	known, err := e.devices.FindByAutoRegisterName(project.ID, deviceName)
	if err != nil {
		return err
	}
	if known != nil {
		slog.Debug("Device identity already recorded",
			"project", project.Name,
			"device", known.Name,
			"auto_register_name", deviceName)
		return nil
	}
	devices, err := e.devices.ListByProject(project.ID)
	if err != nil {
		return err
	}
	for _, device := range devices {
		if !strings.HasPrefix(deviceName, device.Name) {
			continue
		}
		device.AutoRegisterName = deviceName
		if err := e.devices.Update(device); err != nil {
			return err
		}
		slog.Info("Device identity updated",
			"project", project.Name,
			"device", device.Name,
			"auto_register_name", deviceName)
		return nil
	}
	slog.Warn("Device update matched no device",
		"project", project.Name,
		"name", deviceName)
	return nil
}
