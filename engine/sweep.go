package engine

import (
	"context"
	"log/slog"
	"time"
)

// SweepOTADevices reclaims devices stuck in OTA longer than the deadline.
// This bounds the lifetime of any device whose Finished notification was
// lost: the outcome is evaluated as if the notification had arrived.
func (e *Engine) SweepOTADevices(ctx context.Context) error {
	deadline := time.Now().Add(-e.config.OTADeadline)
	devices, err := e.devices.ListOTAExpired(deadline)
	if err != nil {
		return err
	}
	for _, device := range devices {
		slog.Warn("Reclaiming device stuck in OTA",
			"device", device.Name,
			"ota_started_at", device.OTAStartedAt)
		project, err := e.projects.FindByID(device.ProjectID)
		if err != nil {
			slog.Error("Project lookup failed during sweep",
				"device", device.Name,
				"error", err)
			continue
		}
		if err := e.finishOTA(ctx, project, device.ID, true); err != nil {
			slog.Error("Failed to reclaim device",
				"device", device.Name,
				"error", err)
		}
	}
	return nil
}

// RunSweeper runs the periodic OTA timeout sweep until the context is
// cancelled.
func (e *Engine) RunSweeper(ctx context.Context) error {
	slog.Info("OTA sweeper starting",
		"interval", e.config.SweepInterval,
		"deadline", e.config.OTADeadline)

	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OTA sweeper shutting down")
			return nil
		case <-ticker.C:
			if err := e.SweepOTADevices(ctx); err != nil {
				slog.Error("OTA sweep failed", "error", err)
			}
		}
	}
}
