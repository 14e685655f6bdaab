// Package device implements fleet inspection commands.
package device

import (
	"fmt"

	"github.com/devicefleet/conductor/app"
	"github.com/devicefleet/conductor/cmd/output"
	"github.com/devicefleet/conductor/models"
	"github.com/spf13/cobra"
)

func NewCmdDevice() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect the device fleet",
	}
	cmd.AddCommand(newCmdList())
	return cmd
}

func newCmdList() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project>",
		Short: "List the devices of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := app.GetProjectRepository().FindByName(args[0])
			if err != nil {
				return fmt.Errorf("failed to find project %s: %w", args[0], err)
			}
			devices, err := app.GetDeviceRepository().ListByProject(project.ID)
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}
			data := make([][]string, 0, len(devices))
			for _, device := range devices {
				data = append(data, []string{
					device.Name,
					device.DeviceType.Name,
					string(device.ControlMode),
					otaSince(device),
					agentName(device),
				})
			}
			table, err := output.PrintTable(
				[]string{"NAME", "TYPE", "MODE", "OTA_SINCE", "AGENT"}, data)
			if err != nil {
				return err
			}
			cmd.Print(table)
			return nil
		},
	}
}

func otaSince(device *models.DeviceModel) string {
	if device.OTAStartedAt == nil {
		return "-"
	}
	return device.OTAStartedAt.Format("2006-01-02 15:04:05")
}

func agentName(device *models.DeviceModel) string {
	if device.PDUAgent == nil {
		return "-"
	}
	return device.PDUAgent.Name
}
