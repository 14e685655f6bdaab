// Package root implements the command line interface for conductor.
package root

import (
	"log"
	"os"
	"path/filepath"

	"github.com/devicefleet/conductor/app"
	"github.com/devicefleet/conductor/cmd/device"
	"github.com/devicefleet/conductor/cmd/output"
	"github.com/devicefleet/conductor/cmd/project"
	"github.com/devicefleet/conductor/cmd/server"
	"github.com/devicefleet/conductor/cmd/version"
	"github.com/devicefleet/conductor/config"
	"github.com/devicefleet/conductor/logging"
	"github.com/spf13/cobra"
)

func Execute() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get home directory: %s", err)
	}

	defaultDataDir := filepath.Join(homeDir, ".conductor")

	if err := NewCmdRoot(defaultDataDir).Execute(); err != nil {
		os.Exit(1)
	}
}

func NewCmdRoot(defaultDataDir string) *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "CI and device-fleet test orchestration for embedded Linux",
		Long: `Conductor ingests CI build events, schedules device tests on a fleet
of embedded boards, verifies over-the-air updates and promotes validated
artifacts.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg, err := config.NewConfig(dataDir)
			if err != nil {
				log.Fatalf("Failed to initialize configuration: %s", err)
			}

			colorDisabled := !cfg.ColorEnabled
			if output.NoColor.IsSet() {
				colorDisabled = true
			}
			output.InitColors(colorDisabled)

			logLevel := cfg.LogLevel
			if logging.LogLevel.IsSet() {
				logLevel = logging.LogLevel.String()
			}
			logging.InitLogging(logLevel)

			if err := app.InitializeWithConfig(cfg); err != nil {
				log.Fatalf("Failed to initialize application: %s", err)
			}
		},
	}

	cmd.PersistentFlags().
		StringVarP(&dataDir, "data-dir", "d", defaultDataDir, "Data directory for conductor state and test plans")
	cmd.PersistentFlags().VarP(logging.LogLevel, "log-level", "l", "Set log verbosity level")
	cmd.PersistentFlags().VarP(output.NoColor, "no-color", "c", "Disable colored terminal output")

	cmd.AddCommand(server.NewCmdServer())
	cmd.AddCommand(project.NewCmdProject())
	cmd.AddCommand(device.NewCmdDevice())
	cmd.AddCommand(version.NewCmdVersion())

	return cmd
}
