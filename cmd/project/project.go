// Package project implements project inspection commands.
package project

import (
	"fmt"
	"strconv"

	"github.com/devicefleet/conductor/app"
	"github.com/devicefleet/conductor/cmd/output"
	"github.com/devicefleet/conductor/models"
	"github.com/spf13/cobra"
)

func NewCmdProject() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Inspect configured projects",
	}
	cmd.AddCommand(newCmdList())
	cmd.AddCommand(newCmdBuilds())
	return cmd
}

func newCmdList() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := app.GetProjectRepository().List()
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}
			data := make([][]string, 0, len(projects))
			for _, project := range projects {
				data = append(data, []string{
					project.Name,
					project.DefaultBranch,
					project.PromotionTag,
					strconv.FormatBool(project.RestartOnFailure),
					backendName(project),
				})
			}
			table, err := output.PrintTable(
				[]string{"NAME", "BRANCH", "TAG", "RESTART", "BACKEND"}, data)
			if err != nil {
				return err
			}
			cmd.Print(table)
			return nil
		},
	}
}

func newCmdBuilds() *cobra.Command {
	return &cobra.Command{
		Use:   "builds <project>",
		Short: "List the builds of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := app.GetProjectRepository().FindByName(args[0])
			if err != nil {
				return fmt.Errorf("failed to find project %s: %w", args[0], err)
			}
			builds, err := app.GetBuildRepository().ListByProject(project.ID)
			if err != nil {
				return fmt.Errorf("failed to list builds: %w", err)
			}
			data := make([][]string, 0, len(builds))
			for _, build := range builds {
				data = append(data, []string{
					strconv.FormatInt(build.BuildID, 10),
					string(build.Type),
					build.Status,
					build.Branch,
					strconv.Itoa(build.RestartCounter),
					build.Reason,
				})
			}
			table, err := output.PrintTable(
				[]string{"BUILD", "TYPE", "STATUS", "BRANCH", "RESTARTS", "REASON"}, data)
			if err != nil {
				return err
			}
			cmd.Print(table)
			return nil
		},
	}
}

func backendName(project *models.ProjectModel) string {
	if project.ExecutionBackend == nil {
		return "-"
	}
	return project.ExecutionBackend.Name
}
