package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mdalboni/reportportal-manager/pkg/manager"
	"github.com/mdalboni/reportportal-manager/pkg/models"
)

type launchStarted struct {
	UUID        string `json:"uuid" yaml:"uuid"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

func newLaunchCmd(a *app) *cobra.Command {
	launchCmd := &cobra.Command{
		Use:   "launch",
		Short: "Manage ReportPortal launches",
		Long:  `Commands for starting, finishing and inspecting launches shared by several test processes.`,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a launch and print its UUID",
		Long: `Starts a launch named from the battery, product and os settings and prints
its UUID. Export it as RP_LAUNCH_UUID so test processes join it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLaunchStart(cmd)
		},
	}

	var status string
	finishCmd := &cobra.Command{
		Use:   "finish <uuid>",
		Short: "Finish a launch",
		Long:  `Finishes a launch started with "launch start". Without --status the server derives it from the launch items.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLaunchFinish(cmd, args[0], status)
		},
	}
	finishCmd.Flags().StringVar(&status, "status", "", "final status: PASSED, FAILED, SKIPPED, STOPPED, INTERRUPTED or CANCELLED")

	showCmd := &cobra.Command{
		Use:   "show <uuid>",
		Short: "Show a launch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLaunchShow(cmd, args[0])
		},
	}

	launchCmd.AddCommand(startCmd, finishCmd, showCmd)
	return launchCmd
}

func (a *app) runLaunchStart(cmd *cobra.Command) error {
	cfg := *a.cfg
	cfg.LaunchUUID = ""

	mgr, err := manager.FromConfig(cmd.Context(), &cfg, nil)
	if err != nil {
		return err
	}
	if err := mgr.StartService(cmd.Context()); err != nil {
		_ = mgr.Close(cmd.Context())
		return err
	}
	// the launch stays open; only flush metrics and spans
	if err := mgr.Close(cmd.Context()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.output == OutputTable {
		fmt.Fprintln(out, mgr.LaunchUUID())
		return nil
	}
	return a.print(out, launchStarted{
		UUID:        mgr.LaunchUUID(),
		Name:        mgr.LaunchName(),
		Description: mgr.LaunchDoc(),
	})
}

func (a *app) runLaunchFinish(cmd *cobra.Command, uuid, status string) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	rq := &models.FinishExecutionRQ{EndTime: manager.Timestamp(time.Now())}
	if status != "" {
		s, ok := models.ParseStatus(status)
		if !ok {
			return fmt.Errorf("unknown status %q", status)
		}
		rq.Status = s
	}

	client, err := manager.NewClient(a.cfg)
	if err != nil {
		return err
	}
	rs, err := client.FinishLaunch(cmd.Context(), uuid, rq)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.output == OutputTable {
		fmt.Fprintln(out, rs.Message)
		return nil
	}
	return a.print(out, rs)
}

func (a *app) runLaunchShow(cmd *cobra.Command, uuid string) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	client, err := manager.NewClient(a.cfg)
	if err != nil {
		return err
	}
	launch, err := client.GetLaunch(cmd.Context(), uuid)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.output != OutputTable {
		return a.print(out, launch)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("UUID", launch.UUID)
	table.Append("Number", fmt.Sprintf("%d", launch.Number))
	table.Append("Name", launch.Name)
	table.Append("Description", launch.Description)
	table.Append("Status", launch.Status)
	table.Append("Mode", launch.Mode)
	table.Append("Attributes", formatAttributes(launch.Attributes))
	table.Render()
	return nil
}

func formatAttributes(attrs []models.Attribute) string {
	parts := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		if attr.Key == "" {
			parts = append(parts, attr.Value)
			continue
		}
		parts = append(parts, attr.Key+":"+attr.Value)
	}
	return strings.Join(parts, ", ")
}
