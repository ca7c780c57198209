package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/iac-sandbox/pkg/api/client"
)

var statusCmd = &cobra.Command{
	Use:   "status [deployment-id]",
	Short: "Show one deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		dep, err := cli.Deployment(ctx, args[0])
		if err != nil {
			return err
		}
		printDeployment(cmd, dep)
		return nil
	},
}

func printDeployment(cmd *cobra.Command, dep client.Deployment) {
	cmd.Printf("id:        %s\n", dep.ID)
	cmd.Printf("stack:     %s\n", dep.StackName)
	cmd.Printf("operation: %s\n", dep.Operation)
	cmd.Printf("status:    %s\n", dep.Status)
	if dep.TotalSteps > 0 {
		cmd.Printf("progress:  %d%% (%d/%d steps)\n", dep.Progress, dep.CompletedSteps, dep.TotalSteps)
	} else {
		cmd.Printf("progress:  %d%%\n", dep.Progress)
	}
	if dep.CurrentStep != "" && !dep.Terminal() {
		cmd.Printf("step:      %s\n", dep.CurrentStep)
	}
	if dep.Status == "completed" {
		cmd.Printf("summary:   %d created, %d updated, %d deleted, %d unchanged\n",
			dep.Summary.Created, dep.Summary.Updated, dep.Summary.Deleted, dep.Summary.Unchanged)
	}
	if dep.Error != "" {
		if dep.ErrorKind != "" {
			cmd.Printf("error:     %s (%s)\n", dep.Error, dep.ErrorKind)
		} else {
			cmd.Printf("error:     %s\n", dep.Error)
		}
	}
	cmd.Printf("started:   %s\n", dep.StartedAt.Local().Format(time.RFC3339))
	if dep.CompletedAt != nil {
		elapsed := dep.CompletedAt.Sub(dep.StartedAt).Round(100 * time.Millisecond)
		cmd.Printf("finished:  %s (%s)\n", dep.CompletedAt.Local().Format(time.RFC3339), elapsed)
	}
	for _, line := range dep.LogTail {
		cmd.Printf("  %s\n", line)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
