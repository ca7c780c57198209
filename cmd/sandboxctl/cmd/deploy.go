package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/iac-sandbox/pkg/api/client"
)

var (
	deployOp       string
	deployMessage  string
	deployParallel int
	deployWatch    bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy [stack]",
	Short: "Trigger an operation on a stack",
	Long: `Trigger an infrastructure operation on a stack and print the
accepted deployment id. The run continues on the server; use --watch to
stream its events until it finishes, or check later with status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch deployOp {
		case "up", "preview", "destroy", "refresh":
		default:
			return fmt.Errorf("unknown operation %q (want up, preview, destroy or refresh)", deployOp)
		}

		cli, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		dep, err := cli.Trigger(ctx, args[0], deployOp, client.TriggerOptions{
			Message:  deployMessage,
			Parallel: deployParallel,
		})
		if err != nil {
			return err
		}
		cmd.Printf("deployment %s started: %s %s\n", dep.ID, dep.Operation, dep.StackName)

		if !deployWatch {
			return nil
		}
		return watchDeployment(cmd, cli, dep.ID)
	},
}

func init() {
	deployCmd.Flags().StringVar(&deployOp, "op", "up", "operation to run (up, preview, destroy, refresh)")
	deployCmd.Flags().StringVarP(&deployMessage, "message", "m", "", "note recorded on the deployment")
	deployCmd.Flags().IntVar(&deployParallel, "parallel", 0, "max parallel resource operations (0 = engine default)")
	deployCmd.Flags().BoolVarP(&deployWatch, "watch", "w", false, "stream events until the run finishes")
	rootCmd.AddCommand(deployCmd)
}
