package cmd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/iac-sandbox/pkg/api/client"
)

var cleanupForce bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete every stack that holds no resources",
	Long: `Delete all stacks with zero resources. Each deletion asks for
confirmation unless --force is set. Stacks with a deployment in flight
are skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cli, err := newClient()
		if err != nil {
			return err
		}
		listCtx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		stacks, err := cli.ListStacks(listCtx)
		cancel()
		if err != nil {
			return err
		}

		reader := bufio.NewReader(cmd.InOrStdin())
		removed := 0
		for _, s := range stacks {
			if s.ResourceCount != 0 {
				continue
			}
			if !cleanupForce {
				cmd.Printf("delete stack %q? [y/N]: ", s.Name)
				answer, err := reader.ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				answer = strings.ToLower(strings.TrimSpace(answer))
				if answer != "y" && answer != "yes" {
					continue
				}
			}
			delCtx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			err = cli.DeleteStack(delCtx, s.Name)
			cancel()
			if err != nil {
				var apiErr client.APIError
				if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
					cmd.Printf("skipping %s: %s\n", s.Name, apiErr.Message)
					continue
				}
				return err
			}
			cmd.Printf("deleted %s\n", s.Name)
			removed++
		}
		cmd.Printf("%d stack(s) removed\n", removed)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "delete without asking per stack")
	rootCmd.AddCommand(cleanupCmd)
}
