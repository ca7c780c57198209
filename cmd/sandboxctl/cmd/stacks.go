package cmd

import (
	"context"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var stacksCmd = &cobra.Command{
	Use:   "stacks",
	Short: "Manage stacks",
}

var stacksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stack in the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cli, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		stacks, err := cli.ListStacks(ctx)
		if err != nil {
			return err
		}
		if len(stacks) == 0 {
			cmd.Println("no stacks")
			return nil
		}
		for _, s := range stacks {
			marker := " "
			if s.Current {
				marker = "*"
			}
			last := "never"
			if s.LastUpdate != nil {
				last = s.LastUpdate.Local().Format(time.RFC3339)
			}
			cmd.Printf("%s %s\t%d resources\t%s\n", marker, s.Name, s.ResourceCount, last)
		}
		return nil
	},
}

var stacksCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new empty stack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		detail, err := cli.CreateStack(ctx, args[0])
		if err != nil {
			return err
		}
		cmd.Printf("stack %s created\n", detail.Name)
		return nil
	},
}

var stacksDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a stack that holds no resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if err := cli.DeleteStack(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("stack %s deleted\n", args[0])
		return nil
	},
}

var stacksShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show one stack with its config and outputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		detail, err := cli.GetStack(ctx, args[0])
		if err != nil {
			return err
		}
		cmd.Printf("name:      %s\n", detail.Name)
		cmd.Printf("resources: %d\n", detail.ResourceCount)
		if detail.LastUpdate != nil {
			cmd.Printf("updated:   %s\n", detail.LastUpdate.Local().Format(time.RFC3339))
		}
		if len(detail.Config) > 0 {
			cmd.Println("config:")
			for _, key := range sortedKeys(detail.Config) {
				cmd.Printf("  %s=%s\n", key, detail.Config[key])
			}
		}
		if len(detail.Outputs) > 0 {
			cmd.Println("outputs:")
			for _, key := range sortedOutputKeys(detail.Outputs) {
				cmd.Printf("  %s=%v\n", key, detail.Outputs[key])
			}
		}
		return nil
	},
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedOutputKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	stacksCmd.AddCommand(stacksListCmd)
	stacksCmd.AddCommand(stacksCreateCmd)
	stacksCmd.AddCommand(stacksDeleteCmd)
	stacksCmd.AddCommand(stacksShowCmd)
	rootCmd.AddCommand(stacksCmd)
}
