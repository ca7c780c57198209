package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/iac-sandbox/pkg/api/client"
)

var watchDeploymentID string

var watchCmd = &cobra.Command{
	Use:   "watch [stack]",
	Short: "Stream live events for a stack or a single deployment",
	Long: `Stream events from the server as they happen.

Watching a stack follows every deployment on it until interrupted:

  sandboxctl watch dev

Watching a deployment stops when the run reaches a terminal state. A
deployment that already finished prints its final event and exits:

  sandboxctl watch --deployment <id>`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchDeploymentID == "" && len(args) == 0 {
			return fmt.Errorf("name a stack or pass --deployment")
		}
		if watchDeploymentID != "" && len(args) > 0 {
			return fmt.Errorf("pass either a stack name or --deployment, not both")
		}

		cli, err := newClient()
		if err != nil {
			return err
		}
		if watchDeploymentID != "" {
			return watchDeployment(cmd, cli, watchDeploymentID)
		}
		return watchStack(cmd, cli, args[0])
	},
}

func watchStack(cmd *cobra.Command, cli *client.Client, stack string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stream, err := dialStream(ctx, cli)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := stream.SubscribeStack(stack); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	cmd.Printf("watching stack %s (ctrl-c to stop)\n", stack)
	return printEvents(ctx, cmd, stream, false)
}

// watchDeployment follows a single run and returns once it is terminal.
func watchDeployment(cmd *cobra.Command, cli *client.Client, id string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stream, err := dialStream(ctx, cli)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := stream.SubscribeDeployment(id); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return printEvents(ctx, cmd, stream, true)
}

func dialStream(ctx context.Context, cli *client.Client) (*client.Stream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return cli.Connect(dialCtx)
}

// printEvents drains the stream. With untilTerminal it returns after
// the first terminal deployment event, otherwise it runs until the
// context is cancelled or the connection drops.
func printEvents(ctx context.Context, cmd *cobra.Command, stream *client.Stream, untilTerminal bool) error {
	go func() {
		<-ctx.Done()
		stream.Close()
	}()
	for {
		event, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		if event.Type == client.EventError {
			var payload struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(event.Data, &payload)
			return fmt.Errorf("server: %s", payload.Message)
		}
		printEvent(cmd, event)
		if untilTerminal && event.Terminal() {
			return nil
		}
	}
}

func printEvent(cmd *cobra.Command, event client.StreamEvent) {
	ts := event.Timestamp.Local().Format("15:04:05")
	tag := shortID(event.DeploymentID)

	switch event.Type {
	case client.EventConnectionConfirmed:
		// Greeting only, nothing worth printing.
	case client.EventSubscriptionConfirmed:
		cmd.Printf("%s subscribed\n", ts)
	case client.EventDeploymentStarted:
		var data struct {
			Operation         string `json:"operation"`
			EstimatedDuration int    `json:"estimatedDuration"`
		}
		_ = json.Unmarshal(event.Data, &data)
		if data.EstimatedDuration > 0 {
			cmd.Printf("%s [%s] %s started on %s (estimated %ds)\n", ts, tag, data.Operation, event.StackName, data.EstimatedDuration)
		} else {
			cmd.Printf("%s [%s] %s started on %s\n", ts, tag, data.Operation, event.StackName)
		}
	case client.EventDeploymentProgress:
		var data struct {
			Progress       int    `json:"progress"`
			CurrentStep    string `json:"currentStep"`
			TotalSteps     int    `json:"totalSteps"`
			CompletedSteps int    `json:"completedSteps"`
		}
		_ = json.Unmarshal(event.Data, &data)
		if data.CurrentStep != "" {
			cmd.Printf("%s [%s] %3d%% (%d/%d) %s\n", ts, tag, data.Progress, data.CompletedSteps, data.TotalSteps, data.CurrentStep)
		} else {
			cmd.Printf("%s [%s] %3d%% (%d/%d)\n", ts, tag, data.Progress, data.CompletedSteps, data.TotalSteps)
		}
	case client.EventDeploymentLog:
		var data struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(event.Data, &data)
		cmd.Printf("%s [%s] %s: %s\n", ts, tag, data.Level, data.Message)
	case client.EventResourceChange:
		var data struct {
			ResourceID   string `json:"resourceId"`
			ResourceType string `json:"resourceType"`
			ChangeKind   string `json:"changeKind"`
		}
		_ = json.Unmarshal(event.Data, &data)
		cmd.Printf("%s [%s] %s %s %s\n", ts, tag, data.ChangeKind, data.ResourceType, data.ResourceID)
	case client.EventDeploymentCompleted:
		var data struct {
			Duration float64 `json:"duration"`
			Summary  struct {
				Created   int `json:"created"`
				Updated   int `json:"updated"`
				Deleted   int `json:"deleted"`
				Unchanged int `json:"unchanged"`
			} `json:"summary"`
		}
		_ = json.Unmarshal(event.Data, &data)
		cmd.Printf("%s [%s] completed in %.1fs (%d created, %d updated, %d deleted, %d unchanged)\n",
			ts, tag, data.Duration, data.Summary.Created, data.Summary.Updated, data.Summary.Deleted, data.Summary.Unchanged)
	case client.EventDeploymentFailed:
		var data struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.Unmarshal(event.Data, &data)
		if data.Kind != "" {
			cmd.Printf("%s [%s] failed: %s (%s)\n", ts, tag, data.Error, data.Kind)
		} else {
			cmd.Printf("%s [%s] failed: %s\n", ts, tag, data.Error)
		}
	default:
		cmd.Printf("%s [%s] %s\n", ts, tag, event.Type)
	}
}

func init() {
	watchCmd.Flags().StringVar(&watchDeploymentID, "deployment", "", "watch a single deployment instead of a stack")
	rootCmd.AddCommand(watchCmd)
}
