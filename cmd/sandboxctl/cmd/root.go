package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alvesdmateus/iac-sandbox/pkg/api/client"
)

// requestTimeout bounds every plain request/response call. Watching a
// stream is the one place the CLI deliberately blocks longer.
const requestTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "sandboxctl drives stacks and deployments on a sandbox API server",
	Long: `sandboxctl is the command-line interface for the IaC sandbox.

The sandbox runs infrastructure operations (up, preview, destroy,
refresh) against named stacks and streams their progress over a
WebSocket channel.

Common workflows:

  List stacks:
    sandboxctl stacks list

  Deploy and follow the run:
    sandboxctl deploy dev --op up --watch

  Check a single run later:
    sandboxctl status <deployment-id>

  Follow everything happening to one stack:
    sandboxctl watch dev

  Remove stacks that hold no resources:
    sandboxctl cleanup --force

Configuration:
  The API endpoint comes from the --api-url flag or the SANDBOX_API_URL
  environment variable (default: http://localhost:8000).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	// Read environment variables that match "SANDBOX_VARNAME".
	viper.SetEnvPrefix("SANDBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("api-url", "http://localhost:8000", "sandbox API base URL")
	_ = viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
}

func newClient() (*client.Client, error) {
	return client.New(viper.GetString("api-url"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
