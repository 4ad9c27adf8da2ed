package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"example.com/pressync/internal/app"
	"example.com/pressync/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pressync",
	Short: "Mirror WordPress REST content into the local content store",
	Long: `pressync copies posts (and configured custom types) from a remote
WordPress site into a local SQLite content store. Each remote record is
keyed by a composite identity so repeated cycles update in place.

Examples:
  # Run the scheduler, task workers and admin API
  pressync serve --config pressync.yaml

  # Fetch and apply everything once, then exit
  pressync sync

  # Delete every synced record and drop the schedule
  pressync purge --unschedule
`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file (defaults to $PRESSYNC_CONFIG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, config.Load(configPath))
}
