// Command projectsync keeps the project catalog in step with the project
// directories on the file server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/geooffice/projectsync/internal/config"
	"github.com/geooffice/projectsync/internal/ui"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "projectsync",
	Short: "Reconcile the project catalog with the file server",
	Long: `projectsync keeps a SQLite catalog of projects consistent with the project
directories on a shared file server.

Each project directory carries a sentinel file (.geo_office_project) holding a
UUID identity. A reconciliation pass scans the projects tree, compares what it
finds with the catalog and repairs the catalog: moved projects get their path
updated, new directories are adopted, vanished ones are marked deleted.

Run 'projectsync init' to create a config file, then 'projectsync sync' for a
single pass or 'projectsync daemon' to keep the catalog reconciled.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: user config dir/projectsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "catalog", Title: "Catalog:"},
	)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		if errors.Is(err, config.ErrInvalid) {
			fmt.Fprintf(os.Stderr, "Run 'projectsync init' to create a config file\n")
		}
		os.Exit(1)
	}
}
