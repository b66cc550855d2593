package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/geooffice/projectsync/internal/catalog"
	"github.com/geooffice/projectsync/internal/fsinfo"
	"github.com/geooffice/projectsync/internal/ui"
)

type statusReport struct {
	Catalog      string           `json:"catalog"`
	SizeBytes    int64            `json:"size_bytes"`
	FileServer   string           `json:"file_server"`
	Settings     catalog.Settings `json:"settings"`
	ProjectsRoot string           `json:"projects_root,omitempty"`
	Network      bool             `json:"network"`
	LayoutError  string           `json:"layout_error,omitempty"`
	Stats        catalog.Stats    `json:"stats"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "catalog",
	Short:   "Show catalog status",
	Long: `Display the catalog location, the settings row, whether the projects tree
is reachable (and whether it sits on a network share) and record counts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		report := statusReport{
			Catalog:    a.store.Path(),
			FileServer: a.cfg.FileServer,
		}
		if info, err := os.Stat(a.store.Path()); err == nil {
			report.SizeBytes = info.Size()
		}

		if report.Settings, err = a.store.GetSettings(ctx); err != nil {
			return err
		}
		if report.Stats, err = a.store.Stats(ctx); err != nil {
			return err
		}

		rec, err := a.reconciler()
		if err != nil {
			return err
		}
		if layout, err := rec.Layout(ctx); err != nil {
			report.LayoutError = err.Error()
		} else {
			report.ProjectsRoot = layout.ProjectsRoot
			report.Network, _ = fsinfo.IsNetworkPath(layout.ProjectsRoot)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, report)
		}

		fmt.Fprintf(out, "\n%s Catalog Status\n\n", ui.RenderAccent("■"))
		fmt.Fprintf(out, "Catalog: %s (%s)\n", report.Catalog, formatSize(report.SizeBytes))
		fmt.Fprintf(out, "File server: %s\n", report.FileServer)
		fmt.Fprintf(out, "Project dir: %s\n", orNone(report.Settings.ProjectDir))
		fmt.Fprintf(out, "Template dir: %s\n", orNone(report.Settings.TemplateProjectDir))
		if report.LayoutError != "" {
			fmt.Fprintf(out, "Projects root: %s\n", ui.RenderFail(report.LayoutError))
		} else {
			where := "local"
			if report.Network {
				where = "network share"
			}
			fmt.Fprintf(out, "Projects root: %s %s\n", report.ProjectsRoot, ui.RenderMuted("("+where+")"))
		}
		fmt.Fprintf(out, "Active projects: %d\n", report.Stats.Active)
		fmt.Fprintf(out, "Deleted projects: %d\n", report.Stats.Deleted)
		fmt.Fprintln(out)
		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func orNone(s string) string {
	if s == "" {
		return ui.RenderMuted("(not set)")
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
