package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/geooffice/projectsync/internal/reconcile"
	"github.com/geooffice/projectsync/internal/ui"
)

var syncDryRun bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one reconciliation pass",
	Long: `Run a single reconciliation pass and exit.

The pass:
  1. Reads the settings row to locate the projects tree
  2. Scans for sentinel files, skipping the template directory
  3. Updates moved projects, adopts new ones, marks vanished ones deleted
  4. Writes identities into empty or invalid sentinel files

With --dry-run the planned changes are printed and nothing is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.reconciler()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		if syncDryRun {
			plan, err := rec.Plan(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, plan)
			}
			printPlan(cmd, plan)
			return nil
		}

		if !jsonOutput {
			fmt.Fprintf(out, "%s Reconciling catalog...\n", ui.RenderAccent("→"))
		}
		result, err := rec.Reconcile(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(out, result)
		}
		printResult(cmd, result)
		return nil
	},
}

func printPlan(cmd *cobra.Command, plan *reconcile.Plan) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "%s Plan for %s\n", ui.RenderAccent("→"), plan.Layout.ProjectsRoot)
	fmt.Fprintf(out, "   Scanned: %s, active records: %d\n\n", ui.Plural(plan.Scanned, "project"), plan.Active)

	if len(plan.Actions) == 0 {
		fmt.Fprintf(out, "%s Catalog is up to date\n", ui.RenderPass("✓"))
	}
	for _, a := range plan.Actions {
		fmt.Fprintf(out, "   %s\n", a.String())
	}
	for _, an := range plan.Anomalies {
		fmt.Fprintf(out, "%s %s\n", ui.RenderWarn("⚠"), an.String())
	}
}

func printResult(cmd *cobra.Command, r *reconcile.Result) {
	out := cmd.OutOrStdout()

	mark := ui.RenderPass("✓")
	if r.Failed > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Fprintf(out, "%s Sync complete in %v\n", mark, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "   Scanned: %s\n", ui.Plural(r.Scanned, "project"))

	rows := []struct {
		label string
		n     int
	}{
		{"Moved", r.PathsUpdated},
		{"Renamed", r.NamesUpdated},
		{"Adopted", r.Adopted},
		{"Restored", r.Restored},
		{"Inserted", r.Inserted},
		{"Reactivated", r.Reactivated},
		{"Marked deleted", r.MarkedDeleted},
	}
	for _, row := range rows {
		if row.n > 0 {
			fmt.Fprintf(out, "   %s: %d\n", row.label, row.n)
		}
	}
	if r.Mutations() == 0 {
		fmt.Fprintf(out, "   %s\n", ui.RenderMuted("no changes"))
	}
	if r.Failed > 0 {
		fmt.Fprintf(out, "   %s\n", ui.RenderFail(fmt.Sprintf("Failed: %d (see log)", r.Failed)))
	}
	if r.WithheldDeletes > 0 {
		fmt.Fprintf(out, "   %s\n", ui.RenderWarn(fmt.Sprintf("Withheld deletions: %d (empty scan)", r.WithheldDeletes)))
	}
	for _, an := range r.Anomalies {
		fmt.Fprintf(out, "%s %s\n", ui.RenderWarn("⚠"), an.String())
	}
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "print the planned changes without applying them")
	rootCmd.AddCommand(syncCmd)
}
