package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/geooffice/projectsync/internal/catalog"
	"github.com/geooffice/projectsync/internal/ui"
)

var (
	listAll      bool
	listQuery    string
	listSince    string
	listFormat   string
	listModified bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "catalog",
	Short:   "List catalog projects",
	Long: `List projects in the catalog, optionally filtered.

Examples:
  projectsync list                         # active projects by name
  projectsync list --query "acme tower"    # every word must match name or path
  projectsync list --since "3 days ago"    # modified recently
  projectsync list --all --format yaml     # include deleted, as YAML`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		opts := catalog.SearchOptions{
			IncludeDeleted: listAll,
			ByModified:     listModified,
		}
		if listSince != "" {
			t, err := catalog.ParseSince(listSince, time.Now())
			if err != nil {
				return err
			}
			opts.ModifiedSince = t
		}

		format := listFormat
		if jsonOutput {
			format = "json"
		}
		switch format {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		projects, err := a.store.Search(ctx, listQuery, opts)
		if err != nil {
			return err
		}
		if projects == nil {
			projects = []catalog.Project{}
		}

		out := cmd.OutOrStdout()
		switch format {
		case "json":
			return writeJSON(out, projects)
		case "yaml":
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(projects); err != nil {
				return fmt.Errorf("failed to encode projects: %w", err)
			}
			return enc.Close()
		}

		if len(projects) == 0 {
			fmt.Fprintf(out, "%s\n", ui.RenderMuted("No projects found"))
			return nil
		}

		rows := make([][]string, 0, len(projects))
		for _, p := range projects {
			status := string(p.Status)
			if !p.IsActive() {
				status = ui.RenderMuted(status)
			}
			rows = append(rows, []string{
				strconv.FormatInt(p.ID, 10),
				p.Name,
				p.Path,
				status,
				p.ModifiedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		fmt.Fprint(out, ui.Table([]string{"ID", "NAME", "PATH", "STATUS", "MODIFIED"}, rows))
		fmt.Fprintf(out, "\n%s\n", ui.RenderMuted(ui.Plural(len(projects), "project")))
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "include deleted projects")
	listCmd.Flags().StringVarP(&listQuery, "query", "q", "", "words to match against name and path")
	listCmd.Flags().StringVar(&listSince, "since", "", `only projects modified since (e.g. "yesterday", "2026-03-01")`)
	listCmd.Flags().BoolVar(&listModified, "recent", false, "sort by modification time, newest first")
	listCmd.Flags().StringVar(&listFormat, "format", "table", "output format: table, json or yaml")
	rootCmd.AddCommand(listCmd)
}
