package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/geooffice/projectsync/internal/ui"
)

var (
	settingsProjectDir  string
	settingsTemplateDir string
)

var settingsCmd = &cobra.Command{
	Use:     "settings",
	GroupID: "catalog",
	Short:   "Show or change the catalog settings row",
	Long: `The settings row stored in the catalog locates the projects tree. Both
directories are relative to file_server and are re-read at every pass, so
changes take effect without restarting the daemon.`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the settings row",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.store.GetSettings(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, s)
		}
		fmt.Fprintf(out, "project_dir: %s\n", orNone(s.ProjectDir))
		fmt.Fprintf(out, "template_project_dir: %s\n", orNone(s.TemplateProjectDir))
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the settings row",
	Long: `Change the settings row.

Example:
  projectsync settings set --project-dir Projects --template-dir Projects/_Template`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		projectChanged := cmd.Flags().Changed("project-dir")
		templateChanged := cmd.Flags().Changed("template-dir")
		if !projectChanged && !templateChanged {
			return fmt.Errorf("nothing to set: pass --project-dir and/or --template-dir")
		}
		for _, dir := range []string{settingsProjectDir, settingsTemplateDir} {
			if filepath.IsAbs(dir) {
				return fmt.Errorf("%s must be relative to file_server", dir)
			}
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.store.GetSettings(ctx)
		if err != nil {
			return err
		}
		if projectChanged {
			s.ProjectDir = filepath.ToSlash(settingsProjectDir)
		}
		if templateChanged {
			s.TemplateProjectDir = filepath.ToSlash(settingsTemplateDir)
		}
		if err := a.store.SaveSettings(ctx, s); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, s)
		}
		fmt.Fprintf(out, "%s Settings saved\n", ui.RenderPass("✓"))
		if a.cfg.ProjectDir != "" || a.cfg.TemplateProjectDir != "" {
			fmt.Fprintf(out, "%s project_dir/template_project_dir in the config file will override this on the next run\n",
				ui.RenderWarn("⚠"))
		}
		return nil
	},
}

func init() {
	settingsSetCmd.Flags().StringVar(&settingsProjectDir, "project-dir", "", "projects root, relative to file_server")
	settingsSetCmd.Flags().StringVar(&settingsTemplateDir, "template-dir", "", "template directory to skip, relative to file_server")

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}
