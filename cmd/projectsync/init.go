package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/geooffice/projectsync/internal/config"
	"github.com/geooffice/projectsync/internal/ui"
)

var (
	initInteractive bool
	initForce       bool
	initFileServer  string
	initProjectDir  string
	initTemplateDir string
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "sync",
	Short:   "Create a config file",
	Long: `Write a starter config file with default settings.

Examples:
  projectsync init --file-server /srv/share --project-dir Projects
  projectsync init --interactive`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			p, err := config.DefaultPath()
			if err != nil {
				return err
			}
			path = p
		}

		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check %s: %w", path, err)
		}

		cfg := config.Default()
		cfg.FileServer = initFileServer
		cfg.ProjectDir = initProjectDir
		cfg.TemplateProjectDir = initTemplateDir

		if initInteractive {
			if err := promptConfig(cfg); err != nil {
				return err
			}
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := config.WriteDefault(path, cfg); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Fprintf(cmd.OutOrStdout(), "   Run 'projectsync sync --dry-run' to preview the first pass\n")
		return nil
	},
}

// promptConfig asks for the settings a new installation needs.
func promptConfig(cfg *config.Config) error {
	port := strconv.Itoa(cfg.Dashboard.Port)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("File server root").
				Description("Absolute path of the shared drive").
				Value(&cfg.FileServer).
				Validate(func(s string) error {
					if !filepath.IsAbs(s) {
						return fmt.Errorf("must be an absolute path")
					}
					return nil
				}),
			huh.NewInput().
				Title("Projects directory").
				Description("Relative to the file server root").
				Value(&cfg.ProjectDir),
			huh.NewInput().
				Title("Template project directory").
				Description("Skipped when scanning; leave empty for none").
				Value(&cfg.TemplateProjectDir),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Mark vanished projects as deleted?").
				Value(&cfg.Policy.MarkMissingDeleted),
			huh.NewConfirm().
				Title("Serve the dashboard from the daemon?").
				Value(&cfg.Dashboard.Enabled),
			huh.NewInput().
				Title("Dashboard port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 || n > 65535 {
						return fmt.Errorf("must be a port number")
					}
					return nil
				}),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("init cancelled: %w", err)
	}

	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", port, err)
	}
	cfg.Dashboard.Port = n
	cfg.ProjectDir = filepath.ToSlash(cfg.ProjectDir)
	cfg.TemplateProjectDir = filepath.ToSlash(cfg.TemplateProjectDir)
	return nil
}

func init() {
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "prompt for settings")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	initCmd.Flags().StringVar(&initFileServer, "file-server", "", "file server root")
	initCmd.Flags().StringVar(&initProjectDir, "project-dir", "", "projects root, relative to file_server")
	initCmd.Flags().StringVar(&initTemplateDir, "template-dir", "", "template directory, relative to file_server")
	rootCmd.AddCommand(initCmd)
}
