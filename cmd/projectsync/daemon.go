package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/geooffice/projectsync/internal/daemon"
	"github.com/geooffice/projectsync/internal/dashboard"
	"github.com/geooffice/projectsync/internal/ui"
)

var (
	daemonNoWatch   bool
	daemonDashboard bool
	daemonPort      int
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the catalog reconciled (foreground)",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon will:
  1. Run a pass at startup
  2. Watch the projects tree and run a pass after changes settle
  3. Run periodic passes on sync.schedule (sync.remote_schedule when the
     projects tree is on a network share)
  4. Optionally serve the dashboard (status, projects, metrics, WebSocket)

Passes never overlap. On Ctrl+C or SIGTERM pending requests are dropped and
the running pass is given sync.stop_timeout to finish.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.reconciler()
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		var handler *dashboard.Handler
		d, err := daemon.NewWithConfig(rec, &daemon.Config{
			DebounceInterval: a.cfg.Sync.Debounce,
			Schedule:         a.cfg.Sync.Schedule,
			RemoteSchedule:   a.cfg.Sync.RemoteSchedule,
			Coalesce:         a.cfg.Sync.Coalesce,
			StopTimeout:      a.cfg.Sync.StopTimeout,
			DisableWatcher:   daemonNoWatch,
			Metrics:          daemon.NewMetrics(reg),
			Logger:           a.logger,
			OnPass: func(r daemon.PassReport) {
				if handler != nil {
					handler.OnPass(r)
				}
			},
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		enabled := a.cfg.Dashboard.Enabled || daemonDashboard
		if enabled {
			port := a.cfg.Dashboard.Port
			if cmd.Flags().Changed("port") {
				port = daemonPort
			}
			server := dashboard.NewServer(&dashboard.Config{
				Port:     port,
				Daemon:   d,
				Catalog:  a.store,
				Gatherer: reg,
				Logger:   a.logger,
			})
			handler = dashboard.NewHandler(server, a.store, a.logger)
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					a.logger.Warn("dashboard shutdown failed", slog.Any("error", err))
				}
			}()
			fmt.Fprintf(out, "   Dashboard: http://%s/\n", server.GetAddr())
		}

		fmt.Fprintf(out, "%s Starting sync daemon...\n", ui.RenderAccent("→"))
		fmt.Fprintf(out, "   File server: %s\n", a.cfg.FileServer)
		fmt.Fprintf(out, "   Catalog: %s\n", a.store.Path())
		fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}

		fmt.Fprintf(out, "%s Daemon stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonNoWatch, "no-watch", false, "disable the file watcher and rely on the schedule")
	daemonCmd.Flags().BoolVar(&daemonDashboard, "dashboard", false, "serve the dashboard even if dashboard.enabled is false")
	daemonCmd.Flags().IntVar(&daemonPort, "port", 8080, "dashboard port (overrides dashboard.port)")
	rootCmd.AddCommand(daemonCmd)
}
