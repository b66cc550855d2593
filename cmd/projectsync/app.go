package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/geooffice/projectsync/internal/catalog"
	"github.com/geooffice/projectsync/internal/config"
	"github.com/geooffice/projectsync/internal/logging"
	"github.com/geooffice/projectsync/internal/reconcile"
	"github.com/geooffice/projectsync/internal/scanner"
)

// app holds what every catalog command needs.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	store  *catalog.DB
	logger *slog.Logger
}

// openApp loads configuration, builds the logger and opens the catalog.
// The settings row is seeded from the config when project_dir is set.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	store, err := catalog.OpenWithConfig(cfg.DatabaseFile(), catalog.Config{Logger: log.Logger})
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: store, logger: log.Logger}

	if err := store.InitSchemaContext(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.seedSettings(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// seedSettings writes the config's directories into the settings row.
func (a *app) seedSettings(ctx context.Context) error {
	if a.cfg.ProjectDir == "" && a.cfg.TemplateProjectDir == "" {
		return nil
	}

	current, err := a.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	next := current
	if a.cfg.ProjectDir != "" {
		next.ProjectDir = a.cfg.ProjectDir
	}
	if a.cfg.TemplateProjectDir != "" {
		next.TemplateProjectDir = a.cfg.TemplateProjectDir
	}
	if next == current {
		return nil
	}

	a.logger.Info("updating catalog settings from config",
		slog.String("project_dir", next.ProjectDir),
		slog.String("template_project_dir", next.TemplateProjectDir))
	return a.store.SaveSettings(ctx, next)
}

// reconciler builds a Reconciler over the app's catalog.
func (a *app) reconciler() (*reconcile.Reconciler, error) {
	sc, err := scanner.New(scanner.Config{Ignore: a.cfg.Scan.Ignore, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	return reconcile.New(a.store, reconcile.Config{
		FileServer: a.cfg.FileServer,
		Policy:     a.cfg.Policy,
		Scanner:    sc,
		Logger:     a.logger,
	})
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close catalog", slog.Any("error", err))
	}
	_ = a.log.Close()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
