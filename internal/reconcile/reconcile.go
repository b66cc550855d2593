package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geooffice/projectsync/internal/catalog"
	"github.com/geooffice/projectsync/internal/scanner"
	"github.com/geooffice/projectsync/internal/sentinel"
)

// Store is the catalog surface a pass reads and writes.
type Store interface {
	GetSettings(ctx context.Context) (catalog.Settings, error)
	ListActive(ctx context.Context) ([]catalog.Project, error)
	GetByIdentity(ctx context.Context, identity string) (*catalog.Project, error)
	Create(ctx context.Context, name, relPath, identity string) (*catalog.Project, error)
	UpdatePath(ctx context.Context, id int64, relPath string) error
	UpdateName(ctx context.Context, id int64, name string) error
	MarkDeleted(ctx context.Context, id int64) error
	Reactivate(ctx context.Context, id int64, relPath string) error
	TouchModified(ctx context.Context, id int64) error
}

// Scanner produces the filesystem side of a pass.
type Scanner interface {
	Scan(ctx context.Context, projectsRoot, templateExcludePath string) (scanner.Snapshot, error)
}

// Config configures a Reconciler.
type Config struct {
	// FileServer is the root that settings paths are relative to.
	FileServer string

	Policy Policy

	// Scanner defaults to a scanner.Scanner without ignore patterns.
	Scanner Scanner

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// AssignIdentity mints and writes a token for an untokened sentinel.
	// Defaults to sentinel.AssignIdentity.
	AssignIdentity func(path string) (string, error)

	// WriteIdentity writes an existing token into a sentinel.
	// Defaults to sentinel.WriteIdentity.
	WriteIdentity func(path, token string) error
}

// Reconciler runs reconciliation passes against one catalog.
type Reconciler struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	// mu keeps passes started outside the scheduler from overlapping.
	mu sync.Mutex
}

// New creates a Reconciler.
func New(store Store, cfg Config) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Scanner == nil {
		s, err := scanner.New(scanner.Config{Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.Scanner = s
	}
	if cfg.AssignIdentity == nil {
		cfg.AssignIdentity = sentinel.AssignIdentity
	}
	if cfg.WriteIdentity == nil {
		cfg.WriteIdentity = sentinel.WriteIdentity
	}

	return &Reconciler{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "reconcile")),
	}, nil
}

// Layout reads the settings row and resolves the projects tree.
func (r *Reconciler) Layout(ctx context.Context) (Layout, error) {
	settings, err := r.store.GetSettings(ctx)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return ResolveLayout(r.cfg.FileServer, settings)
}

// Plan computes the changes a pass would make without applying them.
func (r *Reconciler) Plan(ctx context.Context) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan(ctx)
}

func (r *Reconciler) plan(ctx context.Context) (*Plan, error) {
	layout, err := r.Layout(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := r.cfg.Scanner.Scan(ctx, layout.ProjectsRoot, layout.TemplateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan projects: %w", err)
	}

	active, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}

	plan := Diff(active, snapshot, DiffOptions{
		Policy:       r.cfg.Policy,
		TemplateName: layout.TemplateName(),
	})
	plan.Layout = layout

	// A disk-only identity may belong to a deleted row.
	for i, a := range plan.Actions {
		if a.Kind != ActionInsert {
			continue
		}
		rec, err := r.store.GetByIdentity(ctx, a.Identity)
		if err != nil {
			if !errors.Is(err, catalog.ErrNotFound) {
				r.logger.Warn("identity lookup failed", slog.String("identity", a.Identity), slog.Any("error", err))
			}
			continue
		}
		if !rec.IsActive() {
			plan.Actions[i].Kind = ActionReactivate
			plan.Actions[i].ProjectID = rec.ID
			plan.Actions[i].OldPath = rec.Path
		}
	}

	return plan, nil
}

// Reconcile runs one full pass: plan, then apply.
//
// Per-project failures are logged and counted; the returned error is
// non-nil only when the pass could not start.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	plan, err := r.plan(ctx)
	if err != nil {
		r.logger.Error("reconciliation aborted", slog.Any("error", err))
		return nil, err
	}

	result := r.apply(ctx, plan)
	result.Duration = time.Since(start)

	for _, a := range result.Anomalies {
		r.logger.Warn("catalog anomaly", slog.String("kind", string(a.Kind)), slog.String("detail", a.String()))
	}
	r.logger.Info("reconciliation complete",
		slog.Int("scanned", result.Scanned),
		slog.Int("active", result.Active),
		slog.Int("mutations", result.Mutations()),
		slog.Int("failed", result.Failed),
		slog.Int("anomalies", len(result.Anomalies)),
		slog.Duration("duration", result.Duration))

	return result, nil
}

// apply executes every action, continuing past individual failures.
func (r *Reconciler) apply(ctx context.Context, plan *Plan) *Result {
	result := &Result{
		Layout:          plan.Layout,
		Scanned:         plan.Scanned,
		Active:          plan.Active,
		WithheldDeletes: plan.WithheldDeletes,
		Anomalies:       plan.Anomalies,
	}

	for _, a := range plan.Actions {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("pass interrupted", slog.Any("error", err))
			result.Failed++
			continue
		}
		if err := r.applyAction(ctx, plan.Layout, a, result); err != nil {
			result.Failed++
			r.logger.Error("failed to apply change",
				slog.String("action", string(a.Kind)),
				slog.String("path", a.Path),
				slog.Any("error", err))
		}
	}

	return result
}

func (r *Reconciler) applyAction(ctx context.Context, layout Layout, a Action, result *Result) error {
	log := r.logger.With(slog.String("path", a.Path))

	switch a.Kind {
	case ActionUpdatePath:
		if err := r.store.UpdatePath(ctx, a.ProjectID, a.Path); err != nil {
			return err
		}
		result.PathsUpdated++
		log.Info("project moved", slog.Int64("id", a.ProjectID), slog.String("from", a.OldPath))
		if a.Rename != "" {
			if err := r.store.UpdateName(ctx, a.ProjectID, a.Rename); err != nil {
				return err
			}
			result.NamesUpdated++
			log.Info("project renamed", slog.Int64("id", a.ProjectID), slog.String("name", a.Rename))
		}

	case ActionAdopt:
		file := sentinel.Path(layout.projectDir(a.Path))
		token, err := r.cfg.AssignIdentity(file)
		if err != nil {
			return err
		}
		p, err := r.store.Create(ctx, leaf(a.Path), a.Path, token)
		if err != nil {
			// The sentinel keeps its token; the next pass inserts it.
			return fmt.Errorf("identity %s written but not catalogued: %w", token, err)
		}
		result.Adopted++
		log.Info("project adopted", slog.Int64("id", p.ID), slog.String("identity", token))

	case ActionRestore:
		file := sentinel.Path(layout.projectDir(a.Path))
		if err := r.cfg.WriteIdentity(file, a.Identity); err != nil {
			return err
		}
		if err := r.store.TouchModified(ctx, a.ProjectID); err != nil {
			return err
		}
		result.Restored++
		log.Info("identity restored", slog.Int64("id", a.ProjectID), slog.String("identity", a.Identity))

	case ActionInsert:
		p, err := r.store.Create(ctx, leaf(a.Path), a.Path, a.Identity)
		if err != nil {
			return err
		}
		result.Inserted++
		log.Info("project catalogued", slog.Int64("id", p.ID), slog.String("identity", a.Identity))

	case ActionReactivate:
		if err := r.store.Reactivate(ctx, a.ProjectID, a.Path); err != nil {
			return err
		}
		result.Reactivated++
		log.Info("project reactivated", slog.Int64("id", a.ProjectID))

	case ActionMarkDeleted:
		if err := r.store.MarkDeleted(ctx, a.ProjectID); err != nil {
			return err
		}
		result.MarkedDeleted++
		log.Info("project marked deleted", slog.Int64("id", a.ProjectID))

	default:
		return fmt.Errorf("unknown action %q", a.Kind)
	}

	return nil
}
