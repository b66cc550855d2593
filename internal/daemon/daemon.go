// Package daemon keeps the catalog reconciled while the process runs.
//
// The daemon:
//  1. Runs a reconciliation pass at startup
//  2. Watches the projects root and requests a pass after changes settle
//  3. Requests periodic passes on a cron schedule, faster on network shares
//  4. Restarts the watcher if the projects root is lost or moves
//  5. Handles graceful shutdown
//
// All passes go through a single scheduler worker, so they never overlap.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/geooffice/projectsync/internal/fsinfo"
	"github.com/geooffice/projectsync/internal/reconcile"
	"github.com/geooffice/projectsync/internal/scheduler"
)

// Reconciler runs passes and resolves the projects tree.
type Reconciler interface {
	Layout(ctx context.Context) (reconcile.Layout, error)
	Reconcile(ctx context.Context) (*reconcile.Result, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long the tree must be quiet before a
	// watcher-triggered pass is requested.
	DebounceInterval time.Duration

	// Schedule is a cron expression for periodic passes. Empty disables.
	Schedule string

	// RemoteSchedule replaces Schedule when the projects root is on a
	// network filesystem. Empty keeps Schedule.
	RemoteSchedule string

	// Coalesce merges queued requests into one pass.
	Coalesce bool

	// StopTimeout bounds the wait for a running pass at shutdown.
	StopTimeout time.Duration

	// RestartDelay is the pause before restarting a failed watcher.
	RestartDelay time.Duration

	// RootCheckInterval is how often the watched root is compared with
	// the directory found at its path. An unmounted share or a re-created
	// root restarts the watcher.
	RootCheckInterval time.Duration

	// DisableWatcher relies on the schedule alone.
	DisableWatcher bool

	// Metrics, when set, records pass outcomes.
	Metrics *Metrics

	// OnPass is called after every pass on the worker goroutine.
	OnPass func(PassReport)

	// Logger for daemon activity.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval:  2 * time.Second,
		Schedule:          "@every 15m",
		RemoteSchedule:    "@every 1m",
		Coalesce:          true,
		StopTimeout:       scheduler.DefaultStopTimeout,
		RestartDelay:      5 * time.Second,
		RootCheckInterval: 10 * time.Second,
		Logger:            slog.Default(),
	}
}

// PassReport pairs a scheduler outcome with the reconciliation result.
// Result is nil when the pass failed to start.
type PassReport struct {
	Outcome scheduler.Outcome
	Result  *reconcile.Result
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Scheduler scheduler.Status  `json:"scheduler"`
	Layout    reconcile.Layout  `json:"layout"`
	Remote    bool              `json:"remote"`
	Watching  bool              `json:"watching"`
	Schedule  string            `json:"schedule,omitempty"`
	Last      *reconcile.Result `json:"last_result,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// Daemon orchestrates watching, scheduling and reconciliation.
type Daemon struct {
	rec    Reconciler
	config *Config
	logger *slog.Logger
	sched  *scheduler.Scheduler

	changeQueue   map[string]time.Time // path -> last event
	firstQueued   time.Time            // when the queue last became non-empty
	changeQueueMu sync.Mutex

	// layoutChanged is signalled when a pass scanned a different tree
	// than the watcher watches.
	layoutChanged chan struct{}

	mu       sync.Mutex
	layout   reconcile.Layout
	remote   bool
	watching bool
	schedule string
	last     *reconcile.Result
	lastErr  error

	stopOnce sync.Once
}

// New creates a new Daemon with DefaultConfig.
func New(rec Reconciler) (*Daemon, error) {
	return NewWithConfig(rec, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(rec Reconciler, config *Config) (*Daemon, error) {
	if rec == nil {
		return nil, fmt.Errorf("reconciler cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		return nil, fmt.Errorf("debounce interval must be positive")
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = 5 * time.Second
	}
	if config.RootCheckInterval <= 0 {
		config.RootCheckInterval = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	for _, spec := range []string{config.Schedule, config.RemoteSchedule} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}

	d := &Daemon{
		rec:           rec,
		config:        config,
		logger:        config.Logger.With(slog.String("component", "daemon")),
		changeQueue:   make(map[string]time.Time),
		layoutChanged: make(chan struct{}, 1),
	}

	sched, err := scheduler.New(d.runPass, scheduler.Config{
		Coalesce:    config.Coalesce,
		StopTimeout: config.StopTimeout,
		OnComplete:  d.passComplete,
		Logger:      config.Logger,
	})
	if err != nil {
		return nil, err
	}
	d.sched = sched

	return d, nil
}

// Start runs the daemon until ctx is cancelled.
//
// The projects tree is resolved first; a configuration error is returned
// immediately. Otherwise Start blocks, and returns the result of Stop once
// ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon")

	layout, err := d.rec.Layout(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve projects tree: %w", err)
	}

	remote, err := fsinfo.IsNetworkPath(layout.ProjectsRoot)
	if err != nil {
		d.logger.Warn("cannot determine filesystem type", slog.Any("error", err))
	}
	schedule := d.config.Schedule
	if remote && d.config.RemoteSchedule != "" {
		schedule = d.config.RemoteSchedule
		d.logger.Info("projects root is on a network filesystem; polling more often",
			slog.String("root", layout.ProjectsRoot), slog.String("schedule", schedule))
	}

	d.mu.Lock()
	d.layout = layout
	d.remote = remote
	d.schedule = schedule
	d.mu.Unlock()

	if err := d.sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if _, err := d.sched.RequestSync("startup"); err != nil {
		return err
	}

	var c *cron.Cron
	if schedule != "" {
		c = cron.New(cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(d.logger.Handler(), slog.LevelWarn))))
		if _, err := c.AddFunc(schedule, func() { d.request("schedule") }); err != nil {
			_ = d.sched.Stop()
			return fmt.Errorf("invalid schedule %q: %w", schedule, err)
		}
		c.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	if !d.config.DisableWatcher {
		g.Go(func() error {
			d.superviseWatcher(gctx)
			return nil
		})
		g.Go(func() error {
			d.processChangeQueue(gctx)
			return nil
		})
	}

	<-ctx.Done()
	d.logger.Info("shutdown signal received")

	if c != nil {
		<-c.Stop().Done()
	}
	_ = g.Wait()

	return d.Stop()
}

// Stop drains the scheduler. It is safe to call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		err = d.sched.Stop()
		d.logger.Info("daemon stopped")
	})
	return err
}

// RequestSync queues a pass and returns its correlation id.
func (d *Daemon) RequestSync(reason string) (string, error) {
	return d.sched.RequestSync(reason)
}

// Status returns the daemon state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Status{
		Scheduler: d.sched.Status(),
		Layout:    d.layout,
		Remote:    d.remote,
		Watching:  d.watching,
		Schedule:  d.schedule,
		Last:      d.last,
	}
	if d.lastErr != nil {
		st.LastError = d.lastErr.Error()
	}
	return st
}

func (d *Daemon) request(reason string) {
	if _, err := d.sched.RequestSync(reason); err != nil && !errors.Is(err, scheduler.ErrStopped) {
		d.logger.Warn("failed to request sync", slog.String("reason", reason), slog.Any("error", err))
	}
}

// runPass is the scheduler's run function.
func (d *Daemon) runPass(ctx context.Context) error {
	result, err := d.rec.Reconcile(ctx)

	d.mu.Lock()
	if err == nil {
		d.last = result
	}
	d.lastErr = err
	d.mu.Unlock()

	if err == nil && result != nil && result.Layout.ProjectsRoot != "" {
		d.updateLayout(result.Layout)
	}
	return err
}

// updateLayout records the tree the last pass scanned. The settings row
// is re-read every pass, so it can differ from the one being watched.
func (d *Daemon) updateLayout(layout reconcile.Layout) {
	d.mu.Lock()
	if layout == d.layout {
		d.mu.Unlock()
		return
	}
	old := d.layout
	d.layout = layout
	d.mu.Unlock()

	d.logger.Info("projects tree changed",
		slog.String("from", old.ProjectsRoot), slog.String("to", layout.ProjectsRoot))

	select {
	case d.layoutChanged <- struct{}{}:
	default:
	}
}

func (d *Daemon) currentLayout() reconcile.Layout {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.layout
}

// passComplete forwards an outcome to metrics and the OnPass hook.
func (d *Daemon) passComplete(outcome scheduler.Outcome) {
	var result *reconcile.Result
	if outcome.Err == nil {
		d.mu.Lock()
		result = d.last
		d.mu.Unlock()
	}

	if d.config.Metrics != nil {
		d.config.Metrics.ObservePass(outcome, result)
		d.config.Metrics.SetPending(d.sched.Status().Pending)
	}
	if d.config.OnPass != nil {
		d.config.OnPass(PassReport{Outcome: outcome, Result: result})
	}
}

// errLayoutChanged ends a watcher whose tree is no longer the one
// passes scan.
var errLayoutChanged = errors.New("projects tree changed")

// superviseWatcher runs the file watcher and restarts it after failures
// until ctx is cancelled.
func (d *Daemon) superviseWatcher(ctx context.Context) {
	reason := ""
	for {
		// Pick up any change signalled while no watcher was running.
		select {
		case <-d.layoutChanged:
		default:
		}

		err := d.watch(ctx, d.currentLayout(), reason)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errLayoutChanged) {
			reason = ""
			continue
		}
		d.logger.Warn("file watcher stopped; restarting",
			slog.Any("error", err), slog.Duration("delay", d.config.RestartDelay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.config.RestartDelay):
		}

		// Changes may have been missed while the watcher was down.
		reason = "watcher restart"
	}
}

// watch runs one watcher instance until ctx is done or the watcher fails.
// A non-empty reason requests a pass once the watcher is up.
func (d *Daemon) watch(ctx context.Context, layout reconcile.Layout, reason string) error {
	fw, err := NewFileWatcher(layout.TemplateDir, d.config.Logger)
	if err != nil {
		return err
	}
	defer fw.Stop()

	if err := fw.Start(layout.ProjectsRoot); err != nil {
		return err
	}
	root, err := os.Stat(layout.ProjectsRoot)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootLost, err)
	}

	d.setWatching(true)
	defer d.setWatching(false)

	if reason != "" {
		d.request(reason)
	}

	check := time.NewTicker(d.config.RootCheckInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-d.layoutChanged:
			return errLayoutChanged

		case <-check.C:
			if err := sameRoot(layout.ProjectsRoot, root); err != nil {
				return err
			}

		case ev, ok := <-fw.Events():
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			d.logger.Debug("file event",
				slog.String("kind", ev.Kind.String()),
				slog.String("path", ev.Path),
				slog.Bool("dir", ev.IsDir))
			if d.config.Metrics != nil {
				d.config.Metrics.FileEvents.WithLabelValues(ev.Kind.String()).Inc()
			}
			d.queueChange(ev.Path, time.Now())

		case err, ok := <-fw.Errors():
			if !ok {
				return fmt.Errorf("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				d.logger.Warn("file events lost; requesting full pass")
				d.request("event overflow")
				continue
			}
			if errors.Is(err, ErrRootLost) {
				return err
			}
			d.logger.Warn("watcher error", slog.Any("error", err))
		}
	}
}

// sameRoot checks that path still names the directory being watched.
func sameRoot(path string, watched os.FileInfo) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootLost, err)
	}
	if !os.SameFile(info, watched) {
		return fmt.Errorf("%w: %s was replaced", ErrRootLost, path)
	}
	return nil
}

func (d *Daemon) setWatching(v bool) {
	d.mu.Lock()
	d.watching = v
	d.mu.Unlock()
}

// queueChange records a change for debouncing.
func (d *Daemon) queueChange(path string, at time.Time) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	if len(d.changeQueue) == 0 {
		d.firstQueued = at
	}
	d.changeQueue[path] = at
}

// processChangeQueue turns settled changes into sync requests.
func (d *Daemon) processChangeQueue(ctx context.Context) {
	tick := d.config.DebounceInterval / 2
	if tick <= 0 {
		tick = d.config.DebounceInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges(time.Now())
		}
	}
}

// processPendingChanges requests one pass once the tree has been quiet
// for DebounceInterval, or once the first queued change has waited ten
// times that long during a continuous burst.
func (d *Daemon) processPendingChanges(now time.Time) bool {
	d.changeQueueMu.Lock()
	if len(d.changeQueue) == 0 {
		d.changeQueueMu.Unlock()
		return false
	}

	var newest time.Time
	for _, at := range d.changeQueue {
		if at.After(newest) {
			newest = at
		}
	}

	quiet := now.Sub(newest) >= d.config.DebounceInterval
	overdue := now.Sub(d.firstQueued) >= 10*d.config.DebounceInterval
	if !quiet && !overdue {
		d.changeQueueMu.Unlock()
		return false
	}

	n := len(d.changeQueue)
	d.changeQueue = make(map[string]time.Time)
	d.firstQueued = time.Time{}
	d.changeQueueMu.Unlock()

	d.request(fmt.Sprintf("%d file changes", n))
	return true
}
