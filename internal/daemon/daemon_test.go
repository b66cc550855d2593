package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geooffice/projectsync/internal/reconcile"
	"github.com/geooffice/projectsync/internal/scheduler"
)

// fakeReconciler counts passes and serves a settable layout.
type fakeReconciler struct {
	layoutErr error

	mu     sync.Mutex
	layout reconcile.Layout
	passes int
	err    error
	passed chan struct{}
}

func newFakeReconciler(root, template string) *fakeReconciler {
	return &fakeReconciler{
		layout: reconcile.Layout{ProjectsRoot: root, TemplateDir: template},
		passed: make(chan struct{}, 100),
	}
}

func (f *fakeReconciler) Layout(context.Context) (reconcile.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.layout, f.layoutErr
}

func (f *fakeReconciler) setLayout(layout reconcile.Layout) {
	f.mu.Lock()
	f.layout = layout
	f.mu.Unlock()
}

func (f *fakeReconciler) Reconcile(context.Context) (*reconcile.Result, error) {
	f.mu.Lock()
	f.passes++
	n, err, layout := f.passes, f.err, f.layout
	f.mu.Unlock()

	select {
	case f.passed <- struct{}{}:
	default:
	}
	if err != nil {
		return nil, err
	}
	return &reconcile.Result{Layout: layout, Scanned: n, Active: n, Inserted: 1}, nil
}

func (f *fakeReconciler) Passes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passes
}

func (f *fakeReconciler) waitPass(t *testing.T, what string) {
	t.Helper()
	select {
	case <-f.passed:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s pass", what)
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.DebounceInterval = 100 * time.Millisecond
	cfg.Schedule = ""
	cfg.RemoteSchedule = ""
	cfg.StopTimeout = 5 * time.Second
	cfg.RestartDelay = 50 * time.Millisecond
	cfg.RootCheckInterval = 100 * time.Millisecond
	cfg.Logger = nil
	return cfg
}

// runDaemon starts d in the background and returns a stop function that
// cancels it and waits for Start to return.
func runDaemon(t *testing.T, d *Daemon) (stop func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	var once sync.Once
	var stopErr error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-errCh:
			case <-time.After(10 * time.Second):
				stopErr = errors.New("daemon did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestNew(t *testing.T) {
	t.Run("nil reconciler", func(t *testing.T) {
		_, err := New(nil)
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		d, err := New(newFakeReconciler(t.TempDir(), ""))
		require.NoError(t, err)
		assert.Equal(t, "@every 15m", d.config.Schedule)
		assert.Equal(t, scheduler.DefaultStopTimeout, d.config.StopTimeout)
		assert.True(t, d.config.Coalesce)
	})

	t.Run("invalid schedule", func(t *testing.T) {
		cfg := testConfig()
		cfg.Schedule = "every now and then"
		_, err := NewWithConfig(newFakeReconciler(t.TempDir(), ""), cfg)
		assert.Error(t, err)
	})

	t.Run("non-positive debounce", func(t *testing.T) {
		cfg := testConfig()
		cfg.DebounceInterval = 0
		_, err := NewWithConfig(newFakeReconciler(t.TempDir(), ""), cfg)
		assert.Error(t, err)
	})
}

func TestDaemon_StartupPass(t *testing.T) {
	rec := newFakeReconciler(t.TempDir(), "")
	cfg := testConfig()
	cfg.DisableWatcher = true

	var reports []PassReport
	var mu sync.Mutex
	cfg.OnPass = func(r PassReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}

	d, err := NewWithConfig(rec, cfg)
	require.NoError(t, err)
	stop := runDaemon(t, d)

	rec.waitPass(t, "startup")
	require.Eventually(t, func() bool {
		return d.Status().Scheduler.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	st := d.Status()
	require.NotNil(t, st.Last)
	assert.Equal(t, 1, st.Last.Inserted)
	assert.Empty(t, st.LastError)
	layout, _ := rec.Layout(context.Background())
	assert.Equal(t, layout, st.Layout)
	assert.False(t, st.Watching)

	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"startup"}, reports[0].Outcome.Reasons)
	require.NotNil(t, reports[0].Result)
}

func TestDaemon_ConfigurationErrorIsFatal(t *testing.T) {
	rec := newFakeReconciler("", "")
	rec.layoutErr = reconcile.ErrConfiguration

	d, err := NewWithConfig(rec, testConfig())
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrConfiguration)
	assert.Zero(t, rec.Passes())
}

func TestDaemon_RequestSync(t *testing.T) {
	rec := newFakeReconciler(t.TempDir(), "")
	cfg := testConfig()
	cfg.DisableWatcher = true

	d, err := NewWithConfig(rec, cfg)
	require.NoError(t, err)
	stop := runDaemon(t, d)
	rec.waitPass(t, "startup")

	id, err := d.RequestSync("manual")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	rec.waitPass(t, "manual")

	require.NoError(t, stop())

	_, err = d.RequestSync("late")
	assert.ErrorIs(t, err, scheduler.ErrStopped)
}

func TestDaemon_FailedPassIsReported(t *testing.T) {
	rec := newFakeReconciler(t.TempDir(), "")
	rec.err = errors.New("share unavailable")
	cfg := testConfig()
	cfg.DisableWatcher = true

	d, err := NewWithConfig(rec, cfg)
	require.NoError(t, err)
	runDaemon(t, d)
	rec.waitPass(t, "startup")

	require.Eventually(t, func() bool {
		return d.Status().Scheduler.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "share unavailable", d.Status().LastError)
}

func TestDaemon_FileChangeTriggersPass(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Projects")
	template := filepath.Join(root, "_Template")
	require.NoError(t, os.MkdirAll(template, 0755))

	rec := newFakeReconciler(root, template)
	d, err := NewWithConfig(rec, testConfig())
	require.NoError(t, err)
	runDaemon(t, d)

	rec.waitPass(t, "startup")
	require.Eventually(t, func() bool { return d.Status().Watching }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Mkdir(filepath.Join(root, "Beta"), 0755))
	rec.waitPass(t, "watcher")
	assert.Equal(t, 2, rec.Passes())
}

func TestDaemon_TemplateChangesIgnored(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Projects")
	template := filepath.Join(root, "_Template")
	require.NoError(t, os.MkdirAll(template, 0755))

	rec := newFakeReconciler(root, template)
	d, err := NewWithConfig(rec, testConfig())
	require.NoError(t, err)
	runDaemon(t, d)

	rec.waitPass(t, "startup")
	require.Eventually(t, func() bool { return d.Status().Watching }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Mkdir(filepath.Join(template, "Sheets"), 0755))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, rec.Passes())
}

func TestDaemon_DebounceMultipleChanges(t *testing.T) {
	d, err := NewWithConfig(newFakeReconciler(t.TempDir(), ""), testConfig())
	require.NoError(t, err)

	start := time.Now()
	d.queueChange("/p/a", start)
	d.queueChange("/p/b", start)
	d.queueChange("/p/c", start)

	// Too soon: nothing requested.
	assert.False(t, d.processPendingChanges(start))
	assert.Equal(t, 0, d.sched.Status().Pending)

	// Quiet for the debounce interval: one request for all three.
	assert.True(t, d.processPendingChanges(start.Add(time.Second)))
	assert.Equal(t, 1, d.sched.Status().Pending)

	// Queue drained.
	assert.False(t, d.processPendingChanges(start.Add(2*time.Second)))
}

func TestDaemon_DebounceBurstIsBounded(t *testing.T) {
	cfg := testConfig()
	d, err := NewWithConfig(newFakeReconciler(t.TempDir(), ""), cfg)
	require.NoError(t, err)

	// Oldest change far in the past, newest just now.
	now := time.Now()
	d.queueChange("/p/old", now.Add(-20*cfg.DebounceInterval))
	d.queueChange("/p/new", now)

	assert.True(t, d.processPendingChanges(now))
	assert.Equal(t, 1, d.sched.Status().Pending)
}

func TestDaemon_DebounceBurstOnOnePath(t *testing.T) {
	cfg := testConfig()
	d, err := NewWithConfig(newFakeReconciler(t.TempDir(), ""), cfg)
	require.NoError(t, err)

	// One sentinel rewritten every half interval never goes quiet.
	start := time.Now()
	var firedAt time.Duration
	for at := start; at.Before(start.Add(time.Minute)); at = at.Add(cfg.DebounceInterval / 2) {
		d.queueChange("/p/a/.geo_office_project", at)
		if d.processPendingChanges(at) {
			firedAt = at.Sub(start)
			break
		}
	}

	assert.Equal(t, 10*cfg.DebounceInterval, firedAt)
	assert.Equal(t, 1, d.sched.Status().Pending)
}

func TestDaemon_WatcherRestartsAfterRootRemoved(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Projects")
	require.NoError(t, os.MkdirAll(root, 0755))

	var reasons []string
	var mu sync.Mutex
	cfg := testConfig()
	cfg.OnPass = func(r PassReport) {
		mu.Lock()
		reasons = append(reasons, r.Outcome.Reasons...)
		mu.Unlock()
	}
	hasReason := func(want string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range reasons {
			if r == want {
				return true
			}
		}
		return false
	}

	rec := newFakeReconciler(root, "")
	d, err := NewWithConfig(rec, cfg)
	require.NoError(t, err)
	runDaemon(t, d)

	rec.waitPass(t, "startup")
	require.Eventually(t, func() bool { return d.Status().Watching }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.RemoveAll(root))
	require.Eventually(t, func() bool { return !d.Status().Watching }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.MkdirAll(root, 0755))
	require.Eventually(t, func() bool {
		return d.Status().Watching && hasReason("watcher restart")
	}, 5*time.Second, 10*time.Millisecond)

	before := rec.Passes()
	require.NoError(t, os.Mkdir(filepath.Join(root, "Beta"), 0755))
	require.Eventually(t, func() bool { return rec.Passes() > before }, 5*time.Second, 10*time.Millisecond)
}

func TestDaemon_WatcherFollowsLayoutChange(t *testing.T) {
	oldRoot := filepath.Join(t.TempDir(), "Projects")
	newRoot := filepath.Join(t.TempDir(), "Archive")
	require.NoError(t, os.MkdirAll(oldRoot, 0755))
	require.NoError(t, os.MkdirAll(newRoot, 0755))

	rec := newFakeReconciler(oldRoot, "")
	d, err := NewWithConfig(rec, testConfig())
	require.NoError(t, err)
	runDaemon(t, d)

	rec.waitPass(t, "startup")
	require.Eventually(t, func() bool { return d.Status().Watching }, 2*time.Second, 10*time.Millisecond)

	// The settings row now points elsewhere; the next pass scans it.
	rec.setLayout(reconcile.Layout{ProjectsRoot: newRoot})
	_, err = d.RequestSync("manual")
	require.NoError(t, err)
	rec.waitPass(t, "manual")

	require.Eventually(t, func() bool {
		st := d.Status()
		return st.Layout.ProjectsRoot == newRoot && st.Watching
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	before := rec.Passes()
	require.NoError(t, os.Mkdir(filepath.Join(newRoot, "Beta"), 0755))
	require.Eventually(t, func() bool { return rec.Passes() > before }, 5*time.Second, 10*time.Millisecond)
}

func TestSameRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Projects")
	require.NoError(t, os.Mkdir(root, 0755))
	watched, err := os.Stat(root)
	require.NoError(t, err)

	assert.NoError(t, sameRoot(root, watched))

	// Moved away: nothing at the path.
	require.NoError(t, os.Rename(root, root+".old"))
	assert.ErrorIs(t, sameRoot(root, watched), ErrRootLost)

	// Replaced by a new directory at the same path.
	require.NoError(t, os.Mkdir(root, 0755))
	assert.ErrorIs(t, sameRoot(root, watched), ErrRootLost)
}

func TestDaemon_ScheduledPass(t *testing.T) {
	rec := newFakeReconciler(t.TempDir(), "")
	cfg := testConfig()
	cfg.DisableWatcher = true
	cfg.Schedule = "@every 1s"

	d, err := NewWithConfig(rec, cfg)
	require.NoError(t, err)
	runDaemon(t, d)

	rec.waitPass(t, "startup")
	rec.waitPass(t, "scheduled")
	assert.Equal(t, "@every 1s", d.Status().Schedule)
}

func TestDaemon_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := newFakeReconciler(t.TempDir(), "")
	cfg := testConfig()
	cfg.DisableWatcher = true
	cfg.Metrics = NewMetrics(reg)

	d, err := NewWithConfig(rec, cfg)
	require.NoError(t, err)
	stop := runDaemon(t, d)
	rec.waitPass(t, "startup")
	require.NoError(t, stop())

	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.Passes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.Actions.WithLabelValues(string(reconcile.ActionInsert))))
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.Active))
}

func TestMetrics_ObserveFailedPass(t *testing.T) {
	m := NewMetrics(nil)
	outcome := scheduler.Outcome{
		Started:  time.Now(),
		Finished: time.Now(),
		Err:      errors.New("boom"),
	}
	m.ObservePass(outcome, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Passes.WithLabelValues("failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Passes.WithLabelValues("success")))
}
