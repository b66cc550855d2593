package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geooffice/projectsync/internal/sentinel"
)

// setupTree creates a projects root with a template directory and one
// existing project.
func setupTree(t *testing.T) (root, template string) {
	t.Helper()

	root = filepath.Join(t.TempDir(), "Projects")
	template = filepath.Join(root, "_Template")
	for _, dir := range []string{template, filepath.Join(root, "Acme", "Tower")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	return root, template
}

func startWatcher(t *testing.T, root, template string) *FileWatcher {
	t.Helper()

	fw, err := NewFileWatcher(template, nil)
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	t.Cleanup(func() { fw.Stop() })

	if err := fw.Start(root); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	return fw
}

// waitForEvent drains events until match returns true or the timeout expires.
func waitForEvent(t *testing.T, fw *FileWatcher, what string, match func(Event) bool) Event {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-fw.Events():
			if !ok {
				t.Fatalf("Event channel closed while waiting for %s", what)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timeout waiting for %s", what)
		}
	}
}

func TestNewFileWatcher(t *testing.T) {
	fw, err := NewFileWatcher("", nil)
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

func TestFileWatcher_StartStop(t *testing.T) {
	root, template := setupTree(t)

	fw, err := NewFileWatcher(template, nil)
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}

	if err := fw.Start(root); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}

	if err := fw.Start(root); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}

	// Channels are closed after Stop.
	if _, ok := <-fw.Events(); ok {
		t.Error("Events channel should be closed after Stop()")
	}

	// Stopping twice is harmless.
	if err := fw.Stop(); err != nil {
		t.Errorf("Second Stop() failed: %v", err)
	}
}

func TestFileWatcher_StartMissingRoot(t *testing.T) {
	fw, err := NewFileWatcher("", nil)
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("Start() should fail for a missing root")
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after a failed Start()")
	}
}

func TestFileWatcher_WatchesTreeExceptTemplate(t *testing.T) {
	root, template := setupTree(t)
	if err := os.MkdirAll(filepath.Join(template, "Drawings"), 0755); err != nil {
		t.Fatalf("Failed to create template subdir: %v", err)
	}

	fw := startWatcher(t, root, template)

	// root, Acme, Acme/Tower
	if got := fw.DirCount(); got != 3 {
		t.Errorf("DirCount() = %d, want 3", got)
	}
	if !fw.Excluded(filepath.Join(template, "Drawings")) {
		t.Error("Template subdirectory should be excluded")
	}
	if fw.Excluded(filepath.Join(root, "Acme")) {
		t.Error("Project directory should not be excluded")
	}
}

func TestFileWatcher_DirectoryCreated(t *testing.T) {
	root, template := setupTree(t)
	fw := startWatcher(t, root, template)

	dir := filepath.Join(root, "Beta")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	ev := waitForEvent(t, fw, "directory create", func(ev Event) bool {
		return ev.Path == dir
	})
	if ev.Kind != KindCreated {
		t.Errorf("Expected KindCreated, got %v", ev.Kind)
	}
	if !ev.IsDir {
		t.Error("Expected IsDir for a new directory")
	}
}

func TestFileWatcher_NewDirectoryIsWatched(t *testing.T) {
	root, template := setupTree(t)
	fw := startWatcher(t, root, template)

	dir := filepath.Join(root, "Beta")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	waitForEvent(t, fw, "directory create", func(ev Event) bool { return ev.Path == dir })

	// A project created inside the new directory must be seen.
	nested := filepath.Join(dir, "Bridge")
	if err := os.Mkdir(nested, 0755); err != nil {
		t.Fatalf("Failed to create nested directory: %v", err)
	}
	waitForEvent(t, fw, "nested directory create", func(ev Event) bool {
		return ev.Path == nested && ev.Kind == KindCreated
	})
}

func TestFileWatcher_SentinelEvents(t *testing.T) {
	root, template := setupTree(t)
	fw := startWatcher(t, root, template)

	path := sentinel.Path(filepath.Join(root, "Acme", "Tower"))
	if _, err := sentinel.AssignIdentity(path); err != nil {
		t.Fatalf("AssignIdentity() failed: %v", err)
	}

	ev := waitForEvent(t, fw, "sentinel create", func(ev Event) bool { return ev.Path == path })
	if ev.IsDir {
		t.Error("Sentinel event should not be a directory")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove sentinel: %v", err)
	}
	waitForEvent(t, fw, "sentinel delete", func(ev Event) bool {
		return ev.Path == path && ev.Kind == KindDeleted
	})
}

func TestFileWatcher_IgnoresRegularFiles(t *testing.T) {
	root, template := setupTree(t)
	fw := startWatcher(t, root, template)

	if err := os.WriteFile(filepath.Join(root, "Acme", "notes.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	// Also ignored: anything in the template.
	if err := os.Mkdir(filepath.Join(template, "Sheets"), 0755); err != nil {
		t.Fatalf("Failed to create template subdir: %v", err)
	}

	marker := filepath.Join(root, "Marker")
	if err := os.Mkdir(marker, 0755); err != nil {
		t.Fatalf("Failed to create marker: %v", err)
	}

	// The marker must be the first event delivered.
	ev := waitForEvent(t, fw, "marker", func(Event) bool { return true })
	if ev.Path != marker {
		t.Errorf("Expected first event for %s, got %+v", marker, ev)
	}
}

func TestFileWatcher_DirectoryRemoved(t *testing.T) {
	root, template := setupTree(t)
	fw := startWatcher(t, root, template)

	tower := filepath.Join(root, "Acme", "Tower")
	if err := os.Remove(tower); err != nil {
		t.Fatalf("Failed to remove directory: %v", err)
	}

	ev := waitForEvent(t, fw, "directory delete", func(ev Event) bool {
		return ev.Path == tower && ev.IsDir
	})
	if ev.Kind != KindDeleted {
		t.Errorf("Expected KindDeleted, got %v", ev.Kind)
	}
	if got := fw.DirCount(); got != 2 {
		t.Errorf("DirCount() = %d after removal, want 2", got)
	}
}

func TestFileWatcher_DirectoryMoved(t *testing.T) {
	root, template := setupTree(t)
	fw := startWatcher(t, root, template)

	from := filepath.Join(root, "Acme")
	to := filepath.Join(root, "Acme Corp")
	if err := os.Rename(from, to); err != nil {
		t.Fatalf("Failed to rename directory: %v", err)
	}

	waitForEvent(t, fw, "move source", func(ev Event) bool {
		return ev.Path == from && ev.Kind == KindMoved
	})
	waitForEvent(t, fw, "move destination", func(ev Event) bool {
		return ev.Path == to && ev.Kind == KindCreated
	})
}

func TestFileWatcher_RootRemoved(t *testing.T) {
	root, template := setupTree(t)
	fw := startWatcher(t, root, template)

	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("Failed to remove root: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-fw.Events():
			// Removals below the root arrive first.
		case err := <-fw.Errors():
			if !errors.Is(err, ErrRootLost) {
				t.Fatalf("Errors() = %v, want ErrRootLost", err)
			}
			return
		case <-deadline:
			t.Fatal("Timeout waiting for ErrRootLost")
		}
	}
}

func TestEventKind_String(t *testing.T) {
	tests := []struct {
		kind EventKind
		want string
	}{
		{KindCreated, "created"},
		{KindModified, "modified"},
		{KindDeleted, "deleted"},
		{KindMoved, "moved"},
		{EventKind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("EventKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
