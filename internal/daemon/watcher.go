package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/geooffice/projectsync/internal/scanner"
	"github.com/geooffice/projectsync/internal/sentinel"
)

// EventKind is the type of file system change.
type EventKind int

const (
	// KindCreated indicates a new file or directory.
	KindCreated EventKind = iota
	// KindModified indicates an existing file was written.
	KindModified
	// KindDeleted indicates a file or directory was removed.
	KindDeleted
	// KindMoved indicates a file or directory was renamed away. The new
	// name arrives as a separate KindCreated event.
	KindMoved
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	case KindMoved:
		return "moved"
	default:
		return "unknown"
	}
}

// ErrRootLost is reported on Errors when the watched root itself is
// removed or renamed. No further events arrive after it; the watcher has
// to be restarted once the root is back.
var ErrRootLost = errors.New("projects root removed or renamed")

// Event is a relevant change below the projects root.
type Event struct {
	Kind EventKind
	// Path is the absolute path that changed.
	Path string
	// Dest is the destination of a move when the platform reports it.
	Dest string
	// IsDir is true for directories.
	IsDir bool
}

// FileWatcher recursively watches the projects root.
//
// Only changes that can affect reconciliation are emitted: directory
// events and sentinel file events. Everything under the excluded template
// directory is dropped. New directories are watched as they appear.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	root    string
	exclude string
	logger  *slog.Logger

	dirsMu sync.Mutex
	dirs   map[string]struct{}
}

// NewFileWatcher creates a watcher. exclude is the template directory to
// ignore; empty disables the exclusion. The watcher must be started with
// Start before it emits events.
func NewFileWatcher(exclude string, logger *slog.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if exclude != "" {
		if abs, err := filepath.Abs(exclude); err == nil {
			exclude = abs
		}
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		exclude: exclude,
		logger:  logger.With(slog.String("component", "watcher")),
		dirs:    make(map[string]struct{}),
	}, nil
}

// Start watches root and every directory below it.
// Returns an error if root itself cannot be watched.
func (fw *FileWatcher) Start(root string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	fw.root = abs

	if err := fw.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch projects root %s: %w", abs, err)
	}
	fw.trackDir(abs)
	fw.addTree(abs)

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	fw.logger.Info("watching projects root", slog.String("root", abs), slog.Int("directories", fw.DirCount()))
	return nil
}

// Stop stops watching and closes the event channels.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel of relevant changes.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan Event {
	return fw.events
}

// Errors returns the channel of watcher errors, including
// fsnotify.ErrEventOverflow when events were lost.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// DirCount returns the number of watched directories.
func (fw *FileWatcher) DirCount() int {
	fw.dirsMu.Lock()
	defer fw.dirsMu.Unlock()
	return len(fw.dirs)
}

// Excluded reports whether path lies in the template subtree.
func (fw *FileWatcher) Excluded(path string) bool {
	return fw.exclude != "" && scanner.Within(path, fw.exclude)
}

// addTree watches every directory below dir. Failures on individual
// directories are logged and skipped.
func (fw *FileWatcher) addTree(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fw.logger.Warn("cannot watch directory", slog.String("path", path), slog.Any("error", err))
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() || path == dir {
			return nil
		}
		if fw.Excluded(path) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			fw.logger.Warn("cannot watch directory", slog.String("path", path), slog.Any("error", err))
			return filepath.SkipDir
		}
		fw.trackDir(path)
		return nil
	})
	if err != nil {
		fw.logger.Warn("failed to walk directory", slog.String("path", dir), slog.Any("error", err))
	}
}

func (fw *FileWatcher) trackDir(path string) {
	fw.dirsMu.Lock()
	fw.dirs[path] = struct{}{}
	fw.dirsMu.Unlock()
}

// forgetDir drops path and its descendants, reporting whether path was a
// watched directory.
func (fw *FileWatcher) forgetDir(path string) bool {
	fw.dirsMu.Lock()
	defer fw.dirsMu.Unlock()

	_, known := fw.dirs[path]
	prefix := path + string(filepath.Separator)
	for dir := range fw.dirs {
		if dir == path || strings.HasPrefix(dir, prefix) {
			delete(fw.dirs, dir)
		}
	}
	return known
}

// processEvents converts fsnotify events until the watcher stops.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fw.isRootLoss(event) {
				fw.forgetDir(fw.root)
				select {
				case fw.errors <- fmt.Errorf("%w: %s", ErrRootLost, fw.root):
				case <-fw.done:
					return
				}
				continue
			}

			if ev, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- ev:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// isRootLoss reports whether event removes or renames the watched root.
func (fw *FileWatcher) isRootLoss(event fsnotify.Event) bool {
	return event.Name == fw.root && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename))
}

// convertEvent maps an fsnotify event to an Event.
// Returns (Event{}, false) if the event should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (Event, bool) {
	path := event.Name
	if fw.Excluded(path) {
		return Event{}, false
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			// Gone again before we looked; a removal event follows.
			return Event{}, false
		}
		if info.IsDir() {
			if err := fw.watcher.Add(path); err != nil {
				fw.logger.Warn("cannot watch directory", slog.String("path", path), slog.Any("error", err))
			} else {
				fw.trackDir(path)
			}
			// A directory moved in may already hold projects.
			fw.addTree(path)
			return Event{Kind: KindCreated, Path: path, IsDir: true}, true
		}
		if !sentinel.IsSentinel(path) {
			return Event{}, false
		}
		return Event{Kind: KindCreated, Path: path}, true

	case event.Has(fsnotify.Write):
		if !sentinel.IsSentinel(path) {
			return Event{}, false
		}
		return Event{Kind: KindModified, Path: path}, true

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		kind := KindDeleted
		if event.Has(fsnotify.Rename) {
			kind = KindMoved
		}
		isDir := fw.forgetDir(path)
		if !isDir && !sentinel.IsSentinel(path) {
			return Event{}, false
		}
		return Event{Kind: kind, Path: path, IsDir: isDir}, true

	default:
		// Ignore chmod
		return Event{}, false
	}
}
