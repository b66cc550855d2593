// Package scanner walks the projects root and collects sentinel tokens.
//
// A scan returns a Snapshot: one entry per project directory, keyed by the
// directory path relative to the root (forward slashes), holding the raw
// sentinel content. Classification of the content is left to the caller.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/geooffice/projectsync/internal/sentinel"
)

// Snapshot maps a project's relative path to its raw sentinel token.
type Snapshot map[string]string

// Paths returns the snapshot keys in sorted order.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Config configures a Scanner.
type Config struct {
	// Ignore holds doublestar patterns matched against root-relative,
	// slash-separated paths. Matching directories are not descended into.
	Ignore []string

	// Logger receives per-entry warnings. Defaults to a discarding logger.
	Logger *slog.Logger
}

// Scanner finds sentinel files below a root directory.
type Scanner struct {
	ignore []string
	logger *slog.Logger
}

// New creates a Scanner. Invalid ignore patterns are rejected.
func New(cfg Config) (*Scanner, error) {
	for _, pattern := range cfg.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Scanner{
		ignore: cfg.Ignore,
		logger: cfg.Logger.With(slog.String("component", "scanner")),
	}, nil
}

// Scan walks projectsRoot with a default Scanner.
func Scan(ctx context.Context, projectsRoot, templateExcludePath string) (Snapshot, error) {
	s, _ := New(Config{})
	return s.Scan(ctx, projectsRoot, templateExcludePath)
}

// Scan enumerates every sentinel file under projectsRoot.
//
// Sentinels whose resolved path lies under templateExcludePath are skipped,
// and the template directory is never descended into. An empty
// templateExcludePath disables the exclusion. Read errors on individual
// entries are logged and skipped; only a failure to enumerate the root
// itself is returned, together with an empty snapshot.
func (s *Scanner) Scan(ctx context.Context, projectsRoot, templateExcludePath string) (Snapshot, error) {
	snapshot := make(Snapshot)

	root, err := resolve(projectsRoot)
	if err != nil {
		return snapshot, fmt.Errorf("failed to resolve projects root %s: %w", projectsRoot, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return snapshot, fmt.Errorf("failed to stat projects root: %w", err)
	}
	if !info.IsDir() {
		return snapshot, fmt.Errorf("projects root %s is not a directory", root)
	}

	var template string
	if templateExcludePath != "" {
		if template, err = resolve(templateExcludePath); err != nil {
			return snapshot, fmt.Errorf("failed to resolve template path %s: %w", templateExcludePath, err)
		}
	}

	var skipped int
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			if path == root {
				return err
			}
			s.logger.Warn("skipping unreadable entry", slog.String("path", path), slog.Any("error", err))
			skipped++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if template != "" && Within(path, template) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if rel != "." && s.ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || d.Name() != sentinel.FileName || !d.Type().IsRegular() {
			return nil
		}

		projectRel := filepath.ToSlash(filepath.Dir(rel))
		if projectRel == "." {
			s.logger.Warn("ignoring sentinel in projects root", slog.String("path", path))
			return nil
		}

		token, err := sentinel.ReadIdentity(path)
		if err != nil {
			s.logger.Warn("skipping unreadable sentinel", slog.String("path", path), slog.Any("error", err))
			skipped++
			return nil
		}

		if _, dup := snapshot[projectRel]; dup {
			s.logger.Warn("duplicate project path in scan", slog.String("path", projectRel))
		}
		snapshot[projectRel] = token
		return nil
	})

	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return make(Snapshot), walkErr
		}
		return make(Snapshot), fmt.Errorf("failed to walk projects root %s: %w", root, walkErr)
	}

	s.logger.Debug("scan complete",
		slog.String("root", root),
		slog.Int("projects", len(snapshot)),
		slog.Int("skipped", skipped))

	return snapshot, nil
}

func (s *Scanner) ignored(rel string) bool {
	for _, pattern := range s.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Within reports whether path equals base or lies below it, comparing
// whole path components.
func Within(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolve returns the absolute, symlink-free form of path. Paths that do
// not exist yet resolve to their cleaned absolute form.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return abs, nil
}
