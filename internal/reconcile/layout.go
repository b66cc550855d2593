package reconcile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/geooffice/projectsync/internal/catalog"
)

// ErrConfiguration marks a pass that could not start because the projects
// root is not configured or not reachable.
var ErrConfiguration = errors.New("configuration error")

// Layout is the resolved location of the projects tree.
type Layout struct {
	ProjectsRoot string `json:"projects_root"`

	// TemplateDir is excluded from scanning. Empty disables the exclusion.
	TemplateDir string `json:"template_dir,omitempty"`
}

// TemplateName returns the leaf name of the template directory.
func (l Layout) TemplateName() string {
	if l.TemplateDir == "" {
		return ""
	}
	return filepath.Base(l.TemplateDir)
}

// ResolveLayout joins the settings row onto the file server root and
// checks that the projects root is a reachable directory.
func ResolveLayout(fileServer string, settings catalog.Settings) (Layout, error) {
	if strings.TrimSpace(fileServer) == "" {
		return Layout{}, fmt.Errorf("%w: file_server is not set", ErrConfiguration)
	}
	if strings.TrimSpace(settings.ProjectDir) == "" {
		return Layout{}, fmt.Errorf("%w: project_dir is not set", ErrConfiguration)
	}

	layout := Layout{ProjectsRoot: join(fileServer, settings.ProjectDir)}
	if strings.TrimSpace(settings.TemplateProjectDir) != "" {
		layout.TemplateDir = join(fileServer, settings.TemplateProjectDir)
	}

	info, err := os.Stat(layout.ProjectsRoot)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: projects root unreachable: %w", ErrConfiguration, err)
	}
	if !info.IsDir() {
		return Layout{}, fmt.Errorf("%w: projects root %s is not a directory", ErrConfiguration, layout.ProjectsRoot)
	}

	return layout, nil
}

func join(root, rel string) string {
	rel = filepath.FromSlash(strings.TrimSpace(rel))
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(root, rel)
}

// projectDir returns the absolute directory for a relative project path.
func (l Layout) projectDir(relPath string) string {
	return filepath.Join(l.ProjectsRoot, filepath.FromSlash(relPath))
}

// leaf returns the last element of a slash-separated relative path.
func leaf(relPath string) string {
	if i := strings.LastIndex(relPath, "/"); i >= 0 {
		return relPath[i+1:]
	}
	return relPath
}
