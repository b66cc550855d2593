package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geooffice/projectsync/internal/catalog"
	"github.com/geooffice/projectsync/internal/reconcile"
	"github.com/geooffice/projectsync/internal/sentinel"
)

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	// Package-level flag variables survive between executions.
	configPath, logLevel = "", ""
	jsonOutput, syncDryRun, listAll, listModified = false, false, false, false
	initInteractive, initForce = false, false
	listQuery, listSince, listFormat = "", "", "table"
	initFileServer, initProjectDir, initTemplateDir = "", "", ""
	settingsProjectDir, settingsTemplateDir = "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// setupShare creates a file server with one untokened project and writes
// a config file for it.
func setupShare(t *testing.T) (configFile, fileServer string) {
	t.Helper()

	fileServer = t.TempDir()
	tower := filepath.Join(fileServer, "Projects", "Acme", "Tower")
	require.NoError(t, os.MkdirAll(tower, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(fileServer, "Projects", "_Template"), 0755))
	require.NoError(t, os.WriteFile(sentinel.Path(tower), nil, 0644))

	// The template's own sentinel must never be catalogued.
	require.NoError(t, os.WriteFile(sentinel.Path(filepath.Join(fileServer, "Projects", "_Template")), nil, 0644))

	configFile = filepath.Join(t.TempDir(), "config.toml")
	_, err := run(t, "init",
		"--config", configFile,
		"--file-server", fileServer,
		"--project-dir", "Projects",
		"--template-dir", "Projects/_Template")
	require.NoError(t, err)
	return configFile, fileServer
}

func TestInitRefusesOverwrite(t *testing.T) {
	configFile, fileServer := setupShare(t)

	_, err := run(t, "init", "--config", configFile, "--file-server", fileServer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = run(t, "init", "--config", configFile, "--file-server", fileServer, "--force")
	assert.NoError(t, err)
}

func TestSyncAdoptsAndLists(t *testing.T) {
	configFile, fileServer := setupShare(t)

	out, err := run(t, "sync", "--dry-run", "--json", "--config", configFile)
	require.NoError(t, err)
	var plan reconcile.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, 1, plan.Count(reconcile.ActionAdopt))

	// Dry run wrote nothing.
	token, err := sentinel.ReadIdentity(sentinel.Path(filepath.Join(fileServer, "Projects", "Acme", "Tower")))
	require.NoError(t, err)
	assert.Empty(t, token)

	out, err = run(t, "sync", "--json", "--config", configFile)
	require.NoError(t, err)
	var result reconcile.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.Adopted)
	assert.Zero(t, result.Failed)

	token, err = sentinel.ReadIdentity(sentinel.Path(filepath.Join(fileServer, "Projects", "Acme", "Tower")))
	require.NoError(t, err)
	assert.True(t, sentinel.IsValidIdentity(token))

	out, err = run(t, "list", "--format", "json", "--config", configFile)
	require.NoError(t, err)
	var projects []catalog.Project
	require.NoError(t, json.Unmarshal([]byte(out), &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, "Tower", projects[0].Name)
	assert.Equal(t, "Acme/Tower", projects[0].Path)
	assert.Equal(t, token, projects[0].Identity)

	// A second pass changes nothing.
	out, err = run(t, "sync", "--json", "--config", configFile)
	require.NoError(t, err)
	result = reconcile.Result{}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Zero(t, result.Mutations())
}

func TestListYAMLAndTable(t *testing.T) {
	configFile, _ := setupShare(t)
	_, err := run(t, "sync", "--config", configFile)
	require.NoError(t, err)

	out, err := run(t, "list", "--format", "yaml", "--config", configFile)
	require.NoError(t, err)
	assert.Contains(t, out, "path: Acme/Tower")

	out, err = run(t, "list", "--config", configFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Acme/Tower")
	assert.Contains(t, out, "1 project")

	_, err = run(t, "list", "--format", "csv", "--config", configFile)
	assert.Error(t, err)
}

func TestSettingsShowAndSet(t *testing.T) {
	configFile, _ := setupShare(t)

	out, err := run(t, "settings", "show", "--json", "--config", configFile)
	require.NoError(t, err)
	var s catalog.Settings
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, "Projects", s.ProjectDir)
	assert.Equal(t, "Projects/_Template", s.TemplateProjectDir)

	_, err = run(t, "settings", "set", "--config", configFile)
	assert.Error(t, err)

	_, err = run(t, "settings", "set", "--template-dir", "/abs", "--config", configFile)
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	configFile, fileServer := setupShare(t)

	out, err := run(t, "status", "--json", "--config", configFile)
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, fileServer, report.FileServer)
	assert.Empty(t, report.LayoutError)
	assert.True(t, strings.HasSuffix(report.ProjectsRoot, "Projects"))
	assert.Zero(t, report.Stats.Total())
}

func TestMissingConfigFile(t *testing.T) {
	_, err := run(t, "status", "--config", filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
