package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Settings is the single settings row. Both directories are relative to
// the file server root.
type Settings struct {
	ProjectDir         string `json:"project_dir" yaml:"project_dir"`
	TemplateProjectDir string `json:"template_project_dir" yaml:"template_project_dir"`
}

// GetSettings returns the settings row, or zero Settings if the row is
// missing.
func (db *DB) GetSettings(ctx context.Context) (Settings, error) {
	var s Settings
	err := db.conn.QueryRowContext(ctx,
		`SELECT project_dir, template_project_dir FROM settings WHERE id = 1`,
	).Scan(&s.ProjectDir, &s.TemplateProjectDir)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	return s, nil
}

// SaveSettings replaces the settings row.
func (db *DB) SaveSettings(ctx context.Context, s Settings) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO settings (id, project_dir, template_project_dir)
	VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		project_dir = excluded.project_dir,
		template_project_dir = excluded.template_project_dir
	`, s.ProjectDir, s.TemplateProjectDir)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
