package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a project record.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Project is one catalog row.
//
// Path is relative to the projects root and always uses forward slashes.
// Identity is the token read from the project's sentinel file.
type Project struct {
	ID         int64     `json:"id" yaml:"id"`
	Identity   string    `json:"identity" yaml:"identity"`
	Name       string    `json:"name" yaml:"name"`
	Path       string    `json:"path" yaml:"path"`
	Status     Status    `json:"status" yaml:"status"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	ModifiedAt time.Time `json:"modified_at" yaml:"modified_at"`
}

// IsActive reports whether the record has not been marked deleted.
func (p Project) IsActive() bool {
	return p.Status != StatusDeleted
}

const projectColumns = `id, identity, name, path, status, created_at, modified_at`

// ListActive returns every non-deleted project ordered by id.
//
// The order is the store iteration order used to break ties between rows
// sharing an identity.
func (db *DB) ListActive(ctx context.Context) ([]Project, error) {
	return db.List(ctx, ListOptions{})
}

// ListOptions filters List results.
type ListOptions struct {
	// IncludeDeleted returns deleted rows as well.
	IncludeDeleted bool

	// ModifiedSince keeps rows modified at or after this time when non-zero.
	ModifiedSince time.Time

	// Limit caps the number of rows when positive.
	Limit int
}

// List returns projects ordered by id.
func (db *DB) List(ctx context.Context, opts ListOptions) ([]Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`

	var conditions []string
	var args []interface{}

	if !opts.IncludeDeleted {
		conditions = append(conditions, "status != ?")
		args = append(args, string(StatusDeleted))
	}
	if !opts.ModifiedSince.IsZero() {
		conditions = append(conditions, "modified_at >= ?")
		args = append(args, formatTime(opts.ModifiedSince))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	return scanProjects(rows)
}

// SearchOptions controls Search.
type SearchOptions struct {
	IncludeDeleted bool

	// ByModified orders results newest first instead of by name.
	ByModified bool

	// ModifiedSince keeps rows modified at or after this time when non-zero.
	ModifiedSince time.Time
}

// Search returns projects whose name or path contains every word of query,
// case-insensitively. An empty query matches everything.
func (db *DB) Search(ctx context.Context, query string, opts SearchOptions) ([]Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects`

	var conditions []string
	var args []interface{}

	if !opts.IncludeDeleted {
		conditions = append(conditions, "status != ?")
		args = append(args, string(StatusDeleted))
	}
	if !opts.ModifiedSince.IsZero() {
		conditions = append(conditions, "modified_at >= ?")
		args = append(args, formatTime(opts.ModifiedSince))
	}
	for _, word := range strings.Fields(strings.ToLower(query)) {
		conditions = append(conditions, "instr(lower(name || ' ' || path), ?) > 0")
		args = append(args, word)
	}

	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	if opts.ByModified {
		q += " ORDER BY modified_at DESC, id ASC"
	} else {
		q += " ORDER BY lower(name) ASC, id ASC"
	}

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search projects: %w", err)
	}
	defer rows.Close()

	return scanProjects(rows)
}

// Get returns the project with the given id.
func (db *DB) Get(ctx context.Context, id int64) (*Project, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project %d: %w", id, err)
	}
	return p, nil
}

// GetByIdentity returns the project carrying identity.
//
// When several rows share the identity an active one wins, then the lowest
// id. Returns ErrNotFound when no row matches.
func (db *DB) GetByIdentity(ctx context.Context, identity string) (*Project, error) {
	query := `
	SELECT ` + projectColumns + `
	FROM projects
	WHERE lower(identity) = lower(?)
	ORDER BY CASE WHEN status = 'deleted' THEN 1 ELSE 0 END, id ASC
	LIMIT 1
	`
	p, err := scanProject(db.conn.QueryRowContext(ctx, query, strings.TrimSpace(identity)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("identity %s: %w", identity, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project by identity %s: %w", identity, err)
	}
	return p, nil
}

// GetByPath returns the lowest-id active project at relPath.
func (db *DB) GetByPath(ctx context.Context, relPath string) (*Project, error) {
	query := `
	SELECT ` + projectColumns + `
	FROM projects
	WHERE path = ? AND status != 'deleted'
	ORDER BY id ASC
	LIMIT 1
	`
	p, err := scanProject(db.conn.QueryRowContext(ctx, query, relPath))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("path %s: %w", relPath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project by path %s: %w", relPath, err)
	}
	return p, nil
}

// Create inserts a new active project and returns it.
func (db *DB) Create(ctx context.Context, name, relPath, identity string) (*Project, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}
	if relPath == "" {
		return nil, fmt.Errorf("path is required")
	}

	now := db.now().UTC()
	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO projects (identity, name, path, status, created_at, modified_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, identity, name, relPath, string(StatusActive), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create project %s: %w", relPath, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read id of project %s: %w", relPath, err)
	}

	return &Project{
		ID:         id,
		Identity:   identity,
		Name:       name,
		Path:       relPath,
		Status:     StatusActive,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}

// UpdatePath moves a project to relPath.
func (db *DB) UpdatePath(ctx context.Context, id int64, relPath string) error {
	if relPath == "" {
		return fmt.Errorf("path is required")
	}
	return db.update(ctx, "update path of", id, `path = ?`, relPath)
}

// UpdateName renames a project.
func (db *DB) UpdateName(ctx context.Context, id int64, name string) error {
	return db.update(ctx, "rename", id, `name = ?`, name)
}

// MarkDeleted flags a project as deleted. The row is kept.
func (db *DB) MarkDeleted(ctx context.Context, id int64) error {
	return db.update(ctx, "mark deleted", id, `status = ?`, string(StatusDeleted))
}

// Reactivate returns a deleted project to active at relPath.
func (db *DB) Reactivate(ctx context.Context, id int64, relPath string) error {
	if relPath == "" {
		return fmt.Errorf("path is required")
	}
	return db.update(ctx, "reactivate", id, `status = ?, path = ?`, string(StatusActive), relPath)
}

// TouchModified advances modified_at without changing anything else.
func (db *DB) TouchModified(ctx context.Context, id int64) error {
	return db.update(ctx, "touch", id, "")
}

// update applies assignments to one row and advances modified_at.
func (db *DB) update(ctx context.Context, op string, id int64, assignments string, args ...interface{}) error {
	set := "modified_at = ?"
	if assignments != "" {
		set = assignments + ", " + set
	}
	args = append(args, formatTime(db.now()), id)

	res, err := db.conn.ExecContext(ctx, `UPDATE projects SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to %s project %d: %w", op, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s project %d: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to %s project %d: %w", op, id, ErrNotFound)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var status, createdAt, modifiedAt string

	if err := row.Scan(&p.ID, &p.Identity, &p.Name, &p.Path, &status, &createdAt, &modifiedAt); err != nil {
		return nil, err
	}

	p.Status = Status(status)

	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, err
	}

	return &p, nil
}

func scanProjects(rows *sql.Rows) ([]Project, error) {
	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}
