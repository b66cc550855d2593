package reconcile

import (
	"fmt"
	"strings"

	"github.com/geooffice/projectsync/internal/catalog"
	"github.com/geooffice/projectsync/internal/scanner"
	"github.com/geooffice/projectsync/internal/sentinel"
)

// Policy decides what happens to identities seen on only one side.
type Policy struct {
	// MarkMissingDeleted marks catalog rows deleted when their identity is
	// no longer found on disk.
	MarkMissingDeleted bool `mapstructure:"mark_missing_deleted" json:"mark_missing_deleted"`

	// AdoptUnknownTokens creates (or reactivates) a catalog row for a valid
	// identity found on disk but not among the active rows.
	AdoptUnknownTokens bool `mapstructure:"adopt_unknown_tokens" json:"adopt_unknown_tokens"`

	// RestoreFromCatalog writes a row's identity back into an untokened
	// sentinel at the row's path, instead of minting a new identity, when
	// that identity is found nowhere else on disk.
	RestoreFromCatalog bool `mapstructure:"restore_from_catalog" json:"restore_from_catalog"`
}

// DefaultPolicy performs the full three-way reconciliation.
func DefaultPolicy() Policy {
	return Policy{
		MarkMissingDeleted: true,
		AdoptUnknownTokens: true,
		RestoreFromCatalog: true,
	}
}

// ActionKind names a single catalog or sentinel change.
type ActionKind string

const (
	// ActionUpdatePath moves a row to the directory its identity was found in.
	ActionUpdatePath ActionKind = "update_path"
	// ActionAdopt mints an identity for an untokened sentinel and creates a row.
	ActionAdopt ActionKind = "adopt"
	// ActionRestore writes an existing row's identity into an untokened sentinel.
	ActionRestore ActionKind = "restore"
	// ActionInsert creates a row for a valid identity unknown to the catalog.
	ActionInsert ActionKind = "insert"
	// ActionReactivate revives a deleted row whose identity reappeared.
	ActionReactivate ActionKind = "reactivate"
	// ActionMarkDeleted flags a row whose identity vanished from disk.
	ActionMarkDeleted ActionKind = "mark_deleted"
)

// Action is one step of a Plan.
type Action struct {
	Kind      ActionKind `json:"kind"`
	ProjectID int64      `json:"project_id,omitempty"`
	Identity  string     `json:"identity,omitempty"`
	Path      string     `json:"path"`
	OldPath   string     `json:"old_path,omitempty"`

	// Rename is the new display name applied alongside a path update.
	Rename string `json:"rename,omitempty"`
}

func (a Action) String() string {
	switch a.Kind {
	case ActionUpdatePath:
		s := fmt.Sprintf("%s #%d %s -> %s", a.Kind, a.ProjectID, a.OldPath, a.Path)
		if a.Rename != "" {
			s += fmt.Sprintf(" (rename to %q)", a.Rename)
		}
		return s
	case ActionAdopt:
		return fmt.Sprintf("%s %s", a.Kind, a.Path)
	case ActionInsert:
		return fmt.Sprintf("%s %s %s", a.Kind, a.Path, a.Identity)
	default:
		return fmt.Sprintf("%s #%d %s", a.Kind, a.ProjectID, a.Path)
	}
}

// AnomalyKind classifies an inconsistency found while diffing.
type AnomalyKind string

const (
	// AnomalyDuplicateIdentity: several active rows share an identity.
	AnomalyDuplicateIdentity AnomalyKind = "duplicate_identity"
	// AnomalyDuplicatePath: several active rows share a path.
	AnomalyDuplicatePath AnomalyKind = "duplicate_path"
	// AnomalyDuplicateToken: several directories carry the same identity.
	AnomalyDuplicateToken AnomalyKind = "duplicate_token"
	// AnomalyEmptyScan: nothing was found on disk while the catalog has
	// active rows, so deletions were withheld.
	AnomalyEmptyScan AnomalyKind = "empty_scan"
)

// Anomaly describes an inconsistency that the pass tolerated.
type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	Identity  string      `json:"identity,omitempty"`
	Path      string      `json:"path,omitempty"`
	ProjectID int64       `json:"project_id,omitempty"`

	// Winner is the row id or path that was used instead.
	Winner string `json:"winner,omitempty"`
}

func (a Anomaly) String() string {
	switch a.Kind {
	case AnomalyDuplicateIdentity:
		return fmt.Sprintf("row #%d shares identity %s with row %s", a.ProjectID, a.Identity, a.Winner)
	case AnomalyDuplicatePath:
		return fmt.Sprintf("row #%d shares path %s with row %s", a.ProjectID, a.Path, a.Winner)
	case AnomalyDuplicateToken:
		return fmt.Sprintf("%s carries identity %s already used by %s", a.Path, a.Identity, a.Winner)
	case AnomalyEmptyScan:
		return "scan found no projects; deletions withheld"
	default:
		return string(a.Kind)
	}
}

// Plan is the set of changes one pass would apply.
type Plan struct {
	Layout    Layout    `json:"layout"`
	Actions   []Action  `json:"actions"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`

	// Scanned is the number of project directories found on disk.
	Scanned int `json:"scanned"`
	// Active is the number of active catalog rows compared.
	Active int `json:"active"`
	// WithheldDeletes counts deletions skipped by the empty-scan guard.
	WithheldDeletes int `json:"withheld_deletes,omitempty"`
}

// Count returns the number of actions of a kind.
func (p *Plan) Count(kind ActionKind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// DiffOptions tunes Diff.
type DiffOptions struct {
	Policy Policy

	// TemplateName is the leaf name of the template directory. Rows still
	// carrying it as their name are renamed when their path changes.
	TemplateName string
}

// Diff compares the active catalog rows with a scan snapshot.
//
// db must be in store iteration order; it decides which duplicate row
// wins. Diff does not touch the catalog or the filesystem.
func Diff(db []catalog.Project, fs scanner.Snapshot, opts DiffOptions) *Plan {
	plan := &Plan{Scanned: len(fs), Active: len(db)}

	// Partition the snapshot. Paths are visited in sorted order so the
	// winner of a copied sentinel is deterministic.
	fsByIdentity := make(map[string]string)
	fsTokens := make(map[string]string)
	var fsOrder []string
	var untokened []string
	for _, path := range fs.Paths() {
		token := fs[path]
		if !sentinel.IsValidIdentity(token) {
			untokened = append(untokened, path)
			continue
		}
		key := sentinel.Normalize(token)
		if winner, dup := fsByIdentity[key]; dup {
			plan.Anomalies = append(plan.Anomalies, Anomaly{
				Kind:     AnomalyDuplicateToken,
				Identity: strings.TrimSpace(token),
				Path:     path,
				Winner:   winner,
			})
			continue
		}
		fsByIdentity[key] = path
		fsTokens[key] = strings.TrimSpace(token)
		fsOrder = append(fsOrder, key)
	}

	// Index the catalog; the first row in store order wins.
	dbByIdentity := make(map[string]catalog.Project)
	dbByPath := make(map[string]catalog.Project)
	var dbOrder []string
	for _, p := range db {
		key := sentinel.Normalize(p.Identity)
		if winner, dup := dbByIdentity[key]; dup {
			plan.Anomalies = append(plan.Anomalies, Anomaly{
				Kind:      AnomalyDuplicateIdentity,
				Identity:  p.Identity,
				Path:      p.Path,
				ProjectID: p.ID,
				Winner:    fmt.Sprintf("#%d", winner.ID),
			})
		} else {
			dbByIdentity[key] = p
			dbOrder = append(dbOrder, key)
		}
		if winner, dup := dbByPath[p.Path]; dup {
			plan.Anomalies = append(plan.Anomalies, Anomaly{
				Kind:      AnomalyDuplicatePath,
				Identity:  p.Identity,
				Path:      p.Path,
				ProjectID: p.ID,
				Winner:    fmt.Sprintf("#%d", winner.ID),
			})
		} else {
			dbByPath[p.Path] = p
		}
	}

	// Matched identities: the catalog path follows the directory.
	for _, key := range dbOrder {
		fsPath, ok := fsByIdentity[key]
		if !ok {
			continue
		}
		rec := dbByIdentity[key]
		if rec.Path == fsPath {
			continue
		}
		action := Action{
			Kind:      ActionUpdatePath,
			ProjectID: rec.ID,
			Identity:  rec.Identity,
			Path:      fsPath,
			OldPath:   rec.Path,
		}
		if newName := leaf(fsPath); newName != rec.Name && nameIsDerived(rec, opts.TemplateName) {
			action.Rename = newName
		}
		plan.Actions = append(plan.Actions, action)
	}

	// Untokened sentinels: restore a known identity or adopt a new one.
	restored := make(map[string]bool)
	for _, path := range untokened {
		if opts.Policy.RestoreFromCatalog {
			if rec, ok := dbByPath[path]; ok {
				key := sentinel.Normalize(rec.Identity)
				_, onDisk := fsByIdentity[key]
				if !onDisk && !restored[key] && dbByIdentity[key].ID == rec.ID && sentinel.IsValidIdentity(rec.Identity) {
					restored[key] = true
					plan.Actions = append(plan.Actions, Action{
						Kind:      ActionRestore,
						ProjectID: rec.ID,
						Identity:  rec.Identity,
						Path:      path,
					})
					continue
				}
			}
		}
		plan.Actions = append(plan.Actions, Action{Kind: ActionAdopt, Path: path})
	}

	// Catalog-only identities.
	if opts.Policy.MarkMissingDeleted {
		var deletes []Action
		for _, key := range dbOrder {
			if _, ok := fsByIdentity[key]; ok || restored[key] {
				continue
			}
			rec := dbByIdentity[key]
			deletes = append(deletes, Action{
				Kind:      ActionMarkDeleted,
				ProjectID: rec.ID,
				Identity:  rec.Identity,
				Path:      rec.Path,
			})
		}
		if len(fs) == 0 && len(deletes) > 0 {
			plan.WithheldDeletes = len(deletes)
			plan.Anomalies = append(plan.Anomalies, Anomaly{Kind: AnomalyEmptyScan})
		} else {
			plan.Actions = append(plan.Actions, deletes...)
		}
	}

	// Disk-only identities.
	if opts.Policy.AdoptUnknownTokens {
		for _, key := range fsOrder {
			if _, ok := dbByIdentity[key]; ok {
				continue
			}
			plan.Actions = append(plan.Actions, Action{
				Kind:     ActionInsert,
				Identity: fsTokens[key],
				Path:     fsByIdentity[key],
			})
		}
	}

	return plan
}

// nameIsDerived reports whether a row's name was never customised: it is
// still the template directory's name or the leaf of its current path.
func nameIsDerived(rec catalog.Project, templateName string) bool {
	name := strings.TrimSpace(rec.Name)
	if templateName != "" && strings.EqualFold(name, templateName) {
		return true
	}
	return name == leaf(rec.Path)
}
