package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geooffice/projectsync/internal/catalog"
	"github.com/geooffice/projectsync/internal/scanner"
)

const (
	tokenA = "11111111-1111-1111-1111-111111111111"
	tokenB = "22222222-2222-2222-2222-222222222222"
	tokenC = "33333333-3333-3333-3333-333333333333"
)

func row(id int64, identity, path, name string) catalog.Project {
	return catalog.Project{ID: id, Identity: identity, Path: path, Name: name, Status: catalog.StatusActive}
}

func kinds(plan *Plan) []ActionKind {
	var out []ActionKind
	for _, a := range plan.Actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestDiff_ExampleScenario(t *testing.T) {
	db := []catalog.Project{row(1, tokenA, "Acme/Tower", "Tower")}
	fs := scanner.Snapshot{"Acme/TowerNew": tokenA}

	plan := Diff(db, fs, DiffOptions{Policy: DefaultPolicy()})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, Action{
		Kind:      ActionUpdatePath,
		ProjectID: 1,
		Identity:  tokenA,
		Path:      "Acme/TowerNew",
		OldPath:   "Acme/Tower",
		Rename:    "TowerNew",
	}, plan.Actions[0])
	assert.Empty(t, plan.Anomalies)
}

func TestDiff_NoChanges(t *testing.T) {
	db := []catalog.Project{row(1, tokenA, "Acme/Tower", "Tower"), row(2, tokenB, "Acme/Bridge", "Bridge")}
	fs := scanner.Snapshot{"Acme/Tower": tokenA, "Acme/Bridge": " " + tokenB + "\n"}

	plan := Diff(db, fs, DiffOptions{Policy: DefaultPolicy()})
	assert.Empty(t, plan.Actions)
	assert.Equal(t, 2, plan.Scanned)
	assert.Equal(t, 2, plan.Active)
}

func TestDiff_IdentityCaseInsensitive(t *testing.T) {
	db := []catalog.Project{row(1, "6f1c9a52-0d3e-4b8a-9f61-2c7d5e8a4b10", "Acme/Tower", "Tower")}
	fs := scanner.Snapshot{"Acme/Tower": "6F1C9A52-0D3E-4B8A-9F61-2C7D5E8A4B10"}

	plan := Diff(db, fs, DiffOptions{Policy: DefaultPolicy()})
	assert.Empty(t, plan.Actions)
}

func TestDiff_Rename(t *testing.T) {
	tests := []struct {
		name         string
		rec          catalog.Project
		templateName string
		wantRename   string
	}{
		{"template name", row(1, tokenA, "Acme/Copy of template", "_Template"), "_Template", "Depot"},
		{"template name any case", row(1, tokenA, "Acme/x", "_template"), "_Template", "Depot"},
		{"derived from old path", row(1, tokenA, "Acme/Old", "Old"), "_Template", "Depot"},
		{"custom name kept", row(1, tokenA, "Acme/Old", "Central Depot 2026"), "_Template", ""},
		{"no template configured", row(1, tokenA, "Acme/Old", "_Template"), "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Diff([]catalog.Project{tt.rec}, scanner.Snapshot{"Acme/Depot": tokenA},
				DiffOptions{Policy: DefaultPolicy(), TemplateName: tt.templateName})
			require.Len(t, plan.Actions, 1)
			assert.Equal(t, ActionUpdatePath, plan.Actions[0].Kind)
			assert.Equal(t, tt.wantRename, plan.Actions[0].Rename)
		})
	}
}

func TestDiff_Untokened(t *testing.T) {
	fs := scanner.Snapshot{"Acme/Empty": "", "Acme/Garbage": "not-a-uuid", "Acme/Braced": "{" + tokenA + "}"}

	plan := Diff(nil, fs, DiffOptions{Policy: DefaultPolicy()})
	assert.Equal(t, []ActionKind{ActionAdopt, ActionAdopt, ActionAdopt}, kinds(plan))
	assert.Equal(t, "Acme/Braced", plan.Actions[0].Path)
}

func TestDiff_Policy(t *testing.T) {
	db := []catalog.Project{row(1, tokenA, "Acme/Gone", "Gone")}
	fs := scanner.Snapshot{"Acme/New": tokenB}

	tests := []struct {
		name   string
		policy Policy
		want   []ActionKind
	}{
		{"default", DefaultPolicy(), []ActionKind{ActionMarkDeleted, ActionInsert}},
		{"no deletes", Policy{AdoptUnknownTokens: true}, []ActionKind{ActionInsert}},
		{"no inserts", Policy{MarkMissingDeleted: true}, []ActionKind{ActionMarkDeleted}},
		{"matched and untokened only", Policy{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Diff(db, fs, DiffOptions{Policy: tt.policy})
			assert.Equal(t, tt.want, kinds(plan))
		})
	}
}

func TestDiff_RestoreFromCatalog(t *testing.T) {
	db := []catalog.Project{row(1, tokenA, "Acme/Tower", "Tower")}
	fs := scanner.Snapshot{"Acme/Tower": ""}

	plan := Diff(db, fs, DiffOptions{Policy: DefaultPolicy()})
	require.Equal(t, []ActionKind{ActionRestore}, kinds(plan))
	assert.Equal(t, tokenA, plan.Actions[0].Identity)
	assert.Equal(t, int64(1), plan.Actions[0].ProjectID)

	// Without restore the old row is deleted and the directory adopted.
	policy := DefaultPolicy()
	policy.RestoreFromCatalog = false
	plan = Diff(db, fs, DiffOptions{Policy: policy})
	assert.Equal(t, []ActionKind{ActionAdopt, ActionMarkDeleted}, kinds(plan))
}

func TestDiff_NoRestoreWhenIdentityLivesElsewhere(t *testing.T) {
	// The project moved away and a fresh directory took its old name.
	db := []catalog.Project{row(1, tokenA, "Acme/Tower", "Tower")}
	fs := scanner.Snapshot{"Acme/Tower": "", "Archive/Tower": tokenA}

	plan := Diff(db, fs, DiffOptions{Policy: DefaultPolicy()})
	assert.Equal(t, []ActionKind{ActionUpdatePath, ActionAdopt}, kinds(plan))
}

func TestDiff_DuplicateIdentityFirstWins(t *testing.T) {
	db := []catalog.Project{
		row(1, tokenA, "Acme/Tower", "Tower"),
		row(2, tokenA, "Acme/TowerDup", "TowerDup"),
	}
	fs := scanner.Snapshot{"Acme/TowerNew": tokenA}

	plan := Diff(db, fs, DiffOptions{Policy: DefaultPolicy()})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, int64(1), plan.Actions[0].ProjectID)
	require.Len(t, plan.Anomalies, 1)
	assert.Equal(t, AnomalyDuplicateIdentity, plan.Anomalies[0].Kind)
	assert.Equal(t, int64(2), plan.Anomalies[0].ProjectID)
	assert.Equal(t, "#1", plan.Anomalies[0].Winner)
}

func TestDiff_DuplicatePath(t *testing.T) {
	db := []catalog.Project{
		row(1, tokenA, "Acme/Tower", "Tower"),
		row(2, tokenB, "Acme/Tower", "Tower"),
	}
	fs := scanner.Snapshot{"Acme/Tower": tokenA}

	plan := Diff(db, fs, DiffOptions{Policy: DefaultPolicy()})

	require.Len(t, plan.Anomalies, 1)
	assert.Equal(t, AnomalyDuplicatePath, plan.Anomalies[0].Kind)
	assert.Equal(t, int64(2), plan.Anomalies[0].ProjectID)
	// Row 2's identity is nowhere on disk.
	assert.Equal(t, []ActionKind{ActionMarkDeleted}, kinds(plan))
	assert.Equal(t, int64(2), plan.Actions[0].ProjectID)
}

func TestDiff_CopiedSentinel(t *testing.T) {
	db := []catalog.Project{row(1, tokenA, "Acme/Tower", "Tower")}
	fs := scanner.Snapshot{"Acme/Tower": tokenA, "Acme/Tower - Copy": tokenA}

	plan := Diff(db, fs, DiffOptions{Policy: DefaultPolicy()})

	// "Acme/Tower" sorts first, so the original keeps its row.
	assert.Empty(t, plan.Actions)
	require.Len(t, plan.Anomalies, 1)
	assert.Equal(t, AnomalyDuplicateToken, plan.Anomalies[0].Kind)
	assert.Equal(t, "Acme/Tower - Copy", plan.Anomalies[0].Path)
	assert.Equal(t, "Acme/Tower", plan.Anomalies[0].Winner)
}

func TestDiff_EmptyScanWithholdsDeletes(t *testing.T) {
	db := []catalog.Project{row(1, tokenA, "Acme/Tower", "Tower"), row(2, tokenB, "Acme/Bridge", "Bridge")}

	plan := Diff(db, scanner.Snapshot{}, DiffOptions{Policy: DefaultPolicy()})

	assert.Empty(t, plan.Actions)
	assert.Equal(t, 2, plan.WithheldDeletes)
	require.Len(t, plan.Anomalies, 1)
	assert.Equal(t, AnomalyEmptyScan, plan.Anomalies[0].Kind)
}

func TestDiff_StepOrder(t *testing.T) {
	db := []catalog.Project{
		row(1, tokenA, "Acme/Tower", "Tower"),
		row(2, tokenB, "Acme/Gone", "Gone"),
	}
	fs := scanner.Snapshot{
		"Acme/TowerNew": tokenA,
		"Acme/Fresh":    "",
		"Acme/Known":    tokenC,
	}

	plan := Diff(db, fs, DiffOptions{Policy: DefaultPolicy()})
	assert.Equal(t, []ActionKind{ActionUpdatePath, ActionAdopt, ActionMarkDeleted, ActionInsert}, kinds(plan))
	assert.Equal(t, 1, plan.Count(ActionInsert))
}

func TestAnomalyAndActionStrings(t *testing.T) {
	a := Action{Kind: ActionUpdatePath, ProjectID: 1, OldPath: "a", Path: "b", Rename: "b"}
	assert.Equal(t, `update_path #1 a -> b (rename to "b")`, a.String())
	assert.Contains(t, Anomaly{Kind: AnomalyEmptyScan}.String(), "deletions withheld")
}
