package reconcile

import (
	"fmt"
	"time"
)

// Result summarises an applied pass.
type Result struct {
	// Layout is the projects tree the pass scanned.
	Layout Layout `json:"layout"`

	Scanned int `json:"scanned"`
	Active  int `json:"active"`

	PathsUpdated  int `json:"paths_updated"`
	NamesUpdated  int `json:"names_updated"`
	Adopted       int `json:"adopted"`
	Restored      int `json:"restored"`
	Inserted      int `json:"inserted"`
	Reactivated   int `json:"reactivated"`
	MarkedDeleted int `json:"marked_deleted"`

	// Failed counts actions that returned an error.
	Failed int `json:"failed"`

	WithheldDeletes int       `json:"withheld_deletes,omitempty"`
	Anomalies       []Anomaly `json:"anomalies,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Mutations returns the number of successful writes.
func (r *Result) Mutations() int {
	return r.PathsUpdated + r.NamesUpdated + r.Adopted + r.Restored +
		r.Inserted + r.Reactivated + r.MarkedDeleted
}

// Counts returns the per-kind mutation counts keyed by action name.
func (r *Result) Counts() map[string]int {
	return map[string]int{
		string(ActionUpdatePath):  r.PathsUpdated,
		"rename":                  r.NamesUpdated,
		string(ActionAdopt):       r.Adopted,
		string(ActionRestore):     r.Restored,
		string(ActionInsert):      r.Inserted,
		string(ActionReactivate):  r.Reactivated,
		string(ActionMarkDeleted): r.MarkedDeleted,
	}
}

func (r *Result) String() string {
	return fmt.Sprintf("scanned %d, moved %d, renamed %d, adopted %d, restored %d, inserted %d, reactivated %d, deleted %d, failed %d",
		r.Scanned, r.PathsUpdated, r.NamesUpdated, r.Adopted, r.Restored,
		r.Inserted, r.Reactivated, r.MarkedDeleted, r.Failed)
}
