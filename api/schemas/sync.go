// File: api/schemas/sync.go
// Description: Types describing one synchronization run - its state machine,
// per-entity mutation counts and failure reasons. A SyncRecord is never
// silently discarded; whatever happened to a run is recorded here.
package schemas

import (
	"time"
)

// RunState is a state of the sync orchestrator's state machine.
type RunState string

const (
	RunIdle               RunState = "idle"
	RunExporting          RunState = "exporting"
	RunTransporting       RunState = "transporting"
	RunReconciling        RunState = "reconciling"
	RunSucceeded          RunState = "succeeded"
	RunPartiallySucceeded RunState = "partially_succeeded"
	RunFailed             RunState = "failed"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunPartiallySucceeded, RunFailed:
		return true
	}
	return false
}

// Entity type labels used in counts and failure reasons.
const (
	EntitySubcategory = "subcategory"
	EntityKeyword     = "keyword"
	EntityEdge        = "edge"
)

// EntityCounts tallies the outcome of reconciling one entity type.
// Applied + Skipped + Failed always equals the number of entities considered.
type EntityCounts struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Total returns the number of entities the counts cover.
func (c EntityCounts) Total() int { return c.Applied + c.Skipped + c.Failed }

// Add accumulates other into c.
func (c *EntityCounts) Add(other EntityCounts) {
	c.Applied += other.Applied
	c.Skipped += other.Skipped
	c.Failed += other.Failed
}

// FailureReason identifies one entity that could not be applied and why.
type FailureReason struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Reason     string `json:"reason"`
}

// SyncRecord is the structured outcome of one reconciliation attempt.
type SyncRecord struct {
	RunID          string           `json:"run_id,omitempty"`
	Target         string           `json:"target"`
	SourceMetadata SnapshotMetadata `json:"source_metadata"`
	Subcategories  EntityCounts     `json:"subcategories"`
	Keywords       EntityCounts     `json:"keywords"`
	Edges          EntityCounts     `json:"edges"`
	Failures       []FailureReason  `json:"failures,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	Status         RunState         `json:"status"`
	Error          string           `json:"error,omitempty"`
}

// TotalApplied sums applied mutations across entity types.
func (r *SyncRecord) TotalApplied() int {
	return r.Subcategories.Applied + r.Keywords.Applied + r.Edges.Applied
}

// TotalFailed sums failed mutations across entity types.
func (r *SyncRecord) TotalFailed() int {
	return r.Subcategories.Failed + r.Keywords.Failed + r.Edges.Failed
}

// TotalAttempted sums every entity the run considered.
func (r *SyncRecord) TotalAttempted() int {
	return r.Subcategories.Total() + r.Keywords.Total() + r.Edges.Total()
}

// Finalize stamps the finish time and derives the terminal status from the
// counts: any failure alongside progress is a partial success, total failure
// is a failure, everything else succeeded.
func (r *SyncRecord) Finalize(now time.Time) {
	r.FinishedAt = &now
	switch {
	case r.TotalFailed() == 0:
		r.Status = RunSucceeded
	case r.TotalApplied() > 0:
		r.Status = RunPartiallySucceeded
	case r.TotalFailed() == r.TotalAttempted() && r.TotalAttempted() > 0:
		r.Status = RunFailed
	default:
		// Failures but nothing applied and some skipped: still a failure from
		// the operator's point of view, nothing moved forward.
		r.Status = RunFailed
	}
}

// TargetStatus is the response of a target's status endpoint. Count equality
// is a necessary but not sufficient condition for "in sync"; ContentHash is
// the authoritative comparison.
type TargetStatus struct {
	ServerType           string         `json:"server_type"`
	TotalKeywords        int            `json:"total_keywords"`
	TotalSubcategories   int            `json:"total_subcategories"`
	TotalDependencies    int            `json:"total_dependencies"`
	CategoryDistribution map[string]int `json:"category_distribution"`
	ContentHash          string         `json:"content_hash"`
	SyncReady            bool           `json:"sync_ready"`
	LastCheck            time.Time      `json:"last_check"`
}
