// File: internal/orchestrator/registry.go
// Description: In-memory tracking of sync runs. The registry remembers every
// run for this process lifetime and enforces the single-run-per-target rule.
package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/taxokit/kwsync/api/schemas"
)

// Run is the externally visible state of one sync run.
type Run struct {
	ID          string              `json:"id"`
	Target      string              `json:"target"`
	State       schemas.RunState    `json:"state"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	ContentHash string              `json:"content_hash,omitempty"`
	Record      *schemas.SyncRecord `json:"record,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// RunRegistry tracks runs thread-safely in memory.
type RunRegistry struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	active map[string]string // target -> run id of the in-flight run
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{
		runs:   make(map[string]*Run),
		active: make(map[string]string),
	}
}

// Register records a new run for target, refusing when one is already in
// flight for the same target.
func (r *RunRegistry) Register(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, busy := r.active[run.Target]; busy {
		return &AlreadyInProgressError{Target: run.Target, RunID: id}
	}
	r.runs[run.ID] = run
	r.active[run.Target] = run.ID
	return nil
}

// Update applies fn to the run under the registry lock.
func (r *RunRegistry) Update(id string, fn func(*Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return
	}
	fn(run)
	if run.State.Terminal() && r.active[run.Target] == id {
		delete(r.active, run.Target)
	}
}

// Get returns a copy of the run so callers never race the driver goroutine.
func (r *RunRegistry) Get(id string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// List returns copies of all runs, most recent first.
func (r *RunRegistry) List() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
