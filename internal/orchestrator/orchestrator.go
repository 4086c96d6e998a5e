// File: internal/orchestrator/orchestrator.go
// Description: Drives full sync runs through their state machine: export the
// local graph, compare content hashes with the target, push the snapshot and
// collect the target's reconciliation record. One run per target at a time;
// additional triggers are refused, never queued.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/exporter"
	"github.com/taxokit/kwsync/internal/graph"
	"github.com/taxokit/kwsync/internal/transport"
)

// AlreadyInProgressError is returned when a run is requested for a target
// that already has one in flight.
type AlreadyInProgressError struct {
	Target string
	RunID  string
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("sync already in progress for target %q (run %s)", e.Target, e.RunID)
}

// ErrUnknownTarget is returned when no client is configured for a target.
var ErrUnknownTarget = errors.New("unknown sync target")

// TargetClient is the slice of the transport client the orchestrator needs.
type TargetClient interface {
	Target() string
	FetchStatus(ctx context.Context) (*schemas.TargetStatus, error)
	PushSnapshot(ctx context.Context, payload []byte) (*schemas.SyncRecord, error)
}

// Orchestrator coordinates export, transport and remote reconciliation.
type Orchestrator struct {
	exporter *exporter.Exporter
	clients  map[string]TargetClient
	registry *RunRegistry
	timeout  time.Duration
	log      *zap.Logger

	// wg tracks background runs so Close can drain them.
	wg sync.WaitGroup
}

// New creates an orchestrator for the given targets. timeout bounds one full
// run end to end.
func New(exp *exporter.Exporter, clients []TargetClient, timeout time.Duration, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]TargetClient, len(clients))
	for _, c := range clients {
		byName[c.Target()] = c
	}
	return &Orchestrator{
		exporter: exp,
		clients:  byName,
		registry: NewRunRegistry(),
		timeout:  timeout,
		log:      logger.Named("orchestrator"),
	}
}

// Targets lists the configured target names.
func (o *Orchestrator) Targets() []string {
	names := make([]string, 0, len(o.clients))
	for name := range o.clients {
		names = append(names, name)
	}
	return names
}

// Run returns a copy of the run with the given id.
func (o *Orchestrator) Run(id string) (Run, bool) { return o.registry.Get(id) }

// Runs lists all runs, most recent first.
func (o *Orchestrator) Runs() []Run { return o.registry.List() }

// SyncTarget runs one full synchronous sync against target. The returned run
// is terminal. A second call for the same target while one is in flight
// returns *AlreadyInProgressError.
func (o *Orchestrator) SyncTarget(ctx context.Context, target string) (Run, error) {
	client, ok := o.clients[target]
	if !ok {
		return Run{}, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	run := &Run{
		ID:        uuid.NewString(),
		Target:    target,
		State:     schemas.RunIdle,
		StartedAt: time.Now(),
	}
	if err := o.registry.Register(run); err != nil {
		return Run{}, err
	}
	o.drive(ctx, run.ID, client)
	final, _ := o.registry.Get(run.ID)
	if final.Error != "" {
		return final, errors.New(final.Error)
	}
	return final, nil
}

// Trigger starts an asynchronous run against target and returns its id
// immediately. The run outlives the caller's request context.
func (o *Orchestrator) Trigger(target string) (string, error) {
	client, ok := o.clients[target]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	run := &Run{
		ID:        uuid.NewString(),
		Target:    target,
		State:     schemas.RunIdle,
		StartedAt: time.Now(),
	}
	if err := o.registry.Register(run); err != nil {
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(context.Background(), run.ID, client)
	}()
	return run.ID, nil
}

// SyncAll runs one sync per configured target concurrently and returns the
// terminal runs keyed by target name. Per-target failures do not stop the
// other targets; the first error is returned after every run finishes.
func (o *Orchestrator) SyncAll(ctx context.Context) (map[string]Run, error) {
	var mu sync.Mutex
	results := make(map[string]Run, len(o.clients))

	g, ctx := errgroup.WithContext(ctx)
	for name := range o.clients {
		g.Go(func() error {
			run, err := o.SyncTarget(ctx, name)
			mu.Lock()
			results[name] = run
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// Close waits for background runs to finish.
func (o *Orchestrator) Close() { o.wg.Wait() }

// drive executes the state machine for one registered run. Every outcome,
// including cancellation between states, lands in the registry.
func (o *Orchestrator) drive(ctx context.Context, runID string, client TargetClient) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	log := o.log.With(zap.String("run_id", runID), zap.String("target", client.Target()))

	o.setState(runID, schemas.RunExporting)
	snap, err := o.exporter.Export(ctx)
	if err != nil {
		o.fail(runID, log, fmt.Errorf("export failed: %w", err))
		return
	}
	hash, err := graph.ContentHash(snap)
	if err != nil {
		o.fail(runID, log, fmt.Errorf("failed to hash snapshot: %w", err))
		return
	}
	o.registry.Update(runID, func(r *Run) { r.ContentHash = hash })

	if o.canceled(ctx, runID, log) {
		return
	}

	// Cheap pre-check: when the target already holds this exact content there
	// is nothing to ship. Status failures are not fatal, the push decides.
	if status, err := client.FetchStatus(ctx); err != nil {
		log.Warn("Target status pre-check failed, pushing anyway.", zap.Error(err))
	} else if status.ContentHash != "" && status.ContentHash == hash {
		log.Info("Target already holds the current snapshot, skipping push.",
			zap.String("content_hash", hash))
		o.finish(runID, &schemas.SyncRecord{
			Target:         client.Target(),
			SourceMetadata: snap.Metadata,
			Subcategories:  schemas.EntityCounts{Skipped: len(snap.Subcategories)},
			Keywords:       schemas.EntityCounts{Skipped: len(snap.Keywords)},
			Edges:          schemas.EntityCounts{Skipped: len(snap.Dependencies)},
			StartedAt:      time.Now(),
			Status:         schemas.RunSucceeded,
		})
		return
	}

	o.setState(runID, schemas.RunTransporting)
	payload, err := transport.Encode(snap)
	if err != nil {
		o.fail(runID, log, err)
		return
	}
	if o.canceled(ctx, runID, log) {
		return
	}

	o.setState(runID, schemas.RunReconciling)
	record, err := client.PushSnapshot(ctx, payload)
	if err != nil {
		o.fail(runID, log, err)
		return
	}
	record.RunID = runID
	o.finish(runID, record)
	log.Info("Sync run finished.",
		zap.String("status", string(record.Status)),
		zap.Int("applied", record.TotalApplied()),
		zap.Int("failed", record.TotalFailed()))
}

func (o *Orchestrator) setState(runID string, state schemas.RunState) {
	o.registry.Update(runID, func(r *Run) { r.State = state })
}

// canceled moves the run to failed when its context is done.
func (o *Orchestrator) canceled(ctx context.Context, runID string, log *zap.Logger) bool {
	if err := ctx.Err(); err != nil {
		o.fail(runID, log, err)
		return true
	}
	return false
}

func (o *Orchestrator) fail(runID string, log *zap.Logger, err error) {
	now := time.Now()
	o.registry.Update(runID, func(r *Run) {
		r.State = schemas.RunFailed
		r.FinishedAt = &now
		r.Error = err.Error()
	})
	log.Error("Sync run failed.", zap.Error(err))
}

// finish records the target's reconciliation outcome as the run's terminal
// state. A partially applied snapshot surfaces as partially_succeeded, not as
// a hard failure.
func (o *Orchestrator) finish(runID string, record *schemas.SyncRecord) {
	now := time.Now()
	o.registry.Update(runID, func(r *Run) {
		r.Record = record
		r.State = record.Status
		r.FinishedAt = &now
		if record.Status == schemas.RunFailed && record.Error != "" {
			r.Error = record.Error
		}
	})
}
