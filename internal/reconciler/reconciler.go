// File: internal/reconciler/reconciler.go
// Description: Applies a desired snapshot to the local database. Mutations
// run in dependency order (subcategories, then keywords, then edges) in one
// transaction per chunk; when a chunk fails as a batch it is retried entity
// by entity so the sync record names exactly the entities that could not be
// applied instead of blaming the whole chunk.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/graph"
	"github.com/taxokit/kwsync/internal/store"
)

// ErrorKind classifies reconciliation failures.
type ErrorKind string

const (
	ValidationFailed    ErrorKind = "validation_failed"
	StoreUnavailable    ErrorKind = "store_unavailable"
	ConstraintViolation ErrorKind = "constraint_violation"
	Timeout             ErrorKind = "timeout"
)

// ReconcileError wraps a failure that aborted a run outright, as opposed to
// per-entity failures which are carried inside the sync record.
type ReconcileError struct {
	Kind ErrorKind
	Err  error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconciliation failed (%s): %v", e.Kind, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// AsReconcileError extracts a *ReconcileError from an error chain.
func AsReconcileError(err error) (*ReconcileError, bool) {
	var re *ReconcileError
	ok := errors.As(err, &re)
	return re, ok
}

// Options tune reconciliation behavior.
type Options struct {
	// BatchSize caps how many mutations share one transaction.
	BatchSize int
	// PruneSubcategories enables hard deletion of subcategories missing from
	// the desired snapshot. Off by default; subcategories are shared
	// reference data and losing one cascades.
	PruneSubcategories bool
	// Timeout bounds one full reconciliation, zero means no bound.
	Timeout time.Duration
}

// Reconciler drives the local graph toward a desired snapshot.
type Reconciler struct {
	store *store.Store
	opts  Options
	log   *zap.Logger
}

// New creates a reconciler over the given store.
func New(st *store.Store, opts Options, logger *zap.Logger) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: st, opts: opts, log: logger.Named("reconciler")}
}

// Reconcile validates the desired snapshot, diffs it against the current
// graph and applies the resulting plan. The returned record is populated even
// when err is non-nil, so callers always see how far the run got. Reconcile
// is idempotent: re-applying an already-applied snapshot produces a record
// with zero applied mutations.
func (r *Reconciler) Reconcile(ctx context.Context, target string, desired *schemas.Snapshot) (*schemas.SyncRecord, error) {
	record := &schemas.SyncRecord{
		Target:         target,
		SourceMetadata: desired.Metadata,
		StartedAt:      time.Now(),
		Status:         schemas.RunReconciling,
	}

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	if err := graph.Validate(desired); err != nil {
		return r.abort(record, &ReconcileError{Kind: ValidationFailed, Err: err})
	}

	current, err := r.store.LoadSnapshot(ctx, target, false)
	if err != nil {
		return r.abort(record, classify(fmt.Errorf("failed to load current graph: %w", err)))
	}

	plan := BuildPlan(current, desired, r.opts.PruneSubcategories)
	record.Subcategories.Skipped = plan.SubcatSkipped
	record.Keywords.Skipped = plan.KeywordSkipped
	record.Edges.Skipped = plan.EdgeSkipped

	if plan.Empty() {
		r.log.Info("Graph already matches desired snapshot, nothing to apply.",
			zap.String("target", target))
		record.Finalize(time.Now())
		return record, nil
	}
	r.log.Info("Applying reconciliation plan.",
		zap.String("target", target),
		zap.Int("mutations", plan.Mutations()),
		zap.Int("subcategory_upserts", len(plan.SubcatUpserts)),
		zap.Int("keyword_upserts", len(plan.KeywordUpserts)),
		zap.Int("keyword_deactivations", len(plan.KeywordDeactivs)),
		zap.Int("edge_upserts", len(plan.EdgeUpserts)),
		zap.Int("edge_deletes", len(plan.EdgeDeletes)),
		zap.Int("subcategory_prunes", len(plan.SubcatPrunes)))

	// Subcategories before keywords before edges, so every foreign key a
	// later stage needs exists by the time it is written. Prunes run last for
	// the same reason in reverse.
	stages := []func(ctx context.Context, rec *schemas.SyncRecord) error{
		func(ctx context.Context, rec *schemas.SyncRecord) error {
			return applyChunked(ctx, r, plan.SubcatUpserts, schemas.EntitySubcategory, &rec.Subcategories, &rec.Failures,
				r.store.UpsertSubcategories, func(sc schemas.Subcategory) string { return fmt.Sprint(sc.ID) })
		},
		func(ctx context.Context, rec *schemas.SyncRecord) error {
			return applyChunked(ctx, r, plan.KeywordUpserts, schemas.EntityKeyword, &rec.Keywords, &rec.Failures,
				r.store.UpsertKeywords, func(k schemas.Keyword) string { return fmt.Sprint(k.ID) })
		},
		func(ctx context.Context, rec *schemas.SyncRecord) error {
			return applyChunked(ctx, r, plan.KeywordDeactivs, schemas.EntityKeyword, &rec.Keywords, &rec.Failures,
				r.store.DeactivateKeywords, func(id int64) string { return fmt.Sprint(id) })
		},
		func(ctx context.Context, rec *schemas.SyncRecord) error {
			return applyChunked(ctx, r, plan.EdgeUpserts, schemas.EntityEdge, &rec.Edges, &rec.Failures,
				r.store.UpsertEdges, edgeLabel)
		},
		func(ctx context.Context, rec *schemas.SyncRecord) error {
			return applyChunked(ctx, r, plan.EdgeDeletes, schemas.EntityEdge, &rec.Edges, &rec.Failures,
				r.store.DeleteEdges, edgeLabel)
		},
		func(ctx context.Context, rec *schemas.SyncRecord) error {
			return applyChunked(ctx, r, plan.SubcatPrunes, schemas.EntitySubcategory, &rec.Subcategories, &rec.Failures,
				r.store.DeleteSubcategories, func(id int64) string { return fmt.Sprint(id) })
		},
	}
	for _, stage := range stages {
		if err := stage(ctx, record); err != nil {
			return r.abort(record, classify(err))
		}
	}

	record.Finalize(time.Now())
	r.log.Info("Reconciliation finished.",
		zap.String("target", target),
		zap.String("status", string(record.Status)),
		zap.Int("applied", record.TotalApplied()),
		zap.Int("failed", record.TotalFailed()))
	return record, nil
}

func edgeLabel(e schemas.DependencyEdge) string {
	return fmt.Sprintf("%d->%d", e.ParentKeywordID, e.DependentKeywordID)
}

// abort finalizes the record with the aborting error attached.
func (r *Reconciler) abort(record *schemas.SyncRecord, err error) (*schemas.SyncRecord, error) {
	record.Error = err.Error()
	now := time.Now()
	record.FinishedAt = &now
	record.Status = schemas.RunFailed
	r.log.Error("Reconciliation aborted.",
		zap.String("target", record.Target),
		zap.Error(err))
	return record, err
}

// classify maps database errors onto reconcile error kinds.
func classify(err error) *ReconcileError {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ReconcileError{Kind: Timeout, Err: err}
	case errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
		return &ReconcileError{Kind: ConstraintViolation, Err: err}
	default:
		return &ReconcileError{Kind: StoreUnavailable, Err: err}
	}
}

// applyChunked applies one mutation list in chunks, each chunk in its own
// transaction. A failing chunk is rolled back and retried one entity per
// transaction so only the genuinely bad entities land in the failure list.
// The returned error is non-nil only for failures that make further progress
// pointless (context cancellation, losing the database).
func applyChunked[T any](
	ctx context.Context,
	r *Reconciler,
	entities []T,
	entityType string,
	counts *schemas.EntityCounts,
	failures *[]schemas.FailureReason,
	apply func(ctx context.Context, tx pgx.Tx, batch []T) error,
	idOf func(T) string,
) error {
	for start := 0; start < len(entities); start += r.opts.BatchSize {
		end := start + r.opts.BatchSize
		if end > len(entities) {
			end = len(entities)
		}
		chunk := entities[start:end]

		if err := applyTx(ctx, r, chunk, apply); err == nil {
			counts.Applied += len(chunk)
			continue
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		// Batch failed: isolate the offenders.
		for _, entity := range chunk {
			if err := applyTx(ctx, r, []T{entity}, apply); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				counts.Failed++
				*failures = append(*failures, schemas.FailureReason{
					EntityType: entityType,
					EntityID:   idOf(entity),
					Reason:     err.Error(),
				})
				r.log.Warn("Entity could not be applied.",
					zap.String("entity_type", entityType),
					zap.String("entity_id", idOf(entity)),
					zap.Error(err))
				continue
			}
			counts.Applied++
		}
	}
	return nil
}

// applyTx runs one apply call inside its own transaction.
func applyTx[T any](ctx context.Context, r *Reconciler, batch []T, apply func(ctx context.Context, tx pgx.Tx, batch []T) error) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.store.Rollback(ctx, tx)

	if err := apply(ctx, tx, batch); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
