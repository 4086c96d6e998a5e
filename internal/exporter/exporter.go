// File: internal/exporter/exporter.go
// Description: Produces validated, versioned snapshots of the authoritative
// keyword graph. All three entity sets are read behind one consistent-read
// transaction (see store.LoadSnapshot), so an export taken mid-curation can
// never carry dangling references.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/graph"
)

// ErrorKind classifies export failures.
type ErrorKind string

const (
	StoreUnavailable ErrorKind = "store_unavailable"
	ValidationFailed ErrorKind = "validation_failed"
)

// ExportError wraps the underlying failure with its classification. An
// exporter never hands out a partially-populated or unvalidated snapshot;
// the only outcomes are a valid snapshot or an ExportError.
type ExportError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export failed (%s): %v", e.Kind, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// AsExportError extracts an *ExportError from an error chain.
func AsExportError(err error) (*ExportError, bool) {
	var ee *ExportError
	ok := errors.As(err, &ee)
	return ee, ok
}

// SnapshotSource is the slice of the store the exporter needs.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, source string, activeOnly bool) (*schemas.Snapshot, error)
}

// Exporter assembles validated snapshots of the live taxonomy.
type Exporter struct {
	store   SnapshotSource
	source  string
	timeout time.Duration
	log     *zap.Logger

	// The last validated export is cached by content hash so re-exporting an
	// unchanged graph returns the identical snapshot (same timestamp, same
	// bytes after encoding).
	mu         sync.Mutex
	cached     *schemas.Snapshot
	cachedHash string
}

// New creates an Exporter. source labels emitted snapshots; timeout bounds
// the consistent read against the store.
func New(store SnapshotSource, source string, timeout time.Duration, logger *zap.Logger) *Exporter {
	return &Exporter{
		store:   store,
		source:  source,
		timeout: timeout,
		log:     logger.Named("exporter"),
	}
}

// Export reads the full active-entity set and returns a validated snapshot.
func (e *Exporter) Export(ctx context.Context) (*schemas.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	snap, err := e.store.LoadSnapshot(ctx, e.source, true)
	if err != nil {
		return nil, &ExportError{Kind: StoreUnavailable, Err: err}
	}

	if err := graph.Validate(snap); err != nil {
		// A failed validation here means the source data itself is broken;
		// surfacing the offending entity beats shipping a corrupt snapshot.
		e.log.Error("Exported snapshot failed validation", zap.Error(err))
		return nil, &ExportError{Kind: ValidationFailed, Err: err}
	}

	hash, err := graph.ContentHash(snap)
	if err != nil {
		return nil, &ExportError{Kind: ValidationFailed, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached != nil && e.cachedHash == hash {
		e.log.Debug("Graph unchanged since last export, reusing cached snapshot",
			zap.String("content_hash", hash))
		return e.cached, nil
	}
	e.cached = snap
	e.cachedHash = hash

	e.log.Info("Snapshot exported",
		zap.Int("keywords", snap.Metadata.TotalKeywords),
		zap.Int("subcategories", snap.Metadata.TotalSubcategories),
		zap.Int("dependencies", snap.Metadata.TotalDependencies),
		zap.String("content_hash", hash))
	return snap, nil
}

// ContentHash returns the hash of the most recent export, if any. Used by
// the status endpoint to advertise current content without re-reading the
// store.
func (e *Exporter) ContentHash() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cachedHash, e.cached != nil
}
