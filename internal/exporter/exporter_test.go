package exporter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/graph"
)

// fakeSource returns canned snapshots or errors and records its calls.
type fakeSource struct {
	snaps []*schemas.Snapshot
	err   error
	calls int
}

func (f *fakeSource) LoadSnapshot(ctx context.Context, source string, activeOnly bool) (*schemas.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.snaps) {
		idx = len(f.snaps) - 1
	}
	return f.snaps[idx], nil
}

func validSnapshot(ts time.Time) *schemas.Snapshot {
	s := &schemas.Snapshot{
		Subcategories: []schemas.Subcategory{
			{ID: 1, Name: "A-1 감정", CategoryGroup: "A-", IsActive: true},
		},
		Keywords: []schemas.Keyword{
			{ID: 101, Name: "기쁨", Category: "A-1 감정", SubcategoryID: 1, Weight: 5, Status: schemas.KeywordStatusActive, Dependencies: []int64{}},
		},
	}
	graph.Normalize(s)
	s.Metadata = graph.NewMetadata(s, "unit", ts)
	return s
}

func TestExportReturnsValidatedSnapshot(t *testing.T) {
	src := &fakeSource{snaps: []*schemas.Snapshot{validSnapshot(time.Now())}}
	exp := New(src, "unit", time.Second, zap.NewNop())

	snap, err := exp.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Metadata.TotalKeywords)

	hash, ok := exp.ContentHash()
	assert.True(t, ok)
	assert.NotEmpty(t, hash)
}

func TestExportWrapsStoreFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	exp := New(src, "unit", time.Second, zap.NewNop())

	_, err := exp.Export(context.Background())
	ee, ok := AsExportError(err)
	require.True(t, ok)
	assert.Equal(t, StoreUnavailable, ee.Kind)
}

func TestExportRejectsInvalidGraph(t *testing.T) {
	bad := validSnapshot(time.Now())
	bad.Keywords[0].SubcategoryID = 9999
	src := &fakeSource{snaps: []*schemas.Snapshot{bad}}
	exp := New(src, "unit", time.Second, zap.NewNop())

	_, err := exp.Export(context.Background())
	ee, ok := AsExportError(err)
	require.True(t, ok)
	assert.Equal(t, ValidationFailed, ee.Kind)

	_, cached := exp.ContentHash()
	assert.False(t, cached, "a rejected snapshot must not be cached")
}

// Re-exporting an unchanged graph returns the identical snapshot so repeated
// exports encode to identical bytes, timestamps included.
func TestExportReusesCachedSnapshotWhenUnchanged(t *testing.T) {
	first := validSnapshot(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	second := validSnapshot(time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC))
	src := &fakeSource{snaps: []*schemas.Snapshot{first, second}}
	exp := New(src, "unit", time.Second, zap.NewNop())

	a, err := exp.Export(context.Background())
	require.NoError(t, err)
	b, err := exp.Export(context.Background())
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 2, src.calls, "cache hits still re-read the store to detect changes")
}

func TestExportReplacesCacheWhenContentChanges(t *testing.T) {
	first := validSnapshot(time.Now())
	changed := validSnapshot(time.Now())
	changed.Keywords[0].Weight = 42
	graph.Normalize(changed)
	src := &fakeSource{snaps: []*schemas.Snapshot{first, changed}}
	exp := New(src, "unit", time.Second, zap.NewNop())

	a, err := exp.Export(context.Background())
	require.NoError(t, err)
	b, err := exp.Export(context.Background())
	require.NoError(t, err)

	require.NotSame(t, a, b)
	assert.Equal(t, float64(42), b.Keywords[0].Weight)
}
