package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/exporter"
	"github.com/taxokit/kwsync/internal/graph"
	"github.com/taxokit/kwsync/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStore feeds the exporter a fixed snapshot.
type fakeStore struct {
	snap *schemas.Snapshot
	err  error
}

func (f *fakeStore) LoadSnapshot(ctx context.Context, source string, activeOnly bool) (*schemas.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

// fakeClient scripts a peer's responses.
type fakeClient struct {
	name      string
	status    *schemas.TargetStatus
	statusErr error
	record    *schemas.SyncRecord
	pushErr   error
	pushCalls atomic.Int32
	pushGate  chan struct{} // when non-nil, PushSnapshot blocks until closed
}

func (f *fakeClient) Target() string { return f.name }

func (f *fakeClient) FetchStatus(ctx context.Context) (*schemas.TargetStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeClient) PushSnapshot(ctx context.Context, payload []byte) (*schemas.SyncRecord, error) {
	f.pushCalls.Add(1)
	if f.pushGate != nil {
		<-f.pushGate
	}
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	rec := *f.record
	return &rec, nil
}

func testGraph(t *testing.T) *schemas.Snapshot {
	t.Helper()
	s := &schemas.Snapshot{
		Subcategories: []schemas.Subcategory{{ID: 1, Name: "A-1 감정", CategoryGroup: "A-", IsActive: true}},
		Keywords: []schemas.Keyword{
			{ID: 101, Name: "기쁨", Category: "A-1 감정", SubcategoryID: 1, Weight: 5, Status: schemas.KeywordStatusActive, Dependencies: []int64{}},
		},
	}
	graph.Normalize(s)
	s.Metadata = graph.NewMetadata(s, "unit", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	return s
}

func newTestOrchestrator(t *testing.T, clients ...TargetClient) (*Orchestrator, *schemas.Snapshot) {
	t.Helper()
	snap := testGraph(t)
	exp := exporter.New(&fakeStore{snap: snap}, "unit", time.Second, zap.NewNop())
	orch := New(exp, clients, 5*time.Second, zap.NewNop())
	t.Cleanup(orch.Close)
	return orch, snap
}

func succeededRecord(target string) *schemas.SyncRecord {
	return &schemas.SyncRecord{
		Target:    target,
		Keywords:  schemas.EntityCounts{Applied: 1},
		StartedAt: time.Now(),
		Status:    schemas.RunSucceeded,
	}
}

func TestSyncTargetFullRun(t *testing.T) {
	client := &fakeClient{
		name:   "replica",
		status: &schemas.TargetStatus{ContentHash: "different"},
		record: succeededRecord("replica"),
	}
	orch, _ := newTestOrchestrator(t, client)

	run, err := orch.SyncTarget(context.Background(), "replica")
	require.NoError(t, err)
	assert.Equal(t, schemas.RunSucceeded, run.State)
	assert.NotEmpty(t, run.ID)
	assert.NotEmpty(t, run.ContentHash)
	require.NotNil(t, run.Record)
	assert.Equal(t, run.ID, run.Record.RunID)
	assert.Equal(t, 1, run.Record.Keywords.Applied)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, int32(1), client.pushCalls.Load())
}

func TestSyncTargetSkipsPushWhenHashesMatch(t *testing.T) {
	snap := testGraph(t)
	hash, err := graph.ContentHash(snap)
	require.NoError(t, err)

	client := &fakeClient{
		name:   "replica",
		status: &schemas.TargetStatus{ContentHash: hash},
		record: succeededRecord("replica"),
	}
	orch, _ := newTestOrchestrator(t, client)

	run, err := orch.SyncTarget(context.Background(), "replica")
	require.NoError(t, err)
	assert.Equal(t, schemas.RunSucceeded, run.State)
	assert.Equal(t, int32(0), client.pushCalls.Load(), "matching content hash must skip the push")
	require.NotNil(t, run.Record)
	assert.Zero(t, run.Record.TotalApplied())
	assert.Equal(t, 1, run.Record.Keywords.Skipped)
}

func TestSyncTargetPushesWhenStatusCheckFails(t *testing.T) {
	client := &fakeClient{
		name:      "replica",
		statusErr: errors.New("status endpoint down"),
		record:    succeededRecord("replica"),
	}
	orch, _ := newTestOrchestrator(t, client)

	run, err := orch.SyncTarget(context.Background(), "replica")
	require.NoError(t, err)
	assert.Equal(t, schemas.RunSucceeded, run.State)
	assert.Equal(t, int32(1), client.pushCalls.Load(), "a failed pre-check falls back to pushing")
}

func TestSyncTargetRecordsPushFailure(t *testing.T) {
	pushErr := &transport.TransportError{Kind: transport.Unreachable, Err: errors.New("connection refused")}
	client := &fakeClient{
		name:    "replica",
		status:  &schemas.TargetStatus{ContentHash: "different"},
		pushErr: pushErr,
	}
	orch, _ := newTestOrchestrator(t, client)

	run, err := orch.SyncTarget(context.Background(), "replica")
	require.Error(t, err)
	assert.Equal(t, schemas.RunFailed, run.State)
	assert.Contains(t, run.Error, "connection refused")
}

func TestSyncTargetUnknownTarget(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	_, err := orch.SyncTarget(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestTriggerRefusesConcurrentRunsPerTarget(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{
		name:     "replica",
		status:   &schemas.TargetStatus{ContentHash: "different"},
		record:   succeededRecord("replica"),
		pushGate: gate,
	}
	orch, _ := newTestOrchestrator(t, client)

	runID, err := orch.Trigger("replica")
	require.NoError(t, err)

	// Wait until the background run reaches the blocking push.
	require.Eventually(t, func() bool {
		return client.pushCalls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	var inProgress *AlreadyInProgressError
	_, err = orch.Trigger("replica")
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, runID, inProgress.RunID)

	_, err = orch.SyncTarget(context.Background(), "replica")
	require.ErrorAs(t, err, &inProgress)

	close(gate)
	orch.Close()

	run, ok := orch.Run(runID)
	require.True(t, ok)
	assert.Equal(t, schemas.RunSucceeded, run.State)

	// The target is free again once its run is terminal.
	_, err = orch.Trigger("replica")
	require.NoError(t, err)
	orch.Close()
}

func TestRunsListing(t *testing.T) {
	client := &fakeClient{
		name:   "replica",
		status: &schemas.TargetStatus{ContentHash: "different"},
		record: succeededRecord("replica"),
	}
	orch, _ := newTestOrchestrator(t, client)

	first, err := orch.SyncTarget(context.Background(), "replica")
	require.NoError(t, err)
	_, err = orch.SyncTarget(context.Background(), "replica")
	require.NoError(t, err)

	runs := orch.Runs()
	require.Len(t, runs, 2)

	got, ok := orch.Run(first.ID)
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)
	_, ok = orch.Run("no-such-run")
	assert.False(t, ok)
}

func TestSyncAllFansOut(t *testing.T) {
	a := &fakeClient{name: "a", status: &schemas.TargetStatus{ContentHash: "x"}, record: succeededRecord("a")}
	b := &fakeClient{name: "b", status: &schemas.TargetStatus{ContentHash: "x"}, record: succeededRecord("b")}
	orch, _ := newTestOrchestrator(t, a, b)

	runs, err := orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, schemas.RunSucceeded, runs["a"].State)
	assert.Equal(t, schemas.RunSucceeded, runs["b"].State)
}
