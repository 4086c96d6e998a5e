package reconciler

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/graph"
	"github.com/taxokit/kwsync/internal/store"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

const (
	sqlSelectSubcategories = `SELECT id, name, COALESCE(description, ''), COALESCE(category_group, ''), COALESCE(display_order, 0), is_active FROM keywords_subcategories ORDER BY id;`
	sqlSelectKeywords      = `SELECT k.id, k.text, k.subcategory_id, ksc.name, COALESCE(k.weight, 0), COALESCE(k.usage_count, 0), k.is_active FROM keywords k JOIN keywords_subcategories ksc ON k.subcategory_id = ksc.id ORDER BY k.id;`
	sqlSelectDependencies  = `SELECT kd.parent_keyword_id, kd.dependent_keyword_id, COALESCE(kd.weight, 0) FROM keyword_dependencies kd ORDER BY kd.parent_keyword_id, kd.dependent_keyword_id;`
	sqlUpsertKeyword       = `INSERT INTO keywords (id, text, subcategory_id, weight, usage_count, is_active) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO UPDATE SET`
	sqlUpsertSubcategory   = `INSERT INTO keywords_subcategories (id, name, description, category_group, display_order, is_active) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO UPDATE SET`
)

func newMockedReconciler(t *testing.T, opts Options) (*Reconciler, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	st, err := store.New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return New(st, opts, zap.NewNop()), mockPool
}

// expectSnapshotLoad registers the consistent-read expectations for one
// LoadSnapshot call against the full (not active-only) graph.
func expectSnapshotLoad(mockPool pgxmock.PgxPoolIface, subcats, keywords, deps *pgxmock.Rows) {
	mockPool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSubcategories)).WillReturnRows(subcats)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectKeywords)).WillReturnRows(keywords)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectDependencies)).WillReturnRows(deps)
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)
}

func subcatRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "name", "description", "category_group", "display_order", "is_active"})
}

func keywordRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "text", "subcategory_id", "name", "weight", "usage_count", "is_active"})
}

func depRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"parent_keyword_id", "dependent_keyword_id", "weight"})
}

func desiredSnapshot(keywords ...schemas.Keyword) *schemas.Snapshot {
	s := &schemas.Snapshot{
		Subcategories: []schemas.Subcategory{
			{ID: 1, Name: "A-1 감정", CategoryGroup: "A-", DisplayOrder: 1, IsActive: true},
		},
		Keywords: keywords,
	}
	graph.Normalize(s)
	s.Metadata = graph.NewMetadata(s, "unit", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	return s
}

func TestReconcileIsIdempotent(t *testing.T) {
	rec, mockPool := newMockedReconciler(t, Options{BatchSize: 10})

	expectSnapshotLoad(mockPool,
		subcatRows().AddRow(int64(1), "A-1 감정", "", "A-", 1, true),
		keywordRows().AddRow(int64(101), "기쁨", int64(1), "A-1 감정", 5.0, 2, true),
		depRows(),
	)

	desired := desiredSnapshot(schemas.Keyword{
		ID: 101, Name: "기쁨", Category: "A-1 감정", SubcategoryID: 1,
		Weight: 5, Connections: 2, Status: schemas.KeywordStatusActive, Dependencies: []int64{},
	})

	record, err := rec.Reconcile(context.Background(), "local", desired)
	require.NoError(t, err)
	assert.Equal(t, schemas.RunSucceeded, record.Status)
	assert.Zero(t, record.TotalApplied())
	assert.Equal(t, 1, record.Keywords.Skipped)
	assert.Equal(t, 1, record.Subcategories.Skipped)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestReconcileRejectsInvalidSnapshotBeforeTouchingTheStore(t *testing.T) {
	rec, mockPool := newMockedReconciler(t, Options{})

	desired := desiredSnapshot(schemas.Keyword{
		ID: 101, Name: "기쁨", Category: "A-1 감정", SubcategoryID: 9999,
		Weight: 5, Status: schemas.KeywordStatusActive, Dependencies: []int64{},
	})

	record, err := rec.Reconcile(context.Background(), "local", desired)
	require.Error(t, err)
	re, ok := AsReconcileError(err)
	require.True(t, ok)
	assert.Equal(t, ValidationFailed, re.Kind)
	assert.Equal(t, schemas.RunFailed, record.Status)
	assert.NoError(t, mockPool.ExpectationsWereMet(), "no queries may run for an invalid snapshot")
}

func TestReconcileReportsStoreLoss(t *testing.T) {
	rec, mockPool := newMockedReconciler(t, Options{})

	beginErr := errors.New("connection reset")
	mockPool.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}).
		WillReturnError(beginErr)

	desired := desiredSnapshot(schemas.Keyword{
		ID: 101, Name: "기쁨", Category: "A-1 감정", SubcategoryID: 1,
		Weight: 5, Status: schemas.KeywordStatusActive, Dependencies: []int64{},
	})

	record, err := rec.Reconcile(context.Background(), "local", desired)
	require.Error(t, err)
	re, ok := AsReconcileError(err)
	require.True(t, ok)
	assert.Equal(t, StoreUnavailable, re.Kind)
	assert.Equal(t, schemas.RunFailed, record.Status)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// A snapshot introducing a subcategory together with a keyword referencing it
// must commit the subcategory batch before the keyword upsert runs, or the
// keyword insert would hit a missing foreign key. pgxmock verifies expectation
// order, so a keyword write queued before the subcategory commit fails here.
func TestReconcileCommitsSubcategoriesBeforeKeywords(t *testing.T) {
	rec, mockPool := newMockedReconciler(t, Options{BatchSize: 10})

	// Target holds subcategory 1 and keyword 101; subcategory 2 and keyword
	// 201 are both new.
	expectSnapshotLoad(mockPool,
		subcatRows().AddRow(int64(1), "A-1 감정", "", "A-", 1, true),
		keywordRows().AddRow(int64(101), "기쁨", int64(1), "A-1 감정", 5.0, 2, true),
		depRows(),
	)

	desired := &schemas.Snapshot{
		Subcategories: []schemas.Subcategory{
			{ID: 1, Name: "A-1 감정", CategoryGroup: "A-", DisplayOrder: 1, IsActive: true},
			{ID: 2, Name: "B-1 판단", CategoryGroup: "B-", DisplayOrder: 2, IsActive: true},
		},
		Keywords: []schemas.Keyword{
			{ID: 101, Name: "기쁨", Category: "A-1 감정", SubcategoryID: 1, Weight: 5, Connections: 2, Status: schemas.KeywordStatusActive, Dependencies: []int64{}},
			{ID: 201, Name: "논리", Category: "B-1 판단", SubcategoryID: 2, Weight: 4, Connections: 0, Status: schemas.KeywordStatusActive, Dependencies: []int64{}},
		},
	}
	graph.Normalize(desired)
	desired.Metadata = graph.NewMetadata(desired, "unit", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	// Subcategory 2 commits first, in its own transaction.
	mockPool.ExpectBegin()
	batch := mockPool.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(sqlUpsertSubcategory)).
		WithArgs(int64(2), "B-1 판단", "", "B-", 2, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	// Only then does keyword 201 go in.
	mockPool.ExpectBegin()
	batch = mockPool.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(sqlUpsertKeyword)).
		WithArgs(int64(201), "논리", int64(2), 4.0, 0, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	record, err := rec.Reconcile(context.Background(), "local", desired)
	require.NoError(t, err)
	assert.Equal(t, schemas.RunSucceeded, record.Status)
	assert.Equal(t, 1, record.Subcategories.Applied)
	assert.Equal(t, 1, record.Subcategories.Skipped)
	assert.Equal(t, 1, record.Keywords.Applied)
	assert.Equal(t, 1, record.Keywords.Skipped)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// When the keyword stage fails after the subcategory batch committed, the
// record keeps the subcategory as applied and names only the keyword; the
// committed subcategory is not rolled back.
func TestReconcileKeepsCommittedSubcategoryWhenKeywordFails(t *testing.T) {
	rec, mockPool := newMockedReconciler(t, Options{BatchSize: 10})

	expectSnapshotLoad(mockPool,
		subcatRows().AddRow(int64(1), "A-1 감정", "", "A-", 1, true),
		keywordRows(),
		depRows(),
	)

	desired := &schemas.Snapshot{
		Subcategories: []schemas.Subcategory{
			{ID: 1, Name: "A-1 감정", CategoryGroup: "A-", DisplayOrder: 1, IsActive: true},
			{ID: 2, Name: "B-1 판단", CategoryGroup: "B-", DisplayOrder: 2, IsActive: true},
		},
		Keywords: []schemas.Keyword{
			{ID: 201, Name: "논리", Category: "B-1 판단", SubcategoryID: 2, Weight: 4, Connections: 0, Status: schemas.KeywordStatusActive, Dependencies: []int64{}},
		},
	}
	graph.Normalize(desired)
	desired.Metadata = graph.NewMetadata(desired, "unit", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	mockPool.ExpectBegin()
	batch := mockPool.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(sqlUpsertSubcategory)).
		WithArgs(int64(2), "B-1 판단", "", "B-", 2, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	// The keyword chunk fails, then fails again in the per-entity retry.
	pgErr := &pgconn.PgError{Code: "23503", Message: "foreign key violation"}
	mockPool.ExpectBegin()
	batch = mockPool.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(sqlUpsertKeyword)).
		WithArgs(int64(201), "논리", int64(2), 4.0, 0, true).
		WillReturnError(pgErr)
	mockPool.ExpectRollback()

	mockPool.ExpectBegin()
	batch = mockPool.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(sqlUpsertKeyword)).
		WithArgs(int64(201), "논리", int64(2), 4.0, 0, true).
		WillReturnError(pgErr)
	mockPool.ExpectRollback()

	record, err := rec.Reconcile(context.Background(), "local", desired)
	require.NoError(t, err, "a keyword failure after the subcategory commit does not abort the run")
	assert.Equal(t, schemas.RunPartiallySucceeded, record.Status)
	assert.Equal(t, 1, record.Subcategories.Applied)
	assert.Zero(t, record.Keywords.Applied)
	assert.Equal(t, 1, record.Keywords.Failed)
	require.Len(t, record.Failures, 1)
	assert.Equal(t, schemas.EntityKeyword, record.Failures[0].EntityType)
	assert.Equal(t, "201", record.Failures[0].EntityID)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// A failing entity must be isolated and named; entities before and after it
// still apply.
func TestReconcileAttributesPerEntityFailures(t *testing.T) {
	rec, mockPool := newMockedReconciler(t, Options{BatchSize: 1})

	// Target currently holds only the subcategory; both keywords are new.
	expectSnapshotLoad(mockPool,
		subcatRows().AddRow(int64(1), "A-1 감정", "", "A-", 1, true),
		keywordRows(),
		depRows(),
	)

	good := schemas.Keyword{
		ID: 101, Name: "기쁨", Category: "A-1 감정", SubcategoryID: 1,
		Weight: 5, Connections: 0, Status: schemas.KeywordStatusActive, Dependencies: []int64{},
	}
	bad := schemas.Keyword{
		ID: 102, Name: "분노", Category: "A-1 감정", SubcategoryID: 1,
		Weight: 3, Connections: 0, Status: schemas.KeywordStatusActive, Dependencies: []int64{},
	}
	desired := desiredSnapshot(good, bad)

	// Keyword 101 applies cleanly in its own chunk.
	mockPool.ExpectBegin()
	batch := mockPool.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(sqlUpsertKeyword)).
		WithArgs(int64(101), "기쁨", int64(1), 5.0, 0, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	// Keyword 102 fails its chunk, then fails again in the per-entity retry.
	pgErr := &pgconn.PgError{Code: "23503", Message: "foreign key violation"}
	mockPool.ExpectBegin()
	batch = mockPool.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(sqlUpsertKeyword)).
		WithArgs(int64(102), "분노", int64(1), 3.0, 0, true).
		WillReturnError(pgErr)
	mockPool.ExpectRollback()

	mockPool.ExpectBegin()
	batch = mockPool.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(sqlUpsertKeyword)).
		WithArgs(int64(102), "분노", int64(1), 3.0, 0, true).
		WillReturnError(pgErr)
	mockPool.ExpectRollback()

	record, err := rec.Reconcile(context.Background(), "local", desired)
	require.NoError(t, err, "per-entity failures do not abort the run")
	assert.Equal(t, schemas.RunPartiallySucceeded, record.Status)
	assert.Equal(t, 1, record.Keywords.Applied)
	assert.Equal(t, 1, record.Keywords.Failed)
	require.Len(t, record.Failures, 1)
	assert.Equal(t, schemas.EntityKeyword, record.Failures[0].EntityType)
	assert.Equal(t, "102", record.Failures[0].EntityID)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
