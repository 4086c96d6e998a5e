// File: internal/store/store.go
// Description: PostgreSQL access layer for the keyword graph tables
// (keywords, keywords_subcategories, keyword_dependencies). The reconciler
// owns transaction boundaries; the mutation helpers here all operate on a
// caller-supplied pgx.Tx.
package store

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
)

// DBPool abstracts pgxpool.Pool so the store can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides keyword graph persistence over a pgx pool.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Begin opens a read-write transaction for a reconciliation batch.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// Rollback rolls a transaction back, tolerating the already-committed case.
func (s *Store) Rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}

const (
	selectKeywordsSQL = `
        SELECT k.id, k.text, k.subcategory_id, ksc.name,
               COALESCE(k.weight, 0), COALESCE(k.usage_count, 0), k.is_active
        FROM keywords k
        JOIN keywords_subcategories ksc ON k.subcategory_id = ksc.id
        ORDER BY k.id;
    `
	selectActiveKeywordsSQL = `
        SELECT k.id, k.text, k.subcategory_id, ksc.name,
               COALESCE(k.weight, 0), COALESCE(k.usage_count, 0), k.is_active
        FROM keywords k
        JOIN keywords_subcategories ksc ON k.subcategory_id = ksc.id
        WHERE k.is_active = true
        ORDER BY k.id;
    `
	selectSubcategoriesSQL = `
        SELECT id, name, COALESCE(description, ''), COALESCE(category_group, ''),
               COALESCE(display_order, 0), is_active
        FROM keywords_subcategories
        ORDER BY id;
    `
	selectActiveSubcategoriesSQL = `
        SELECT id, name, COALESCE(description, ''), COALESCE(category_group, ''),
               COALESCE(display_order, 0), is_active
        FROM keywords_subcategories
        WHERE is_active = true
        ORDER BY id;
    `
	selectDependenciesSQL = `
        SELECT kd.parent_keyword_id, kd.dependent_keyword_id, COALESCE(kd.weight, 0)
        FROM keyword_dependencies kd
        ORDER BY kd.parent_keyword_id, kd.dependent_keyword_id;
    `
	// The active variant joins both endpoints against active keywords so a
	// snapshot of the live taxonomy never carries dangling edges.
	selectActiveDependenciesSQL = `
        SELECT kd.parent_keyword_id, kd.dependent_keyword_id, COALESCE(kd.weight, 0)
        FROM keyword_dependencies kd
        JOIN keywords pk ON pk.id = kd.parent_keyword_id AND pk.is_active = true
        JOIN keywords dk ON dk.id = kd.dependent_keyword_id AND dk.is_active = true
        ORDER BY kd.parent_keyword_id, kd.dependent_keyword_id;
    `
)

// LoadSnapshot reads the full graph within one repeatable-read transaction so
// keywords, subcategories and edges are mutually consistent even while the
// underlying tables change. activeOnly restricts the result to the live
// taxonomy (the export view); the reconciler loads everything, soft-deleted
// rows included.
//
// The returned snapshot is normalized but NOT validated; callers decide how
// to surface validation failures.
func (s *Store) LoadSnapshot(ctx context.Context, source string, activeOnly bool) (*schemas.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer s.Rollback(ctx, tx)

	keywordsSQL, subcatsSQL, depsSQL := selectKeywordsSQL, selectSubcategoriesSQL, selectDependenciesSQL
	if activeOnly {
		keywordsSQL, subcatsSQL, depsSQL = selectActiveKeywordsSQL, selectActiveSubcategoriesSQL, selectActiveDependenciesSQL
	}

	subcats, err := scanSubcategories(ctx, tx, subcatsSQL)
	if err != nil {
		return nil, err
	}
	keywords, err := scanKeywords(ctx, tx, keywordsSQL)
	if err != nil {
		return nil, err
	}
	deps, err := scanDependencies(ctx, tx, depsSQL)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot transaction: %w", err)
	}

	// Derive the per-keyword dependency list and display color from the raw
	// rows; both are denormalized conveniences on the wire format.
	depsByParent := make(map[int64][]int64)
	for _, d := range deps {
		depsByParent[d.ParentKeywordID] = append(depsByParent[d.ParentKeywordID], d.DependentKeywordID)
	}
	for i := range keywords {
		k := &keywords[i]
		k.Dependencies = depsByParent[k.ID]
		if k.Dependencies == nil {
			k.Dependencies = []int64{}
		}
		k.Color = schemas.ColorForGroup(schemas.GroupCode(k.Category))
	}

	snap := &schemas.Snapshot{
		Keywords:      keywords,
		Subcategories: subcats,
		Dependencies:  deps,
	}
	graph.Normalize(snap)
	snap.Metadata = graph.NewMetadata(snap, source, time.Now())

	s.log.Debug("Graph snapshot loaded",
		zap.Int("keywords", len(keywords)),
		zap.Int("subcategories", len(subcats)),
		zap.Int("dependencies", len(deps)),
		zap.Bool("active_only", activeOnly))
	return snap, nil
}

func scanKeywords(ctx context.Context, tx pgx.Tx, sql string) ([]schemas.Keyword, error) {
	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to query keywords: %w", err)
	}
	defer rows.Close()

	var keywords []schemas.Keyword
	for rows.Next() {
		var k schemas.Keyword
		var active bool
		if err := rows.Scan(&k.ID, &k.Name, &k.SubcategoryID, &k.Subcategory, &k.Weight, &k.Connections, &active); err != nil {
			return nil, fmt.Errorf("failed to scan keyword row: %w", err)
		}
		k.Category = k.Subcategory
		if active {
			k.Status = schemas.KeywordStatusActive
		} else {
			k.Status = schemas.KeywordStatusInactive
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

func scanSubcategories(ctx context.Context, tx pgx.Tx, sql string) ([]schemas.Subcategory, error) {
	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to query subcategories: %w", err)
	}
	defer rows.Close()

	var subcats []schemas.Subcategory
	for rows.Next() {
		var sc schemas.Subcategory
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.Description, &sc.CategoryGroup, &sc.DisplayOrder, &sc.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan subcategory row: %w", err)
		}
		subcats = append(subcats, sc)
	}
	return subcats, rows.Err()
}

func scanDependencies(ctx context.Context, tx pgx.Tx, sql string) ([]schemas.DependencyEdge, error) {
	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []schemas.DependencyEdge
	for rows.Next() {
		var d schemas.DependencyEdge
		if err := rows.Scan(&d.ParentKeywordID, &d.DependentKeywordID, &d.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan dependency row: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

const countsSQL = `
        SELECT
            (SELECT COUNT(*) FROM keywords WHERE is_active = true),
            (SELECT COUNT(*) FROM keywords_subcategories WHERE is_active = true),
            (SELECT COUNT(*) FROM keyword_dependencies);
    `

// Counts returns the live entity totals used by health and status endpoints.
func (s *Store) Counts(ctx context.Context) (keywords, subcategories, dependencies int, err error) {
	if err = s.pool.QueryRow(ctx, countsSQL).Scan(&keywords, &subcategories, &dependencies); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to query entity counts: %w", err)
	}
	return keywords, subcategories, dependencies, nil
}

// -- Mutation helpers. All run inside a caller-owned transaction. --

const upsertSubcategorySQL = `
        INSERT INTO keywords_subcategories (id, name, description, category_group, display_order, is_active)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name,
            description = EXCLUDED.description,
            category_group = EXCLUDED.category_group,
            display_order = EXCLUDED.display_order,
            is_active = EXCLUDED.is_active;
    `

// UpsertSubcategories inserts or updates subcategories in one batch.
func (s *Store) UpsertSubcategories(ctx context.Context, tx pgx.Tx, subcats []schemas.Subcategory) error {
	if len(subcats) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sc := range subcats {
		batch.Queue(upsertSubcategorySQL, sc.ID, sc.Name, sc.Description, sc.CategoryGroup, sc.DisplayOrder, sc.IsActive)
	}
	return execBatch(ctx, tx, batch, schemas.EntitySubcategory, func(i int) string {
		return fmt.Sprint(subcats[i].ID)
	})
}

const deleteSubcategorySQL = `DELETE FROM keywords_subcategories WHERE id = $1;`

// DeleteSubcategories hard-deletes subcategories. Only reachable when the
// prune policy is enabled.
func (s *Store) DeleteSubcategories(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(deleteSubcategorySQL, id)
	}
	return execBatch(ctx, tx, batch, schemas.EntitySubcategory, func(i int) string {
		return fmt.Sprint(ids[i])
	})
}

const upsertKeywordSQL = `
        INSERT INTO keywords (id, text, subcategory_id, weight, usage_count, is_active)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET
            text = EXCLUDED.text,
            subcategory_id = EXCLUDED.subcategory_id,
            weight = EXCLUDED.weight,
            usage_count = EXCLUDED.usage_count,
            is_active = EXCLUDED.is_active;
    `

// UpsertKeywords inserts or updates keywords in one batch.
func (s *Store) UpsertKeywords(ctx context.Context, tx pgx.Tx, keywords []schemas.Keyword) error {
	if len(keywords) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, k := range keywords {
		batch.Queue(upsertKeywordSQL, k.ID, k.Name, k.SubcategoryID, k.Weight, k.Connections, k.Active())
	}
	return execBatch(ctx, tx, batch, schemas.EntityKeyword, func(i int) string {
		return fmt.Sprint(keywords[i].ID)
	})
}

const deactivateKeywordSQL = `UPDATE keywords SET is_active = false WHERE id = $1;`

// DeactivateKeywords soft-deletes keywords. Rows are never removed outright;
// the inactive flag preserves audit history.
func (s *Store) DeactivateKeywords(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(deactivateKeywordSQL, id)
	}
	return execBatch(ctx, tx, batch, schemas.EntityKeyword, func(i int) string {
		return fmt.Sprint(ids[i])
	})
}

const upsertEdgeSQL = `
        INSERT INTO keyword_dependencies (parent_keyword_id, dependent_keyword_id, weight)
        VALUES ($1, $2, $3)
        ON CONFLICT (parent_keyword_id, dependent_keyword_id) DO UPDATE SET
            weight = EXCLUDED.weight;
    `

// UpsertEdges inserts or updates dependency edges in one batch.
func (s *Store) UpsertEdges(ctx context.Context, tx pgx.Tx, edges []schemas.DependencyEdge) error {
	if len(edges) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range edges {
		batch.Queue(upsertEdgeSQL, e.ParentKeywordID, e.DependentKeywordID, e.Weight)
	}
	return execBatch(ctx, tx, batch, schemas.EntityEdge, func(i int) string {
		return edgeID(edges[i])
	})
}

const deleteEdgeSQL = `
        DELETE FROM keyword_dependencies
        WHERE parent_keyword_id = $1 AND dependent_keyword_id = $2;
    `

// DeleteEdges hard-deletes dependency edges; edges carry no identity beyond
// the pair, so deletion loses nothing.
func (s *Store) DeleteEdges(ctx context.Context, tx pgx.Tx, edges []schemas.DependencyEdge) error {
	if len(edges) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range edges {
		batch.Queue(deleteEdgeSQL, e.ParentKeywordID, e.DependentKeywordID)
	}
	return execBatch(ctx, tx, batch, schemas.EntityEdge, func(i int) string {
		return edgeID(edges[i])
	})
}

func edgeID(e schemas.DependencyEdge) string {
	return fmt.Sprintf("%d->%d", e.ParentKeywordID, e.DependentKeywordID)
}

// execBatch sends a batch and drains every result so per-command errors
// surface, naming the offending entity.
func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, entityType string, idAt func(int) string) error {
	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send %s batch: batch results is nil", entityType)
	}
	defer func() {
		_ = br.Close()
	}()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to apply %s %s: %w", entityType, idAt(i), err)
		}
	}
	return nil
}
