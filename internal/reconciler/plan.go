// File: internal/reconciler/plan.go
// Description: Diffing stage of reconciliation. A plan lists exactly which
// mutations bring the target graph to the desired snapshot; entities that are
// already identical are counted as skipped and never touch the database.
package reconciler

import (
	"github.com/taxokit/kwsync/api/schemas"
)

// Plan is the set of mutations derived from diffing the desired snapshot
// against the target's current graph.
type Plan struct {
	SubcatUpserts []schemas.Subcategory
	SubcatPrunes  []int64
	SubcatSkipped int

	KeywordUpserts  []schemas.Keyword
	KeywordDeactivs []int64
	KeywordSkipped  int

	EdgeUpserts []schemas.DependencyEdge
	EdgeDeletes []schemas.DependencyEdge
	EdgeSkipped int
}

// Empty reports whether the plan carries no mutations at all.
func (p *Plan) Empty() bool {
	return len(p.SubcatUpserts) == 0 && len(p.SubcatPrunes) == 0 &&
		len(p.KeywordUpserts) == 0 && len(p.KeywordDeactivs) == 0 &&
		len(p.EdgeUpserts) == 0 && len(p.EdgeDeletes) == 0
}

// Mutations returns the total number of planned database mutations.
func (p *Plan) Mutations() int {
	return len(p.SubcatUpserts) + len(p.SubcatPrunes) +
		len(p.KeywordUpserts) + len(p.KeywordDeactivs) +
		len(p.EdgeUpserts) + len(p.EdgeDeletes)
}

// subcatEqual compares the persisted columns of a subcategory.
func subcatEqual(a, b schemas.Subcategory) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.CategoryGroup == b.CategoryGroup &&
		a.DisplayOrder == b.DisplayOrder &&
		a.IsActive == b.IsActive
}

// keywordEqual compares the persisted columns of a keyword. Derived wire
// fields (color, the dependency list) do not participate.
func keywordEqual(a, b schemas.Keyword) bool {
	return a.Name == b.Name &&
		a.SubcategoryID == b.SubcategoryID &&
		a.Weight == b.Weight &&
		a.Connections == b.Connections &&
		a.Active() == b.Active()
}

// BuildPlan diffs desired against current by entity id.
//
// Keywords absent from the desired snapshot are deactivated, never deleted.
// Edges absent from the desired snapshot are deleted outright. Subcategories
// absent from the desired snapshot are left alone unless pruning is enabled.
func BuildPlan(current, desired *schemas.Snapshot, pruneSubcategories bool) *Plan {
	plan := &Plan{}

	currentSubcats := make(map[int64]schemas.Subcategory, len(current.Subcategories))
	for _, sc := range current.Subcategories {
		currentSubcats[sc.ID] = sc
	}
	desiredSubcatIDs := make(map[int64]struct{}, len(desired.Subcategories))
	for _, sc := range desired.Subcategories {
		desiredSubcatIDs[sc.ID] = struct{}{}
		if existing, ok := currentSubcats[sc.ID]; ok && subcatEqual(existing, sc) {
			plan.SubcatSkipped++
			continue
		}
		plan.SubcatUpserts = append(plan.SubcatUpserts, sc)
	}
	if pruneSubcategories {
		for _, sc := range current.Subcategories {
			if _, ok := desiredSubcatIDs[sc.ID]; !ok {
				plan.SubcatPrunes = append(plan.SubcatPrunes, sc.ID)
			}
		}
	}

	currentKeywords := make(map[int64]schemas.Keyword, len(current.Keywords))
	for _, k := range current.Keywords {
		currentKeywords[k.ID] = k
	}
	desiredKeywordIDs := make(map[int64]struct{}, len(desired.Keywords))
	for _, k := range desired.Keywords {
		desiredKeywordIDs[k.ID] = struct{}{}
		if existing, ok := currentKeywords[k.ID]; ok && keywordEqual(existing, k) {
			plan.KeywordSkipped++
			continue
		}
		plan.KeywordUpserts = append(plan.KeywordUpserts, k)
	}
	for _, k := range current.Keywords {
		if _, ok := desiredKeywordIDs[k.ID]; ok {
			continue
		}
		// Already-inactive keywords stay as they are; deactivating them again
		// would inflate the applied count on every run.
		if k.Active() {
			plan.KeywordDeactivs = append(plan.KeywordDeactivs, k.ID)
		}
	}

	currentEdges := make(map[schemas.EdgeKey]schemas.DependencyEdge, len(current.Dependencies))
	for _, e := range current.Dependencies {
		currentEdges[e.Key()] = e
	}
	desiredEdgeKeys := make(map[schemas.EdgeKey]struct{}, len(desired.Dependencies))
	for _, e := range desired.Dependencies {
		desiredEdgeKeys[e.Key()] = struct{}{}
		if existing, ok := currentEdges[e.Key()]; ok && existing.Weight == e.Weight {
			plan.EdgeSkipped++
			continue
		}
		plan.EdgeUpserts = append(plan.EdgeUpserts, e)
	}
	for _, e := range current.Dependencies {
		if _, ok := desiredEdgeKeys[e.Key()]; !ok {
			plan.EdgeDeletes = append(plan.EdgeDeletes, e)
		}
	}

	return plan
}
