// File: internal/graph/validate.go
// Description: Integrity validation for keyword graph snapshots. Every
// snapshot, whether freshly exported or freshly decoded, goes through
// Validate before anything downstream is allowed to touch it.
package graph

import (
	"fmt"

	"github.com/taxokit/kwsync/api/schemas"
)

// ValidationKind classifies why a snapshot failed validation.
type ValidationKind string

const (
	DanglingReference ValidationKind = "dangling_reference"
	DuplicateID       ValidationKind = "duplicate_id"
	CountMismatch     ValidationKind = "count_mismatch"
	MalformedWeight   ValidationKind = "malformed_weight"
	MalformedEntity   ValidationKind = "malformed_entity"
)

// ValidationError identifies the offending entity so an operator can diagnose
// a rejected snapshot without re-running the export.
type ValidationError struct {
	Kind       ValidationKind
	EntityType string
	EntityID   string
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("snapshot validation failed (%s): %s %s: %s", e.Kind, e.EntityType, e.EntityID, e.Detail)
}

// Validate checks a snapshot's integrity invariants:
//   - keyword and subcategory ids are unique
//   - keyword names are non-empty and weights are finite and non-negative
//   - every keyword's subcategory reference resolves within the snapshot
//   - every edge endpoint resolves to a keyword within the snapshot
//   - no self-loop edges and no duplicate (parent, dependent) pairs
//   - metadata counts exactly match entity list cardinalities
//
// The first violation found is returned; a nil error means the snapshot is
// safe to reconcile.
func Validate(s *schemas.Snapshot) error {
	if s == nil {
		return &ValidationError{Kind: MalformedEntity, EntityType: "snapshot", EntityID: "-", Detail: "snapshot is nil"}
	}

	subcats := make(map[int64]struct{}, len(s.Subcategories))
	for _, sc := range s.Subcategories {
		if _, dup := subcats[sc.ID]; dup {
			return &ValidationError{
				Kind:       DuplicateID,
				EntityType: schemas.EntitySubcategory,
				EntityID:   fmt.Sprint(sc.ID),
				Detail:     "subcategory id appears more than once",
			}
		}
		subcats[sc.ID] = struct{}{}
		if sc.Name == "" {
			return &ValidationError{
				Kind:       MalformedEntity,
				EntityType: schemas.EntitySubcategory,
				EntityID:   fmt.Sprint(sc.ID),
				Detail:     "subcategory name is empty",
			}
		}
	}

	keywords := make(map[int64]struct{}, len(s.Keywords))
	for _, k := range s.Keywords {
		id := fmt.Sprint(k.ID)
		if _, dup := keywords[k.ID]; dup {
			return &ValidationError{
				Kind:       DuplicateID,
				EntityType: schemas.EntityKeyword,
				EntityID:   id,
				Detail:     "keyword id appears more than once",
			}
		}
		keywords[k.ID] = struct{}{}
		if k.Name == "" {
			return &ValidationError{
				Kind:       MalformedEntity,
				EntityType: schemas.EntityKeyword,
				EntityID:   id,
				Detail:     "keyword text is empty",
			}
		}
		if k.Weight < 0 || k.Weight != k.Weight { // negative or NaN
			return &ValidationError{
				Kind:       MalformedWeight,
				EntityType: schemas.EntityKeyword,
				EntityID:   id,
				Detail:     fmt.Sprintf("weight %v is not a non-negative number", k.Weight),
			}
		}
		if k.Connections < 0 {
			return &ValidationError{
				Kind:       MalformedEntity,
				EntityType: schemas.EntityKeyword,
				EntityID:   id,
				Detail:     fmt.Sprintf("connection count %d is negative", k.Connections),
			}
		}
		if _, ok := subcats[k.SubcategoryID]; !ok {
			return &ValidationError{
				Kind:       DanglingReference,
				EntityType: schemas.EntityKeyword,
				EntityID:   id,
				Detail:     fmt.Sprintf("subcategory %d not present in snapshot", k.SubcategoryID),
			}
		}
	}

	seenEdges := make(map[schemas.EdgeKey]struct{}, len(s.Dependencies))
	for _, e := range s.Dependencies {
		id := fmt.Sprintf("%d->%d", e.ParentKeywordID, e.DependentKeywordID)
		if e.ParentKeywordID == e.DependentKeywordID {
			return &ValidationError{
				Kind:       MalformedEntity,
				EntityType: schemas.EntityEdge,
				EntityID:   id,
				Detail:     "self-loop edge",
			}
		}
		if _, dup := seenEdges[e.Key()]; dup {
			return &ValidationError{
				Kind:       DuplicateID,
				EntityType: schemas.EntityEdge,
				EntityID:   id,
				Detail:     "duplicate (parent, dependent) pair",
			}
		}
		seenEdges[e.Key()] = struct{}{}
		if _, ok := keywords[e.ParentKeywordID]; !ok {
			return &ValidationError{
				Kind:       DanglingReference,
				EntityType: schemas.EntityEdge,
				EntityID:   id,
				Detail:     fmt.Sprintf("parent keyword %d not present in snapshot", e.ParentKeywordID),
			}
		}
		if _, ok := keywords[e.DependentKeywordID]; !ok {
			return &ValidationError{
				Kind:       DanglingReference,
				EntityType: schemas.EntityEdge,
				EntityID:   id,
				Detail:     fmt.Sprintf("dependent keyword %d not present in snapshot", e.DependentKeywordID),
			}
		}
	}

	m := s.Metadata
	if m.TotalKeywords != len(s.Keywords) {
		return &ValidationError{
			Kind:       CountMismatch,
			EntityType: schemas.EntityKeyword,
			EntityID:   "-",
			Detail:     fmt.Sprintf("metadata claims %d keywords, snapshot has %d", m.TotalKeywords, len(s.Keywords)),
		}
	}
	if m.TotalSubcategories != len(s.Subcategories) {
		return &ValidationError{
			Kind:       CountMismatch,
			EntityType: schemas.EntitySubcategory,
			EntityID:   "-",
			Detail:     fmt.Sprintf("metadata claims %d subcategories, snapshot has %d", m.TotalSubcategories, len(s.Subcategories)),
		}
	}
	if m.TotalDependencies != len(s.Dependencies) {
		return &ValidationError{
			Kind:       CountMismatch,
			EntityType: schemas.EntityEdge,
			EntityID:   "-",
			Detail:     fmt.Sprintf("metadata claims %d dependencies, snapshot has %d", m.TotalDependencies, len(s.Dependencies)),
		}
	}

	return nil
}
