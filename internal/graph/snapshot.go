// File: internal/graph/snapshot.go
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/taxokit/kwsync/api/schemas"
)

// hashJSON is a deterministic encoder used only for content hashing; map keys
// are sorted so equal snapshots always hash equally.
var hashJSON = jsoniter.Config{SortMapKeys: true}.Froze()

// Normalize puts a snapshot into canonical form: entities sorted by id (edges
// by parent then dependent), duplicate edges collapsed to one, and metadata
// counts and category distribution recomputed from the entity lists. It
// mutates the snapshot in place.
//
// Normalize is deliberately permissive where Validate is strict: collapsing
// duplicate edges is safe, inventing missing keywords is not, so dangling
// references still fail validation afterwards.
func Normalize(s *schemas.Snapshot) {
	sort.Slice(s.Subcategories, func(i, j int) bool { return s.Subcategories[i].ID < s.Subcategories[j].ID })
	sort.Slice(s.Keywords, func(i, j int) bool { return s.Keywords[i].ID < s.Keywords[j].ID })

	seen := make(map[schemas.EdgeKey]struct{}, len(s.Dependencies))
	deduped := s.Dependencies[:0]
	for _, e := range s.Dependencies {
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}
		deduped = append(deduped, e)
	}
	s.Dependencies = deduped
	sort.Slice(s.Dependencies, func(i, j int) bool {
		a, b := s.Dependencies[i], s.Dependencies[j]
		if a.ParentKeywordID != b.ParentKeywordID {
			return a.ParentKeywordID < b.ParentKeywordID
		}
		return a.DependentKeywordID < b.DependentKeywordID
	})

	for i := range s.Keywords {
		sort.Slice(s.Keywords[i].Dependencies, func(a, b int) bool {
			return s.Keywords[i].Dependencies[a] < s.Keywords[i].Dependencies[b]
		})
	}

	s.Metadata.FormatVersion = schemas.FormatVersion
	s.Metadata.TotalKeywords = len(s.Keywords)
	s.Metadata.TotalSubcategories = len(s.Subcategories)
	s.Metadata.TotalDependencies = len(s.Dependencies)
	s.Metadata.Categories = CategoryDistribution(s)
}

// CategoryDistribution counts keywords per category group code (the leading
// two runes of the subcategory name, e.g. "A-"). Reporting data only; never
// used for correctness decisions.
func CategoryDistribution(s *schemas.Snapshot) map[string]int {
	dist := make(map[string]int)
	for _, k := range s.Keywords {
		group := schemas.GroupCode(k.Category)
		if group == "" {
			group = "other"
		}
		dist[group]++
	}
	return dist
}

// ContentHash returns a hex sha256 over the canonical encoding of the
// snapshot's entity lists. Metadata (timestamps, source labels) is excluded
// so two snapshots with identical content hash equally regardless of when or
// where they were exported. Callers should Normalize first.
func ContentHash(s *schemas.Snapshot) (string, error) {
	payload := struct {
		Keywords      []schemas.Keyword        `json:"keywords"`
		Subcategories []schemas.Subcategory    `json:"subcategories"`
		Dependencies  []schemas.DependencyEdge `json:"dependencies"`
	}{s.Keywords, s.Subcategories, s.Dependencies}

	raw, err := hashJSON.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot for hashing: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// NewMetadata builds metadata for a snapshot assembled from the given entity
// lists. Counts and distribution are derived, never trusted from input.
func NewMetadata(s *schemas.Snapshot, source string, now time.Time) schemas.SnapshotMetadata {
	return schemas.SnapshotMetadata{
		FormatVersion:      schemas.FormatVersion,
		TotalKeywords:      len(s.Keywords),
		TotalSubcategories: len(s.Subcategories),
		TotalDependencies:  len(s.Dependencies),
		Categories:         CategoryDistribution(s),
		SyncTimestamp:      now.UTC(),
		Source:             source,
	}
}
