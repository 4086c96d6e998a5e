// File: api/schemas/graph.go
// Description: Core data model for the keyword taxonomy graph. These types are
// shared between the exporter, the transport codec, the reconciler and the
// HTTP surface, so they live in a dependency-free schemas package.
package schemas

import (
	"time"
)

// FormatVersion is the current snapshot wire-format version. Decoders must
// reject any payload carrying a different version instead of best-effort
// parsing it.
const FormatVersion = 1

// Keyword status values as they appear on the wire.
const (
	KeywordStatusActive   = "active"
	KeywordStatusInactive = "inactive"
)

// Display colors per category group. Derived data only, never used for
// correctness decisions.
const (
	ColorGroupA  = "#3B82F6"
	ColorGroupB  = "#EF4444"
	ColorGroupC  = "#06B6D4"
	ColorDefault = "#6366F1"
)

// Keyword is a single taxonomy leaf node.
type Keyword struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	// Category and Subcategory both carry the subcategory display name; the
	// duplication mirrors the export format consumed by existing clients.
	Category      string  `json:"category"`
	Subcategory   string  `json:"subcategory"`
	SubcategoryID int64   `json:"subcategory_id"`
	Weight        float64 `json:"weight"`
	Connections   int     `json:"connections"`
	Status        string  `json:"status"`
	// Dependencies lists dependent keyword ids for which this keyword is the
	// parent. Redundant with Snapshot.Dependencies; kept on the record for
	// clients that only read keywords[].
	Dependencies []int64 `json:"dependencies"`
	Color        string  `json:"color"`
}

// Active reports whether the keyword is live in the taxonomy.
func (k Keyword) Active() bool { return k.Status == KeywordStatusActive }

// Subcategory groups keywords. Its name carries a leading group code
// (e.g. "A-1 감정") from which the category group is derived.
type Subcategory struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	CategoryGroup string `json:"category_group"`
	DisplayOrder  int    `json:"display_order"`
	IsActive      bool   `json:"is_active"`
}

// DependencyEdge is the directed relation "parent implies dependent".
// Identity is the (parent, dependent) pair; there is no surrogate key.
type DependencyEdge struct {
	ParentKeywordID    int64   `json:"parent_keyword_id"`
	DependentKeywordID int64   `json:"dependent_keyword_id"`
	Weight             float64 `json:"weight,omitempty"`
}

// EdgeKey is the comparable identity of a dependency edge.
type EdgeKey struct {
	Parent    int64
	Dependent int64
}

// Key returns the identity of the edge.
func (e DependencyEdge) Key() EdgeKey {
	return EdgeKey{Parent: e.ParentKeywordID, Dependent: e.DependentKeywordID}
}

// SnapshotMetadata describes the snapshot it accompanies. The counts must
// exactly match the entity list cardinalities; validation enforces this.
type SnapshotMetadata struct {
	FormatVersion      int            `json:"format_version"`
	TotalKeywords      int            `json:"total_keywords"`
	TotalSubcategories int            `json:"total_subcategories"`
	TotalDependencies  int            `json:"total_dependencies"`
	Categories         map[string]int `json:"categories"`
	SyncTimestamp      time.Time      `json:"sync_timestamp"`
	Source             string         `json:"source"`
}

// Snapshot is an immutable, versioned bundle of the full keyword graph at one
// point in time.
type Snapshot struct {
	Metadata      SnapshotMetadata `json:"metadata"`
	Keywords      []Keyword        `json:"keywords"`
	Subcategories []Subcategory    `json:"subcategories"`
	Dependencies  []DependencyEdge `json:"dependencies"`
}

// ColorForGroup maps a category group code to its display color.
func ColorForGroup(group string) string {
	switch group {
	case "A-":
		return ColorGroupA
	case "B-":
		return ColorGroupB
	case "C-":
		return ColorGroupC
	default:
		return ColorDefault
	}
}

// GroupCode derives the category group prefix from a subcategory name,
// e.g. "A-3 의지" -> "A-". The prefix is the first two runes, not bytes, so
// names starting with multi-byte characters stay valid UTF-8. Names shorter
// than two runes map to the empty group, which callers treat as "other".
func GroupCode(subcategoryName string) string {
	runes := []rune(subcategoryName)
	if len(runes) < 2 {
		return ""
	}
	return string(runes[:2])
}
