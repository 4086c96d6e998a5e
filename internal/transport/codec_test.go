package transport

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/graph"
)

func wireSnapshot(t *testing.T) *schemas.Snapshot {
	t.Helper()
	s := &schemas.Snapshot{
		Subcategories: []schemas.Subcategory{
			{ID: 1, Name: "A-1 감정", CategoryGroup: "A-", DisplayOrder: 1, IsActive: true},
		},
		Keywords: []schemas.Keyword{
			{ID: 101, Name: "기쁨", Category: "A-1 감정", Subcategory: "A-1 감정", SubcategoryID: 1, Weight: 7.5, Connections: 1, Status: schemas.KeywordStatusActive, Dependencies: []int64{102}, Color: schemas.ColorGroupA},
			{ID: 102, Name: "행복", Category: "A-1 감정", Subcategory: "A-1 감정", SubcategoryID: 1, Weight: 2, Status: schemas.KeywordStatusActive, Dependencies: []int64{}, Color: schemas.ColorGroupA},
		},
		Dependencies: []schemas.DependencyEdge{
			{ParentKeywordID: 101, DependentKeywordID: 102, Weight: 1},
		},
	}
	graph.Normalize(s)
	s.Metadata = graph.NewMetadata(s, "test", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	return s
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	snap := wireSnapshot(t)

	payload, err := Encode(snap)
	require.NoError(t, err)

	decoded, err := Decode(payload, 1<<20)
	require.NoError(t, err)

	if diff := cmp.Diff(snap, decoded); diff != "" {
		t.Fatalf("round trip changed the snapshot (-want +got):\n%s", diff)
	}
	require.NoError(t, graph.Validate(decoded))
}

func TestEncodeIsDeterministic(t *testing.T) {
	snap := wireSnapshot(t)

	first, err := Encode(snap)
	require.NoError(t, err)
	second, err := Encode(snap)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	snap := wireSnapshot(t)
	payload, err := Encode(snap)
	require.NoError(t, err)

	_, err = Decode(payload, int64(len(payload)-1))
	te, ok := AsTransportError(err)
	require.True(t, ok, "expected a TransportError, got %v", err)
	assert.Equal(t, SizeExceeded, te.Kind)
}

func TestDecodeRejectsUnknownFormatVersion(t *testing.T) {
	snap := wireSnapshot(t)
	snap.Metadata.FormatVersion = 99
	payload, err := Encode(snap)
	require.NoError(t, err)

	_, err = Decode(payload, 1<<20)
	te, ok := AsTransportError(err)
	require.True(t, ok)
	assert.Equal(t, VersionMismatch, te.Kind)
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	for name, payload := range map[string][]byte{
		"truncated":   []byte(`{"metadata":{"format_version":1},"keywords":[{`),
		"wrong shape": []byte(`{"metadata":{"format_version":1},"keywords":"nope"}`),
		"not json":    []byte(`hello`),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(payload, 1<<20)
			te, ok := AsTransportError(err)
			require.True(t, ok, "expected a TransportError, got %v", err)
			assert.Equal(t, Malformed, te.Kind)
		})
	}
}

// Decoding succeeds for payloads that parse but violate graph invariants;
// semantic checks belong to graph.Validate, not the codec.
func TestDecodeDoesNotValidateSemantics(t *testing.T) {
	snap := wireSnapshot(t)
	snap.Dependencies = append(snap.Dependencies, schemas.DependencyEdge{ParentKeywordID: 101, DependentKeywordID: 9999})
	snap.Metadata.TotalDependencies = len(snap.Dependencies)

	payload, err := Encode(snap)
	require.NoError(t, err)

	decoded, err := Decode(payload, 1<<20)
	require.NoError(t, err)
	require.Error(t, graph.Validate(decoded))
}
