// File: internal/transport/codec.go
// Description: Wire codec for snapshot payloads. Encoding is deterministic
// (sorted map keys, entities pre-sorted by the graph normalizer) so repeated
// encodes of an unchanged snapshot are byte-identical. Decoding enforces the
// size cap and the explicit format version before anything else looks at the
// payload.
package transport

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/taxokit/kwsync/api/schemas"
)

// wireJSON sorts map keys so category distributions encode deterministically.
var wireJSON = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	Malformed       ErrorKind = "malformed"
	SizeExceeded    ErrorKind = "size_exceeded"
	VersionMismatch ErrorKind = "version_mismatch"
	Unreachable     ErrorKind = "unreachable"
	RemoteRejected  ErrorKind = "remote_rejected"
)

// TransportError wraps a transport failure with its classification.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AsTransportError extracts a *TransportError from an error chain.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	ok := errors.As(err, &te)
	return te, ok
}

// Encode serializes a snapshot for transfer. Callers are expected to pass
// normalized snapshots (every snapshot leaving the exporter is); Encode does
// not reorder anything itself, it only guarantees stable map-key order.
func Encode(s *schemas.Snapshot) ([]byte, error) {
	raw, err := wireJSON.Marshal(s)
	if err != nil {
		return nil, &TransportError{Kind: Malformed, Err: fmt.Errorf("failed to encode snapshot: %w", err)}
	}
	return raw, nil
}

// versionProbe reads just enough of a payload to check its format version
// without committing to a full parse.
type versionProbe struct {
	Metadata struct {
		FormatVersion int `json:"format_version"`
	} `json:"metadata"`
}

// Decode parses a snapshot payload. It rejects oversized payloads, payloads
// carrying an unknown format version, and anything that fails to parse.
// Transport success does not imply semantic validity: callers MUST run the
// decoded snapshot through graph.Validate before use.
func Decode(data []byte, maxBytes int64) (*schemas.Snapshot, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, &TransportError{
			Kind: SizeExceeded,
			Err:  fmt.Errorf("payload is %d bytes, limit is %d", len(data), maxBytes),
		}
	}

	var probe versionProbe
	if err := wireJSON.Unmarshal(data, &probe); err != nil {
		return nil, &TransportError{Kind: Malformed, Err: fmt.Errorf("failed to parse payload: %w", err)}
	}
	if probe.Metadata.FormatVersion != schemas.FormatVersion {
		return nil, &TransportError{
			Kind: VersionMismatch,
			Err: fmt.Errorf("payload format version %d, this build understands %d",
				probe.Metadata.FormatVersion, schemas.FormatVersion),
		}
	}

	var snap schemas.Snapshot
	if err := wireJSON.Unmarshal(data, &snap); err != nil {
		return nil, &TransportError{Kind: Malformed, Err: fmt.Errorf("failed to decode snapshot: %w", err)}
	}
	return &snap, nil
}
