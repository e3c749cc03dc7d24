package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Persisted values are never trust-parsed: every record is wrapped in a
// tagged, versioned envelope and decoding rejects anything whose kind or
// version does not match what the caller expects.

var (
	// ErrMalformedRecord is returned when a stored blob cannot be decoded.
	ErrMalformedRecord = fmt.Errorf("malformed record")
	// ErrWrongRecordKind is returned when a record's kind tag does not
	// match the expected kind.
	ErrWrongRecordKind = fmt.Errorf("wrong record kind")
	// ErrUnsupportedRecordVersion is returned when a record's version is
	// newer than the caller understands.
	ErrUnsupportedRecordVersion = fmt.Errorf("unsupported record version")
)

type recordEnvelope struct {
	Kind    string          `cbor:"kind"`
	Version int             `cbor:"version"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// EncodeRecord wraps v in a tagged envelope and encodes it as CBOR.
func EncodeRecord(kind string, version int, v any) ([]byte, error) {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	env := recordEnvelope{Kind: kind, Version: version, Payload: payload}
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", kind, err)
	}
	return data, nil
}

// DecodeRecord decodes a stored blob into v, validating the envelope's
// kind and version first. A version lower than maxVersion is accepted so
// older records remain readable after a format bump.
func DecodeRecord(data []byte, kind string, maxVersion int, v any) error {
	var env recordEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: got %q, want %q", ErrWrongRecordKind, env.Kind, kind)
	}
	if env.Version < 1 || env.Version > maxVersion {
		return fmt.Errorf("%w: record version %d, supported up to %d",
			ErrUnsupportedRecordVersion, env.Version, maxVersion)
	}
	if err := cbor.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedRecord, kind, err)
	}
	return nil
}
