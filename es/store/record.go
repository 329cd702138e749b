package store

import (
	"encoding/json"
	"fmt"

	"github.com/getpup/pupstore/es"
)

// MarshalMetadata serializes event metadata for the metadata column.
func MarshalMetadata(m es.Metadata) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

// UnmarshalMetadata parses the metadata column. Empty input yields zero Metadata.
func UnmarshalMetadata(b []byte) (es.Metadata, error) {
	var m es.Metadata
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return m, nil
}

// Validate checks the structural invariants of a batch before it reaches a backend.
func (b Batch) Validate() error {
	if len(b.Records) == 0 {
		return ErrNoEvents
	}
	for i := range b.Records {
		r := &b.Records[i]
		if r.AggregateID != b.AggregateID || r.TenantID != b.TenantID {
			return fmt.Errorf("record %d: aggregate mismatch", i)
		}
		if want := b.ExpectedHead + int64(i) + 1; r.AggregateVersion != want {
			return fmt.Errorf("record %d: version %d, want %d", i, r.AggregateVersion, want)
		}
	}
	return nil
}
