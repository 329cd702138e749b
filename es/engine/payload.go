package engine

import (
	"context"
	"fmt"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/compress"
	"github.com/getpup/pupstore/es/metrics"
	"github.com/getpup/pupstore/es/store"
)

// encodeRecords turns prepared events into the stored form: payloads are
// compressed into frames, one unit per batch when enabled, then encrypted.
// Versions run from head+1.
func (e *Engine) encodeRecords(ctx context.Context, tenant string, head int64, events []es.Event) ([]store.Record, error) {
	frames := make([][]byte, len(events))
	if e.batchUnits && len(events) > 1 {
		payloads := make([][]byte, len(events))
		for i := range events {
			payloads[i] = events[i].Payload
		}
		units, err := compress.EncodeUnit(e.algo, payloads, head+1)
		if err != nil {
			return nil, fmt.Errorf("failed to compress batch: %w", err)
		}
		copy(frames, units)
	} else {
		for i := range events {
			f, err := compress.Encode(e.algo, events[i].Payload)
			if err != nil {
				return nil, fmt.Errorf("failed to compress event %d: %w", i, err)
			}
			frames[i] = f
		}
	}

	records := make([]store.Record, len(events))
	for i := range events {
		ev := &events[i]
		payload := frames[i]
		if e.cipher != nil {
			var err error
			if payload, err = e.cipher.Encrypt(ctx, payload); err != nil {
				return nil, fmt.Errorf("failed to encrypt event %d: %w", i, err)
			}
		}
		metadata, err := store.MarshalMetadata(ev.Metadata)
		if err != nil {
			return nil, err
		}
		records[i] = store.Record{
			TenantID:         tenant,
			AggregateID:      ev.AggregateID,
			AggregateType:    ev.AggregateType,
			AggregateVersion: head + int64(i) + 1,
			EventID:          ev.EventID,
			EventType:        ev.EventType,
			SchemaVersion:    ev.SchemaVersion,
			Payload:          payload,
			ContentType:      ev.ContentType,
			Metadata:         metadata,
			CreatedAt:        ev.Metadata.Timestamp,
		}
	}
	return records, nil
}

// headFetcher reads the stored record at version of the aggregate being decoded.
type headFetcher func(ctx context.Context, version int64) (store.Record, bool, error)

// decoder decodes the records of one aggregate read. Unit members are kept
// so the Ref frames that follow a unit head resolve without another read.
type decoder struct {
	e     *Engine
	fetch headFetcher
	units map[int64][][]byte
}

func (e *Engine) newDecoder(fetch headFetcher) *decoder {
	return &decoder{e: e, fetch: fetch, units: make(map[int64][][]byte)}
}

// decode converts records into persisted events. A record whose payload or
// metadata cannot be decoded yields an event with DecodeErr set; the error
// return is reserved for failures to read a unit head from storage.
func (d *decoder) decode(ctx context.Context, records []store.Record) ([]es.PersistedEvent, error) {
	events := make([]es.PersistedEvent, len(records))
	for i := range records {
		r := &records[i]
		ev := es.PersistedEvent{
			Event: es.Event{
				EventID:          r.EventID,
				AggregateID:      r.AggregateID,
				AggregateType:    r.AggregateType,
				EventType:        r.EventType,
				SchemaVersion:    r.SchemaVersion,
				ContentType:      r.ContentType,
				AggregateVersion: r.AggregateVersion,
			},
			GlobalPosition: r.GlobalPosition,
		}

		payload, decodeErr, err := d.payload(ctx, r)
		if err != nil {
			return nil, err
		}
		if decodeErr == nil {
			ev.Metadata, decodeErr = store.UnmarshalMetadata(r.Metadata)
		}
		if decodeErr != nil {
			ev.DecodeErr = store.NewError(store.ErrDeserialization, "load_stream", r.AggregateID, r.AggregateVersion, decodeErr)
			metrics.DecodeFailuresTotal.Inc()
			if d.e.logger != nil {
				d.e.logger.Warn(ctx, "event payload could not be decoded",
					"aggregate_id", r.AggregateID, "version", r.AggregateVersion, "error", decodeErr)
			}
		} else {
			ev.Payload = payload
		}
		if ev.Metadata.Timestamp.IsZero() {
			ev.Metadata.Timestamp = r.CreatedAt
		}
		events[i] = ev
	}
	return events, nil
}

func (d *decoder) payload(ctx context.Context, r *store.Record) (payload []byte, decodeErr, err error) {
	frame, decodeErr := d.e.open(ctx, r.Payload)
	if decodeErr != nil {
		return nil, decodeErr, nil
	}
	h, decodeErr := compress.Inspect(frame)
	if decodeErr != nil {
		return nil, decodeErr, nil
	}

	switch h.Kind {
	case compress.Single:
		payload, decodeErr = compress.Decode(frame)
		return payload, decodeErr, nil

	case compress.Unit:
		members, unitErr := compress.DecodeUnit(frame)
		d.units[r.AggregateVersion] = members
		if unitErr != nil {
			return nil, unitErr, nil
		}
		return members[0], nil, nil

	case compress.Ref:
		if h.HeadVersion >= r.AggregateVersion {
			return nil, fmt.Errorf("%w: unit head %d not before member %d",
				compress.ErrCorruptFrame, h.HeadVersion, r.AggregateVersion), nil
		}
		members, ok := d.units[h.HeadVersion]
		if !ok {
			if members, decodeErr, err = d.fetchUnit(ctx, h.HeadVersion); err != nil {
				return nil, nil, err
			}
			d.units[h.HeadVersion] = members
			if decodeErr != nil {
				return nil, decodeErr, nil
			}
		}
		if h.Index >= len(members) {
			return nil, fmt.Errorf("%w: member %d of unit at version %d is unavailable",
				compress.ErrCorruptFrame, h.Index, h.HeadVersion), nil
		}
		return members[h.Index], nil, nil
	}
	return nil, fmt.Errorf("%w: unknown frame kind %d", compress.ErrCorruptFrame, h.Kind), nil
}

func (d *decoder) fetchUnit(ctx context.Context, version int64) (members [][]byte, decodeErr, err error) {
	head, ok, err := d.fetch(ctx, version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read compression unit at version %d: %w", version, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: compression unit at version %d not found", compress.ErrCorruptFrame, version), nil
	}
	frame, decodeErr := d.e.open(ctx, head.Payload)
	if decodeErr != nil {
		return nil, decodeErr, nil
	}
	members, decodeErr = compress.DecodeUnit(frame)
	return members, decodeErr, nil
}

// open reverses the cipher hook.
func (e *Engine) open(ctx context.Context, payload []byte) ([]byte, error) {
	if e.cipher == nil {
		return payload, nil
	}
	plain, err := e.cipher.Decrypt(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plain, nil
}
