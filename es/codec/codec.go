// Package codec serializes event payloads and tags them with the content type used.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
)

// Content types of the built-in codecs.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeRaw      = "application/octet-stream"
)

var (
	// ErrUnknownContentType indicates no codec is registered for a payload's tag.
	ErrUnknownContentType = errors.New("unknown content type")

	// ErrUnsupportedValue indicates a value the codec cannot serialize.
	ErrUnsupportedValue = errors.New("unsupported value for codec")
)

// Codec converts payload values to and from bytes.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON encodes payloads with encoding/json.
type JSON struct{}

// ContentType implements Codec.
func (JSON) ContentType() string { return ContentTypeJSON }

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Proto encodes payloads that are protobuf messages.
type Proto struct{}

// ContentType implements Codec.
func (Proto) ContentType() string { return ContentTypeProtobuf }

// Marshal implements Codec.
func (Proto) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedValue, v)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

// Unmarshal implements Codec.
func (Proto) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedValue, v)
	}
	return proto.Unmarshal(data, m)
}

// Raw passes byte slices through unchanged.
type Raw struct{}

// ContentType implements Codec.
func (Raw) ContentType() string { return ContentTypeRaw }

// Marshal implements Codec.
func (Raw) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not []byte", ErrUnsupportedValue, v)
	}
	return append([]byte(nil), b...), nil
}

// Unmarshal implements Codec.
func (Raw) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("%w: %T is not *[]byte", ErrUnsupportedValue, v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

// Registry maps content types to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a Registry holding the built-in codecs plus extra.
func NewRegistry(extra ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	for _, c := range append([]Codec{JSON{}, Proto{}, Raw{}}, extra...) {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the codec for its content type.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.ContentType()] = c
}

// Lookup returns the codec registered for contentType.
func (r *Registry) Lookup(contentType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContentType, contentType)
	}
	return c, nil
}

// Encode serializes v with c and returns the payload and its content-type tag.
func Encode(c Codec, v any) ([]byte, string, error) {
	b, err := c.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode payload as %s: %w", c.ContentType(), err)
	}
	return b, c.ContentType(), nil
}

// Decode deserializes payload into v using the codec named by contentType.
func (r *Registry) Decode(contentType string, payload []byte, v any) error {
	c, err := r.Lookup(contentType)
	if err != nil {
		return err
	}
	if err := c.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", contentType, err)
	}
	return nil
}
