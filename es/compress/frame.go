package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const frameMagic = 0xE5

// MaxDecodedSize bounds the decompressed size of a single frame or unit.
const MaxDecodedSize = 64 << 20

// ErrCorruptFrame indicates a frame that cannot be parsed or decompressed.
var ErrCorruptFrame = errors.New("corrupt compression frame")

// ErrUnitMember is returned by Decode for a frame that references a unit
// stored with another event; resolve it with DecodeUnit on the unit head.
var ErrUnitMember = errors.New("frame is a member of a compression unit")

// Kind distinguishes standalone frames from batch compression units.
type Kind byte

const (
	// Single frames hold one compressed payload.
	Single Kind = 0
	// Unit frames hold several payloads compressed together; the frame itself is member 0.
	Unit Kind = 1
	// Ref frames mark member Index of the unit stored at HeadVersion.
	Ref Kind = 2
)

// Header describes a frame without decompressing it.
type Header struct {
	Algorithm Algorithm
	Kind      Kind

	// Members is the member count of a Unit frame.
	Members int

	// HeadVersion and Index locate a Ref frame's unit and position.
	HeadVersion int64
	Index       int
}

// Encode compresses payload into a Single frame.
func Encode(algo Algorithm, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{frameMagic, byte(algo), byte(Single)})
	if err := compressInto(&buf, algo, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeUnit compresses payloads as one unit for a better ratio. It returns one
// frame per payload: a Unit frame for payloads[0], stored at headVersion, and Ref
// frames recording the unit boundary for the rest, so each event stays
// independently retrievable.
func EncodeUnit(algo Algorithm, payloads [][]byte, headVersion int64) ([][]byte, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	if len(payloads) == 1 {
		f, err := Encode(algo, payloads[0])
		return [][]byte{f}, err
	}

	var buf bytes.Buffer
	buf.Write([]byte{frameMagic, byte(algo), byte(Unit)})
	buf.Write(binary.AppendUvarint(nil, uint64(len(payloads))))

	var joined bytes.Buffer
	for _, p := range payloads {
		buf.Write(binary.AppendUvarint(nil, uint64(len(p))))
		joined.Write(p)
	}
	if err := compressInto(&buf, algo, joined.Bytes()); err != nil {
		return nil, err
	}

	frames := make([][]byte, len(payloads))
	frames[0] = buf.Bytes()
	for i := 1; i < len(payloads); i++ {
		ref := []byte{frameMagic, byte(algo), byte(Ref)}
		ref = binary.AppendUvarint(ref, uint64(headVersion))
		ref = binary.AppendUvarint(ref, uint64(i))
		frames[i] = ref
	}
	return frames, nil
}

// Inspect parses the frame header.
func Inspect(frame []byte) (Header, error) {
	h, _, err := parseHeader(frame)
	return h, err
}

// Decode returns the payload of a Single frame, or member 0 of a Unit frame.
// Ref frames return ErrUnitMember.
func Decode(frame []byte) ([]byte, error) {
	h, body, err := parseHeader(frame)
	if err != nil {
		return nil, err
	}
	switch h.Kind {
	case Single:
		return decompress(h.Algorithm, body)
	case Unit:
		members, err := DecodeUnit(frame)
		if err != nil {
			return nil, err
		}
		return members[0], nil
	default:
		return nil, ErrUnitMember
	}
}

// DecodeUnit returns every member payload of a Unit frame.
func DecodeUnit(frame []byte) ([][]byte, error) {
	h, body, err := parseHeader(frame)
	if err != nil {
		return nil, err
	}
	if h.Kind != Unit {
		return nil, fmt.Errorf("%w: not a unit frame", ErrCorruptFrame)
	}

	lengths := make([]int, h.Members)
	total := 0
	for i := range lengths {
		n, k := binary.Uvarint(body)
		if k <= 0 || n > MaxDecodedSize {
			return nil, fmt.Errorf("%w: bad member length", ErrCorruptFrame)
		}
		lengths[i] = int(n)
		total += int(n)
		body = body[k:]
	}
	if total > MaxDecodedSize {
		return nil, fmt.Errorf("%w: unit exceeds %d bytes", ErrCorruptFrame, MaxDecodedSize)
	}

	joined, err := decompress(h.Algorithm, body)
	if err != nil {
		return nil, err
	}
	if len(joined) != total {
		return nil, fmt.Errorf("%w: unit holds %d bytes, header claims %d", ErrCorruptFrame, len(joined), total)
	}

	members := make([][]byte, len(lengths))
	for i, n := range lengths {
		members[i], joined = joined[:n:n], joined[n:]
	}
	return members, nil
}

func parseHeader(frame []byte) (Header, []byte, error) {
	var h Header
	if len(frame) < 3 || frame[0] != frameMagic {
		return h, nil, fmt.Errorf("%w: bad magic", ErrCorruptFrame)
	}
	h.Algorithm, h.Kind = Algorithm(frame[1]), Kind(frame[2])
	if h.Algorithm > LZ4 {
		return h, nil, fmt.Errorf("%w: unknown algorithm %d", ErrCorruptFrame, frame[1])
	}
	body := frame[3:]

	switch h.Kind {
	case Single:
	case Unit:
		n, k := binary.Uvarint(body)
		if k <= 0 || n < 2 || n > 1<<20 {
			return h, nil, fmt.Errorf("%w: bad unit member count", ErrCorruptFrame)
		}
		h.Members = int(n)
		body = body[k:]
	case Ref:
		v, k := binary.Uvarint(body)
		if k <= 0 {
			return h, nil, fmt.Errorf("%w: bad unit head version", ErrCorruptFrame)
		}
		idx, k2 := binary.Uvarint(body[k:])
		if k2 <= 0 || idx == 0 {
			return h, nil, fmt.Errorf("%w: bad unit index", ErrCorruptFrame)
		}
		h.HeadVersion, h.Index = int64(v), int(idx)
		body = nil
	default:
		return h, nil, fmt.Errorf("%w: unknown kind %d", ErrCorruptFrame, frame[2])
	}
	return h, body, nil
}

func compressInto(w io.Writer, algo Algorithm, payload []byte) error {
	cw, err := NewWriter(w, algo)
	if err != nil {
		return err
	}
	if _, err = cw.Write(payload); err != nil {
		return fmt.Errorf("failed to compress with %s: %w", algo, err)
	}
	if err = cw.Close(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", algo, err)
	}
	return nil
}

func decompress(algo Algorithm, body []byte) ([]byte, error) {
	if algo == None {
		return append([]byte(nil), body...), nil
	}
	r, err := NewReader(bytes.NewReader(body), algo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptFrame, algo, err)
	}
	if len(out) > MaxDecodedSize {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrCorruptFrame, MaxDecodedSize)
	}
	return out, nil
}
