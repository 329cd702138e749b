// Package compress implements the reversible payload transforms applied before storage.
// Every stored frame carries its algorithm tag, so a reader decodes it regardless
// of the writer's configuration at the time.
package compress

import (
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a compression algorithm. Values are persisted; never renumber.
type Algorithm byte

const (
	None   Algorithm = 0
	Gzip   Algorithm = 1
	Snappy Algorithm = 2
	Zstd   Algorithm = 3
	LZ4    Algorithm = 4
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("algorithm(%d)", byte(a))
	}
}

// ParseAlgorithm parses a configured algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "snappy":
		return Snappy, nil
	case "zstd", "zstandard":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("unsupported compression algorithm %q", name)
	}
}

// Decompressor is a ReadCloser where Close releases Decompressor state,
// but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close flushes final content to the
// underlying Writer, but does not Close the underlying Writer.
type Compressor io.WriteCloser

// NewReader returns a Decompressor of r encoded with algo.
func NewReader(r io.Reader, algo Algorithm) (Decompressor, error) {
	switch algo {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstd:
		return zstdNewReader(r)
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrCorruptFrame, algo)
	}
}

// NewWriter returns a Compressor wrapping w and encoding with algo.
func NewWriter(w io.Writer, algo Algorithm) (Compressor, error) {
	switch algo {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstd:
		return zstdNewWriter(w)
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %s", algo)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var (
	zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
		return nil, fmt.Errorf("zstd was not enabled at compile time")
	}
	zstdNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, fmt.Errorf("zstd was not enabled at compile time")
	}
)
