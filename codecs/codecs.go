// Package codecs provides compression codecs used by persisted index
// artifacts and by archive bundles fetched from remote storage.
package codecs

import (
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Codec enumerates the supported compression codecs. The zero value is
// Invalid, so an unset Codec is distinguishable from an explicit None.
type Codec int

const (
	Invalid Codec = iota
	None
	Gzip
	Snappy
	Zstandard
)

// ParseCodec maps a label such as "gzip" to its Codec,
// or returns an error if the label is unknown.
func ParseCodec(label string) (Codec, error) {
	switch strings.ToLower(label) {
	case "none":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "snappy":
		return Snappy, nil
	case "zstandard", "zstd", "zst":
		return Zstandard, nil
	default:
		return Invalid, fmt.Errorf("unknown codec %q", label)
	}
}

// CodecOfPath infers a Codec from the file extension of |path|,
// defaulting to None.
func CodecOfPath(path string) Codec {
	switch {
	case strings.HasSuffix(path, ".gz"), strings.HasSuffix(path, ".tgz"):
		return Gzip
	case strings.HasSuffix(path, ".sz"):
		return Snappy
	case strings.HasSuffix(path, ".zst"):
		return Zstandard
	default:
		return None
	}
}

func (c Codec) String() string {
	switch c {
	case Invalid:
		return "invalid"
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	case Zstandard:
		return "zstandard"
	default:
		return fmt.Sprintf("codec<%d>", int(c))
	}
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstandard:
		return zstdNewReader(r)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstandard:
		return zstdNewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var (
	zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
	zstdNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
)
