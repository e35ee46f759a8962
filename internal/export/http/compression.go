package http

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
)

// Codec compresses export payloads using a configured algorithm.
type Codec struct {
	algorithm string
	encoder   *zstd.Encoder
}

// NewCodec creates a Codec for the specified algorithm.
func NewCodec(algorithm string) (*Codec, error) {
	c := &Codec{algorithm: algorithm}

	// Pre-create the zstd encoder since it is expensive to create.
	if algorithm == CompressionZstd {
		encoder, err := zstd.NewWriter(
			nil, zstd.WithEncoderLevel(zstd.SpeedDefault),
		)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.encoder = encoder
	}

	return c, nil
}

// Compress compresses the payload.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case CompressionNone, "":
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer

		w := gzip.NewWriter(&buf)

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}

		return buf.Bytes(), nil
	case CompressionZstd:
		return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// ContentEncoding returns the Content-Encoding header value for the
// algorithm, or "" when no header should be sent.
func (c *Codec) ContentEncoding() string {
	switch c.algorithm {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	default:
		return ""
	}
}

// Close releases encoder resources.
func (c *Codec) Close() error {
	if c.encoder != nil {
		return c.encoder.Close()
	}

	return nil
}

// Decompress reverses Compress for the named algorithm. Test helper.
func Decompress(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case CompressionNone, "":
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()

		return io.ReadAll(r)
	case CompressionZstd:
		decoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer decoder.Close()

		return io.ReadAll(decoder)
	case CompressionSnappy:
		return snappy.Decode(nil, data)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}
