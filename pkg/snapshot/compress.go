package snapshot

import (
	"bytes"
	"io"

	"github.com/DataDog/zstd"
	"github.com/pkg/errors"
)

var (
	ErrPayloadTooLarge      = errors.New("payload too large to compress")
	ErrDecompressedTooLarge = errors.New("decompressed payload too large")
)

// payloadCompressor bounds payloads to maxSize uncompressed bytes. The bound
// holds while decompressing, so a small input cannot expand past it.
type payloadCompressor struct {
	maxSize int64
	level   int
}

func newPayloadCompressor(maxSize int64) *payloadCompressor {
	return &payloadCompressor{maxSize: maxSize, level: zstd.DefaultCompression}
}

func (c *payloadCompressor) Compress(raw []byte) ([]byte, error) {
	if int64(len(raw)) > c.maxSize {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes, limit %d", len(raw), c.maxSize)
	}

	return zstd.CompressLevel(nil, raw, c.level)
}

func (c *payloadCompressor) Decompress(compressed []byte) ([]byte, error) {
	r := zstd.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, c.maxSize+1))
	if err != nil {
		return nil, err
	}

	if n > c.maxSize {
		return nil, errors.Wrapf(ErrDecompressedTooLarge, "limit %d", c.maxSize)
	}

	return buf.Bytes(), nil
}
