package binkp

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// plzCodec compresses and decompresses frame payloads with raw zlib/deflate
// streams, per spec.md §4.5. Each payload is compressed independently (no
// cross-frame dictionary), so the codec holds no stream state between
// calls beyond running byte counters for its compression-ratio statistics.
type plzCodec struct {
	level int

	mu       sync.Mutex
	bytesIn  int64
	bytesOut int64
}

func newPLZCodec(levelToken string) *plzCodec {
	level := zlib.DefaultCompression
	if n, err := strconv.Atoi(levelToken); err == nil && n >= zlib.NoCompression && n <= zlib.BestCompression {
		level = n
	}
	return &plzCodec{level: level}
}

func (c *plzCodec) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("binkp: plz writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("binkp: plz compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("binkp: plz flush: %w", err)
	}

	c.mu.Lock()
	c.bytesIn += int64(len(data))
	c.bytesOut += int64(buf.Len())
	c.mu.Unlock()

	return buf.Bytes(), nil
}

func (c *plzCodec) decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("binkp: plz reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("binkp: plz decompress: %w", err)
	}
	return out, nil
}

// Ratio returns the accumulated compression ratio (compressed/original) seen
// by compress calls so far. It is 1.0 until the first call and is monotonic
// only in its two accumulators, not necessarily in the ratio itself frame to
// frame; callers comparing successive Ratio() calls should track bytesIn /
// bytesOut growth instead of the instantaneous quotient to see the
// monotonic trend spec.md §4.5 describes.
func (c *plzCodec) Ratio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bytesIn == 0 {
		return 1.0
	}
	return float64(c.bytesOut) / float64(c.bytesIn)
}

// Stats returns the accumulated byte counts for this codec's compress calls.
func (c *plzCodec) Stats() (bytesIn, bytesOut int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesIn, c.bytesOut
}
