package ingest

import (
	"errors"
	"io"
)

// DefaultChunkSize is the read size Drain uses when none is given.
const DefaultChunkSize = 32 << 10

// Drain reads r to EOF in chunks of up to chunk bytes and returns the
// concatenation in receipt order. A nil or empty reader yields an empty,
// non-nil buffer.
func Drain(r io.Reader, chunk int) ([]byte, error) {
	buf := []byte{}
	if r == nil {
		return buf, nil
	}
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	scratch := make([]byte, chunk)
	for {
		n, err := r.Read(scratch)
		if n > 0 {
			buf = append(buf, scratch[:n]...)
		}
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}
