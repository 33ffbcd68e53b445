package ingest

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

// chunkReader returns data in the given chunk sizes, in order.
type chunkReader struct {
	data  []byte
	sizes []int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := len(r.data)
	if len(r.sizes) > 0 {
		n = min(r.sizes[0], n)
		r.sizes = r.sizes[1:]
	}
	n = min(n, len(p))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestDrainPreservesOrderAcrossSplits(t *testing.T) {
	t.Parallel()
	// "é" and "€" are multi-byte so several splits fall inside a rune.
	data := []byte(strings.Repeat("Subject: café €\r\n", 40))

	for _, splits := range [][]int{
		{1},
		{3, 1, 7, 2},
		{len(data) / 2},
		{13, 0, 5},
	} {
		sizes := make([]int, 0, len(data))
		for total := 0; total < len(data); {
			for _, s := range splits {
				if s == 0 {
					continue
				}
				sizes = append(sizes, s)
				total += s
			}
		}
		got, err := Drain(&chunkReader{data: data, sizes: sizes}, 4)
		if err != nil {
			t.Fatalf("Drain(%v): %v", splits, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Drain(%v): bytes differ from input", splits)
		}
	}
}

func TestDrainWithIotestReaders(t *testing.T) {
	t.Parallel()
	data := []byte("From: a@example.org\r\n\r\n\xe4\xbd\xa0\xe5\xa5\xbd world\r\n")
	readers := map[string]io.Reader{
		"one-byte":  iotest.OneByteReader(bytes.NewReader(data)),
		"half":      iotest.HalfReader(bytes.NewReader(data)),
		"data-err":  iotest.DataErrReader(bytes.NewReader(data)),
		"plain":     bytes.NewReader(data),
		"tiny-read": iotest.OneByteReader(iotest.HalfReader(bytes.NewReader(data))),
	}
	for name, r := range readers {
		got, err := Drain(r, 3)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: got %q, want %q", name, got, data)
		}
	}
}

func TestDrainEmpty(t *testing.T) {
	t.Parallel()
	got, err := Drain(bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("empty stream: got %v, want zero-length buffer", got)
	}
	got, err = Drain(nil, 0)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("nil reader: got %v, %v", got, err)
	}
}

func TestDrainReturnsReadError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	_, err := Drain(iotest.ErrReader(boom), 8)
	if !errors.Is(err, boom) {
		t.Errorf("Drain: got %v, want %v", err, boom)
	}
	_, err = Drain(iotest.TimeoutReader(bytes.NewReader([]byte("abcdef"))), 2)
	if !errors.Is(err, iotest.ErrTimeout) {
		t.Errorf("Drain timeout: got %v, want %v", err, iotest.ErrTimeout)
	}
}
