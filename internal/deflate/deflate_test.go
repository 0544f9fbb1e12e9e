package deflate

import (
	"bytes"
	"compress/flate"
	"io"
	"math/rand"
	"testing"
)

func TestParallelDeflateIdentity(t *testing.T) {
	d := New()

	rng := rand.New(rand.NewSource(1))
	want := make([]byte, 0, 500*1024)
	for i := 0; i < 500*1024; i++ {
		want = append(want, byte(rng.Intn(256)))
	}

	// Feed in a handful of irregular chunks to exercise block splitting.
	for off := 0; off < len(want); {
		n := 37000
		if off+n > len(want) {
			n = len(want) - off
		}
		d.Feed(want[off : off+n])
		off += n
	}

	out := d.Sync()

	if len(out) < 2 || out[0] != 0x78 || out[1] != 0x01 {
		t.Fatalf("output does not start with zlib header 0x78 0x01: %x", out[:minInt(4, len(out))])
	}

	// The stream ends at a sync-flush boundary, never a final block, so the
	// reader reports ErrUnexpectedEOF after delivering every byte.
	r := flate.NewReader(bytes.NewReader(out[2:]))
	got, err := io.ReadAll(r)
	if err != nil && err != io.ErrUnexpectedEOF {
		t.Fatalf("inflate failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(want))
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
