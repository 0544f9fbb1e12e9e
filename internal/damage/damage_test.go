package damage

import (
	"testing"

	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/region"
)

func TestRefineIdempotentOnUnchangedBuffer(t *testing.T) {
	buf := fb.New(64, 64, 64, "XR24")
	r := New(64, 64)
	full := region.New(region.Rect{X: 0, Y: 0, W: 64, H: 64})

	first := r.Refine(full, buf)
	if first.Empty() {
		t.Fatal("expected first refine of a fresh buffer to report damage")
	}

	second := r.Refine(full, buf)
	if !second.Empty() {
		t.Fatalf("expected second refine of an unchanged buffer to be empty, got %v", second.Rects())
	}
}

func TestRefineMarksSingleChangedTile(t *testing.T) {
	buf := fb.New(64, 64, 64, "XR24")
	r := New(64, 64)
	full := region.New(region.Rect{X: 0, Y: 0, W: 64, H: 64})
	r.Refine(full, buf)

	pixels := buf.Map()
	pixels[40*buf.Stride*4+40*4] = 0xff
	buf.Unmap()

	refined := r.Refine(full, buf)
	rects := refined.Rects()
	if len(rects) != 1 {
		t.Fatalf("expected exactly one damaged tile, got %d: %v", len(rects), rects)
	}
	want := region.Rect{X: 32, Y: 32, W: 32, H: 32}
	if rects[0] != want {
		t.Fatalf("damaged tile = %+v, want %+v", rects[0], want)
	}
}
