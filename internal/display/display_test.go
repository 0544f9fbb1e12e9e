package display

import (
	"testing"

	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/region"
)

func TestSubmitFiresCallbackAndAccumulatesDamage(t *testing.T) {
	d := New("primary", 0, 0)

	var got *Display
	d.OnSubmit(func(sub *Display) { got = sub })

	buf := fb.New(64, 64, 64, "XR24")
	d.Submit(buf, region.New(region.Rect{X: 0, Y: 0, W: 10, H: 10}))
	if got != d {
		t.Fatal("OnSubmit callback was not invoked with the display")
	}

	taken := d.TakeDamage()
	if taken.Empty() {
		t.Fatal("expected damage from Submit to be observable via TakeDamage")
	}
	if !d.TakeDamage().Empty() {
		t.Fatal("TakeDamage should clear accumulated damage")
	}
}

func TestSubmitReplacesFramebuffer(t *testing.T) {
	d := New("primary", 0, 0)

	first := fb.New(32, 32, 32, "XR24")
	d.Submit(first, region.New())
	placed, ok := d.Placement()
	if !ok || placed.FB != first {
		t.Fatal("expected Placement to report the first submitted buffer")
	}
	placed.FB.Unref()

	second := fb.New(32, 32, 32, "XR24")
	d.Submit(second, region.New())
	placed, ok = d.Placement()
	if !ok || placed.FB != second {
		t.Fatal("expected Placement to report the replacement buffer")
	}
	placed.FB.Unref()
}

func TestPlacementBeforeSubmitIsNotOK(t *testing.T) {
	d := New("primary", 5, 10)
	if _, ok := d.Placement(); ok {
		t.Fatal("Placement should report ok=false before any Submit")
	}
}

func TestPlacementCarriesPosition(t *testing.T) {
	d := New("secondary", 100, 50)
	buf := fb.New(16, 16, 16, "XR24")
	d.Submit(buf, region.New())

	placed, ok := d.Placement()
	if !ok {
		t.Fatal("expected Placement to report ok=true after Submit")
	}
	defer placed.FB.Unref()
	if placed.XOff != 100 || placed.YOff != 50 {
		t.Fatalf("Placement offset = (%d,%d), want (100,50)", placed.XOff, placed.YOff)
	}
}

func TestSetCursorFiresCallbackAndBumpsSeq(t *testing.T) {
	d := New("primary", 0, 0)

	var fired int
	d.OnCursorSet(func(sub *Display) { fired++ })

	cur := fb.New(32, 32, 32, "AR24")
	d.SetCursor(cur, 3, 4)

	buf, hotX, hotY, seq := d.Cursor()
	if buf != cur || hotX != 3 || hotY != 4 || seq != 1 {
		t.Fatalf("Cursor() = (%v,%d,%d,%d), want (cur,3,4,1)", buf, hotX, hotY, seq)
	}
	if fired != 1 {
		t.Fatalf("OnCursorSet callback fired %d times, want 1", fired)
	}

	cur2 := fb.New(32, 32, 32, "AR24")
	d.SetCursor(cur2, 0, 0)
	_, _, _, seq2 := d.Cursor()
	if seq2 != 2 {
		t.Fatalf("second SetCursor seq = %d, want 2", seq2)
	}
}

func TestCloseReleasesFramebufferAndCursor(t *testing.T) {
	d := New("primary", 0, 0)
	d.Submit(fb.New(8, 8, 8, "XR24"), region.New())
	d.SetCursor(fb.New(8, 8, 8, "AR24"), 0, 0)

	d.Close()

	if _, ok := d.Placement(); ok {
		t.Fatal("expected Placement to report ok=false after Close")
	}
	if buf, _, _, _ := d.Cursor(); buf != nil {
		t.Fatal("expected Cursor to be nil after Close")
	}
}
