package compositor

import (
	"sync"
	"testing"

	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/region"
)

func TestFastPathPassesThroughSingleMember(t *testing.T) {
	c := New(nil)
	defer c.Close()

	src := fb.New(64, 64, 64, "XR24")
	composite, err := fb.NewComposite([]fb.Placed{{FB: src, XOff: 0, YOff: 0}})
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}

	damage := region.New(region.Rect{X: 0, Y: 0, W: 10, H: 10})
	done := make(chan *fb.Framebuffer, 1)
	c.Submit(composite, damage, func(out *fb.Framebuffer, dmg *region.Region) {
		done <- out
	})
	out := <-done
	if out != src {
		t.Fatal("fast path should pass the single member through unchanged")
	}
}

func TestSubmissionOrderPreserved(t *testing.T) {
	c := New(nil)
	defer c.Close()

	const n = 20
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		src := fb.New(8, 8, 8, "XR24")
		composite, _ := fb.NewComposite([]fb.Placed{{FB: src}})
		i := i
		c.Submit(composite, region.New(), func(out *fb.Framebuffer, dmg *region.Region) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("completion order not preserved: %v", order)
		}
	}
}

func TestSlowPathCompositesMultipleMembers(t *testing.T) {
	c := New(nil)
	defer c.Close()

	a := fb.New(32, 32, 32, "XR24")
	b := fb.New(32, 32, 32, "XR24")
	composite, err := fb.NewComposite([]fb.Placed{
		{FB: a, XOff: 0, YOff: 0},
		{FB: b, XOff: 32, YOff: 0},
	})
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}

	damage := region.New(region.Rect{X: 0, Y: 0, W: 64, H: 32})
	done := make(chan *fb.Framebuffer, 1)
	c.Submit(composite, damage, func(out *fb.Framebuffer, dmg *region.Region) {
		done <- out
	})
	out := <-done
	if out.Width != 64 || out.Height != 32 {
		t.Fatalf("expected composited output 64x32, got %dx%d", out.Width, out.Height)
	}
}
