// Package fb implements the refcounted pixel buffers that flow through the
// damage/compositing/encoding pipeline: a single Framebuffer, a bounded
// ordered Composite FB made of several Framebuffers, and a shape-keyed
// pool for recycling them.
package fb

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// NoPTS is the sentinel presentation timestamp meaning "none".
const NoPTS int64 = -1

// Transform describes a rotation/mirror applied when a buffer is composited.
type Transform int

const (
	TransformNormal Transform = iota
	TransformRotate90
	TransformRotate180
	TransformRotate270
	TransformFlipped
	TransformFlippedRotate90
	TransformFlippedRotate180
	TransformFlippedRotate270
)

// ReleaseFunc is invoked when a Framebuffer's hold count returns to zero
// after a refcount drop to zero scheduled its destruction.
type ReleaseFunc func(*Framebuffer)

// Framebuffer is a refcounted image buffer with two independent counters:
// the strong reference count governs memory lifetime, while the hold count
// reflects how many consumers are accessing the pixels right now. Ref=0
// destroys it; the external release callback fires only once the hold
// count has also returned to zero.
type Framebuffer struct {
	Width, Height               int
	LogicalWidth, LogicalHeight int
	Stride                      int
	FourCC                      string
	Transform                   Transform
	PTS                         int64

	Pixels []byte

	ref  int32
	hold int32
	mu   sync.Mutex

	onRelease ReleaseFunc
	destroyed bool
}

// New allocates a Framebuffer with ref=1, hold=0.
func New(width, height, stride int, fourcc string) *Framebuffer {
	return &Framebuffer{
		Width:         width,
		Height:        height,
		LogicalWidth:  width,
		LogicalHeight: height,
		Stride:        stride,
		FourCC:        fourcc,
		PTS:           NoPTS,
		Pixels:        make([]byte, stride*height*bytesPerPixel(fourcc)),
		ref:           1,
	}
}

func bytesPerPixel(fourcc string) int {
	switch fourcc {
	case "RGB565":
		return 2
	default:
		return 4
	}
}

// OnRelease registers the callback fired when hold_count returns to zero
// after the buffer has already been destroyed by a refcount drop.
func (f *Framebuffer) OnRelease(cb ReleaseFunc) { f.onRelease = cb }

// Ref increments the reference count and returns f for chaining.
func (f *Framebuffer) Ref() *Framebuffer {
	atomic.AddInt32(&f.ref, 1)
	return f
}

// Unref decrements the reference count; at zero the buffer is marked
// destroyed. If nothing currently holds it, the release callback fires
// immediately; otherwise it is deferred to the matching Release.
func (f *Framebuffer) Unref() {
	if atomic.AddInt32(&f.ref, -1) > 0 {
		return
	}
	f.mu.Lock()
	f.destroyed = true
	holders := atomic.LoadInt32(&f.hold)
	f.mu.Unlock()
	if holders == 0 && f.onRelease != nil {
		f.onRelease(f)
	}
}

// Map must be called before reading pixels; it increments hold_count.
func (f *Framebuffer) Map() []byte {
	atomic.AddInt32(&f.hold, 1)
	return f.Pixels
}

// Unmap must be called after Map when done reading pixels; it decrements
// hold_count and, if the buffer was already destroyed by Unref, fires the
// release callback once the last holder lets go.
func (f *Framebuffer) Unmap() {
	left := atomic.AddInt32(&f.hold, -1)
	if left != 0 {
		return
	}
	f.mu.Lock()
	destroyed := f.destroyed
	f.mu.Unlock()
	if destroyed && f.onRelease != nil {
		f.onRelease(f)
	}
}

// Shape identifies framebuffers interchangeable for pooling purposes.
type Shape struct {
	Width, Height int
	FourCC        string
	Stride        int
}

// Pool caches same-shape Framebuffers keyed by (width, height, fourcc,
// stride) so steady-state encoding reuses buffers instead of allocating.
type Pool struct {
	mu    sync.Mutex
	shape Shape
	free  []*Framebuffer
}

// NewPool creates an empty pool for the given shape.
func NewPool(shape Shape) *Pool {
	return &Pool{shape: shape}
}

// Acquire returns a fresh or recycled Framebuffer matching the pool's shape.
func (p *Pool) Acquire() *Framebuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		f := p.free[n-1]
		p.free = p.free[:n-1]
		f.ref = 1
		f.destroyed = false
		return f
	}
	return New(p.shape.Width, p.shape.Height, p.shape.Stride, p.shape.FourCC)
}

// Release returns f to the pool if its shape matches, otherwise drops it.
func (p *Pool) Release(f *Framebuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.Width == p.shape.Width && f.Height == p.shape.Height &&
		f.FourCC == p.shape.FourCC && f.Stride == p.shape.Stride {
		p.free = append(p.free, f)
	}
}

// Resize changes the pool's shape, dropping every currently held buffer.
func (p *Pool) Resize(shape Shape) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shape = shape
	p.free = nil
}

// Placed is a Framebuffer positioned within a Composite FB.
type Placed struct {
	FB       *Framebuffer
	XOff     int
	YOff     int
}

func (p Placed) bounds() (x0, y0, x1, y1 int) {
	return p.XOff, p.YOff, p.XOff + p.FB.LogicalWidth, p.YOff + p.FB.LogicalHeight
}

// MaxCompositeFBs is the fixed member capacity of a Composite FB.
const MaxCompositeFBs = 64

// Composite is a fixed-capacity ordered sequence of placed Framebuffers
// forming one logical screen layout.
type Composite struct {
	Members       []Placed
	Width, Height int
}

// NewComposite validates and builds a Composite FB. It rejects an empty or
// over-capacity set, overlapping members, and layouts whose bounding box
// does not start at (0,0).
func NewComposite(members []Placed) (*Composite, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("fb: composite requires at least one member")
	}
	if len(members) > MaxCompositeFBs {
		return nil, fmt.Errorf("fb: composite exceeds max of %d members", MaxCompositeFBs)
	}
	for i := 0; i < len(members); i++ {
		ix0, iy0, ix1, iy1 := members[i].bounds()
		for j := i + 1; j < len(members); j++ {
			jx0, jy0, jx1, jy1 := members[j].bounds()
			if ix0 < jx1 && jx0 < ix1 && iy0 < jy1 && jy0 < iy1 {
				return nil, fmt.Errorf("fb: composite members %d and %d overlap", i, j)
			}
		}
	}
	minX, minY := members[0].XOff, members[0].YOff
	maxX, maxY := 0, 0
	for _, m := range members {
		if m.XOff < minX {
			minX = m.XOff
		}
		if m.YOff < minY {
			minY = m.YOff
		}
		if r := m.XOff + m.FB.LogicalWidth; r > maxX {
			maxX = r
		}
		if b := m.YOff + m.FB.LogicalHeight; b > maxY {
			maxY = b
		}
	}
	if minX != 0 || minY != 0 {
		return nil, fmt.Errorf("fb: composite bounding box must start at (0,0), got (%d,%d)", minX, minY)
	}
	return &Composite{Members: members, Width: maxX, Height: maxY}, nil
}
