// Package compositor combines a Composite FB's several source
// framebuffers into one output buffer, or passes a single untransformed
// source through unchanged (scaling only its damage) when no composition
// work is actually needed. Jobs are numbered so concurrent worker goroutines can
// run in parallel yet still complete their callbacks in submission order.
package compositor

import (
	"sync"

	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/pixelfmt"
	"github.com/gorfb/gorfbd/internal/region"
)

// DoneFunc receives the composited output buffer (already Ref'd for the
// caller) and the damage expressed in the output buffer's coordinates.
type DoneFunc func(out *fb.Framebuffer, damage *region.Region)

// Compositor owns the output-FB pool and the per-buffer "buffer damage"
// bookkeeping, and serializes job completion order.
type Compositor struct {
	pool *fb.Pool

	mu        sync.Mutex
	cond      *sync.Cond
	nextSeq   uint64
	completed uint64
	bufferDmg map[*fb.Framebuffer]*region.Region
	wg        sync.WaitGroup
}

// New creates a Compositor drawing its output buffers from pool.
func New(pool *fb.Pool) *Compositor {
	c := &Compositor{
		pool:      pool,
		bufferDmg: make(map[*fb.Framebuffer]*region.Region),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Submit composites src (damaged by frameDamage, in logical/output
// coordinates) and invokes done exactly once. Submissions are processed
// concurrently but done callbacks fire in the order Submit was called.
func (c *Compositor) Submit(src *fb.Composite, frameDamage *region.Region, done DoneFunc) {
	c.mu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		out, dmg := c.process(src, frameDamage)
		c.waitTurn(seq)
		done(out, dmg)
		c.mu.Lock()
		c.completed++
		c.cond.Broadcast()
		c.mu.Unlock()
	}()
}

// waitTurn blocks the calling goroutine until every job submitted before
// seq has already invoked its done callback, enforcing submission order
// without forcing full serialization of the (possibly expensive) pixel
// work itself.
func (c *Compositor) waitTurn(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.completed != seq {
		c.cond.Wait()
	}
}

// Close waits for every in-flight job to drain.
func (c *Compositor) Close() {
	c.wg.Wait()
}

func (c *Compositor) process(src *fb.Composite, frameDamage *region.Region) (*fb.Framebuffer, *region.Region) {
	if out, dmg, ok := c.fastPath(src, frameDamage); ok {
		return out, dmg
	}
	return c.slowPath(src, frameDamage)
}

// fastPath handles the common single-output case: one member, identity
// transform. A buffer whose size differs from its logical size, at any
// ratio, still takes the fast path, with damage scaled by the width ratio;
// anything else falls through to slowPath.
func (c *Compositor) fastPath(src *fb.Composite, frameDamage *region.Region) (*fb.Framebuffer, *region.Region, bool) {
	if len(src.Members) != 1 {
		return nil, nil, false
	}
	m := src.Members[0]
	if m.FB.Transform != fb.TransformNormal {
		return nil, nil, false
	}
	if m.FB.Width != m.FB.LogicalWidth || m.FB.Height != m.FB.LogicalHeight {
		// Non-1:1 scale: still a fast path, just scale the damage.
		num, den := m.FB.Width, m.FB.LogicalWidth
		out := m.FB.Ref()
		scaled := region.New()
		for _, r := range frameDamage.Rects() {
			scaled.Add(r.Scale(num, den))
		}
		return out, scaled, true
	}
	return m.FB.Ref(), frameDamage, true
}

func (c *Compositor) slowPath(src *fb.Composite, frameDamage *region.Region) (*fb.Framebuffer, *region.Region) {
	shape := fb.Shape{Width: src.Width, Height: src.Height, FourCC: outputFourCC(src), Stride: src.Width}
	c.mu.Lock()
	if c.pool == nil {
		c.pool = fb.NewPool(shape)
	}
	c.mu.Unlock()

	out := c.pool.Acquire()
	dst := out.Map()
	defer out.Unmap()

	outDmg := c.bufferDamageFor(out)
	outDmg.Union(frameDamage)

	for _, m := range src.Members {
		placedDamage := region.New()
		mb := region.Rect{X: m.XOff, Y: m.YOff, W: m.FB.LogicalWidth, H: m.FB.LogicalHeight}
		for _, r := range outDmg.Rects() {
			if ov := r.Intersect(mb); !ov.Empty() {
				placedDamage.Add(ov)
			}
		}
		if placedDamage.Empty() {
			continue
		}
		blit(m, dst, out.Stride, src.Width, src.Height, placedDamage)
	}

	outDmg.Clear()
	return out, frameDamage
}

// bufferDamageFor returns the running "this output FB still needs these
// areas repainted" region for out, creating it the first time out is seen.
func (c *Compositor) bufferDamageFor(out *fb.Framebuffer) *region.Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.bufferDmg[out]
	if !ok {
		r = region.New()
		c.bufferDmg[out] = r
	}
	return r
}

func outputFourCC(src *fb.Composite) string {
	if len(src.Members) == 0 {
		return "XR24"
	}
	return src.Members[0].FB.FourCC
}

// blit composites one placed source buffer onto dst (an output-shaped
// pixel buffer), applying the source's transform/scale, restricted to the
// rectangles in damage.
func blit(m fb.Placed, dst []byte, dstStride, dstWidth, dstHeight int, damage *region.Region) {
	srcFmt := formatFor(m.FB.FourCC)
	dstFmt := srcFmt
	srcPixels := m.FB.Map()
	defer m.FB.Unmap()

	srcBpp := srcFmt.BytesPerPixel()
	dstBpp := dstFmt.BytesPerPixel()

	for _, r := range damage.Rects() {
		for y := r.Y; y < r.Bottom(); y++ {
			if y < 0 || y >= dstHeight {
				continue
			}
			for x := r.X; x < r.Right(); x++ {
				if x < 0 || x >= dstWidth {
					continue
				}
				sx, sy := sourceCoord(m, x, y)
				if sx < 0 || sy < 0 || sx >= m.FB.Width || sy >= m.FB.Height {
					continue
				}
				srcOff := (sy*m.FB.Stride + sx) * srcBpp
				dstOff := (y*dstStride + x) * dstBpp
				if srcOff+srcBpp > len(srcPixels) || dstOff+dstBpp > len(dst) {
					continue
				}
				pixelfmt.Convert(srcFmt, srcPixels[srcOff:srcOff+srcBpp], dstFmt, dst[dstOff:dstOff+dstBpp])
			}
		}
	}
}

// sourceCoord maps an output-space coordinate back into the placed
// source's own pixel space, applying the inverse of its transform and
// scale ratio.
func sourceCoord(m fb.Placed, x, y int) (int, int) {
	lx, ly := x-m.XOff, y-m.YOff
	if m.FB.LogicalWidth != m.FB.Width {
		lx = lx * m.FB.Width / m.FB.LogicalWidth
	}
	if m.FB.LogicalHeight != m.FB.Height {
		ly = ly * m.FB.Height / m.FB.LogicalHeight
	}
	switch m.FB.Transform {
	case fb.TransformRotate90:
		return ly, m.FB.Width - 1 - lx
	case fb.TransformRotate180:
		return m.FB.Width - 1 - lx, m.FB.Height - 1 - ly
	case fb.TransformRotate270:
		return m.FB.Height - 1 - ly, lx
	case fb.TransformFlipped:
		return m.FB.Width - 1 - lx, ly
	default:
		return lx, ly
	}
}

func formatFor(fourcc string) pixelfmt.Format {
	if fourcc == "RGB565" {
		return pixelfmt.Format{BitsPerPixel: 16, Depth: 16, RedMax: 31, GreenMax: 63, BlueMax: 31, RedShift: 11, GreenShift: 5, BlueShift: 0}
	}
	return pixelfmt.DefaultServerFormat
}
