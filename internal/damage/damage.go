// Package damage implements the Damage Refinery: a 32x32-tile hash grid
// that narrows a hint region down to the tiles whose pixel content
// actually changed since the previous call.
package damage

import (
	"github.com/cespare/xxhash/v2"
	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/region"
)

const tileSize = 32

// Refinery holds the tile hash grid for one framebuffer shape.
type Refinery struct {
	width, height int
	tilesWide     int
	hashes        []uint64
}

// New creates a refinery for the given pixel dimensions.
func New(width, height int) *Refinery {
	tw := udivUp(width, tileSize)
	th := udivUp(height, tileSize)
	return &Refinery{
		width:     width,
		height:    height,
		tilesWide: tw,
		hashes:    make([]uint64, tw*th),
	}
}

// Resize rebuilds the grid (and forgets all history) if the shape changed.
func (r *Refinery) Resize(width, height int) {
	if width == r.width && height == r.height {
		return
	}
	*r = *New(width, height)
}

func udivUp(a, b int) int { return (a + b - 1) / b }

// Refine hashes the tiles whose grid cells intersect hint, updates the
// stored hash for each, and returns the union of tiles whose content
// actually changed, intersected with the buffer's bounds.
func (r *Refinery) Refine(hint *region.Region, buf *fb.Framebuffer) *region.Region {
	refined := region.New()
	pixels := buf.Map()
	defer buf.Unmap()

	bpp := bytesPerPixel(buf.FourCC)
	byteStride := buf.Stride * bpp

	for _, hr := range tileRectsFromRegion(hint.Rects()) {
		for ty := hr.Y; ty < hr.Bottom(); ty++ {
			for tx := hr.X; tx < hr.Right(); tx++ {
				if tx < 0 || ty < 0 || tx >= r.tilesWide {
					continue
				}
				idx := tx + ty*r.tilesWide
				if idx < 0 || idx >= len(r.hashes) {
					continue
				}
				h := r.hashTile(pixels, tx, ty, bpp, byteStride)
				if h != r.hashes[idx] {
					r.hashes[idx] = h
					refined.Add(region.Rect{X: tx * tileSize, Y: ty * tileSize, W: tileSize, H: tileSize})
				}
			}
		}
	}

	bounded := refined.Intersect(region.Rect{X: 0, Y: 0, W: r.width, H: r.height})
	return bounded
}

func (r *Refinery) hashTile(pixels []byte, tx, ty, bpp, byteStride int) uint64 {
	xStart := tx * tileSize
	xStop := min(xStart+tileSize, r.width)
	yStart := ty * tileSize
	yStop := min(yStart+tileSize, r.height)

	xoff := xStart * bpp
	rowBytes := bpp * (xStop - xStart)

	d := xxhash.New()
	for y := yStart; y < yStop; y++ {
		start := xoff + y*byteStride
		if start < 0 || start+rowBytes > len(pixels) {
			continue
		}
		d.Write(pixels[start : start+rowBytes])
	}
	return d.Sum64()
}

func bytesPerPixel(fourcc string) int {
	switch fourcc {
	case "RGB565":
		return 2
	default:
		return 4
	}
}

// tileRectsFromRegion converts a pixel-space region into tile-space
// rectangles covering every tile any input rectangle touches.
func tileRectsFromRegion(rects []region.Rect) []region.Rect {
	out := make([]region.Rect, 0, len(rects))
	for _, rc := range rects {
		x1 := rc.X / tileSize
		y1 := rc.Y / tileSize
		x2 := udivUp(rc.Right(), tileSize)
		y2 := udivUp(rc.Bottom(), tileSize)
		out = append(out, region.Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1})
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
