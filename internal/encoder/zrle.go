package encoder

import (
	"encoding/binary"

	"github.com/gorfb/gorfbd/internal/deflate"
	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/pixelfmt"
	"github.com/gorfb/gorfbd/internal/region"
	"github.com/gorfb/gorfbd/internal/rfbproto"
)

// zrleTile is the tile edge ZRLE divides each rectangle into.
const zrleTile = 64

// ZRLE implements the ZRLE encoding: each damaged rectangle is tiled into
// up to 64x64 blocks, each tile picks the cheaper of a packed palette (2-16
// distinct colours, run-length-coded indices) or a raw pixel dump, and the
// resulting tile stream for the whole rectangle is fed through one
// persistent parallel-deflate session shared across the encoder's whole
// lifetime — matching the real protocol's single long-lived per-client
// zlib stream.
type ZRLE struct {
	format pixelfmt.Format
	stream *deflate.Deflate
}

var _ Encoder = (*ZRLE)(nil)

// NewZRLE builds a ZRLE encoder. The deflate session lives for the
// encoder's entire life, not reset per frame.
func NewZRLE() *ZRLE {
	return &ZRLE{format: pixelfmt.DefaultServerFormat, stream: deflate.New()}
}

func (z *ZRLE) SetOutputFormat(f pixelfmt.Format) { z.format = f }
func (z *ZRLE) SetQuality(int)                    {}
func (z *ZRLE) RequestKeyFrame()                  {}
func (z *ZRLE) IgnoresDamage() bool               { return false }

func (z *ZRLE) Encode(composite *fb.Composite, damage *region.Region, done DoneFunc) {
	clipped := clipToBounds(damage.Rects(), composite.Width, composite.Height)
	rects := splitDamagePerMember(clipped, composite)

	out := updateHeader(nil, len(rects))
	for _, rc := range rects {
		out = rectHeader(out, rc, rfbproto.EncodingZRLE)
		out = z.encodeRect(composite, rc, out)
	}

	done(&Frame{Data: out, RectCount: len(rects), Width: composite.Width, Height: composite.Height}, nil)
}

// splitDamagePerMember intersects damage with each composite member's own
// bounds independently — one encode pass per source FB rather than a
// flattened region across the whole composite, so member boundaries never
// produce rectangles spanning two buffers. Past the wire's uint16
// rect-count limit it falls
// back to one rectangle per member covering that member's full bounds, so
// an overflowing multi-display composite still loses no member boundary
// (unlike collapsing to a single whole-composite rectangle).
func splitDamagePerMember(rects []region.Rect, composite *fb.Composite) []region.Rect {
	var out []region.Rect
	for _, m := range composite.Members {
		bounds := region.Rect{X: m.XOff, Y: m.YOff, W: m.FB.LogicalWidth, H: m.FB.LogicalHeight}
		for _, r := range rects {
			if c := r.Intersect(bounds); !c.Empty() {
				out = append(out, c)
			}
		}
	}
	if len(out) > maxRectsPerUpdate {
		out = out[:0]
		for _, m := range composite.Members {
			out = append(out, region.Rect{X: m.XOff, Y: m.YOff, W: m.FB.LogicalWidth, H: m.FB.LogicalHeight})
		}
	}
	return out
}

func (z *ZRLE) encodeRect(composite *fb.Composite, rc region.Rect, out []byte) []byte {
	cpixelSize := z.format.CPIXELSize()
	for ty := rc.Y; ty < rc.Bottom(); ty += zrleTile {
		th := min(zrleTile, rc.Bottom()-ty)
		for tx := rc.X; tx < rc.Right(); tx += zrleTile {
			tw := min(zrleTile, rc.Right()-tx)
			z.stream.Feed(z.encodeTile(composite, tx, ty, tw, th, cpixelSize))
		}
	}
	payload := z.stream.Sync()
	var lenHdr [4]byte
	binary.BigEndian.PutUint32(lenHdr[:], uint32(len(payload)))
	out = append(out, lenHdr[:]...)
	return append(out, payload...)
}

// encodeTile picks the cheaper of packed-palette and raw representations
// for one tile and returns its on-wire bytes (subencoding byte included).
func (z *ZRLE) encodeTile(composite *fb.Composite, x, y, w, h int, cpixelSize int) []byte {
	pixels := make([]pixelfmt.Pixel, 0, w*h)
	for dy := 0; dy < h; dy++ {
		for dx := 0; dx < w; dx++ {
			pixels = append(pixels, samplePixel(composite, x+dx, y+dy))
		}
	}

	palette, indices := buildPalette(pixels)
	raw := encodeRawTile(z.format, pixels, cpixelSize)

	if len(palette) == 1 {
		// Solid-colour tile: subencoding 1, followed by the single colour.
		out := []byte{1}
		row := make([]byte, cpixelSize)
		z.format.EncodeCPIXEL(palette[0], row)
		return append(out, row...)
	}
	if len(palette) >= 2 && len(palette) <= 16 {
		packed := encodePackedPalette(z.format, palette, indices, cpixelSize)
		if len(packed) < len(raw) {
			return packed
		}
	}
	return raw
}

// buildPalette returns the distinct colours (insertion order, capped once
// it exceeds 16 since callers fall back to raw past that point) and each
// pixel's palette index.
func buildPalette(pixels []pixelfmt.Pixel) ([]pixelfmt.Pixel, []int) {
	index := make(map[pixelfmt.Pixel]int)
	var palette []pixelfmt.Pixel
	indices := make([]int, len(pixels))
	for i, p := range pixels {
		idx, ok := index[p]
		if !ok {
			if len(palette) > 16 {
				// Already over budget; stop tracking further distinct
				// colours, the caller only cares that raw wins anyway.
				indices[i] = 0
				continue
			}
			idx = len(palette)
			index[p] = idx
			palette = append(palette, p)
		}
		indices[i] = idx
	}
	return palette, indices
}

func encodeRawTile(f pixelfmt.Format, pixels []pixelfmt.Pixel, cpixelSize int) []byte {
	out := make([]byte, 1+len(pixels)*cpixelSize)
	out[0] = 0 // subencoding 0: raw
	row := make([]byte, cpixelSize)
	off := 1
	for _, p := range pixels {
		f.EncodeCPIXEL(p, row)
		copy(out[off:], row)
		off += cpixelSize
	}
	return out
}

// encodePackedPalette writes subencoding 128|palette_size, the palette
// itself, then a run-length-coded index stream: a lone pixel writes its
// index byte with the high bit clear; a run of more than one writes the
// index with the high bit set, followed by floor((run-1)/255) 0xff bytes
// and a remainder byte of (run-1)%255.
func encodePackedPalette(f pixelfmt.Format, palette []pixelfmt.Pixel, indices []int, cpixelSize int) []byte {
	out := []byte{byte(0x80 | len(palette))}
	row := make([]byte, cpixelSize)
	for _, p := range palette {
		f.EncodeCPIXEL(p, row)
		out = append(out, row...)
	}

	i := 0
	for i < len(indices) {
		idx := indices[i]
		run := 1
		for i+run < len(indices) && indices[i+run] == idx {
			run++
		}
		if run == 1 {
			out = append(out, byte(idx))
		} else {
			out = append(out, byte(idx|0x80))
			remaining := run - 1
			for remaining >= 255 {
				out = append(out, 0xff)
				remaining -= 255
			}
			out = append(out, byte(remaining))
		}
		i += run
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
