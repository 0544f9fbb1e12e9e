package encoder

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/gorfb/gorfbd/internal/deflate"
	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/pixelfmt"
	"github.com/gorfb/gorfbd/internal/region"
	"github.com/gorfb/gorfbd/internal/rfbproto"
)

// tightTile is the tile edge this implementation tiles Tight rectangles
// into; each tile column picks one of four independent zlib streams by
// tile_grid_x mod 4, the same fan-out the real protocol uses to let
// several tiles compress concurrently.
const tightTile = 64

const tightStreamCount = 4

// Tight compression-control subencodings. The type occupies the high
// nibble of the control byte; the basic (zlib) path instead writes a stream
// index into bits 4-5 via encodeBasic's (col%tightStreamCount)<<4.
const (
	tightCtrlFill = 0x80
	tightCtrlJPEG = 0x90
)

// Tight implements the Tight encoding: per-tile choice between a solid
// fill, JPEG (when quality is 1-9 and the tile is at least 8x8; colour
// content is not considered), or deflate-compressed raw pixels on one of
// four round-robin zlib streams.
type Tight struct {
	format  pixelfmt.Format
	quality int
	streams [tightStreamCount]*deflate.Deflate
}

var _ Encoder = (*Tight)(nil)

// NewTight builds a Tight encoder at the given initial quality (0-10;
// 0 disables JPEG entirely).
func NewTight(quality int) *Tight {
	t := &Tight{format: pixelfmt.DefaultServerFormat, quality: quality}
	for i := range t.streams {
		t.streams[i] = deflate.New()
	}
	return t
}

func (t *Tight) SetOutputFormat(f pixelfmt.Format) { t.format = f }
func (t *Tight) SetQuality(q int)                  { t.quality = q }
func (t *Tight) RequestKeyFrame()                  {}
func (t *Tight) IgnoresDamage() bool               { return false }

func (t *Tight) Encode(composite *fb.Composite, damage *region.Region, done DoneFunc) {
	rects := clipToBounds(damage.Rects(), composite.Width, composite.Height)
	if len(rects) > maxRectsPerUpdate {
		rects = []region.Rect{{X: 0, Y: 0, W: composite.Width, H: composite.Height}}
	}

	out := updateHeader(nil, len(rects))
	for _, rc := range rects {
		out = rectHeader(out, rc, rfbproto.EncodingTight)
		out = t.encodeRect(composite, rc, out)
	}

	done(&Frame{Data: out, RectCount: len(rects), Width: composite.Width, Height: composite.Height}, nil)
}

func (t *Tight) encodeRect(composite *fb.Composite, rc region.Rect, out []byte) []byte {
	col := 0
	for ty := rc.Y; ty < rc.Bottom(); ty += tightTile {
		th := min(tightTile, rc.Bottom()-ty)
		col = 0
		for tx := rc.X; tx < rc.Right(); tx += tightTile {
			tw := min(tightTile, rc.Right()-tx)
			out = t.encodeTile(composite, tx, ty, tw, th, col, out)
			col++
		}
	}
	return out
}

func (t *Tight) encodeTile(composite *fb.Composite, x, y, w, h, col int, out []byte) []byte {
	pixels := make([]pixelfmt.Pixel, 0, w*h)
	for dy := 0; dy < h; dy++ {
		for dx := 0; dx < w; dx++ {
			pixels = append(pixels, samplePixel(composite, x+dx, y+dy))
		}
	}

	if allSame(pixels) {
		out = append(out, tightCtrlFill)
		row := make([]byte, t.format.CPIXELSize())
		t.format.EncodeCPIXEL(pixels[0], row)
		return append(out, row...)
	}

	if t.quality > 0 && t.quality < 10 && w >= 8 && h >= 8 {
		if data, ok := t.encodeJPEG(pixels, w, h); ok {
			out = append(out, tightCtrlJPEG)
			out = appendVLE(out, len(data))
			return append(out, data...)
		}
	}

	return t.encodeBasic(pixels, col, out)
}

func (t *Tight) encodeBasic(pixels []pixelfmt.Pixel, col int, out []byte) []byte {
	stream := t.streams[col%tightStreamCount]
	bpp := t.format.BytesPerPixel()
	raw := make([]byte, len(pixels)*bpp)
	row := make([]byte, bpp)
	for i, p := range pixels {
		t.format.Encode(p, row)
		copy(raw[i*bpp:], row)
	}
	stream.Feed(raw)
	compressed := stream.Sync()

	out = append(out, byte(col%tightStreamCount)<<4)
	out = appendVLE(out, len(compressed))
	return append(out, compressed...)
}

func (t *Tight) encodeJPEG(pixels []pixelfmt.Pixel, w, h int) ([]byte, bool) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, p := range pixels {
		img.Set(i%w, i/w, color.RGBA{
			R: uint8(scaleTo8(p.R, t.format.RedMax)),
			G: uint8(scaleTo8(p.G, t.format.GreenMax)),
			B: uint8(scaleTo8(p.B, t.format.BlueMax)),
			A: 0xff,
		})
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQualityFor(t.quality)}); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// jpegQualityFor maps the protocol's 0-10 quality to the two libjpeg
// settings actually used on the wire: 33 for the low half, 66 above it.
func jpegQualityFor(q int) int {
	if q <= 5 {
		return 33
	}
	return 66
}

func scaleTo8(v uint32, max uint16) uint32 {
	if max == 0 {
		return 0
	}
	return v * 255 / uint32(max)
}

func allSame(pixels []pixelfmt.Pixel) bool {
	for i := 1; i < len(pixels); i++ {
		if pixels[i] != pixels[0] {
			return false
		}
	}
	return true
}

// appendVLE appends n as a Tight-style variable-length integer: 7 bits in
// each of the first two bytes, little-endian, continuation flag in the high
// bit, and a third byte carrying the remaining 8 bits — at most 3 bytes
// (n must fit in 22 bits, which every tile's compressed/JPEG size does).
func appendVLE(out []byte, n int) []byte {
	for i := 0; i < 2; i++ {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
	return append(out, byte(n))
}
