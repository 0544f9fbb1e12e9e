package encoder

import (
	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/pixelfmt"
	"github.com/gorfb/gorfbd/internal/region"
	"github.com/gorfb/gorfbd/internal/rfbproto"
)

// Raw encodes every damaged pixel uncompressed, in the client's requested
// pixel format, one rectangle per clipped damage rectangle (collapsed to
// their bounding box past the wire's rect-count limit).
// It is the fallback every client must support and the baseline every
// other encoder's output size is judged against.
type Raw struct {
	format pixelfmt.Format
}

var _ Encoder = (*Raw)(nil)

// NewRaw builds a Raw encoder targeting pixelfmt.DefaultServerFormat until
// SetOutputFormat overrides it.
func NewRaw() *Raw {
	return &Raw{format: pixelfmt.DefaultServerFormat}
}

func (r *Raw) SetOutputFormat(f pixelfmt.Format) { r.format = f }
func (r *Raw) SetQuality(int)                    {}
func (r *Raw) RequestKeyFrame()                  {}
func (r *Raw) IgnoresDamage() bool               { return false }

func (r *Raw) Encode(composite *fb.Composite, damage *region.Region, done DoneFunc) {
	rects := clipToBounds(damage.Rects(), composite.Width, composite.Height)
	if len(rects) > maxRectsPerUpdate {
		rects = []region.Rect{extentOf(rects)}
	}

	out := updateHeader(nil, len(rects))
	bpp := r.format.BytesPerPixel()
	for _, rc := range rects {
		out = rectHeader(out, rc, rfbproto.EncodingRaw)
		out = r.encodeRect(composite, rc, bpp, out)
	}

	done(&Frame{Data: out, RectCount: len(rects), Width: composite.Width, Height: composite.Height}, nil)
}

func (r *Raw) encodeRect(composite *fb.Composite, rc region.Rect, bpp int, out []byte) []byte {
	row := make([]byte, bpp)
	for y := rc.Y; y < rc.Bottom(); y++ {
		for x := rc.X; x < rc.Right(); x++ {
			p := samplePixel(composite, x, y)
			r.format.Encode(p, row)
			out = append(out, row...)
		}
	}
	return out
}

// samplePixel resolves the composited pixel at (x, y) by scanning members
// back-to-front (later members painted on top), falling back to black
// where nothing covers the point.
func samplePixel(composite *fb.Composite, x, y int) pixelfmt.Pixel {
	for i := len(composite.Members) - 1; i >= 0; i-- {
		m := composite.Members[i]
		lx, ly := x-m.XOff, y-m.YOff
		if lx < 0 || ly < 0 || lx >= m.FB.LogicalWidth || ly >= m.FB.LogicalHeight {
			continue
		}
		sx, sy := mapToSource(m, lx, ly)
		if sx < 0 || sy < 0 || sx >= m.FB.Width || sy >= m.FB.Height {
			continue
		}
		srcFmt := formatForFourCC(m.FB.FourCC)
		bpp := srcFmt.BytesPerPixel()
		off := (sy*m.FB.Stride + sx) * bpp
		pixels := m.FB.Map()
		defer m.FB.Unmap()
		if off+bpp > len(pixels) {
			continue
		}
		return srcFmt.Decode(pixels[off : off+bpp])
	}
	return pixelfmt.Pixel{}
}

func mapToSource(m fb.Placed, lx, ly int) (int, int) {
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

func formatForFourCC(fourcc string) pixelfmt.Format {
	if fourcc == "RGB565" {
		return pixelfmt.Format{BitsPerPixel: 16, Depth: 16, RedMax: 31, GreenMax: 63, BlueMax: 31, RedShift: 11, GreenShift: 5, BlueShift: 0}
	}
	return pixelfmt.DefaultServerFormat
}

// clipToBounds drops/clips damage rectangles to the composite's extent, and
// filters out anything left empty.
func clipToBounds(rects []region.Rect, width, height int) []region.Rect {
	bounds := region.Rect{X: 0, Y: 0, W: width, H: height}
	out := make([]region.Rect, 0, len(rects))
	for _, r := range rects {
		if c := r.Intersect(bounds); !c.Empty() {
			out = append(out, c)
		}
	}
	return out
}
