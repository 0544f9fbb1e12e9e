package encoder

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"testing"

	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/pixelfmt"
	"github.com/gorfb/gorfbd/internal/region"
)

// decodeZRLERect is a minimal test-only ZRLE decoder: it takes one
// encoded rectangle's zlib payload (header stripped, already inflated)
// and reproduces the rectangle's pixels tile by tile, understanding the
// three subencodings the encoder emits (raw, solid, packed palette).
func decodeZRLERect(t *testing.T, f pixelfmt.Format, data []byte, w, h int) []pixelfmt.Pixel {
	t.Helper()
	cpixel := f.CPIXELSize()
	out := make([]pixelfmt.Pixel, w*h)
	pos := 0

	next := func(n int) []byte {
		t.Helper()
		if pos+n > len(data) {
			t.Fatalf("tile stream truncated: need %d bytes at offset %d of %d", n, pos, len(data))
		}
		b := data[pos : pos+n]
		pos += n
		return b
	}

	for ty := 0; ty < h; ty += zrleTile {
		th := min(zrleTile, h-ty)
		for tx := 0; tx < w; tx += zrleTile {
			tw := min(zrleTile, w-tx)
			put := func(i int, p pixelfmt.Pixel) {
				out[(ty+i/tw)*w + tx + i%tw] = p
			}

			sub := next(1)[0]
			switch {
			case sub == 0: // raw
				for i := 0; i < tw*th; i++ {
					put(i, f.DecodeCPIXEL(next(cpixel)))
				}
			case sub == 1: // solid
				p := f.DecodeCPIXEL(next(cpixel))
				for i := 0; i < tw*th; i++ {
					put(i, p)
				}
			case sub >= 0x82 && sub <= 0x90: // packed palette, RLE indices
				psize := int(sub & 0x7f)
				palette := make([]pixelfmt.Pixel, psize)
				for i := range palette {
					palette[i] = f.DecodeCPIXEL(next(cpixel))
				}
				filled := 0
				for filled < tw*th {
					idx := next(1)[0]
					run := 1
					if idx&0x80 != 0 {
						for {
							b := next(1)[0]
							run += int(b)
							if b != 0xff {
								break
							}
						}
					}
					p := palette[idx&0x7f]
					for i := 0; i < run; i++ {
						put(filled+i, p)
					}
					filled += run
				}
			default:
				t.Fatalf("unexpected subencoding byte %#x", sub)
			}
		}
	}
	if pos != len(data) {
		t.Fatalf("tile stream has %d trailing bytes", len(data)-pos)
	}
	return out
}

// zrleRoundTrip encodes the composite's full extent as one ZRLE rectangle
// and decodes it back, comparing against the composited source pixels.
func zrleRoundTrip(t *testing.T, composite *fb.Composite) {
	t.Helper()
	w, h := composite.Width, composite.Height

	z := NewZRLE()
	damage := region.New(region.Rect{X: 0, Y: 0, W: w, H: h})
	var got *Frame
	z.Encode(composite, damage, func(f *Frame, err error) {
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		got = f
	})
	if got == nil {
		t.Fatal("done callback never invoked")
	}

	// Update header (4) + rect header (12) + zlib length (4) + payload.
	data := got.Data
	if binary.BigEndian.Uint16(data[2:4]) != 1 {
		t.Fatalf("rect count = %d, want 1", binary.BigEndian.Uint16(data[2:4]))
	}
	zlen := int(binary.BigEndian.Uint32(data[16:20]))
	payload := data[20 : 20+zlen]
	if payload[0] != 0x78 || payload[1] != 0x01 {
		t.Fatalf("zlib payload does not start with 0x78 0x01: % x", payload[:2])
	}
	r := flate.NewReader(bytes.NewReader(payload[2:]))
	tiles, err := io.ReadAll(r)
	if err != nil && err != io.ErrUnexpectedEOF {
		t.Fatalf("inflate failed: %v", err)
	}

	decoded := decodeZRLERect(t, z.format, tiles, w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			want := samplePixel(composite, x, y)
			if decoded[y*w+x] != want {
				t.Fatalf("pixel (%d,%d) = %+v, want %+v", x, y, decoded[y*w+x], want)
			}
		}
	}
}

func TestZRLERoundTripSolid(t *testing.T) {
	zrleRoundTrip(t, solidComposite(t, 64, 64))
}

func TestZRLERoundTripSmallPalette(t *testing.T) {
	// Four colours in an irregular striping pattern, spanning partial
	// tiles (100x70 is not a multiple of the 64-pixel tile edge).
	src := fb.New(100, 70, 100, "XR24")
	pixels := src.Map()
	colours := [4]byte{0x00, 0x3f, 0x7f, 0xff}
	for i := 0; i < len(pixels); i += 4 {
		c := colours[(i/4)%3+(i/400)%2]
		pixels[i] = c
		pixels[i+1] = c / 2
		pixels[i+2] = 0xff - c
	}
	src.Unmap()
	composite, err := fb.NewComposite([]fb.Placed{{FB: src}})
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}
	zrleRoundTrip(t, composite)
}

func TestZRLERoundTripNoisy(t *testing.T) {
	// A deterministic pseudo-random buffer has far more than 16 distinct
	// colours per tile, forcing the raw-tile fallback.
	src := fb.New(80, 80, 80, "XR24")
	pixels := src.Map()
	state := uint32(0x1234567)
	for i := 0; i < len(pixels); i += 4 {
		state = state*1664525 + 1013904223
		pixels[i] = byte(state)
		pixels[i+1] = byte(state >> 8)
		pixels[i+2] = byte(state >> 16)
	}
	src.Unmap()
	composite, err := fb.NewComposite([]fb.Placed{{FB: src}})
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}
	zrleRoundTrip(t, composite)
}
