package pixelfmt

import "testing"

func TestPixelRoundTrip(t *testing.T) {
	src := DefaultServerFormat
	dst := Format{
		BitsPerPixel: 16,
		Depth:        16,
		TrueColour:   true,
		RedMax:       31,
		GreenMax:     63,
		BlueMax:      31,
		RedShift:     11,
		GreenShift:   5,
		BlueShift:    0,
	}

	srcBuf := make([]byte, src.BytesPerPixel())
	src.Encode(Pixel{R: 200, G: 100, B: 50}, srcBuf)

	dstBuf := make([]byte, dst.BytesPerPixel())
	Convert(src, srcBuf, dst, dstBuf)

	backBuf := make([]byte, src.BytesPerPixel())
	Convert(dst, dstBuf, src, backBuf)

	got := src.Decode(backBuf)
	want := src.Decode(srcBuf)

	// Truncated to min(depth_src, depth_dst): dst has less precision, so
	// allow the scaled-down-and-back value to differ by the quantization
	// step but land in the same downsampled bucket.
	if scaleChannel(got.R, src.RedMax, dst.RedMax) != scaleChannel(want.R, src.RedMax, dst.RedMax) {
		t.Fatalf("R channel lost bucket: got %d want %d", got.R, want.R)
	}
}

func TestCPIXELShapeLow3(t *testing.T) {
	f := Format{BitsPerPixel: 32, Depth: 24, TrueColour: true, RedMax: 255, GreenMax: 255, BlueMax: 255, RedShift: 16, GreenShift: 8, BlueShift: 0}
	if got := f.CPIXELSize(); got != 3 {
		t.Fatalf("CPIXELSize = %d, want 3", got)
	}
}

func TestCPIXELShapeDoesNotFit(t *testing.T) {
	f := Format{BitsPerPixel: 32, Depth: 30, TrueColour: true, RedMax: 1023, GreenMax: 1023, BlueMax: 1023, RedShift: 20, GreenShift: 10, BlueShift: 0}
	if got := f.CPIXELSize(); got != 4 {
		t.Fatalf("CPIXELSize = %d, want 4", got)
	}
}

func TestCPIXELRoundTrip(t *testing.T) {
	f := DefaultServerFormat
	buf := make([]byte, 3)
	p := Pixel{R: 10, G: 20, B: 30}
	n := f.EncodeCPIXEL(p, buf)
	if n != 3 {
		t.Fatalf("expected 3 bytes written, got %d", n)
	}
	got := f.DecodeCPIXEL(buf)
	if got != p {
		t.Fatalf("cpixel round trip = %+v, want %+v", got, p)
	}
}
