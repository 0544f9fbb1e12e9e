package rfbproto

import (
	"reflect"
	"testing"
)

func TestPixelFormatRoundTrip(t *testing.T) {
	f := PixelFormat{
		BitsPerPixel:   32,
		Depth:          24,
		BigEndianFlag:  0,
		TrueColourFlag: 1,
		RedMax:         255,
		GreenMax:       255,
		BlueMax:        255,
		RedShift:       16,
		GreenShift:     8,
		BlueShift:      0,
	}
	b := f.Marshal()
	if len(b) != WireSize {
		t.Fatalf("marshal length = %d, want %d", len(b), WireSize)
	}
	got := UnmarshalPixelFormat(b)
	if !reflect.DeepEqual(got, f) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}
