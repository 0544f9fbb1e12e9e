// Package pixelfmt converts packed RGB pixels between arbitrary formats and
// sizes the compact "CPIXEL" representation ZRLE/Tight use on the wire.
package pixelfmt

import "github.com/gorfb/gorfbd/internal/rfbproto"

// Format mirrors rfbproto.PixelFormat with its flag bytes decoded to bools.
// Construction does not check it; Valid reports whether it is usable.
type Format struct {
	BitsPerPixel, Depth          uint8
	BigEndian, TrueColour        bool
	RedMax, GreenMax, BlueMax    uint16
	RedShift, GreenShift, BlueShift uint8
}

// FromWire converts a wire PixelFormat into a Format.
func FromWire(w rfbproto.PixelFormat) Format {
	return Format{
		BitsPerPixel: w.BitsPerPixel,
		Depth:        w.Depth,
		BigEndian:    w.BigEndianFlag != 0,
		TrueColour:   w.TrueColourFlag != 0,
		RedMax:       w.RedMax,
		GreenMax:     w.GreenMax,
		BlueMax:      w.BlueMax,
		RedShift:     w.RedShift,
		GreenShift:   w.GreenShift,
		BlueShift:    w.BlueShift,
	}
}

// ToWire converts a Format to its 16-byte wire representation.
func (f Format) ToWire() rfbproto.PixelFormat {
	w := rfbproto.PixelFormat{
		BitsPerPixel: f.BitsPerPixel,
		Depth:        f.Depth,
		RedMax:       f.RedMax,
		GreenMax:     f.GreenMax,
		BlueMax:      f.BlueMax,
		RedShift:     f.RedShift,
		GreenShift:   f.GreenShift,
		BlueShift:    f.BlueShift,
	}
	if f.BigEndian {
		w.BigEndianFlag = 1
	}
	if f.TrueColour {
		w.TrueColourFlag = 1
	}
	return w
}

// Valid reports whether bits_per_pixel >= depth and all three maxima are
// 2^n - 1.
func (f Format) Valid() bool {
	if f.BitsPerPixel < f.Depth {
		return false
	}
	if !isMax(f.RedMax) || !isMax(f.GreenMax) || !isMax(f.BlueMax) {
		return false
	}
	return true
}

func isMax(v uint16) bool {
	return v != 0 && (uint32(v)+1)&uint32(v) == 0
}

// BytesPerPixel returns ceil(bits_per_pixel/8).
func (f Format) BytesPerPixel() int {
	return (int(f.BitsPerPixel) + 7) / 8
}

// DefaultServerFormat is the format offered by the example binary: 32bpp
// true-colour, 24-bit depth, little-endian, the conventional 8/8/8 layout.
var DefaultServerFormat = Format{
	BitsPerPixel: 32,
	Depth:        24,
	TrueColour:   true,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     16,
	GreenShift:   8,
	BlueShift:    0,
}

// Pixel is a decoded RGB triple, channel values already scaled to [0,Max].
type Pixel struct {
	R, G, B uint32
}

// Decode reads one pixel in format f from src, which must be at least
// f.BytesPerPixel() bytes long.
func (f Format) Decode(src []byte) Pixel {
	v := f.readWord(src)
	return Pixel{
		R: (v >> f.RedShift) & uint32(f.RedMax),
		G: (v >> f.GreenShift) & uint32(f.GreenMax),
		B: (v >> f.BlueShift) & uint32(f.BlueMax),
	}
}

// Encode packs p into dst using format f, writing exactly
// f.BytesPerPixel() bytes.
func (f Format) Encode(p Pixel, dst []byte) {
	v := (p.R&uint32(f.RedMax))<<f.RedShift |
		(p.G&uint32(f.GreenMax))<<f.GreenShift |
		(p.B&uint32(f.BlueMax))<<f.BlueShift
	f.writeWord(v, dst)
}

func (f Format) readWord(src []byte) uint32 {
	n := f.BytesPerPixel()
	var v uint32
	if f.BigEndian {
		for i := 0; i < n; i++ {
			v = v<<8 | uint32(src[i])
		}
	} else {
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint32(src[i])
		}
	}
	return v
}

func (f Format) writeWord(v uint32, dst []byte) {
	n := f.BytesPerPixel()
	if f.BigEndian {
		for i := n - 1; i >= 0; i-- {
			dst[i] = byte(v)
			v >>= 8
		}
	} else {
		for i := 0; i < n; i++ {
			dst[i] = byte(v)
			v >>= 8
		}
	}
}

// Convert decodes a pixel from src format and re-encodes it in dst
// format, scaling each channel to the destination's max value.
func Convert(srcFmt Format, src []byte, dstFmt Format, dst []byte) {
	p := srcFmt.Decode(src)
	scaled := Pixel{
		R: scaleChannel(p.R, srcFmt.RedMax, dstFmt.RedMax),
		G: scaleChannel(p.G, srcFmt.GreenMax, dstFmt.GreenMax),
		B: scaleChannel(p.B, srcFmt.BlueMax, dstFmt.BlueMax),
	}
	dstFmt.Encode(scaled, dst)
}

func scaleChannel(v uint32, srcMax, dstMax uint16) uint32 {
	if srcMax == dstMax {
		return v
	}
	return (v*uint32(dstMax) + uint32(srcMax)/2) / uint32(srcMax)
}

// CPIXELSize returns the byte count a pixel in format f takes when packed
// as a ZRLE/Tight CPIXEL: 3 bytes if bpp==32 and every channel's bit field
// fits entirely within either the low or the high 3 bytes of the 32-bit
// word, else ceil(bpp/8).
func (f Format) CPIXELSize() int {
	if f.BitsPerPixel != 32 {
		return f.BytesPerPixel()
	}
	if channelsFitLow3(f) || channelsFitHigh3(f) {
		return 3
	}
	return 4
}

func channelsFitLow3(f Format) bool {
	return fitsWithin(f.RedShift, f.RedMax, 0, 24) &&
		fitsWithin(f.GreenShift, f.GreenMax, 0, 24) &&
		fitsWithin(f.BlueShift, f.BlueMax, 0, 24)
}

func channelsFitHigh3(f Format) bool {
	return fitsWithin(f.RedShift, f.RedMax, 8, 32) &&
		fitsWithin(f.GreenShift, f.GreenMax, 8, 32) &&
		fitsWithin(f.BlueShift, f.BlueMax, 8, 32)
}

func fitsWithin(shift uint8, max uint16, lo, hi int) bool {
	bits := bitWidth(max)
	return int(shift) >= lo && int(shift)+bits <= hi
}

func bitWidth(max uint16) int {
	n := 0
	for max != 0 {
		n++
		max >>= 1
	}
	return n
}

// EncodeCPIXEL writes a pixel in f's CPIXEL form, returning the bytes used.
func (f Format) EncodeCPIXEL(p Pixel, dst []byte) int {
	size := f.CPIXELSize()
	if size == f.BytesPerPixel() {
		f.Encode(p, dst)
		return size
	}
	// size == 3, BitsPerPixel == 32: encode full word then drop the unused byte.
	full := make([]byte, 4)
	f.Encode(p, full)
	if channelsFitLow3(f) {
		if f.BigEndian {
			copy(dst, full[1:4])
		} else {
			copy(dst, full[0:3])
		}
	} else {
		if f.BigEndian {
			copy(dst, full[0:3])
		} else {
			copy(dst, full[1:4])
		}
	}
	return 3
}

// DecodeCPIXEL reads a CPIXEL-encoded pixel from src.
func (f Format) DecodeCPIXEL(src []byte) Pixel {
	size := f.CPIXELSize()
	if size == f.BytesPerPixel() {
		return f.Decode(src)
	}
	full := make([]byte, 4)
	if channelsFitLow3(f) {
		if f.BigEndian {
			copy(full[1:4], src[:3])
		} else {
			copy(full[0:3], src[:3])
		}
	} else {
		if f.BigEndian {
			copy(full[0:3], src[:3])
		} else {
			copy(full[1:4], src[:3])
		}
	}
	return f.Decode(full)
}
