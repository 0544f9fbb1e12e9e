// Package encoder implements the four rectangle encoders — Raw, ZRLE,
// Tight, and Open-H264 — behind one narrow interface (set format, set
// quality, request key frame, encode) even though their internal
// concurrency and output shape differ widely.
package encoder

import (
	"encoding/binary"

	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/pixelfmt"
	"github.com/gorfb/gorfbd/internal/region"
	"github.com/gorfb/gorfbd/internal/rfbproto"
)

// Frame is one encoded update: a byte buffer ready to send as the payload
// of one FramebufferUpdate message, plus metadata about what
// it contains. There is no separate refcount field here (unlike
// Framebuffer) because a Frame's lifetime is owned by whichever Stream
// request carries it; once sent, it is simply garbage.
type Frame struct {
	Data      []byte
	RectCount int
	Width     int
	Height    int
	PTS       int64
}

// DoneFunc is invoked exactly once per Encode call.
type DoneFunc func(*Frame, error)

// Encoder is the common contract every encoder implements.
type Encoder interface {
	// SetOutputFormat declares the pixel layout the peer expects.
	SetOutputFormat(fmt pixelfmt.Format)
	// SetQuality sets 0 (lossless/highest quality) through 10. Raw and
	// ZRLE ignore this; Tight and Open-H264 heed it.
	SetQuality(q int)
	// RequestKeyFrame forces the next frame to be a keyframe. Meaningful
	// only for Open-H264; other encoders treat it as a no-op.
	RequestKeyFrame()
	// Encode asynchronously produces exactly one Frame via done. Must not
	// be called again for the same encoder before the prior call's done
	// has fired.
	Encode(composite *fb.Composite, damage *region.Region, done DoneFunc)
	// IgnoresDamage reports whether this encoder always encodes full
	// frames regardless of the damage region passed to Encode (true for
	// Open-H264, which hands whole buffers to a motion-compensated codec).
	IgnoresDamage() bool
}

// maxRectsPerUpdate is the wire limit: a rectangle count is a uint16, so
// rectangle-heavy encoders (Raw, ZRLE) must collapse to a coarser
// representation above this count.
const maxRectsPerUpdate = 65535

// rectHeader appends one RFB rectangle header (x, y, w, h, encoding) in
// wire byte order to dst.
func rectHeader(dst []byte, r region.Rect, encoding rfbproto.Encoding) []byte {
	var hdr [12]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(r.X))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(r.Y))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(r.W))
	binary.BigEndian.PutUint16(hdr[6:8], uint16(r.H))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(int32(encoding)))
	return append(dst, hdr[:]...)
}

// updateHeader appends the FramebufferUpdate message header (message type,
// padding, rectangle count) to dst.
func updateHeader(dst []byte, rectCount int) []byte {
	var hdr [4]byte
	hdr[0] = byte(rfbproto.SMsgFramebufferUpdate)
	// hdr[1] is padding
	binary.BigEndian.PutUint16(hdr[2:4], uint16(rectCount))
	return append(dst, hdr[:]...)
}

// extentOf returns the bounding box of every rectangle in rects.
func extentOf(rects []region.Rect) region.Rect {
	var b region.Rect
	for _, r := range rects {
		b = b.Union(r)
	}
	return b
}
