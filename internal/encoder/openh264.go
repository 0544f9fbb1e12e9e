package encoder

import (
	"encoding/binary"

	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/pixelfmt"
	"github.com/gorfb/gorfbd/internal/region"
	"github.com/gorfb/gorfbd/internal/rfbproto"
)

// NALProducer is the codec boundary Open-H264 delegates to; the actual
// H.264 bitstream production is out of scope here, so this interface lets
// the rest of the pipeline (scheduling, framing, key-frame requests) be
// built and tested independently of any particular codec binding.
type NALProducer interface {
	// Encode produces one coded access unit for the given full frame, and
	// reports whether it is a key frame.
	Encode(pixels []byte, width, height, stride int, keyFrame bool) (nal []byte, isKeyFrame bool, err error)
}

// OpenH264 wraps a NALProducer in the barrier/context bookkeeping needed
// to fit the common Encoder contract: it always encodes the whole
// composited frame (never a damage subset — motion compensation works
// better off full frames) and tracks per-origin encoding contexts so a
// resized or replaced source doesn't feed stale motion state to the
// codec.
type OpenH264 struct {
	format    pixelfmt.Format
	quality   int
	producer  NALProducer
	keyFrame  bool
	lastShape fb.Shape
}

var _ Encoder = (*OpenH264)(nil)

// NewOpenH264 builds an Open-H264 encoder around the given producer.
func NewOpenH264(producer NALProducer) *OpenH264 {
	return &OpenH264{format: pixelfmt.DefaultServerFormat, producer: producer, keyFrame: true}
}

func (o *OpenH264) SetOutputFormat(f pixelfmt.Format) { o.format = f }
func (o *OpenH264) SetQuality(q int)                  { o.quality = q }
func (o *OpenH264) RequestKeyFrame()                  { o.keyFrame = true }
func (o *OpenH264) IgnoresDamage() bool               { return true }

func (o *OpenH264) Encode(composite *fb.Composite, damage *region.Region, done DoneFunc) {
	shape := fb.Shape{Width: composite.Width, Height: composite.Height}
	if shape != o.lastShape {
		// A resized or newly-placed source invalidates the codec's motion
		// state; force a key frame rather than let it reference frames
		// shaped differently than what it's about to see.
		o.keyFrame = true
		o.lastShape = shape
	}

	pixels := make([]byte, composite.Width*composite.Height*o.format.BytesPerPixel())
	stride := composite.Width * o.format.BytesPerPixel()
	bpp := o.format.BytesPerPixel()
	row := make([]byte, bpp)
	for y := 0; y < composite.Height; y++ {
		for x := 0; x < composite.Width; x++ {
			p := samplePixel(composite, x, y)
			o.format.Encode(p, row)
			copy(pixels[y*stride+x*bpp:], row)
		}
	}

	resetContext := o.keyFrame
	nal, _, err := o.producer.Encode(pixels, composite.Width, composite.Height, stride, o.keyFrame)
	if err != nil {
		done(nil, err)
		return
	}
	o.keyFrame = false

	// Rectangle payload: 4-byte big-endian NAL length, then a 4-byte flags
	// word (bit 0 = reset-context), then the coded access unit.
	rc := region.Rect{X: 0, Y: 0, W: composite.Width, H: composite.Height}
	out := updateHeader(nil, 1)
	out = rectHeader(out, rc, rfbproto.EncodingOpenH264)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(nal)))
	if resetContext {
		binary.BigEndian.PutUint32(hdr[4:8], 1)
	}
	out = append(out, hdr[:]...)
	out = append(out, nal...)

	done(&Frame{Data: out, RectCount: 1, Width: composite.Width, Height: composite.Height}, nil)
}
