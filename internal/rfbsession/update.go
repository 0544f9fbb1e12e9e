package rfbsession

import (
	"encoding/binary"
	"fmt"

	"github.com/gorfb/gorfbd/internal/bandwidth"
	"github.com/gorfb/gorfbd/internal/encoder"
	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/pixelfmt"
	"github.com/gorfb/gorfbd/internal/region"
	"github.com/gorfb/gorfbd/internal/rfbproto"
	"github.com/gorfb/gorfbd/internal/stream"
)

// start runs once the session reaches steady state.
func (s *Session) start() {
	s.log.Debug("rfbsession: ready", "id", s.ID, "remote", s.RemoteAddr())
}

// NotifyDamage is how the owning server pushes newly damaged regions to a
// session; the update scheduler folds them into the damage owed to this
// client and tries to make progress.
func (s *Session) NotifyDamage(dmg *region.Region) {
	s.mu.Lock()
	s.owed.Union(dmg)
	s.mu.Unlock()
	s.pump()
}

// SetLEDState records the keyboard LED bitmask (scroll=1, num=2, caps=4).
// Clients that negotiated the LED-state pseudo-encoding get a synthetic
// rectangle carrying the new state with the next update.
func (s *Session) SetLEDState(state uint8) {
	s.mu.Lock()
	changed := state != s.ledState || !s.ledStateSent
	s.ledState = state
	if changed {
		s.ledStateSent = false
	}
	s.mu.Unlock()
	if changed {
		s.pump()
	}
}

// pump advances the update scheduler: a cursor rectangle if the cursor
// changed, an LED-state rectangle if that changed, then an encoded
// FramebufferUpdate if there is owed damage and an outstanding request.
// Outbound work is capped at twice the bandwidth-delay product: when
// inflight bytes exceed estimate × 2 × rtt_min, a fence with the
// block-before flag is sent instead and the scheduler stalls until the
// client's fence response drains the pipe.
func (s *Session) pump() {
	s.mu.Lock()
	if s.state != StateReady || s.encodeInFlight || !s.updateRequested {
		s.mu.Unlock()
		return
	}
	if s.cfg.Source == nil {
		s.mu.Unlock()
		return
	}
	if s.fencePending {
		s.mu.Unlock()
		return
	}
	if s.overBudgetLocked() {
		if s.supportsFenceLocked() && !s.fencePending {
			s.fencePending = true
			s.fenceSerial++
			serial := s.fenceSerial
			inflight := s.inflightBytes
			s.mu.Unlock()
			s.emitEvent("fence_throttle", fmt.Sprintf("inflight=%d", inflight))
			s.sendThrottleFence(serial)
			return
		}
		s.mu.Unlock()
		return
	}

	if buf, hotX, hotY, seq := s.cfg.Source.Cursor(); buf != nil && seq != s.lastCursorSeq && s.supportsEncodingLocked(rfbproto.EncodingCursor) {
		s.lastCursorSeq = seq
		s.mu.Unlock()
		s.sendCursorUpdate(buf, hotX, hotY)
		s.pump()
		return
	}

	if !s.ledStateSent && s.supportsEncodingLocked(rfbproto.EncodingQEMULedState) {
		s.ledStateSent = true
		state := s.ledState
		s.mu.Unlock()
		s.sendLEDState(state)
		s.pump()
		return
	}

	if s.owed.Empty() {
		s.mu.Unlock()
		return
	}
	composite, ok := s.cfg.Source.Composite()
	if !ok {
		s.mu.Unlock()
		return
	}

	damage := s.owed
	s.owed = region.New()
	s.updateRequested = s.continuous
	s.encodeInFlight = true
	enc := s.enc
	if enc == nil {
		enc = encoder.NewRaw()
		enc.SetOutputFormat(s.format)
		s.enc = enc
	}
	s.mu.Unlock()

	enc.Encode(composite, damage, func(frame *encoder.Frame, err error) {
		s.mu.Lock()
		s.encodeInFlight = false
		s.mu.Unlock()
		if err != nil {
			s.fail(fmt.Sprintf("encode error: %v", err))
			return
		}
		s.sendFrame(frame.Data)
	})
}

// overBudgetLocked reports whether inflight bytes exceed twice the
// bandwidth-delay product. Before the first round trip has been observed
// there is no estimate to throttle against, so nothing is capped.
func (s *Session) overBudgetLocked() bool {
	estimate := s.bwEstimator.Estimate()
	if estimate <= 0 || s.rttMinUs <= 0 {
		return false
	}
	budget := int(int64(estimate) * 2 * s.rttMinUs / 1e6)
	if budget < 4096 {
		budget = 4096
	}
	return s.inflightBytes > budget
}

func (s *Session) supportsEncodingLocked(want rfbproto.Encoding) bool {
	for _, e := range s.encodings {
		if e == want {
			return true
		}
	}
	return false
}

func (s *Session) supportsFenceLocked() bool {
	return s.supportsEncodingLocked(rfbproto.EncodingFence)
}

// sendThrottleFence emits a server-initiated fence whose response tells us
// the client has consumed everything queued ahead of it. The serial in the
// payload pairs the response with the request that raised the block.
func (s *Session) sendThrottleFence(serial uint32) {
	out := make([]byte, 13)
	out[0] = byte(rfbproto.SMsgFence)
	binary.BigEndian.PutUint32(out[4:8], rfbproto.FenceFlagRequest|rfbproto.FenceFlagBlockBefore)
	out[8] = 4
	binary.BigEndian.PutUint32(out[9:13], serial)
	s.stream.Send(out, nil)
}

// fenceAcked releases the throttle block once the client answers the
// outstanding fence.
func (s *Session) fenceAcked(payload []byte) {
	s.mu.Lock()
	if !s.fencePending || len(payload) != 4 || binary.BigEndian.Uint32(payload) != s.fenceSerial {
		s.mu.Unlock()
		return
	}
	s.fencePending = false
	s.mu.Unlock()
	s.pump()
}

// sendFrame enqueues an already-encoded FramebufferUpdate; the write
// completion feeds the bandwidth estimator and the observed round-trip
// minimum that pacing is computed against.
func (s *Session) sendFrame(data []byte) {
	depart := nowMicros()
	n := len(data)
	s.mu.Lock()
	s.inflightBytes += n
	s.mu.Unlock()

	s.stream.Send(data, func(stream.Status) {
		arrive := nowMicros()
		s.mu.Lock()
		s.inflightBytes -= n
		if rtt := arrive - depart; rtt > 0 && (s.rttMinUs == 0 || rtt < s.rttMinUs) {
			s.rttMinUs = rtt
			s.bwEstimator.UpdateRTTMin(rtt)
		}
		s.bwEstimator.Feed(bandwidth.Sample{Bytes: n, DepartureUs: depart, ArrivalUs: arrive})
		s.mu.Unlock()
		s.pump()
	})
	s.pump()
}

// sendLEDState writes a single LED-state pseudo-encoding rectangle: a
// one-byte bitmask in a zero-sized rectangle.
func (s *Session) sendLEDState(state uint8) {
	out := make([]byte, 4+12+1)
	out[0] = byte(rfbproto.SMsgFramebufferUpdate)
	binary.BigEndian.PutUint16(out[2:4], 1)
	ledStateEncoding := int32(rfbproto.EncodingQEMULedState)
	binary.BigEndian.PutUint32(out[12:16], uint32(ledStateEncoding))
	out[16] = state
	s.stream.Send(out, nil)
}

// sendCursorUpdate writes a single Cursor pseudo-encoding rectangle: pixel
// data in the client's negotiated format, followed by a 1-bpp row-padded
// opacity bitmask.
func (s *Session) sendCursorUpdate(buf *fb.Framebuffer, hotX, hotY int) {
	w, h := buf.Width, buf.Height
	pixels := buf.Map()
	defer buf.Unmap()

	s.mu.Lock()
	format := s.format
	s.mu.Unlock()

	bpp := 4
	rowMaskBytes := (w + 7) / 8
	mask := make([]byte, rowMaskBytes*h)
	data := make([]byte, 0, w*h*format.BytesPerPixel())
	row := make([]byte, format.BytesPerPixel())

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*buf.Stride + x) * bpp
			if off+bpp > len(pixels) {
				data = append(data, row...)
				continue
			}
			b, g, r, a := pixels[off], pixels[off+1], pixels[off+2], pixels[off+3]
			p := pixelfmt.Pixel{
				R: scale8ToMax(r, format.RedMax),
				G: scale8ToMax(g, format.GreenMax),
				B: scale8ToMax(b, format.BlueMax),
			}
			format.Encode(p, row)
			data = append(data, row...)
			if a >= 128 {
				mask[y*rowMaskBytes+x/8] |= 0x80 >> uint(x%8)
			}
		}
	}

	out := make([]byte, 4, 4+12+len(data)+len(mask))
	out[0] = byte(rfbproto.SMsgFramebufferUpdate)
	binary.BigEndian.PutUint16(out[2:4], 1)
	var hdr [12]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(hotX))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(hotY))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(w))
	binary.BigEndian.PutUint16(hdr[6:8], uint16(h))
	cursorEncoding := int32(rfbproto.EncodingCursor)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(cursorEncoding))
	out = append(out, hdr[:]...)
	out = append(out, data...)
	out = append(out, mask...)
	s.stream.Send(out, nil)
}

func scale8ToMax(v byte, max uint16) uint32 {
	return uint32(v) * uint32(max) / 255
}
