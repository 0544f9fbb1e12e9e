package rfbsession

import (
	"encoding/binary"
	"fmt"

	"github.com/gorfb/gorfbd/internal/pixelfmt"
	"github.com/gorfb/gorfbd/internal/region"
	"github.com/gorfb/gorfbd/internal/rfbproto"
)

// stepClientInit consumes the 1-byte ClientInit and replies with
// ServerInit: framebuffer dimensions, the server's pixel format, and its
// name string.
func (s *Session) stepClientInit(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, nil
	}
	// buf[0] is the shared-flag; this server always behaves as if shared
	// were set (multiple sessions may view the same displays).

	width, height := s.InitialFramebufferSize()
	name := s.cfg.ServerName
	if name == "" {
		name = "gorfbd"
	}

	out := make([]byte, 4, 4+rfbproto.WireSize+4+len(name))
	binary.BigEndian.PutUint16(out[0:2], uint16(width))
	binary.BigEndian.PutUint16(out[2:4], uint16(height))
	out = append(out, s.format.ToWire().Marshal()...)
	var nameLen [4]byte
	binary.BigEndian.PutUint32(nameLen[:], uint32(len(name)))
	out = append(out, nameLen[:]...)
	out = append(out, name...)

	s.stream.Send(out, nil)
	s.setState(StateReady)
	s.start()
	return 1, nil
}

// InitialFramebufferSize reports the dimensions ServerInit advertises: the
// current Composite FB's size if a source is already live, else the
// configured fallback.
func (s *Session) InitialFramebufferSize() (int, int) {
	if s.cfg.Source != nil {
		if c, ok := s.cfg.Source.Composite(); ok {
			return c.Width, c.Height
		}
	}
	return s.cfg.InitialWidth, s.cfg.InitialHeight
}

// stepMessage dispatches one steady-state client-to-server message.
func (s *Session) stepMessage(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, nil
	}
	switch rfbproto.ClientMessageType(buf[0]) {
	case rfbproto.MsgSetPixelFormat:
		return s.handleSetPixelFormat(buf)
	case rfbproto.MsgSetEncodings:
		return s.handleSetEncodings(buf)
	case rfbproto.MsgFramebufferUpdateRequest:
		return s.handleFramebufferUpdateRequest(buf)
	case rfbproto.MsgKeyEvent:
		return s.handleKeyEvent(buf)
	case rfbproto.MsgPointerEvent:
		return s.handlePointerEvent(buf)
	case rfbproto.MsgClientCutText:
		return s.handleClientCutText(buf)
	case rfbproto.MsgEnableContinuousUpdates:
		return s.handleEnableContinuousUpdates(buf)
	case rfbproto.MsgFence:
		return s.handleFence(buf)
	case rfbproto.MsgSetDesktopSize:
		return s.handleSetDesktopSize(buf)
	case rfbproto.MsgQEMUExtendedKeyEvent:
		return s.handleQEMUExtendedKeyEvent(buf)
	default:
		return 0, fmt.Errorf("rfbsession: unknown client message type %d", buf[0])
	}
}

// handleSetPixelFormat: type(1) padding(3) PixelFormat(16).
func (s *Session) handleSetPixelFormat(buf []byte) (int, error) {
	const need = 1 + 3 + rfbproto.WireSize
	if len(buf) < need {
		return 0, nil
	}
	wire := rfbproto.UnmarshalPixelFormat(buf[4:need])
	format := pixelfmt.FromWire(wire)
	if !format.Valid() {
		return 0, fmt.Errorf("rfbsession: client requested invalid pixel format")
	}
	s.mu.Lock()
	s.format = format
	if s.enc != nil {
		s.enc.SetOutputFormat(format)
	}
	s.mu.Unlock()
	return need, nil
}

// handleSetEncodings: type(1) padding(1) count(2) then count*int32 encodings.
func (s *Session) handleSetEncodings(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, nil
	}
	count := int(binary.BigEndian.Uint16(buf[2:4]))
	need := 4 + count*4
	if len(buf) < need {
		return 0, nil
	}
	encodings := make([]rfbproto.Encoding, count)
	for i := 0; i < count; i++ {
		off := 4 + i*4
		encodings[i] = rfbproto.Encoding(int32(binary.BigEndian.Uint32(buf[off : off+4])))
	}

	s.mu.Lock()
	s.encodings = encodings
	s.enc = s.cfg.Encoders.pick(encodings)
	s.enc.SetOutputFormat(s.format)
	s.enc.SetQuality(s.quality)
	s.mu.Unlock()
	return need, nil
}

// handleFramebufferUpdateRequest: type(1) incremental(1) x(2) y(2) w(2) h(2).
func (s *Session) handleFramebufferUpdateRequest(buf []byte) (int, error) {
	const need = 10
	if len(buf) < need {
		return 0, nil
	}
	incremental := buf[1] != 0
	rect := region.Rect{
		X: int(binary.BigEndian.Uint16(buf[2:4])),
		Y: int(binary.BigEndian.Uint16(buf[4:6])),
		W: int(binary.BigEndian.Uint16(buf[6:8])),
		H: int(binary.BigEndian.Uint16(buf[8:10])),
	}

	s.mu.Lock()
	s.updateRequested = true
	s.incremental = incremental
	s.wantRegion = rect
	if !incremental {
		s.owed.Add(rect)
	}
	s.mu.Unlock()

	s.pump()
	return need, nil
}

func (s *Session) handleKeyEvent(buf []byte) (int, error) {
	const need = 1 + 1 + 2 + 4
	if len(buf) < need {
		return 0, nil
	}
	down := buf[1] != 0
	keysym := binary.BigEndian.Uint32(buf[4:8])
	if s.cfg.Handler != nil {
		s.cfg.Handler.KeyEvent(down, keysym)
	}
	return need, nil
}

func (s *Session) handlePointerEvent(buf []byte) (int, error) {
	const need = 1 + 1 + 2 + 2
	if len(buf) < need {
		return 0, nil
	}
	mask := buf[1]
	x := binary.BigEndian.Uint16(buf[2:4])
	y := binary.BigEndian.Uint16(buf[4:6])
	if s.cfg.Handler != nil {
		s.cfg.Handler.PointerEvent(mask, x, y)
	}
	return need, nil
}

// handleClientCutText: type(1) padding(3) length(4) text(N). A negative
// (high-bit-set) length signals the Extended Clipboard wire variant, where
// the payload is a flags word followed by per-format data. Only the
// plain-text path is implemented; extended formats other than text are
// accepted but dropped.
func (s *Session) handleClientCutText(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, nil
	}
	rawLen := int32(binary.BigEndian.Uint32(buf[4:8]))
	if rawLen >= 0 {
		need := 8 + int(rawLen)
		if len(buf) < need {
			return 0, nil
		}
		if s.cfg.Handler != nil {
			s.cfg.Handler.CutText(string(buf[8:need]))
		}
		return need, nil
	}

	// Extended clipboard: length is -actualLength, and the actualLength
	// payload bytes are a 4-byte capability/action bitmask followed by the
	// format data.
	actual := int(-rawLen)
	need := 8 + actual
	if len(buf) < need {
		return 0, nil
	}
	flags := binary.BigEndian.Uint32(buf[8:12])
	if flags&rfbproto.ClipboardActionProvide != 0 && s.cfg.Handler != nil {
		// Payload beyond the flags word is zlib-compressed per-format
		// blocks in the real extension; this server only ever negotiated
		// the text capability, so treat the remainder as raw text.
		s.cfg.Handler.CutText(string(buf[12:need]))
	}
	return need, nil
}

// handleEnableContinuousUpdates: type(1) enable(1) x(2) y(2) w(2) h(2).
func (s *Session) handleEnableContinuousUpdates(buf []byte) (int, error) {
	const need = 10
	if len(buf) < need {
		return 0, nil
	}
	enable := buf[1] != 0
	rect := region.Rect{
		X: int(binary.BigEndian.Uint16(buf[2:4])),
		Y: int(binary.BigEndian.Uint16(buf[4:6])),
		W: int(binary.BigEndian.Uint16(buf[6:8])),
		H: int(binary.BigEndian.Uint16(buf[8:10])),
	}

	s.mu.Lock()
	s.continuous = enable
	s.cuRegion = rect
	if enable {
		s.updateRequested = true
		s.incremental = true
	}
	s.mu.Unlock()

	if !enable {
		s.stream.Send([]byte{byte(rfbproto.SMsgEndOfContinuous)}, nil)
	}
	s.pump()
	return need, nil
}

// handleFence: type(1) padding(3) flags(4) length(1) payload(length, <=64).
// A client-initiated fence (Request bit set) is echoed back with the
// Request bit cleared and only the flags this server honours; a
// block-before fence is answered once every message already queued ahead
// of it has flushed, which the Stream's FIFO ordering makes automatic. A
// fence without the Request bit is the client's answer to a
// throttle fence this server sent, and releases the pacing block.
func (s *Session) handleFence(buf []byte) (int, error) {
	if len(buf) < 9 {
		return 0, nil
	}
	flags := binary.BigEndian.Uint32(buf[4:8])
	length := int(buf[8])
	need := 9 + length
	if len(buf) < need {
		return 0, nil
	}
	payload := append([]byte(nil), buf[9:need]...)

	if flags&rfbproto.FenceFlagRequest == 0 {
		s.fenceAcked(payload)
		return need, nil
	}

	honoured := flags & (rfbproto.FenceFlagBlockBefore | rfbproto.FenceFlagBlockAfter | rfbproto.FenceFlagSyncNext)
	out := make([]byte, 9, need)
	out[0] = byte(rfbproto.SMsgFence)
	binary.BigEndian.PutUint32(out[4:8], honoured)
	out[8] = byte(length)
	out = append(out, payload...)
	s.stream.Send(out, nil)
	return need, nil
}

// handleSetDesktopSize: type(1) padding(1) width(2) height(2)
// num-screens(1) padding(1) then num-screens×16 bytes of screen records.
// The reply is an ExtendedDesktopSize rectangle whose x-position marks it
// as a response to this client's request and whose y-position carries the
// status code.
func (s *Session) handleSetDesktopSize(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, nil
	}
	width := int(binary.BigEndian.Uint16(buf[2:4]))
	height := int(binary.BigEndian.Uint16(buf[4:6]))
	screens := int(buf[6])
	need := 8 + screens*16
	if len(buf) < need {
		return 0, nil
	}

	status := rfbproto.DesktopSizeStatusProhibited
	if lh, ok := s.cfg.Handler.(LayoutHandler); ok {
		if width <= 0 || height <= 0 || screens == 0 {
			status = rfbproto.DesktopSizeStatusInvalidLayout
		} else if lh.DesktopSize(width, height) {
			status = rfbproto.DesktopSizeStatusOK
		}
	}
	s.sendExtendedDesktopSize(1, status, width, height)
	return need, nil
}

// sendExtendedDesktopSize writes one ExtendedDesktopSize rectangle with a
// single full-size screen record.
func (s *Session) sendExtendedDesktopSize(reason uint16, status uint32, width, height int) {
	out := make([]byte, 4+12+4+16)
	out[0] = byte(rfbproto.SMsgFramebufferUpdate)
	binary.BigEndian.PutUint16(out[2:4], 1)
	binary.BigEndian.PutUint16(out[4:6], reason)
	binary.BigEndian.PutUint16(out[6:8], uint16(status))
	binary.BigEndian.PutUint16(out[8:10], uint16(width))
	binary.BigEndian.PutUint16(out[10:12], uint16(height))
	extDesktopSizeEncoding := int32(rfbproto.EncodingExtendedDesktopSize)
	binary.BigEndian.PutUint32(out[12:16], uint32(extDesktopSizeEncoding))
	out[16] = 1 // number of screens, then 3 bytes padding
	// screen record at 20: id(4) x(2) y(2) w(2) h(2) flags(4)
	binary.BigEndian.PutUint16(out[28:30], uint16(width))
	binary.BigEndian.PutUint16(out[30:32], uint16(height))
	s.stream.Send(out, nil)
}

// handleQEMUExtendedKeyEvent: type(1) subtype(1)==0 down(2) keysym(4) keycode(4).
func (s *Session) handleQEMUExtendedKeyEvent(buf []byte) (int, error) {
	const need = 1 + 1 + 2 + 4 + 4
	if len(buf) < need {
		return 0, nil
	}
	down := binary.BigEndian.Uint16(buf[2:4]) != 0
	keysym := binary.BigEndian.Uint32(buf[4:8])
	if s.cfg.Handler != nil {
		s.cfg.Handler.KeyEvent(down, keysym)
	}
	return need, nil
}
