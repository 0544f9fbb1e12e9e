package rfbsession

import (
	"encoding/binary"
	"testing"

	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/rfbproto"
)

// fakeSource is a minimal FrameSource backed by a single fixed framebuffer.
type fakeSource struct {
	composite *fb.Composite
}

func (f *fakeSource) Composite() (*fb.Composite, bool) {
	if f.composite == nil {
		return nil, false
	}
	return f.composite, true
}

func (f *fakeSource) Cursor() (buf *fb.Framebuffer, hotX, hotY int, seq uint32) {
	return nil, 0, 0, 0
}

func TestFramebufferUpdateRequestProducesUpdate(t *testing.T) {
	src := &fakeSource{}
	buf := fb.New(16, 16, 16, "XR24")
	composite, err := fb.NewComposite([]fb.Placed{{FB: buf}})
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}
	src.composite = composite

	sess, client := newTestSession(t, Config{
		Security: SecurityConfig{EnableNone: true},
		Source:   src,
	})

	readExactly(t, client, 12)
	client.Write([]byte("RFB 003.008\n"))
	readExactly(t, client, 2)
	client.Write([]byte{byte(rfbproto.SecurityNone)})
	readExactly(t, client, 4)
	client.Write([]byte{0})

	width := readExactly(t, client, 2)
	height := readExactly(t, client, 2)
	if binary.BigEndian.Uint16(width) != 16 || binary.BigEndian.Uint16(height) != 16 {
		t.Fatalf("ServerInit dims = %v/%v, want 16/16", width, height)
	}
	readExactly(t, client, rfbproto.WireSize)
	nameLen := readExactly(t, client, 4)
	readExactly(t, client, int(binary.BigEndian.Uint32(nameLen)))

	if got := sess.State(); got != StateReady {
		t.Fatalf("session state = %v, want ready", got)
	}

	// FramebufferUpdateRequest: type(1) incremental(1)=0 x,y,w,h(2 each).
	req := make([]byte, 10)
	req[0] = byte(rfbproto.MsgFramebufferUpdateRequest)
	binary.BigEndian.PutUint16(req[6:8], 16)
	binary.BigEndian.PutUint16(req[8:10], 16)
	client.Write(req)

	hdr := readExactly(t, client, 4)
	if hdr[0] != byte(rfbproto.SMsgFramebufferUpdate) {
		t.Fatalf("message type = %d, want FramebufferUpdate", hdr[0])
	}
	rectCount := binary.BigEndian.Uint16(hdr[2:4])
	if rectCount != 1 {
		t.Fatalf("rect count = %d, want 1", rectCount)
	}
	rectHdr := readExactly(t, client, 12)
	w := binary.BigEndian.Uint16(rectHdr[4:6])
	h := binary.BigEndian.Uint16(rectHdr[6:8])
	if w != 16 || h != 16 {
		t.Fatalf("rect size = %dx%d, want 16x16", w, h)
	}
	readExactly(t, client, int(w)*int(h)*4) // pixel payload
}

func TestFenceIsEchoedBack(t *testing.T) {
	src := &fakeSource{}
	buf := fb.New(8, 8, 8, "XR24")
	composite, _ := fb.NewComposite([]fb.Placed{{FB: buf}})
	src.composite = composite

	sess, client := newTestSession(t, Config{
		Security: SecurityConfig{EnableNone: true},
		Source:   src,
	})
	_ = sess

	readExactly(t, client, 12)
	client.Write([]byte("RFB 003.008\n"))
	readExactly(t, client, 2)
	client.Write([]byte{byte(rfbproto.SecurityNone)})
	readExactly(t, client, 4)
	client.Write([]byte{0})
	readExactly(t, client, 2+2+rfbproto.WireSize)
	nameLen := readExactly(t, client, 4)
	readExactly(t, client, int(binary.BigEndian.Uint32(nameLen)))

	payload := []byte("ping")
	msg := make([]byte, 9+len(payload))
	msg[0] = byte(rfbproto.MsgFence)
	binary.BigEndian.PutUint32(msg[4:8], rfbproto.FenceFlagRequest|rfbproto.FenceFlagBlockBefore)
	msg[8] = byte(len(payload))
	copy(msg[9:], payload)
	client.Write(msg)

	// The response clears the Request bit and keeps only honoured flags.
	hdr := readExactly(t, client, 9)
	if hdr[0] != byte(rfbproto.SMsgFence) {
		t.Fatalf("message type = %d, want Fence", hdr[0])
	}
	if binary.BigEndian.Uint32(hdr[4:8]) != rfbproto.FenceFlagBlockBefore {
		t.Fatalf("echoed flags = %d, want BlockBefore", binary.BigEndian.Uint32(hdr[4:8]))
	}
	echoed := readExactly(t, client, int(hdr[8]))
	if string(echoed) != "ping" {
		t.Fatalf("echoed payload = %q, want ping", echoed)
	}
}

func TestSetEncodingsSelectsEncoder(t *testing.T) {
	src := &fakeSource{}
	buf := fb.New(8, 8, 8, "XR24")
	composite, _ := fb.NewComposite([]fb.Placed{{FB: buf}})
	src.composite = composite

	sess, client := newTestSession(t, Config{
		Security: SecurityConfig{EnableNone: true},
		Source:   src,
	})

	readExactly(t, client, 12)
	client.Write([]byte("RFB 003.008\n"))
	readExactly(t, client, 2)
	client.Write([]byte{byte(rfbproto.SecurityNone)})
	readExactly(t, client, 4)
	client.Write([]byte{0})
	readExactly(t, client, 2+2+rfbproto.WireSize)
	nameLen := readExactly(t, client, 4)
	readExactly(t, client, int(binary.BigEndian.Uint32(nameLen)))

	msg := make([]byte, 4+4)
	msg[0] = byte(rfbproto.MsgSetEncodings)
	binary.BigEndian.PutUint16(msg[2:4], 1)
	binary.BigEndian.PutUint32(msg[4:8], uint32(int32(rfbproto.EncodingRaw)))
	client.Write(msg)

	// Give the read loop a moment to process; then confirm via a
	// FramebufferUpdateRequest that the session is still healthy.
	req := make([]byte, 10)
	req[0] = byte(rfbproto.MsgFramebufferUpdateRequest)
	binary.BigEndian.PutUint16(req[6:8], 8)
	binary.BigEndian.PutUint16(req[8:10], 8)
	client.Write(req)

	hdr := readExactly(t, client, 4)
	if hdr[0] != byte(rfbproto.SMsgFramebufferUpdate) {
		t.Fatalf("message type = %d, want FramebufferUpdate", hdr[0])
	}
	if sess.State() != StateReady {
		t.Fatalf("session state = %v, want ready", sess.State())
	}
}
