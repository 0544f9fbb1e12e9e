// Package rfbserver assembles the pieces into a running service: it owns
// the named Displays, refines their submitted damage through per-display
// Damage Refineries, folds the result into one Composite FB, and fans the
// resulting damage out to every live client Session. It also satisfies
// internal/control's ClientLister and DisplayManager interfaces so the
// admin HTTP surface can list and hot add/remove displays without
// reaching into session or display internals itself.
package rfbserver

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/gorfb/gorfbd/internal/compositor"
	"github.com/gorfb/gorfbd/internal/control"
	"github.com/gorfb/gorfbd/internal/damage"
	"github.com/gorfb/gorfbd/internal/display"
	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/region"
	"github.com/gorfb/gorfbd/internal/rfblog"
	"github.com/gorfb/gorfbd/internal/rfbsession"
	"github.com/gorfb/gorfbd/internal/stream"
)

// Config bundles everything a Server needs to build each accepted
// connection's Session.
type Config struct {
	Security rfbsession.SecurityConfig
	Handler  rfbsession.InputHandler
	// NewEncoders builds a fresh EncoderSet for each accepted connection.
	// ZRLE and Tight hold a persistent per-client zlib stream (the real
	// protocol's single long-lived compression context), so encoders must
	// never be shared across sessions; a nil NewEncoders falls back to a
	// Raw-only EncoderSet. See internal/encoder.ZRLE's doc comment.
	NewEncoders    func() rfbsession.EncoderSet
	DefaultQuality int
	ServerName     string
	InitialWidth   int
	InitialHeight  int
	Logger         *rfblog.Logger
	OnEvent        func(kind, detail string)
}

// Server is the top-level runtime object: display registry, client
// registry, and the shared frame pipeline every Session pulls from.
type Server struct {
	cfg Config

	mu        sync.Mutex
	displays  map[string]*display.Display
	order     []string // display names in placement order, oldest first
	refinery  map[string]*damage.Refinery
	lastShape map[string][2]int
	sessions  map[string]*rfbsession.Session

	compositor  *compositor.Compositor
	composite   *fb.Composite
	compositeOK bool

	cursorBuf  *fb.Framebuffer
	cursorHotX int
	cursorHotY int
	cursorSeq  uint32
}

// New creates an empty Server. Displays are added with AddDisplay before
// or after Serve is called; either order is safe.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = rfblog.Default()
	}
	if cfg.InitialWidth == 0 {
		cfg.InitialWidth = 800
	}
	if cfg.InitialHeight == 0 {
		cfg.InitialHeight = 600
	}
	return &Server{
		cfg:        cfg,
		displays:   make(map[string]*display.Display),
		refinery:   make(map[string]*damage.Refinery),
		lastShape:  make(map[string][2]int),
		sessions:   make(map[string]*rfbsession.Session),
		compositor: compositor.New(nil),
	}
}

// AddDisplay creates and registers a new named Display (control.DisplayManager).
func (s *Server) AddDisplay(name string, width, height int) error {
	s.mu.Lock()
	if _, exists := s.displays[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("rfbserver: display %q already exists", name)
	}
	d := display.New(name, 0, 0)
	s.displays[name] = d
	s.order = append(s.order, name)
	s.refinery[name] = damage.New(width, height)
	s.lastShape[name] = [2]int{width, height}
	s.compositeOK = false
	s.mu.Unlock()

	d.OnSubmit(func(d *display.Display) { s.onDisplaySubmit(d) })
	d.OnCursorSet(func(d *display.Display) { s.onCursorSet(d) })
	s.cfg.Logger.Info("rfbserver: display added", "name", name, "width", width, "height", height)
	return nil
}

// RemoveDisplay unregisters and closes a display (control.DisplayManager).
func (s *Server) RemoveDisplay(name string) error {
	s.mu.Lock()
	d, ok := s.displays[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("rfbserver: display %q not found", name)
	}
	delete(s.displays, name)
	delete(s.refinery, name)
	delete(s.lastShape, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.compositeOK = false
	sessions := s.sessionListLocked()
	s.mu.Unlock()

	d.Close()
	for _, sess := range sessions {
		sess.NotifyDamage(region.New())
	}
	return nil
}

// ListDisplays returns registered display names (control.DisplayManager).
func (s *Server) ListDisplays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Display returns a registered Display by name so a producer (e.g.
// cmd/gorfbd's synthetic pattern generator) can Submit frames into it.
func (s *Server) Display(name string) (*display.Display, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.displays[name]
	return d, ok
}

// onDisplaySubmit runs the Damage Refinery over the display's newly
// submitted hint region, folds the refined damage into composite-wide
// coordinates, invalidates the cached Composite FB, and notifies every
// live session.
func (s *Server) onDisplaySubmit(d *display.Display) {
	placed, ok := d.Placement()
	if !ok {
		return
	}
	defer placed.FB.Unref()

	hint := d.TakeDamage()

	s.mu.Lock()
	shape, tracked := s.lastShape[d.Name]
	refinery := s.refinery[d.Name]
	if refinery == nil {
		refinery = damage.New(placed.FB.Width, placed.FB.Height)
		s.refinery[d.Name] = refinery
	} else if !tracked || shape[0] != placed.FB.Width || shape[1] != placed.FB.Height {
		refinery.Resize(placed.FB.Width, placed.FB.Height)
	}
	s.lastShape[d.Name] = [2]int{placed.FB.Width, placed.FB.Height}
	s.compositeOK = false
	sessions := s.sessionListLocked()
	s.mu.Unlock()

	refined := refinery.Refine(hint, placed.FB)
	if refined.Empty() {
		return
	}

	offset := region.New()
	for _, r := range refined.Rects() {
		offset.Add(region.Rect{X: r.X + placed.XOff, Y: r.Y + placed.YOff, W: r.W, H: r.H})
	}
	for _, sess := range sessions {
		sess.NotifyDamage(offset)
	}
}

// Composite rebuilds (if stale) and returns the Composite FB every Session
// encodes against (rfbsession.FrameSource). The raw per-display merge is
// run through the Compositor before being cached: the
// common case of axis-aligned, untransformed displays takes its fast path
// and the result is exactly the raw merge; a display submitted with a
// scale or rotation transform takes the slow path and is actually resampled
// onto a single pooled output buffer.
func (s *Server) Composite() (*fb.Composite, bool) {
	s.mu.Lock()
	if s.compositeOK && s.composite != nil {
		c := s.composite
		s.mu.Unlock()
		return c, true
	}
	names := append([]string(nil), s.order...)
	displays := make([]*display.Display, 0, len(names))
	for _, n := range names {
		displays = append(displays, s.displays[n])
	}
	s.mu.Unlock()

	members := make([]fb.Placed, 0, len(displays))
	for _, d := range displays {
		if placed, ok := d.Placement(); ok {
			members = append(members, placed)
		}
	}
	if len(members) == 0 {
		return nil, false
	}
	raw, err := fb.NewComposite(members)
	if err != nil {
		s.cfg.Logger.Warning("rfbserver: composite rebuild failed", "error", err)
		for _, m := range members {
			m.FB.Unref()
		}
		return nil, false
	}

	full := region.New()
	full.Add(region.Rect{X: 0, Y: 0, W: raw.Width, H: raw.Height})

	type outcome struct {
		out *fb.Framebuffer
		dmg *region.Region
	}
	done := make(chan outcome, 1)
	s.compositor.Submit(raw, full, func(out *fb.Framebuffer, dmg *region.Region) {
		done <- outcome{out, dmg}
	})
	result := <-done

	for _, m := range members {
		m.FB.Unref()
	}

	composite, err := fb.NewComposite([]fb.Placed{{FB: result.out, XOff: 0, YOff: 0}})
	if err != nil {
		s.cfg.Logger.Warning("rfbserver: composited output rebuild failed", "error", err)
		result.out.Unref()
		return nil, false
	}

	s.mu.Lock()
	old := s.composite
	s.composite = composite
	s.compositeOK = true
	s.mu.Unlock()
	if old != nil {
		for _, m := range old.Members {
			m.FB.Unref()
		}
	}
	return composite, true
}

// Cursor returns the most recently updated cursor across every display
// (rfbsession.FrameSource). Every client sees one shared cursor image;
// multi-seat cursor routing is out of scope.
func (s *Server) Cursor() (buf *fb.Framebuffer, hotX, hotY int, seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursorBuf, s.cursorHotX, s.cursorHotY, s.cursorSeq
}

// onCursorSet adopts a display's newly set cursor as the server-wide
// cursor. Producers call Display.SetCursor; whichever display's cursor
// changed most recently wins.
func (s *Server) onCursorSet(d *display.Display) {
	buf, hotX, hotY, _ := d.Cursor()
	if buf != nil {
		buf = buf.Ref()
	}

	s.mu.Lock()
	old := s.cursorBuf
	s.cursorBuf = buf
	s.cursorHotX = hotX
	s.cursorHotY = hotY
	s.cursorSeq++
	sessions := s.sessionListLocked()
	s.mu.Unlock()

	if old != nil {
		old.Unref()
	}
	for _, sess := range sessions {
		sess.NotifyDamage(region.New())
	}
}

// Serve accepts connections from ln until it returns an error (listener
// closed), spawning one goroutine per accepted connection.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn wraps one accepted connection in a Stream, sniffing the
// leading bytes to tell a browser's WebSocket upgrade request (starts with
// "GET ") apart from a native RFB client's version banner exchange, and
// upgrading the transport accordingly before the Session ever sees it.
func (s *Server) handleConn(conn net.Conn) {
	st := stream.New(conn)
	br := bufio.NewReader(conn)
	if peeked, err := br.Peek(4); err == nil && string(peeked) == "GET " {
		if err := st.UpgradeToWebSocket(br); err != nil {
			s.cfg.Logger.Warning("rfbserver: websocket upgrade failed", "error", err)
			conn.Close()
			return
		}
	} else {
		st.UseBufferedReader(br)
	}

	var encoders rfbsession.EncoderSet
	if s.cfg.NewEncoders != nil {
		encoders = s.cfg.NewEncoders()
	}

	sess := rfbsession.New(st, rfbsession.Config{
		Security:       s.cfg.Security,
		Handler:        s.cfg.Handler,
		Source:         s,
		Encoders:       encoders,
		DefaultQuality: s.cfg.DefaultQuality,
		OnEvent:        s.cfg.OnEvent,
		Logger:         s.cfg.Logger,
		ServerName:     s.cfg.ServerName,
		InitialWidth:   s.cfg.InitialWidth,
		InitialHeight:  s.cfg.InitialHeight,
	})

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	sess.Start()

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
}

// ListClients reports every live session (control.ClientLister).
func (s *Server) ListClients() []control.ClientInfo {
	s.mu.Lock()
	sessions := s.sessionListLocked()
	s.mu.Unlock()

	out := make([]control.ClientInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, control.ClientInfo{
			ID:         sess.ID,
			RemoteAddr: sess.RemoteAddr(),
			State:      sess.State().String(),
		})
	}
	return out
}

// sessionListLocked snapshots the session map. Callers must hold s.mu.
func (s *Server) sessionListLocked() []*rfbsession.Session {
	out := make([]*rfbsession.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Close tears down every session and display.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := s.sessionListLocked()
	displays := make([]*display.Display, 0, len(s.displays))
	for _, d := range s.displays {
		displays = append(displays, d)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	for _, d := range displays {
		d.Close()
	}
	s.compositor.Close()
}

var _ control.ClientLister = (*Server)(nil)
var _ control.DisplayManager = (*Server)(nil)
var _ rfbsession.FrameSource = (*Server)(nil)
