// Package rfbsession implements the per-connection RFB state machine:
// version and security negotiation (every supported variant), steady-state
// message dispatch, and the damage-driven update scheduler. A Session owns
// exactly one Stream and knows nothing about sibling sessions or how
// displays are composited; internal/rfbserver wires N sessions to one
// shared frame pipeline.
package rfbsession

import (
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gorfb/gorfbd/internal/bandwidth"
	"github.com/gorfb/gorfbd/internal/encoder"
	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/pixelfmt"
	"github.com/gorfb/gorfbd/internal/region"
	"github.com/gorfb/gorfbd/internal/rfblog"
	"github.com/gorfb/gorfbd/internal/rfbproto"
	"github.com/gorfb/gorfbd/internal/stream"
	"github.com/gorfb/gorfbd/internal/vnccrypto"
)

// State enumerates the Session's handshake and steady-state phases.
type State int

const (
	StateVersion State = iota
	StateSecurityChoice
	StateVencryptVersion
	StateVencryptSubtype
	StateVencryptPlainAuth
	StateVNCAuthResponse
	StateAppleDHResponse
	StateRSAAESClientKey
	StateRSAAESClientChallenge
	StateRSAAESClientHash
	StateRSAAESCredentials
	StateClientInit
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateVersion:
		return "version"
	case StateSecurityChoice:
		return "security-choice"
	case StateVencryptVersion:
		return "vencrypt-version"
	case StateVencryptSubtype:
		return "vencrypt-subtype"
	case StateVencryptPlainAuth:
		return "vencrypt-plain-auth"
	case StateVNCAuthResponse:
		return "vnc-auth-response"
	case StateAppleDHResponse:
		return "apple-dh-response"
	case StateRSAAESClientKey:
		return "rsa-aes-client-key"
	case StateRSAAESClientChallenge:
		return "rsa-aes-client-challenge"
	case StateRSAAESClientHash:
		return "rsa-aes-client-hash"
	case StateRSAAESCredentials:
		return "rsa-aes-credentials"
	case StateClientInit:
		return "client-init"
	case StateReady:
		return "ready"
	default:
		return "closed"
	}
}

// SecurityConfig selects which RFB security types a Session offers and the
// credentials/predicates each one is checked against.
type SecurityConfig struct {
	EnableNone bool

	EnableVNCAuth bool
	VNCPassword   string

	EnableVeNCrypt bool
	TLSConfig      *tls.Config
	PlainAuth      func(username, password string) bool

	EnableAppleDH bool
	AppleDHAuth   func(username, password string) bool

	EnableRSAAES    bool
	RSAPrivateKey   *rsa.PrivateKey
	RSAAESKeyLength vnccrypto.RSAAESKeyLength
	RSAAESAuth      func(username, password string) bool // nil accepts any credentials
}

// InputHandler receives the steady-state client-to-server events a Session
// decodes: key, pointer, and clipboard input.
type InputHandler interface {
	KeyEvent(down bool, keysym uint32)
	PointerEvent(buttonMask uint8, x, y uint16)
	CutText(text string)
}

// LayoutHandler is optionally implemented by an InputHandler that wants
// SetDesktopSize requests. Returning false rejects the requested layout.
type LayoutHandler interface {
	DesktopSize(width, height int) bool
}

// FrameSource is how a Session pulls the latest composited frame and
// cursor image; internal/rfbserver.Server implements it so a Session never
// has to know about Displays or the Compositor directly.
type FrameSource interface {
	Composite() (*fb.Composite, bool)
	Cursor() (buf *fb.Framebuffer, hotX, hotY int, seq uint32)
}

// EncoderSet is the pool of encoders a Session chooses from once it knows
// the client's negotiated encoding list. Fields left nil are treated as
// unsupported.
type EncoderSet struct {
	Raw      *encoder.Raw
	ZRLE     *encoder.ZRLE
	Tight    *encoder.Tight
	OpenH264 *encoder.OpenH264
}

func (e EncoderSet) pick(encodings []rfbproto.Encoding) encoder.Encoder {
	for _, enc := range encodings {
		switch enc {
		case rfbproto.EncodingOpenH264:
			if e.OpenH264 != nil {
				return e.OpenH264
			}
		case rfbproto.EncodingTight:
			if e.Tight != nil {
				return e.Tight
			}
		case rfbproto.EncodingZRLE:
			if e.ZRLE != nil {
				return e.ZRLE
			}
		}
	}
	if e.Raw != nil {
		return e.Raw
	}
	return encoder.NewRaw()
}

// Config bundles everything a Session needs beyond the raw stream.
type Config struct {
	Security       SecurityConfig
	Handler        InputHandler
	Source         FrameSource
	Encoders       EncoderSet
	DefaultQuality int
	// OnEvent reports audit-worthy lifecycle events; kind matches
	// internal/audit.Kind values so callers can wire it straight through.
	OnEvent func(kind, detail string)
	Logger  *rfblog.Logger

	ServerName                string
	InitialWidth, InitialHeight int
}

// Session is one client's handshake + steady-state state machine.
type Session struct {
	ID     string
	stream *stream.Stream
	cfg    Config
	log    *rfblog.Logger

	mu    sync.Mutex
	state State
	rxbuf []byte

	version rfbproto.ProtocolVersion

	// security-handshake scratch state
	vncChallenge   [16]byte
	dhKeyPair      *vnccrypto.DHKeyPair
	rsaClientPub   *rsa.PublicKey
	serverRandom   []byte
	clientRandom   []byte
	rsaEnc         *vnccrypto.EAXCipher
	rsaDec         *vnccrypto.EAXCipher
	vencryptSecure bool

	// negotiated state
	format    pixelfmt.Format
	encodings []rfbproto.Encoding
	enc       encoder.Encoder
	quality   int

	// FramebufferUpdateRequest / damage bookkeeping
	updateRequested bool
	incremental     bool
	wantRegion      region.Rect
	owed            *region.Region
	continuous      bool
	cuRegion        region.Rect

	encodeInFlight bool
	lastCursorSeq  uint32

	bwEstimator   *bandwidth.Estimator
	inflightBytes int
	rttMinUs      int64
	fencePending  bool
	fenceSerial   uint32

	ledState     uint8
	ledStateSent bool

	closeOnce sync.Once
	closed    bool
}

// New creates a Session wrapping an accepted connection. Call Start to
// begin the handshake.
func New(conn *stream.Stream, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = rfblog.Default()
	}
	s := &Session{
		ID:          uuid.NewString(),
		stream:      conn,
		cfg:         cfg,
		log:         cfg.Logger,
		format:      pixelfmt.DefaultServerFormat,
		owed:        region.New(),
		bwEstimator: bandwidth.NewEstimator(),
		quality:     cfg.DefaultQuality,
	}
	conn.OnRemoteClosed(func() { s.Close() })
	return s
}

// Start sends the version banner and begins reading from the stream. The
// read loop runs on the calling goroutine; callers typically invoke Start
// in its own goroutine per accepted connection.
func (s *Session) Start() {
	s.mu.Lock()
	s.state = StateVersion
	s.mu.Unlock()

	s.emitEvent("connect", "")
	s.stream.Send([]byte(rfbproto.VersionBanner), nil)
	s.readLoop()
}

func (s *Session) emitEvent(kind, detail string) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(kind, detail)
	}
}

// RemoteAddr exposes the underlying transport's remote address.
func (s *Session) RemoteAddr() string {
	if addr := s.stream.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// State returns the session's current handshake/steady-state phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close idempotently tears the session down and releases its stream.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.emitEvent("disconnect", "")
		s.stream.Close()
	})
}

func (s *Session) fail(reason string) {
	s.log.Debug("rfbsession: closing", "id", s.ID, "reason", reason)
	s.Close()
}

// readLoop pulls bytes off the stream and feeds the state machine until the
// connection closes. A 64 KiB scratch buffer is reused across reads; rxbuf
// only grows when a handler declines to consume anything (needs more data).
func (s *Session) readLoop() {
	scratch := make([]byte, 64*1024)
	for {
		n, err := s.stream.Read(scratch)
		if err != nil {
			s.fail(fmt.Sprintf("read error: %v", err))
			return
		}
		if n == 0 {
			s.fail("remote closed")
			return
		}
		s.rxbuf = append(s.rxbuf, scratch[:n]...)
		for {
			s.mu.Lock()
			closed := s.state == StateClosed
			s.mu.Unlock()
			if closed {
				return
			}
			consumed, err := s.step(s.rxbuf)
			if err != nil {
				s.fail(err.Error())
				return
			}
			if consumed == 0 {
				break
			}
			s.rxbuf = s.rxbuf[consumed:]
		}
	}
}

// step dispatches to the handler for the current state. It returns
// consumed=0, err=nil when buf doesn't yet hold a full message.
func (s *Session) step(buf []byte) (int, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateVersion:
		return s.stepVersion(buf)
	case StateSecurityChoice:
		return s.stepSecurityChoice(buf)
	case StateVencryptVersion:
		return s.stepVencryptVersion(buf)
	case StateVencryptSubtype:
		return s.stepVencryptSubtype(buf)
	case StateVencryptPlainAuth:
		return s.stepVencryptPlainAuth(buf)
	case StateVNCAuthResponse:
		return s.stepVNCAuthResponse(buf)
	case StateAppleDHResponse:
		return s.stepAppleDHResponse(buf)
	case StateRSAAESClientKey:
		return s.stepRSAAESClientKey(buf)
	case StateRSAAESClientChallenge:
		return s.stepRSAAESClientChallenge(buf)
	case StateRSAAESClientHash:
		return s.stepRSAAESClientHash(buf)
	case StateRSAAESCredentials:
		return s.stepRSAAESCredentials(buf)
	case StateClientInit:
		return s.stepClientInit(buf)
	case StateReady:
		return s.stepMessage(buf)
	default:
		return 0, nil
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
