// Package rfbproto holds the wire-level constants and struct layouts of the
// RFB protocol: security types, client/server message codes, encoding
// numbers, and the fixed-size pixel format record. Everything here is a
// direct transcription of RFC 6143 plus the vendor extensions this server
// supports; no behavior lives in this package.
package rfbproto

// VersionBanner is sent by the server immediately after accept.
const VersionBanner = "RFB 003.008\n"

// ProtocolVersion identifies which version string a client presented.
type ProtocolVersion int

const (
	VersionUnknown ProtocolVersion = iota
	Version3_3
	Version3_7
	Version3_8
)

// SecurityType enumerates the one-byte security type codes on the wire.
type SecurityType uint8

const (
	SecurityInvalid   SecurityType = 0
	SecurityNone      SecurityType = 1
	SecurityVNCAuth   SecurityType = 2
	SecurityTight     SecurityType = 16
	SecurityAppleDH   SecurityType = 30
	SecurityVeNCrypt  SecurityType = 19
	SecurityNoneRSAAES SecurityType = 129 // vendor slot used when RSA-AES wraps "none" auth
)

// SecurityResult is the 4-byte big-endian result word that ends the
// security handshake.
type SecurityResult uint32

const (
	SecurityResultOK     SecurityResult = 0
	SecurityResultFailed SecurityResult = 1
)

// VeNCrypt subtypes.
const (
	VeNCryptMajor = 0
	VeNCryptMinor = 2

	VeNCryptSubtypePlain     uint32 = 256
	VeNCryptSubtypeX509Plain uint32 = 260
)

// ClientMessageType is the first byte of every steady-state client-to-server
// message.
type ClientMessageType uint8

const (
	MsgSetPixelFormat           ClientMessageType = 0
	MsgSetEncodings             ClientMessageType = 2
	MsgFramebufferUpdateRequest ClientMessageType = 3
	MsgKeyEvent                 ClientMessageType = 4
	MsgPointerEvent             ClientMessageType = 5
	MsgClientCutText            ClientMessageType = 6

	// Vendor / extension messages.
	MsgEnableContinuousUpdates ClientMessageType = 150
	MsgFence                   ClientMessageType = 248
	MsgSetDesktopSize          ClientMessageType = 251
	MsgQEMUExtendedKeyEvent    ClientMessageType = 255 // QEMU vendor subtype 0 carried in first payload byte
)

// ServerMessageType is the first byte of every steady-state server-to-client
// message.
type ServerMessageType uint8

const (
	SMsgFramebufferUpdate ServerMessageType = 0
	SMsgSetColourMapEntry ServerMessageType = 1
	SMsgBell              ServerMessageType = 2
	SMsgServerCutText     ServerMessageType = 3
	SMsgEndOfContinuous   ServerMessageType = 150
	SMsgFence             ServerMessageType = 248
)

// Encoding numbers, including pseudo-encodings used purely as capability
// negotiation (they never appear as a rectangle's on-wire encoding except
// where noted).
type Encoding int32

const (
	EncodingRaw     Encoding = 0
	EncodingCopyRect Encoding = 1
	EncodingRRE     Encoding = 2
	EncodingHextile Encoding = 5
	EncodingTight   Encoding = 7
	EncodingZRLE    Encoding = 16
	EncodingOpenH264 Encoding = 50

	EncodingCursor           Encoding = -239
	EncodingDesktopSize      Encoding = -223
	EncodingExtendedDesktopSize Encoding = -308
	EncodingLastRect         Encoding = -224
	EncodingContinuousUpdates Encoding = -313
	EncodingFence            Encoding = -312
	EncodingExtendedClipboard Encoding = -1088
	EncodingQEMUExtendedKeyEvent Encoding = -258
	EncodingQEMULedState     Encoding = -261
)

// FenceFlags are carried in the Fence message's 32-bit flags field. The
// Request bit distinguishes a fence one side initiated from the other
// side's response; a responder echoes the payload with Request cleared and
// only the flags it honours.
const (
	FenceFlagBlockBefore uint32 = 1 << 0
	FenceFlagBlockAfter  uint32 = 1 << 1
	FenceFlagSyncNext    uint32 = 1 << 2
	FenceFlagRequest     uint32 = 1 << 31
)

// ExtendedDesktopSize status codes, carried in the rectangle's y-position
// when the rectangle acknowledges a SetDesktopSize request.
const (
	DesktopSizeStatusOK            uint32 = 0
	DesktopSizeStatusProhibited    uint32 = 1
	DesktopSizeStatusOutOfResources uint32 = 2
	DesktopSizeStatusInvalidLayout uint32 = 3
)

// ExtendedClipboard capability bits (bitmask carried in caps word).
const (
	ClipboardCapText  uint32 = 1 << 0
	ClipboardCapRTF   uint32 = 1 << 1
	ClipboardCapHTML  uint32 = 1 << 2
	ClipboardCapDIB   uint32 = 1 << 3
	ClipboardCapFiles uint32 = 1 << 4

	ClipboardActionCaps     uint32 = 1 << 24
	ClipboardActionRequest  uint32 = 1 << 25
	ClipboardActionPeek     uint32 = 1 << 26
	ClipboardActionNotify   uint32 = 1 << 27
	ClipboardActionProvide  uint32 = 1 << 28
)

// PixelFormat is the exact 16-byte on-wire pixel format record (§3, §6).
type PixelFormat struct {
	BitsPerPixel   uint8
	Depth          uint8
	BigEndianFlag  uint8
	TrueColourFlag uint8
	RedMax         uint16
	GreenMax       uint16
	BlueMax        uint16
	RedShift       uint8
	GreenShift     uint8
	BlueShift      uint8
	_              [3]uint8 // padding
}

// WireSize is the fixed marshaled size of a PixelFormat.
const WireSize = 16

// Marshal writes the pixel format in its 16-byte wire layout.
func (f PixelFormat) Marshal() []byte {
	b := make([]byte, WireSize)
	b[0] = f.BitsPerPixel
	b[1] = f.Depth
	b[2] = f.BigEndianFlag
	b[3] = f.TrueColourFlag
	b[4] = byte(f.RedMax >> 8)
	b[5] = byte(f.RedMax)
	b[6] = byte(f.GreenMax >> 8)
	b[7] = byte(f.GreenMax)
	b[8] = byte(f.BlueMax >> 8)
	b[9] = byte(f.BlueMax)
	b[10] = f.RedShift
	b[11] = f.GreenShift
	b[12] = f.BlueShift
	return b
}

// UnmarshalPixelFormat parses a 16-byte wire pixel format.
func UnmarshalPixelFormat(b []byte) PixelFormat {
	_ = b[15]
	return PixelFormat{
		BitsPerPixel:   b[0],
		Depth:          b[1],
		BigEndianFlag:  b[2],
		TrueColourFlag: b[3],
		RedMax:         uint16(b[4])<<8 | uint16(b[5]),
		GreenMax:       uint16(b[6])<<8 | uint16(b[7]),
		BlueMax:        uint16(b[8])<<8 | uint16(b[9]),
		RedShift:       b[10],
		GreenShift:     b[11],
		BlueShift:      b[12],
	}
}
