package rfbsession

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/gorfb/gorfbd/internal/rfbproto"
	"github.com/gorfb/gorfbd/internal/vnccrypto"
)

// stepVersion consumes the client's 12-byte "RFB xxx.yyy\n" banner and
// replies with the security-type list, or a version-rejection failure for
// anything this server doesn't understand.
func (s *Session) stepVersion(buf []byte) (int, error) {
	if len(buf) < 12 {
		return 0, nil
	}
	banner := string(buf[:12])
	switch banner {
	case "RFB 003.003\n":
		s.version = rfbproto.Version3_3
	case "RFB 003.007\n":
		s.version = rfbproto.Version3_7
	case "RFB 003.008\n":
		s.version = rfbproto.Version3_8
	default:
		s.sendVersionRejection("unsupported protocol version")
		return 12, nil
	}

	types := s.buildSecurityTypes()
	if len(types) == 0 {
		s.sendVersionRejection("no security types configured")
		return 12, nil
	}

	if s.version == rfbproto.Version3_3 {
		// RFC 6143 §7.1.1: 3.3 clients never pick a security type
		// themselves. The server commits to one unilaterally, as a single
		// 4-byte big-endian value, and the handshake proceeds straight
		// into that type's exchange with no SecurityChoice byte to read.
		chosen := types[0]
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], uint32(chosen))
		s.stream.Send(out[:], nil)
		if err := s.enterSecurity(chosen); err != nil {
			return 0, err
		}
		return 12, nil
	}

	out := make([]byte, 1+len(types))
	out[0] = byte(len(types))
	for i, t := range types {
		out[1+i] = byte(t)
	}
	s.stream.Send(out, nil)
	s.setState(StateSecurityChoice)
	return 12, nil
}

// sendVersionRejection writes the zero-count-then-reason failure format
// and closes the stream once it has been flushed.
func (s *Session) sendVersionRejection(reason string) {
	out := []byte{0}
	var lenHdr [4]byte
	binary.BigEndian.PutUint32(lenHdr[:], uint32(len(reason)))
	out = append(out, lenHdr[:]...)
	out = append(out, reason...)
	s.emitEvent("auth_failure", reason)
	s.stream.SendThenClose(out)
}

// buildSecurityTypes returns the ordered list of security type bytes this
// session offers, per its SecurityConfig.
func (s *Session) buildSecurityTypes() []rfbproto.SecurityType {
	var types []rfbproto.SecurityType
	sec := s.cfg.Security
	if sec.EnableVNCAuth {
		types = append(types, rfbproto.SecurityVNCAuth)
	}
	if sec.EnableVeNCrypt {
		types = append(types, rfbproto.SecurityVeNCrypt)
	}
	if sec.EnableAppleDH {
		types = append(types, rfbproto.SecurityAppleDH)
	}
	if sec.EnableRSAAES {
		types = append(types, rfbproto.SecurityNoneRSAAES)
	}
	if sec.EnableNone {
		types = append(types, rfbproto.SecurityNone)
	}
	return types
}

func (s *Session) stepSecurityChoice(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, nil
	}
	chosen := rfbproto.SecurityType(buf[0])
	if err := s.enterSecurity(chosen); err != nil {
		return 0, err
	}
	return 1, nil
}

// enterSecurity runs the side effects of committing to one security type:
// sending whatever comes next in that variant's exchange and advancing the
// state machine. Shared by stepSecurityChoice (3.7/3.8, client picks) and
// the 3.3 path in stepVersion (server picks unilaterally).
func (s *Session) enterSecurity(chosen rfbproto.SecurityType) error {
	sec := s.cfg.Security

	switch chosen {
	case rfbproto.SecurityNone:
		if !sec.EnableNone {
			return fmt.Errorf("rfbsession: security type %d not offered", chosen)
		}
		s.securitySucceeded("none")
	case rfbproto.SecurityVNCAuth:
		if !sec.EnableVNCAuth {
			return fmt.Errorf("rfbsession: security type %d not offered", chosen)
		}
		challenge, err := vnccrypto.RandomChallenge(16)
		if err != nil {
			return fmt.Errorf("rfbsession: generating vnc-auth challenge: %w", err)
		}
		copy(s.vncChallenge[:], challenge)
		s.stream.Send(challenge, nil)
		s.setState(StateVNCAuthResponse)
	case rfbproto.SecurityVeNCrypt:
		if !sec.EnableVeNCrypt {
			return fmt.Errorf("rfbsession: security type %d not offered", chosen)
		}
		s.stream.Send([]byte{rfbproto.VeNCryptMajor, rfbproto.VeNCryptMinor}, nil)
		s.setState(StateVencryptVersion)
	case rfbproto.SecurityAppleDH:
		if !sec.EnableAppleDH {
			return fmt.Errorf("rfbsession: security type %d not offered", chosen)
		}
		kp, err := vnccrypto.GenerateDHKeyPair()
		if err != nil {
			return fmt.Errorf("rfbsession: generating apple-dh keypair: %w", err)
		}
		s.dhKeyPair = kp
		out := make([]byte, 0, 4+2*vnccrypto.AppleDHKeySize)
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(kp.Generator))
		binary.BigEndian.PutUint16(hdr[2:4], uint16(vnccrypto.AppleDHKeySize*8))
		out = append(out, hdr[:]...)
		out = append(out, vnccrypto.FixedWidthBytes(kp.Modulus, vnccrypto.AppleDHKeySize)...)
		out = append(out, vnccrypto.FixedWidthBytes(kp.Public, vnccrypto.AppleDHKeySize)...)
		s.stream.Send(out, nil)
		s.setState(StateAppleDHResponse)
	case rfbproto.SecurityNoneRSAAES:
		if !sec.EnableRSAAES {
			return fmt.Errorf("rfbsession: security type %d not offered", chosen)
		}
		if err := s.sendRSAAESServerKey(); err != nil {
			return err
		}
		s.setState(StateRSAAESClientKey)
	default:
		return fmt.Errorf("rfbsession: unknown security type %d", chosen)
	}
	return nil
}

// securitySucceeded writes the 4-byte OK result and advances to ClientInit.
func (s *Session) securitySucceeded(method string) {
	s.emitEvent("auth_success", method)
	var ok [4]byte
	binary.BigEndian.PutUint32(ok[:], uint32(rfbproto.SecurityResultOK))
	s.stream.Send(ok[:], nil)
	s.setState(StateClientInit)
}

func (s *Session) securityFailed(method, reason string) {
	s.emitEvent("auth_failure", method+": "+reason)
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(rfbproto.SecurityResultFailed))
	if s.version == rfbproto.Version3_8 {
		var lenHdr [4]byte
		binary.BigEndian.PutUint32(lenHdr[:], uint32(len(reason)))
		out = append(out, lenHdr[:]...)
		out = append(out, reason...)
	}
	s.stream.SendThenClose(out)
}

func (s *Session) stepVNCAuthResponse(buf []byte) (int, error) {
	if len(buf) < 16 {
		return 0, nil
	}
	var response [16]byte
	copy(response[:], buf[:16])
	expected := vnccrypto.VNCAuthResponse(s.vncChallenge, s.cfg.Security.VNCPassword)
	if response != expected {
		s.securityFailed("vnc-auth", "authentication failed")
		return 16, nil
	}
	s.securitySucceeded("vnc-auth")
	return 16, nil
}

func (s *Session) stepVencryptVersion(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, nil
	}
	if buf[0] == 0 {
		// Client rejected our offered VeNCrypt version.
		s.securityFailed("vencrypt", "client rejected VeNCrypt version")
		return 1, nil
	}
	subtypes := []uint32{rfbproto.VeNCryptSubtypeX509Plain}
	out := []byte{byte(len(subtypes))}
	for _, t := range subtypes {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], t)
		out = append(out, b[:]...)
	}
	s.stream.Send(out, nil)
	s.setState(StateVencryptSubtype)
	return 1, nil
}

func (s *Session) stepVencryptSubtype(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, nil
	}
	// X509Plain is the only subtype advertised: credentials never cross
	// the wire outside the TLS session it upgrades to.
	subtype := binary.BigEndian.Uint32(buf[:4])
	if subtype != rfbproto.VeNCryptSubtypeX509Plain {
		return 0, fmt.Errorf("rfbsession: unsupported vencrypt subtype %d", subtype)
	}
	if s.cfg.Security.TLSConfig == nil {
		return 0, fmt.Errorf("rfbsession: vencrypt x509 chosen but no TLS config configured")
	}
	if err := s.stream.UpgradeToTLS(s.cfg.Security.TLSConfig); err != nil {
		return 0, fmt.Errorf("rfbsession: vencrypt tls upgrade: %w", err)
	}
	s.vencryptSecure = true
	s.setState(StateVencryptPlainAuth)
	return 4, nil
}

func (s *Session) stepVencryptPlainAuth(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, nil
	}
	ulen := binary.BigEndian.Uint32(buf[0:4])
	plen := binary.BigEndian.Uint32(buf[4:8])
	need := 8 + int(ulen) + int(plen)
	if len(buf) < need {
		return 0, nil
	}
	username := string(buf[8 : 8+ulen])
	password := string(buf[8+int(ulen) : 8+int(ulen)+int(plen)])

	ok := true
	if s.cfg.Security.PlainAuth != nil {
		ok = s.cfg.Security.PlainAuth(username, password)
	}
	if !ok {
		s.securityFailed("vencrypt-plain", "invalid credentials")
		return need, nil
	}
	s.securitySucceeded("vencrypt-plain")
	return need, nil
}

func (s *Session) stepAppleDHResponse(buf []byte) (int, error) {
	need := vnccrypto.AppleDHKeySize + 128
	if len(buf) < need {
		return 0, nil
	}
	peerPublic := new(big.Int).SetBytes(buf[:vnccrypto.AppleDHKeySize])
	shared := s.dhKeyPair.SharedSecret(peerPublic)
	aesKey := vnccrypto.AppleDHDeriveAESKey(shared)

	var block [128]byte
	copy(block[:], buf[vnccrypto.AppleDHKeySize:vnccrypto.AppleDHKeySize+128])
	username, password := vnccrypto.AppleDHDecryptCredentials(aesKey, block)

	ok := true
	if s.cfg.Security.AppleDHAuth != nil {
		ok = s.cfg.Security.AppleDHAuth(username, password)
	}
	if !ok {
		s.securityFailed("apple-dh", "invalid credentials")
		return need, nil
	}
	s.securitySucceeded("apple-dh")
	return need, nil
}

// sendRSAAESServerKey writes this server's RSA public key on the wire:
// modulus bit length, then modulus and exponent bytes, each padded to the
// modulus byte width.
func (s *Session) sendRSAAESServerKey() error {
	priv := s.cfg.Security.RSAPrivateKey
	if priv == nil {
		return fmt.Errorf("rfbsession: rsa-aes enabled but no private key configured")
	}
	wire := vnccrypto.MarshalRSAPublicKey(&priv.PublicKey)
	out := make([]byte, 0, 2+len(wire.Modulus)+len(wire.Exponent))
	var bitLen [2]byte
	binary.BigEndian.PutUint16(bitLen[:], uint16(wire.BitLength))
	out = append(out, bitLen[:]...)
	out = append(out, wire.Modulus...)
	out = append(out, wire.Exponent...)
	s.stream.Send(out, nil)
	return nil
}

func (s *Session) stepRSAAESClientKey(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, nil
	}
	bitLen := int(binary.BigEndian.Uint16(buf[:2]))
	n := (bitLen + 7) / 8
	need := 2 + 2*n
	if len(buf) < need {
		return 0, nil
	}
	modulus := new(big.Int).SetBytes(buf[2 : 2+n])
	exponent := new(big.Int).SetBytes(buf[2+n : 2+2*n])
	s.rsaClientPub = &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}

	random, err := vnccrypto.RandomChallenge(int(s.cfg.Security.RSAAESKeyLength))
	if err != nil {
		return 0, fmt.Errorf("rfbsession: generating rsa-aes server random: %w", err)
	}
	s.serverRandom = random
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, s.rsaClientPub, random)
	if err != nil {
		return 0, fmt.Errorf("rfbsession: rsa-encrypting server random: %w", err)
	}
	s.stream.Send(lengthPrefixed(encrypted), nil)
	s.setState(StateRSAAESClientChallenge)
	return need, nil
}

func (s *Session) stepRSAAESClientChallenge(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, nil
	}
	length := int(binary.BigEndian.Uint16(buf[:2]))
	need := 2 + length
	if len(buf) < need {
		return 0, nil
	}
	plain, err := rsa.DecryptPKCS1v15(nil, s.cfg.Security.RSAPrivateKey, buf[2:need])
	if err != nil {
		return 0, fmt.Errorf("rfbsession: rsa-decrypting client random: %w", err)
	}
	s.clientRandom = plain

	keyLen := s.cfg.Security.RSAAESKeyLength
	serverToClient, clientToServer := vnccrypto.DeriveRSAAESSessionKeys(s.serverRandom, s.clientRandom, keyLen)
	// The server's encrypt key is hash(clientRandom||serverRandom), its
	// decrypt key hash(serverRandom||clientRandom) — opposite of how the two
	// derived values are named above.
	encCipher, err := vnccrypto.NewEAXCipher(clientToServer)
	if err != nil {
		return 0, fmt.Errorf("rfbsession: building server-to-client cipher: %w", err)
	}
	decCipher, err := vnccrypto.NewEAXCipher(serverToClient)
	if err != nil {
		return 0, fmt.Errorf("rfbsession: building client-to-server cipher: %w", err)
	}
	s.rsaEnc = encCipher
	s.rsaDec = decCipher

	ourHash := vnccrypto.RSAAESKeyConfirmationHash(keyLen, &s.cfg.Security.RSAPrivateKey.PublicKey, s.rsaClientPub)
	s.stream.Send(ourHash, nil)
	s.setState(StateRSAAESClientHash)
	return need, nil
}

func (s *Session) stepRSAAESClientHash(buf []byte) (int, error) {
	keyLen := s.cfg.Security.RSAAESKeyLength
	hashSize := vnccrypto.RSAAESHashSize(keyLen)
	if len(buf) < hashSize {
		return 0, nil
	}
	wantFromClient := vnccrypto.RSAAESKeyConfirmationHash(keyLen, s.rsaClientPub, &s.cfg.Security.RSAPrivateKey.PublicKey)
	if !bytes.Equal(buf[:hashSize], wantFromClient) {
		s.securityFailed("rsa-aes", "key confirmation mismatch")
		return hashSize, nil
	}
	if err := s.stream.UpgradeToRSAAES(s.rsaEnc, s.rsaDec); err != nil {
		return 0, fmt.Errorf("rfbsession: upgrading to rsa-aes framing: %w", err)
	}
	s.vencryptSecure = true
	s.setState(StateRSAAESCredentials)
	return hashSize, nil
}

func (s *Session) stepRSAAESCredentials(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, nil
	}
	// subtype byte: 0 = no credentials expected beyond the encrypted
	// channel itself, 1 = username+password follow.
	subtype := buf[0]
	if subtype == 0 {
		s.securitySucceeded("rsa-aes")
		return 1, nil
	}
	if len(buf) < 2 {
		return 0, nil
	}
	ulen := int(buf[1])
	if len(buf) < 2+ulen+1 {
		return 0, nil
	}
	plen := int(buf[2+ulen])
	need := 2 + ulen + 1 + plen
	if len(buf) < need {
		return 0, nil
	}
	username := string(buf[2 : 2+ulen])
	password := string(buf[3+ulen : 3+ulen+plen])

	ok := true
	if s.cfg.Security.RSAAESAuth != nil {
		ok = s.cfg.Security.RSAAESAuth(username, password)
	}
	if !ok {
		s.securityFailed("rsa-aes", "invalid credentials")
		return need, nil
	}
	s.securitySucceeded("rsa-aes")
	return need, nil
}

func lengthPrefixed(payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	copy(out[2:], payload)
	return out
}
