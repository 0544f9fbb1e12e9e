package vnccrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

// EAXCipher is an AES-EAX AEAD built from stdlib crypto/aes + crypto/cipher
// primitives (CTR + CMAC) — no EAX package exists in stdlib or the example
// corpus, so the composition itself is hand-rolled on top of those
// primitives, the standard way Go code builds non-stdlib AEAD modes.
type EAXCipher struct {
	block cipher.Block
	mac   *cmac
}

// NewEAXCipher builds an EAX instance for the given AES-128 or AES-256 key.
func NewEAXCipher(key []byte) (*EAXCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &EAXCipher{block: block, mac: newCMAC(block)}, nil
}

func (e *EAXCipher) omac(tweak byte, msg []byte) [16]byte {
	tagged := make([]byte, 16+len(msg))
	tagged[15] = tweak
	copy(tagged[16:], msg)
	return e.mac.sum(tagged)
}

// Seal encrypts plaintext and returns ciphertext||16-byte-tag, binding
// nonce and header (associated data) into the tag per EAX mode.
func (e *EAXCipher) Seal(nonce, header, plaintext []byte) []byte {
	n := e.omac(0, nonce)
	h := e.omac(1, header)

	ctr := cipher.NewCTR(e.block, n[:])
	ciphertext := make([]byte, len(plaintext))
	ctr.XORKeyStream(ciphertext, plaintext)

	c := e.omac(2, ciphertext)

	tag := xorBlock16(xorBlock16(n, h), c)
	out := make([]byte, 0, len(ciphertext)+16)
	out = append(out, ciphertext...)
	out = append(out, tag[:]...)
	return out
}

// Open verifies and decrypts a Seal-produced record. It returns an error if
// the MAC does not match.
func (e *EAXCipher) Open(nonce, header, sealed []byte) ([]byte, error) {
	if len(sealed) < 16 {
		return nil, fmt.Errorf("vnccrypto: eax record too short")
	}
	ciphertext := sealed[:len(sealed)-16]
	var gotTag [16]byte
	copy(gotTag[:], sealed[len(sealed)-16:])

	n := e.omac(0, nonce)
	h := e.omac(1, header)
	c := e.omac(2, ciphertext)
	wantTag := xorBlock16(xorBlock16(n, h), c)

	if gotTag != wantTag {
		return nil, fmt.Errorf("vnccrypto: eax tag mismatch")
	}

	ctr := cipher.NewCTR(e.block, n[:])
	plaintext := make([]byte, len(ciphertext))
	ctr.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// RSAPublicKeyWire is an RSA public key as it appears on the wire: size in
// bits, with modulus and exponent each taking ceil(bits/8) bytes.
type RSAPublicKeyWire struct {
	BitLength int
	Modulus   []byte
	Exponent  []byte
}

// MarshalRSAPublicKey renders a public key in its wire shape: a
// length-in-bits prefix, then modulus and exponent each exactly
// ceil(bits/8) bytes.
func MarshalRSAPublicKey(pub *rsa.PublicKey) RSAPublicKeyWire {
	bitLen := pub.N.BitLen()
	n := (bitLen + 7) / 8
	return RSAPublicKeyWire{
		BitLength: bitLen,
		Modulus:   FixedWidthBytes(pub.N, n),
		Exponent:  FixedWidthBytes(big.NewInt(int64(pub.E)), n),
	}
}

// RSAAESKeyLength is either 16 (AES-128) or 32 (AES-256), the two session
// key sizes the handshake can negotiate.
type RSAAESKeyLength int

const (
	RSAAESKey128 RSAAESKeyLength = 16
	RSAAESKey256 RSAAESKeyLength = 32
)

// DeriveRSAAESSessionKeys computes the two session keys the handshake
// exchanges: serverToClient = hash(serverRandom||clientRandom) and
// clientToServer = hash(clientRandom||serverRandom), each truncated to the
// negotiated key length. The names follow the hash operand order, not the
// traffic direction: the server encrypts with clientToServer and decrypts
// with serverToClient. SHA-1 feeds AES-128 keys, SHA-256 feeds AES-256
// keys.
func DeriveRSAAESSessionKeys(serverRandom, clientRandom []byte, length RSAAESKeyLength) (serverToClient, clientToServer []byte) {
	hash := func(a, b []byte) []byte {
		if length == RSAAESKey128 {
			sum := sha1.Sum(append(append([]byte{}, a...), b...))
			return sum[:length]
		}
		sum := sha256.Sum256(append(append([]byte{}, a...), b...))
		return sum[:length]
	}
	serverToClient = hash(serverRandom, clientRandom)
	clientToServer = hash(clientRandom, serverRandom)
	return serverToClient, clientToServer
}

// RSAAESKeyConfirmationHash hashes the two sides' RSA public keys, each as
// a bit-length-prefixed key, in the given order: first's length, modulus
// and exponent, then second's. The key-confirmation step binds the two RSA
// keypairs, not the derived AES session keys. The hash function follows
// the negotiated key length just like session-key derivation does: SHA-1
// (20 bytes) for AES-128, SHA-256 (32 bytes) for AES-256. The server and
// client each send this with the operands in opposite order, so the value
// one side sends is the value the other side expects back.
func RSAAESKeyConfirmationHash(length RSAAESKeyLength, first, second *rsa.PublicKey) []byte {
	a := MarshalRSAPublicKey(first)
	b := MarshalRSAPublicKey(second)
	buf := make([]byte, 0, 4+len(a.Modulus)+len(a.Exponent)+4+len(b.Modulus)+len(b.Exponent))
	buf = appendKeyLenAndParts(buf, a)
	buf = appendKeyLenAndParts(buf, b)
	if length == RSAAESKey128 {
		sum := sha1.Sum(buf)
		return sum[:]
	}
	sum := sha256.Sum256(buf)
	return sum[:]
}

// RSAAESHashSize reports the confirmation-hash byte count for a key
// length: 20 (SHA-1) for AES-128, 32 (SHA-256) for AES-256.
func RSAAESHashSize(length RSAAESKeyLength) int {
	if length == RSAAESKey128 {
		return sha1.Size
	}
	return sha256.Size
}

func appendKeyLenAndParts(buf []byte, k RSAPublicKeyWire) []byte {
	var lenBE [4]byte
	binary.BigEndian.PutUint32(lenBE[:], uint32(k.BitLength))
	buf = append(buf, lenBE[:]...)
	buf = append(buf, k.Modulus...)
	buf = append(buf, k.Exponent...)
	return buf
}

// RandomChallenge returns n cryptographically random bytes, used for both
// the RSA-AES challenge exchange and the legacy VNC-auth challenge.
func RandomChallenge(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
