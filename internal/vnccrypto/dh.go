// Package vnccrypto groups the cryptographic primitives the RFB security
// handshake variants need: legacy VNC-auth DES (des.go), Apple-DH key
// exchange (this file), and RSA-AES session establishment (rsaaes.go).
package vnccrypto

import (
	"crypto/aes"
	"crypto/md5"
	"crypto/rand"
	"math/big"
)

// AppleDHKeySize is the fixed 256-byte modulus/public-key size the
// Apple-DH variant uses.
const AppleDHKeySize = 256

// appleDHGenerator is the fixed small generator of the Apple-DH group.
const appleDHGenerator = 2

// DHKeyPair is one side's ephemeral Diffie-Hellman key material.
type DHKeyPair struct {
	Generator int
	Modulus   *big.Int // p
	Private   *big.Int // secret exponent
	Public    *big.Int // g^private mod p
}

// GenerateDHKeyPair creates a fresh 256-byte-modulus ephemeral key pair. A
// fresh random prime modulus is generated per connection, mirroring the
// upstream behavior of generating new DH parameters for every client.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	modulus, err := rand.Prime(rand.Reader, AppleDHKeySize*8)
	if err != nil {
		return nil, err
	}
	priv, err := rand.Int(rand.Reader, modulus)
	if err != nil {
		return nil, err
	}
	pub := new(big.Int).Exp(big.NewInt(appleDHGenerator), priv, modulus)
	return &DHKeyPair{
		Generator: appleDHGenerator,
		Modulus:   modulus,
		Private:   priv,
		Public:    pub,
	}, nil
}

// FixedWidthBytes renders v as exactly n big-endian bytes, left-padded with
// zeros, the way the wire format fixes the modulus/public-key width.
func FixedWidthBytes(v *big.Int, n int) []byte {
	out := make([]byte, n)
	b := v.Bytes()
	copy(out[n-len(b):], b)
	return out
}

// SharedSecret derives the shared secret g^(a*b) mod p given the peer's
// public key.
func (kp *DHKeyPair) SharedSecret(peerPublic *big.Int) []byte {
	shared := new(big.Int).Exp(peerPublic, kp.Private, kp.Modulus)
	return FixedWidthBytes(shared, AppleDHKeySize)
}

// AppleDHDeriveAESKey MD5-hashes the shared secret into a 16-byte AES-128
// key, as apple_dh_handle_response does.
func AppleDHDeriveAESKey(sharedSecret []byte) [16]byte {
	return md5.Sum(sharedSecret)
}

// AppleDHDecryptCredentials AES-128-ECB decrypts the fixed 128-byte
// username||password block. The block type fixes its size; the session
// layer waits until all 128 bytes have arrived before calling this.
func AppleDHDecryptCredentials(key [16]byte, block [128]byte) (username, password string) {
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return "", ""
	}
	var plain [128]byte
	for off := 0; off < 128; off += aes.BlockSize {
		c.Decrypt(plain[off:off+aes.BlockSize], block[off:off+aes.BlockSize])
	}
	username = cStringOf(plain[0:64])
	password = cStringOf(plain[64:128])
	return username, password
}

func cStringOf(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// aesECBEncryptBlock is a small helper exercised by tests to build a
// decryptable Apple-DH credential block without pulling in cipher.BlockMode
// (ECB mode has no standard library helper since it's insecure for general
// use, but is exactly what this legacy handshake requires).
func aesECBEncryptBlock(key [16]byte, plain [128]byte) [128]byte {
	c, _ := aes.NewCipher(key[:])
	var out [128]byte
	for off := 0; off < 128; off += aes.BlockSize {
		c.Encrypt(out[off:off+aes.BlockSize], plain[off:off+aes.BlockSize])
	}
	return out
}
