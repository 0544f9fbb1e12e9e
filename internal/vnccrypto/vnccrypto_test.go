package vnccrypto

import (
	"bytes"
	"math/big"
	"testing"
)

func TestVNCAuthScenario(t *testing.T) {
	var challenge [16]byte
	for i := range challenge {
		challenge[i] = byte(i)
	}

	// Known answer: DES-ECB of the challenge 00..0f under the bit-reversed
	// key for password "testtest" (key bytes 2e a6 ce 2e 2e a6 ce 2e),
	// independently computed with openssl enc -des-ecb -nopad.
	want := [16]byte{
		0x59, 0x5c, 0x18, 0xe0, 0x16, 0xc3, 0x42, 0xc3,
		0x53, 0x6c, 0x56, 0x32, 0x2a, 0x50, 0x0b, 0xe4,
	}

	got := VNCAuthResponse(challenge, "testtest")
	if got != want {
		t.Fatalf("VNCAuthResponse = % x, want % x", got, want)
	}

	// Any single-bit flip must no longer match.
	flipped := got
	flipped[0] ^= 0x01
	if bytes.Equal(flipped[:], want[:]) {
		t.Fatal("flipped response unexpectedly equal")
	}
}

func TestDESECBKnownAnswer(t *testing.T) {
	// DES with an all-zero key on an all-zero block is a widely published
	// test vector: ciphertext 8CA64DE9C1B123A7.
	var key [8]byte
	want := []byte{0x8c, 0xa6, 0x4d, 0xe9, 0xc1, 0xb1, 0x23, 0xa7}
	got := DESECBEncrypt(key, make([]byte, 8))
	if !bytes.Equal(got, want) {
		t.Fatalf("DES(0,0) = % x, want % x", got, want)
	}
}

func TestAppleDHSharedSecretAgrees(t *testing.T) {
	server, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	// The client reuses the server's (generator, modulus) per the wire
	// format, generating its own private exponent.
	clientPriv, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	clientPriv.Modulus = server.Modulus
	clientPriv.Generator = server.Generator
	clientPriv.Public = new(big.Int).Exp(big.NewInt(int64(server.Generator)), clientPriv.Private, server.Modulus)

	serverSecret := server.SharedSecret(clientPriv.Public)
	clientSecret := clientPriv.SharedSecret(server.Public)
	if !bytes.Equal(serverSecret, clientSecret) {
		t.Fatal("DH shared secrets disagree")
	}
}

func TestEAXRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	c, err := NewEAXCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	nonce := []byte{1, 2, 3, 4}
	header := []byte("length-as-aad")
	plaintext := []byte("hello rfb client")

	sealed := c.Seal(nonce, header, plaintext)

	c2, _ := NewEAXCipher(key)
	got, err := c2.Open(nonce, header, sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip = %q, want %q", got, plaintext)
	}
}

func TestEAXTamperedTagRejected(t *testing.T) {
	key := make([]byte, 16)
	c, _ := NewEAXCipher(key)
	sealed := c.Seal([]byte{0}, nil, []byte("data"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Open([]byte{0}, nil, sealed); err == nil {
		t.Fatal("expected tampered tag to be rejected")
	}
}
