package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gorfb/gorfbd/internal/vnccrypto"
)

// rsaAESRecordOverhead is the 16-byte EAX tag every record carries in
// addition to its ciphertext.
const rsaAESRecordOverhead = 16

// rsaAESReadWriter wraps a plain net.Conn in the length-prefixed,
// EAX-authenticated record framing of the RSA-AES stream
// variant: each record is a 2-byte big-endian ciphertext length,
// the ciphertext, then a 16-byte MAC, with the length bytes themselves
// authenticated as associated data.
type rsaAESReadWriter struct {
	src *bufio.Reader
	dst io.Writer

	enc      *vnccrypto.EAXCipher
	dec      *vnccrypto.EAXCipher
	sendCtr  [16]byte
	recvCtr  [16]byte
	leftover []byte // decrypted bytes from a prior record not yet consumed
}

func newRSAAESReadWriter(r io.Reader, w io.Writer, enc, dec *vnccrypto.EAXCipher) *rsaAESReadWriter {
	return &rsaAESReadWriter{
		src: bufio.NewReader(r),
		dst: w,
		enc: enc,
		dec: dec,
	}
}

func incrementCounter(ctr *[16]byte) {
	for i := 15; i >= 0; i-- {
		ctr[i]++
		if ctr[i] != 0 {
			return
		}
	}
}

// Write splits payload into fixed records no larger than 0xffff bytes of
// ciphertext, sealing each under the next nonce in the send counter.
func (w *rsaAESReadWriter) Write(payload []byte) (int, error) {
	total := len(payload)
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > 0xffff {
			chunk = chunk[:0xffff]
		}
		var lenHdr [2]byte
		binary.BigEndian.PutUint16(lenHdr[:], uint16(len(chunk)))
		sealed := w.enc.Seal(w.sendCtr[:], lenHdr[:], chunk)
		incrementCounter(&w.sendCtr)

		if _, err := w.dst.Write(lenHdr[:]); err != nil {
			return total - len(payload), err
		}
		if _, err := w.dst.Write(sealed); err != nil {
			return total - len(payload), err
		}
		payload = payload[len(chunk):]
	}
	return total, nil
}

// Read decrypts records as needed to satisfy the caller, carrying any
// surplus decrypted bytes over to the next call.
func (w *rsaAESReadWriter) Read(buf []byte) (int, error) {
	if len(w.leftover) == 0 {
		if err := w.readRecord(); err != nil {
			return 0, err
		}
	}
	n := copy(buf, w.leftover)
	w.leftover = w.leftover[n:]
	return n, nil
}

func (w *rsaAESReadWriter) readRecord() error {
	var lenHdr [2]byte
	if _, err := io.ReadFull(w.src, lenHdr[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint16(lenHdr[:])
	sealed := make([]byte, int(length)+rsaAESRecordOverhead)
	if _, err := io.ReadFull(w.src, sealed); err != nil {
		return err
	}
	plain, err := w.dec.Open(w.recvCtr[:], lenHdr[:], sealed)
	if err != nil {
		return fmt.Errorf("stream: rsa-aes record authentication failed: %w", err)
	}
	incrementCounter(&w.recvCtr)
	w.leftover = plain
	return nil
}

// UpgradeToRSAAES wraps the stream's transport in RSA-AES framed records
// using the two directional EAX ciphers the handshake derived. Valid only
// in plain-TCP mode, mirroring UpgradeToTLS.
func (s *Stream) UpgradeToRSAAES(encryptToClient, decryptFromClient *vnccrypto.EAXCipher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream: upgrade on closed stream")
	}
	// Reads continue through the current reader so ciphertext the peer
	// coalesced with its last plaintext message isn't stranded in an
	// earlier buffering layer.
	rw := newRSAAESReadWriter(s.reader, s.conn, encryptToClient, decryptFromClient)
	s.writer = rw
	s.reader = rw
	return nil
}
