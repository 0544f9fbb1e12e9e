package vnccrypto

import "crypto/cipher"

// cmac implements AES-CMAC (RFC 4493), the one-key variant of OMAC that
// AES-EAX (rsaaes.go) builds its three domain-separated tags from.
type cmac struct {
	block cipher.Block
	k1    [16]byte
	k2    [16]byte
}

func newCMAC(block cipher.Block) *cmac {
	var zero, l [16]byte
	block.Encrypt(l[:], zero[:])

	k1 := gfDouble(l)
	k2 := gfDouble(k1)
	return &cmac{block: block, k1: k1, k2: k2}
}

func gfDouble(in [16]byte) [16]byte {
	var out [16]byte
	var carry byte
	for i := 15; i >= 0; i-- {
		v := in[i]
		out[i] = v<<1 | carry
		carry = v >> 7
	}
	if in[0]&0x80 != 0 {
		out[15] ^= 0x87
	}
	return out
}

func xorBlock16(a, b [16]byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// sum computes the 16-byte CMAC tag over msg.
func (c *cmac) sum(msg []byte) [16]byte {
	n := len(msg)
	complete := n != 0 && n%16 == 0
	numBlocks := n / 16
	if !complete {
		numBlocks++
	}

	var state [16]byte
	for i := 0; i < numBlocks-1; i++ {
		var in [16]byte
		copy(in[:], msg[i*16:i*16+16])
		xored := xorBlock16(state, in)
		c.block.Encrypt(state[:], xored[:])
	}

	last := msg[(numBlocks-1)*16:]
	var lastBlock [16]byte
	var key [16]byte
	if complete {
		copy(lastBlock[:], last)
		key = c.k1
	} else {
		copy(lastBlock[:], last)
		lastBlock[len(last)] = 0x80
		key = c.k2
	}
	xored := xorBlock16(state, xorBlock16(lastBlock, key))
	c.block.Encrypt(state[:], xored[:])
	return state
}
