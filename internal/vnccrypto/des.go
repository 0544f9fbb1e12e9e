package vnccrypto

// A minimal single-block DES-ECB implementation. Legacy VNC
// authentication is the one place this server needs DES, so it is a
// small, textbook Feistel cipher here rather than a dependency on a
// general-purpose crypto library.

var initialPermutation = [64]uint8{
	58, 50, 42, 34, 26, 18, 10, 2,
	60, 52, 44, 36, 28, 20, 12, 4,
	62, 54, 46, 38, 30, 22, 14, 6,
	64, 56, 48, 40, 32, 24, 16, 8,
	57, 49, 41, 33, 25, 17, 9, 1,
	59, 51, 43, 35, 27, 19, 11, 3,
	61, 53, 45, 37, 29, 21, 13, 5,
	63, 55, 47, 39, 31, 23, 15, 7,
}

var finalPermutation = [64]uint8{
	40, 8, 48, 16, 56, 24, 64, 32,
	39, 7, 47, 15, 55, 23, 63, 31,
	38, 6, 46, 14, 54, 22, 62, 30,
	37, 5, 45, 13, 53, 21, 61, 29,
	36, 4, 44, 12, 52, 20, 60, 28,
	35, 3, 43, 11, 51, 19, 59, 27,
	34, 2, 42, 10, 50, 18, 58, 26,
	33, 1, 41, 9, 49, 17, 57, 25,
}

var expansion = [48]uint8{
	32, 1, 2, 3, 4, 5,
	4, 5, 6, 7, 8, 9,
	8, 9, 10, 11, 12, 13,
	12, 13, 14, 15, 16, 17,
	16, 17, 18, 19, 20, 21,
	20, 21, 22, 23, 24, 25,
	24, 25, 26, 27, 28, 29,
	28, 29, 30, 31, 32, 1,
}

var pBox = [32]uint8{
	16, 7, 20, 21, 29, 12, 28, 17,
	1, 15, 23, 26, 5, 18, 31, 10,
	2, 8, 24, 14, 32, 27, 3, 9,
	19, 13, 30, 6, 22, 11, 4, 25,
}

var pc1 = [56]uint8{
	57, 49, 41, 33, 25, 17, 9,
	1, 58, 50, 42, 34, 26, 18,
	10, 2, 59, 51, 43, 35, 27,
	19, 11, 3, 60, 52, 44, 36,
	63, 55, 47, 39, 31, 23, 15,
	7, 62, 54, 46, 38, 30, 22,
	14, 6, 61, 53, 45, 37, 29,
	21, 13, 5, 28, 20, 12, 4,
}

var pc2 = [48]uint8{
	14, 17, 11, 24, 1, 5,
	3, 28, 15, 6, 21, 10,
	23, 19, 12, 4, 26, 8,
	16, 7, 27, 20, 13, 2,
	41, 52, 31, 37, 47, 55,
	30, 40, 51, 45, 33, 48,
	44, 49, 39, 56, 34, 53,
	46, 42, 50, 36, 29, 32,
}

var shifts = [16]uint8{1, 1, 2, 2, 2, 2, 2, 2, 1, 2, 2, 2, 2, 2, 2, 1}

var sBoxes = [8][4][16]uint8{
	{
		{14, 4, 13, 1, 2, 15, 11, 8, 3, 10, 6, 12, 5, 9, 0, 7},
		{0, 15, 7, 4, 14, 2, 13, 1, 10, 6, 12, 11, 9, 5, 3, 8},
		{4, 1, 14, 8, 13, 6, 2, 11, 15, 12, 9, 7, 3, 10, 5, 0},
		{15, 12, 8, 2, 4, 9, 1, 7, 5, 11, 3, 14, 10, 0, 6, 13},
	},
	{
		{15, 1, 8, 14, 6, 11, 3, 4, 9, 7, 2, 13, 12, 0, 5, 10},
		{3, 13, 4, 7, 15, 2, 8, 14, 12, 0, 1, 10, 6, 9, 11, 5},
		{0, 14, 7, 11, 10, 4, 13, 1, 5, 8, 12, 6, 9, 3, 2, 15},
		{13, 8, 10, 1, 3, 15, 4, 2, 11, 6, 7, 12, 0, 5, 14, 9},
	},
	{
		{10, 0, 9, 14, 6, 3, 15, 5, 1, 13, 12, 7, 11, 4, 2, 8},
		{13, 7, 0, 9, 3, 4, 6, 10, 2, 8, 5, 14, 12, 11, 15, 1},
		{13, 6, 4, 9, 8, 15, 3, 0, 11, 1, 2, 12, 5, 10, 14, 7},
		{1, 10, 13, 0, 6, 9, 8, 7, 4, 15, 14, 3, 11, 5, 2, 12},
	},
	{
		{7, 13, 14, 3, 0, 6, 9, 10, 1, 2, 8, 5, 11, 12, 4, 15},
		{13, 8, 11, 5, 6, 15, 0, 3, 4, 7, 2, 12, 1, 10, 14, 9},
		{10, 6, 9, 0, 12, 11, 7, 13, 15, 1, 3, 14, 5, 2, 8, 4},
		{3, 15, 0, 6, 10, 1, 13, 8, 9, 4, 5, 11, 12, 7, 2, 14},
	},
	{
		{2, 12, 4, 1, 7, 10, 11, 6, 8, 5, 3, 15, 13, 0, 14, 9},
		{14, 11, 2, 12, 4, 7, 13, 1, 5, 0, 15, 10, 3, 9, 8, 6},
		{4, 2, 1, 11, 10, 13, 7, 8, 15, 9, 12, 5, 6, 3, 0, 14},
		{11, 8, 12, 7, 1, 14, 2, 13, 6, 15, 0, 9, 10, 4, 5, 3},
	},
	{
		{12, 1, 10, 15, 9, 2, 6, 8, 0, 13, 3, 4, 14, 7, 5, 11},
		{10, 15, 4, 2, 7, 12, 9, 5, 6, 1, 13, 14, 0, 11, 3, 8},
		{9, 14, 15, 5, 2, 8, 12, 3, 7, 0, 4, 10, 1, 13, 11, 6},
		{4, 3, 2, 12, 9, 5, 15, 10, 11, 14, 1, 7, 6, 0, 8, 13},
	},
	{
		{4, 11, 2, 14, 15, 0, 8, 13, 3, 12, 9, 7, 5, 10, 6, 1},
		{13, 0, 11, 7, 4, 9, 1, 10, 14, 3, 5, 12, 2, 15, 8, 6},
		{1, 4, 11, 13, 12, 3, 7, 14, 10, 15, 6, 8, 0, 5, 9, 2},
		{6, 11, 13, 8, 1, 4, 10, 7, 9, 5, 0, 15, 14, 2, 3, 12},
	},
	{
		{13, 2, 8, 4, 6, 15, 11, 1, 10, 9, 3, 14, 5, 0, 12, 7},
		{1, 15, 13, 8, 10, 3, 7, 4, 12, 5, 6, 11, 0, 14, 9, 2},
		{7, 11, 4, 1, 9, 12, 14, 2, 0, 6, 10, 13, 15, 3, 5, 8},
		{2, 1, 14, 7, 4, 10, 8, 13, 15, 12, 9, 0, 3, 5, 6, 11},
	},
}

// desBits represents a bit string as a byte slice, one bit per byte (0/1),
// matching the textbook bit-numbering (bit 1 is the MSB of byte 0).
type desBits []byte

func bytesToBits(in []byte) desBits {
	bits := make(desBits, len(in)*8)
	for i, b := range in {
		for j := 0; j < 8; j++ {
			bits[i*8+j] = (b >> (7 - j)) & 1
		}
	}
	return bits
}

func bitsToBytes(bits desBits) []byte {
	out := make([]byte, len(bits)/8)
	for i := range out {
		var b byte
		for j := 0; j < 8; j++ {
			b = b<<1 | bits[i*8+j]
		}
		out[i] = b
	}
	return out
}

func permute(in desBits, table []uint8) desBits {
	out := make(desBits, len(table))
	for i, p := range table {
		out[i] = in[p-1]
	}
	return out
}

func xorBits(a, b desBits) desBits {
	out := make(desBits, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func leftRotate(in desBits, n int) desBits {
	return append(append(desBits{}, in[n:]...), in[:n]...)
}

// desSubkeys derives the sixteen 48-bit round subkeys from an 8-byte key.
func desSubkeys(key [8]byte) [16]desBits {
	keyBits := bytesToBits(key[:])
	permuted := permute(keyBits, pc1[:])
	c := append(desBits{}, permuted[:28]...)
	d := append(desBits{}, permuted[28:]...)

	var subkeys [16]desBits
	for round := 0; round < 16; round++ {
		c = leftRotate(c, int(shifts[round]))
		d = leftRotate(d, int(shifts[round]))
		cd := append(append(desBits{}, c...), d...)
		subkeys[round] = permute(cd, pc2[:])
	}
	return subkeys
}

func feistel(r desBits, subkey desBits) desBits {
	expanded := permute(r, expansion[:])
	x := xorBits(expanded, subkey)

	sboxOut := make(desBits, 32)
	for i := 0; i < 8; i++ {
		chunk := x[i*6 : i*6+6]
		row := chunk[0]<<1 | chunk[5]
		col := chunk[1]<<3 | chunk[2]<<2 | chunk[3]<<1 | chunk[4]
		val := sBoxes[i][row][col]
		for b := 0; b < 4; b++ {
			sboxOut[i*4+b] = (val >> (3 - b)) & 1
		}
	}
	return permute(sboxOut, pBox[:])
}

// desBlock encrypts one 8-byte block under subkeys in the given order
// (forward for encryption, reversed for decryption).
func desBlock(block [8]byte, subkeys [16]desBits, decrypt bool) [8]byte {
	bits := bytesToBits(block[:])
	ip := permute(bits, initialPermutation[:])
	l := append(desBits{}, ip[:32]...)
	r := append(desBits{}, ip[32:]...)

	order := subkeys
	if decrypt {
		for i, j := 0, 15; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	for round := 0; round < 16; round++ {
		newR := xorBits(l, feistel(r, order[round]))
		l = r
		r = newR
	}

	preOutput := append(append(desBits{}, r...), l...)
	out := permute(preOutput, finalPermutation[:])
	var result [8]byte
	copy(result[:], bitsToBytes(out))
	return result
}

// DESECBEncrypt encrypts data (a multiple of 8 bytes) in ECB mode under
// an 8-byte key.
func DESECBEncrypt(key [8]byte, data []byte) []byte {
	subkeys := desSubkeys(key)
	out := make([]byte, len(data))
	for off := 0; off+8 <= len(data); off += 8 {
		var block [8]byte
		copy(block[:], data[off:off+8])
		enc := desBlock(block, subkeys, false)
		copy(out[off:off+8], enc[:])
	}
	return out
}

// VNCKeyReverseBits reverses the bit order within each byte of an 8-byte
// password key, the quirk the legacy VNC-auth wire format requires.
func VNCKeyReverseBits(key [8]byte) [8]byte {
	var out [8]byte
	for i, b := range key {
		b = (b&0xf0)>>4 | (b&0x0f)<<4
		b = (b&0xcc)>>2 | (b&0x33)<<2
		b = (b&0xaa)>>1 | (b&0x55)<<1
		out[i] = b
	}
	return out
}

// VNCAuthKeyFromPassword derives the 8-byte bit-reversed DES key from a
// password, truncating or zero-padding it to 8 bytes first.
func VNCAuthKeyFromPassword(password string) [8]byte {
	var key [8]byte
	n := len(password)
	if n > 8 {
		n = 8
	}
	copy(key[:], password[:n])
	return VNCKeyReverseBits(key)
}

// VNCAuthResponse computes the expected 16-byte VNC-auth response to a
// 16-byte challenge under the given password, exactly as des_vnc_encrypt
// does: two independent 8-byte ECB blocks under the same key.
func VNCAuthResponse(challenge [16]byte, password string) [16]byte {
	key := VNCAuthKeyFromPassword(password)
	var out [16]byte
	copy(out[:8], DESECBEncrypt(key, challenge[:8]))
	copy(out[8:], DESECBEncrypt(key, challenge[8:]))
	return out
}
