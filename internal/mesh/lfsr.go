package mesh

// LFSRState bundles the pair of coupled 32-bit linear-feedback shift
// registers used to generate the mesh cipher's key stream. LFSR produces
// the key byte used to encrypt or decrypt each byte of a message; LFSRRot
// determines how many bit-steps LFSR advances on each call, and itself
// advances by an amount derived from its own low bits, coupling the two.
//
// A mask packs the tap positions a register's rotation uses: bit 31
// selects between a 4-tap and 6-tap polynomial, bit 30 selects XOR vs
// XNOR feedback, and five 5-bit fields below that hold tap offsets.
type LFSRState struct {
	LFSR        uint32
	LFSRRot     uint32
	LFSRMask    uint32
	LFSRRotMask uint32
}

// rotateLFSR advances reg by count bit-steps using the tap positions
// packed into mask. A result of 0 or all-ones is folded to 1 since either
// value would make the register stick (it would keep feeding back into
// itself unchanged).
func rotateLFSR(reg, mask, count uint32) uint32 {
	xnor := (mask >> 30) & 1
	sixTap := mask>>31 != 0

	startMask := mask & 0x3fffffff
	bitCount := uint32(6)
	if !sixTap {
		startMask >>= 10
		bitCount = 4
	}

	newBit := reg >> 31
	for ; count > 0; count-- {
		curMask := startMask
		n := bitCount
		for ; n > 0; n-- {
			offset := curMask & 0x1f
			newBit ^= reg >> offset
			curMask >>= 5
		}
		newBit = (newBit ^ xnor) & 1
		reg = (reg >> 1) | (newBit << 31)
	}

	if reg == 0 || reg == 0xffffffff {
		reg = 1
	}
	return reg
}

// Advance steps LFSRRot and LFSR by the counts encoded in LFSRRot's own
// low bits (bits 0-3 for LFSR, bits 7-10 for LFSRRot itself, each plus
// one so a zero field still advances). Call this once per key byte
// produced; Encrypt and Decrypt do so automatically.
func (s *LFSRState) Advance() {
	rotLFSR := (s.LFSRRot & 0xf) + 1
	rotRot := ((s.LFSRRot >> 7) & 0xf) + 1

	s.LFSRRot = rotateLFSR(s.LFSRRot, s.LFSRRotMask, rotRot)
	s.LFSR = rotateLFSR(s.LFSR, s.LFSRMask, rotLFSR)
}
