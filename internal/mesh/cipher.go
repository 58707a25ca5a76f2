package mesh

// Encrypt runs in with the LFSR stream cipher in CBC-like mode: each
// output byte is the input byte XORed with the low byte of LFSR, and the
// *plaintext* byte is folded back into both registers before they
// advance, chaining each byte's keystream to everything encrypted before
// it. lfsr is mutated in place so the caller can continue a stream across
// calls (used to encrypt payload then the trailing validity marker with
// one continuous keystream).
func Encrypt(in []byte, lfsr *LFSRState) []byte {
	out := make([]byte, len(in))
	for i, c := range in {
		out[i] = c ^ byte(lfsr.LFSR)
		lfsr.LFSR ^= uint32(c)
		lfsr.LFSRRot ^= uint32(c) << 13
		lfsr.Advance()
	}
	return out
}

// Decrypt reverses Encrypt. Because CBC-style feedback depends on the
// plaintext byte, decryption folds back the *recovered* byte, which is
// the same value Encrypt folded back when it produced this ciphertext.
func Decrypt(in []byte, lfsr *LFSRState) []byte {
	out := make([]byte, len(in))
	for i, c := range in {
		out[i] = c ^ byte(lfsr.LFSR)
		lfsr.LFSR ^= uint32(out[i])
		lfsr.LFSRRot ^= uint32(out[i]) << 13
		lfsr.Advance()
	}
	return out
}
