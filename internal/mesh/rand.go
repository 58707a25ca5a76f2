package mesh

import "math/rand/v2"

// MathRandSource is a RandomSource backed by math/rand/v2's default
// ChaCha8-based generator. It is the default RandomSource used when a
// caller doesn't provide one; it is not suitable for applications that
// need a cryptographically unpredictable stream, but neither is the mesh
// cipher this package implements (see the package doc's Non-goals).
type MathRandSource struct{}

// Uint32 returns the next pseudo-random 32-bit value.
func (MathRandSource) Uint32() uint32 {
	return rand.Uint32()
}
