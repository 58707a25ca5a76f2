package mesh

import (
	"math/bits"
	"testing"
)

func TestNewDHRejectsGeneratorAboveModulus(t *testing.T) {
	t.Parallel()

	if _, err := NewDH(100, 101); err == nil {
		t.Error("NewDH accepted a generator larger than the modulus")
	}
	if _, err := NewDH(100, 100); err != nil {
		t.Errorf("NewDH rejected generator == modulus: %v", err)
	}
}

func TestDHSharedSecretAgreement(t *testing.T) {
	t.Parallel()

	// A prime and primitive-ish root small enough to exercise
	// powMod/mod128 without relying on real cryptographic strength.
	d, err := NewDH(2147483647, 7)
	if err != nil {
		t.Fatalf("NewDH: %v", err)
	}

	aPriv, aChal := d.CreateChallenge(&lcgSource{state: 1})
	bPriv, bChal := d.CreateChallenge(&lcgSource{state: 2})

	aSecret := d.FinishChallenge(aPriv, bChal)
	bSecret := d.FinishChallenge(bPriv, aChal)

	if aSecret != bSecret {
		t.Fatalf("shared secrets disagree: a=%d b=%d", aSecret, bSecret)
	}
}

// TestDHHomomorphicProperty checks g**(a+b) == g**a * g**b (mod P), the
// structural property the handshake's key agreement relies on.
func TestDHHomomorphicProperty(t *testing.T) {
	t.Parallel()

	d, err := NewDH(1000000007, 5)
	if err != nil {
		t.Fatalf("NewDH: %v", err)
	}

	a, b := uint64(12345), uint64(98765)
	lhs := d.powMod(d.G, a+b)
	ga := d.powMod(d.G, a)
	gb := d.powMod(d.G, b)
	hi, lo := bits.Mul64(ga, gb)
	product := mod128(hi, lo, d.P)
	if lhs != product {
		t.Fatalf("g**(a+b) = %d, g**a * g**b mod P = %d", lhs, product)
	}
}

func TestPowModIdentity(t *testing.T) {
	t.Parallel()

	d, err := NewDH(97, 5)
	if err != nil {
		t.Fatalf("NewDH: %v", err)
	}
	if got := d.powMod(d.G, 0); got != 1 {
		t.Errorf("g**0 mod P = %d, want 1", got)
	}
}
