// Package mesh implements a peer-to-peer messaging protocol carried over
// raw 802.11 action frames. Peers are named by their hardware MAC address;
// pairwise sessions are established with a 64-bit Diffie-Hellman handshake
// and secured with a coupled linear-feedback-shift-register stream cipher.
// Unicast messages are sequenced, CRC-checked, and retransmitted until
// acknowledged; broadcast messages ride a deterministically-permuted
// cipher derived from the sender's MAC and sequence number so that any
// receiver can decrypt them without a prior handshake.
//
// The package does not own a radio, a clock, or non-volatile storage: the
// host supplies those through the Transport, RandomSource, and
// internal/store.KV collaborators passed to New.
package mesh
