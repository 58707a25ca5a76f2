// Package netio supplies the mesh package's raw 802.11 action-frame
// transport: a promiscuous-mode AF_PACKET socket on Linux, a classic BPF
// program that keeps only action frames in the type range the mesh
// protocol uses, and an in-memory transport for tests and multi-node
// simulation without a radio.
package netio
