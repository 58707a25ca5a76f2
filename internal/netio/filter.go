package netio

import (
	"golang.org/x/net/bpf"
)

// actionFrameControl is the 802.11 Frame Control value the mesh protocol
// uses for every frame it sends (action frame, protocol version 0). It
// must match mesh's own frameControlAction constant.
const actionFrameControl = 0x00d0

// meshTypeLow and meshTypeHigh bound the inclusive range of message-type
// bytes (offset 16 in the wire frame) the mesh protocol dispatches on.
const (
	meshTypeLow  = 0x60
	meshTypeHigh = 0x68
)

// actionFrameFilter compiles a classic BPF program that accepts only
// frames whose Frame Control field equals actionFrameControl and whose
// type byte falls in [meshTypeLow, meshTypeHigh]. It is attached to the
// raw AF_PACKET socket with SO_ATTACH_FILTER so the kernel discards
// everything else before it ever reaches userspace -- the same rejection
// the ingress dispatcher would otherwise have to do per-packet itself.
//
// Layout matches mesh.Frame.MarshalBinary: a 2-byte little-endian FC at
// offset 0, a 1-byte message type at offset 16.
func actionFrameFilter() ([]bpf.RawInstruction, error) {
	prog := []bpf.Instruction{
		// Load the 16-bit Frame Control field.
		bpf.LoadAbsolute{Off: 0, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: actionFrameControl, SkipFalse: 4},

		// Load the message-type byte and check the mesh range.
		bpf.LoadAbsolute{Off: 16, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpLessThan, Val: meshTypeLow, SkipTrue: 2},
		bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: meshTypeHigh, SkipTrue: 1},
		bpf.RetConstant{Val: 1 << 16}, // accept, return up to 64KiB of the frame

		bpf.RetConstant{Val: 0}, // reject
	}
	return bpf.Assemble(prog)
}
