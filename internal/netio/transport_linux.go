//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/LightningTH/itero/internal/mesh"
)

// recvPollInterval bounds how long a blocking Recvfrom call waits before
// re-checking ctx, so Recv can honor cancellation without a dedicated
// wakeup mechanism.
const recvPollInterval = 500 * time.Millisecond

// maxFrameSize is generous headroom over mesh.MaxPacketSize plus the
// 24-byte 802.11 header this protocol prepends.
const maxFrameSize = 2048

// RawFrameTransport sends and receives mesh action frames over a
// promiscuous-mode AF_PACKET socket bound to a single interface. It
// implements mesh.Transport.
type RawFrameTransport struct {
	fd       int
	ifIndex  int
	localMAC mesh.MAC

	mu     sync.Mutex
	closed bool
}

// NewRawFrameTransport opens an AF_PACKET/SOCK_RAW socket on ifName,
// attaches the action-frame BPF filter, and puts the interface into
// promiscuous mode. The caller must have CAP_NET_RAW (or run as root).
func NewRawFrameTransport(ifName string) (*RawFrameTransport, error) {
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("netio: lookup interface %s: %w", ifName, err)
	}
	var localMAC mesh.MAC
	if len(iface.HardwareAddr) != mesh.MACSize {
		return nil, fmt.Errorf("netio: interface %s has no 6-byte hardware address", ifName)
	}
	copy(localMAC[:], iface.HardwareAddr)

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("netio: open AF_PACKET socket: %w", err)
	}

	filter, err := actionFrameFilter()
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netio: assemble BPF filter: %w", err)
	}
	sockFilter := make([]unix.SockFilter, len(filter))
	for i, ins := range filter {
		sockFilter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{Len: uint16(len(sockFilter)), Filter: &sockFilter[0]}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netio: attach BPF filter: %w", err)
	}

	sll := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &sll); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netio: bind to %s: %w", ifName, err)
	}

	mreq := unix.PacketMreq{
		Ifindex: int32(iface.Index),
		Type:    unix.PACKET_MR_PROMISC,
	}
	if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netio: enable promiscuous mode on %s: %w", ifName, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netio: set nonblocking: %w", err)
	}

	return &RawFrameTransport{fd: fd, ifIndex: iface.Index, localMAC: localMAC}, nil
}

// LocalMAC returns the hardware address frames are sent from.
func (t *RawFrameTransport) LocalMAC() mesh.MAC {
	return t.localMAC
}

// Send transmits a single raw frame on the bound interface.
func (t *RawFrameTransport) Send(frame []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("netio: transport closed")
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  t.ifIndex,
		Halen:    mesh.MACSize,
	}
	if err := unix.Sendto(t.fd, frame, 0, &addr); err != nil {
		return fmt.Errorf("netio: sendto: %w", err)
	}
	return nil
}

// Recv blocks until a frame matching the BPF filter arrives or ctx is
// done. It polls in recvPollInterval slices since the socket is
// nonblocking and this package avoids a second goroutine per transport.
func (t *RawFrameTransport) Recv(ctx context.Context) ([]byte, error) {
	buf := make([]byte, maxFrameSize)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, _, err := unix.Recvfrom(t.fd, buf, 0)
		if err == nil {
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(recvPollInterval):
				continue
			}
		}
		return nil, fmt.Errorf("netio: recvfrom: %w", err)
	}
}

// Close releases the underlying socket.
func (t *RawFrameTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return unix.Close(t.fd)
}

func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | v>>8
}
