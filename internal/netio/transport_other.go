//go:build !linux

package netio

import (
	"context"
	"errors"

	"github.com/LightningTH/itero/internal/mesh"
)

// ErrUnsupportedPlatform indicates the raw AF_PACKET transport is only
// implemented for Linux; other platforms must supply their own
// mesh.Transport (or use LoopbackTransport for testing).
var ErrUnsupportedPlatform = errors.New("netio: raw frame transport requires linux")

// RawFrameTransport is unavailable outside Linux.
type RawFrameTransport struct{}

// NewRawFrameTransport always fails on non-Linux platforms.
func NewRawFrameTransport(ifName string) (*RawFrameTransport, error) {
	return nil, ErrUnsupportedPlatform
}

func (t *RawFrameTransport) LocalMAC() mesh.MAC                 { return mesh.MAC{} }
func (t *RawFrameTransport) Send(frame []byte) error            { return ErrUnsupportedPlatform }
func (t *RawFrameTransport) Recv(context.Context) ([]byte, error) { return nil, ErrUnsupportedPlatform }
func (t *RawFrameTransport) Close() error                        { return nil }
