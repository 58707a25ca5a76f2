package mesh

import "errors"

// Initialization errors, returned by New.
var (
	ErrAlreadyInitialized      = errors.New("mesh: already initialized")
	ErrFailedDiffieHellmanInit = errors.New("mesh: invalid diffie-hellman parameters")
	ErrFailedBroadcastLFSRInit = errors.New("mesh: invalid broadcast LFSR masks")
)

// Write errors, returned by (*Mesh).Write.
var (
	ErrMeshNotInitialized      = errors.New("mesh: not initialized")
	ErrDataTooLarge            = errors.New("mesh: payload too large for a single packet")
	ErrDeviceDoesNotExist      = errors.New("mesh: no known peer with that address")
	ErrPreviousWriteNotComplete = errors.New("mesh: previous message to this peer is still unacknowledged")
	ErrResettingConnection     = errors.New("mesh: reconnecting to peer, message queued once connected")
)

// Connect/Disconnect errors.
var (
	ErrAlreadyConnected  = errors.New("mesh: peer is already connected")
	ErrAlreadyConnecting = errors.New("mesh: connection attempt already in progress")
	ErrUnknownPeer       = errors.New("mesh: peer is not known")
)
