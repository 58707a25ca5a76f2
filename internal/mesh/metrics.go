package mesh

// MetricsReporter receives counters for events the mesh package observes
// but has no other way to surface: per-frame send/drop/retransmit/relay
// activity. Config.Metrics defaults to noopMetrics when unset, so every
// call site below can fire its event unconditionally.
type MetricsReporter interface {
	// FrameSent is called after a frame of the given type is handed to
	// the transport for delivery to peer.
	FrameSent(peer MAC, msgType MessageType)

	// FrameDropped is called when an inbound frame is discarded before
	// dispatch, labeled with a short, stable reason.
	FrameDropped(reason string)

	// Retransmit is called each time a pending write or in-flight
	// handshake is resent to peer.
	Retransmit(peer MAC)

	// BroadcastRelayed is called each time this node rebroadcasts a
	// MSG_Message frame on behalf of another sender.
	BroadcastRelayed()
}

// noopMetrics is the default MetricsReporter: every call is a no-op.
type noopMetrics struct{}

func (noopMetrics) FrameSent(MAC, MessageType) {}
func (noopMetrics) FrameDropped(string)        {}
func (noopMetrics) Retransmit(MAC)             {}
func (noopMetrics) BroadcastRelayed()          {}
