package mesh

// ConnectOutcome reports how a connection attempt concluded.
type ConnectOutcome int

const (
	// ConnectFailed indicates a handshake in progress did not complete
	// (bad sentinel, bad CRC, or the peer otherwise rejected it).
	ConnectFailed ConnectOutcome = 0
	// ConnectSucceeded indicates the peer is now in StateConnected.
	ConnectSucceeded ConnectOutcome = 1
	// ConnectDisconnected indicates a previously connected peer's session
	// ended, gracefully or forcibly. It is distinct from ConnectFailed:
	// the latter is a handshake that never completed, this is a session
	// that existed and was torn down.
	ConnectDisconnected ConnectOutcome = -1
)

// Sink receives events the mesh protocol produces as messages arrive and
// connections change state. Implementations must not block: callbacks
// run on the ingress dispatch loop's goroutine.
type Sink interface {
	// OnMessage delivers an application payload received from a
	// connected peer.
	OnMessage(from MAC, data []byte)

	// OnBroadcast delivers an application payload received from any
	// peer's broadcast message, known or not.
	OnBroadcast(from MAC, data []byte)

	// OnPing delivers a peer's reply to our own Ping(): the pong. data is
	// the replying peer's ping-data payload.
	OnPing(from MAC, data []byte)

	// OnConnected reports a connection attempt's outcome. mac identifies
	// the peer; outcome is ConnectSucceeded once the handshake finishes
	// and the peer can be written to, ConnectFailed if it timed out or
	// was rejected, or ConnectDisconnected if an established session
	// ended. name is the peer-supplied display name on success, and is
	// empty otherwise.
	OnConnected(mac MAC, name string, outcome ConnectOutcome)

	// OnSendFailed reports that an outbound unicast message to mac went
	// unacknowledged through the retransmit budget and was dropped.
	OnSendFailed(mac MAC)
}

// NopSink is a Sink whose methods all do nothing, useful as an embedded
// default for callers that only care about a subset of events.
type NopSink struct{}

func (NopSink) OnMessage(MAC, []byte)                {}
func (NopSink) OnBroadcast(MAC, []byte)              {}
func (NopSink) OnPing(MAC, []byte)                   {}
func (NopSink) OnConnected(MAC, string, ConnectOutcome) {}
func (NopSink) OnSendFailed(MAC)                     {}
