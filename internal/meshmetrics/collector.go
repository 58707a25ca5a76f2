// Package meshmetrics exposes the mesh daemon's runtime counters as
// Prometheus metrics.
package meshmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "itero"
	subsystem = "mesh"
)

// Label names for mesh metrics.
const (
	labelPeer       = "peer"
	labelMsgType    = "msg_type"
	labelFromState  = "from_state"
	labelToState    = "to_state"
	labelDropReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Mesh Metrics
// -------------------------------------------------------------------------

// Collector holds all mesh protocol Prometheus metrics.
//
//   - Peers gauges track the known and connected peer counts.
//   - Packet counters track TX/RX/drop volumes per message type.
//   - State transition counters record session FSM changes for alerting.
//   - Retransmits and send failures flag flaky links.
type Collector struct {
	// KnownPeers tracks the number of known-peer records, regardless of
	// connection state.
	KnownPeers prometheus.Gauge

	// ConnectedPeers tracks the number of peers currently in
	// mesh.StateConnected.
	ConnectedPeers prometheus.Gauge

	// FramesSent counts outbound 802.11 action frames per message type.
	FramesSent *prometheus.CounterVec

	// FramesReceived counts inbound action frames admitted past the
	// ingress filter, per message type.
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts frames rejected before delivery, labeled by
	// the reason (bad_fc, dedup, unknown_sender, bad_crc, replay).
	FramesDropped *prometheus.CounterVec

	// StateTransitions counts per-peer session FSM transitions.
	StateTransitions *prometheus.CounterVec

	// Retransmits counts unicast retransmission attempts per peer.
	Retransmits *prometheus.CounterVec

	// SendFailures counts retransmit-budget exhaustion events per peer.
	SendFailures *prometheus.CounterVec

	// BroadcastsRelayed counts MSG_Message broadcasts this node
	// rebroadcast on behalf of another sender.
	BroadcastsRelayed prometheus.Counter
}

// NewCollector creates a Collector with all mesh metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.KnownPeers,
		c.ConnectedPeers,
		c.FramesSent,
		c.FramesReceived,
		c.FramesDropped,
		c.StateTransitions,
		c.Retransmits,
		c.SendFailures,
		c.BroadcastsRelayed,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	peerLabels := []string{labelPeer, labelMsgType}
	transitionLabels := []string{labelPeer, labelFromState, labelToState}
	dropLabels := []string{labelDropReason}

	return &Collector{
		KnownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "known_peers",
			Help:      "Number of known-peer records, regardless of connection state.",
		}),

		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connected_peers",
			Help:      "Number of peers currently in StateConnected.",
		}),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total 802.11 action frames transmitted, by message type.",
		}, peerLabels),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total action frames admitted past the ingress filter, by message type.",
		}, peerLabels),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped before delivery, by reason.",
		}, dropLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total per-peer session FSM state transitions.",
		}, transitionLabels),

		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retransmits_total",
			Help:      "Total unicast retransmission attempts, by peer.",
		}, []string{labelPeer}),

		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_failures_total",
			Help:      "Total retransmit-budget exhaustion events, by peer.",
		}, []string{labelPeer}),

		BroadcastsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcasts_relayed_total",
			Help:      "Total MSG_Message broadcasts rebroadcast on behalf of another sender.",
		}),
	}
}

// -------------------------------------------------------------------------
// Peer Gauges
// -------------------------------------------------------------------------

// SetKnownPeers updates the known-peer gauge to n.
func (c *Collector) SetKnownPeers(n int) {
	c.KnownPeers.Set(float64(n))
}

// SetConnectedPeers updates the connected-peer gauge to n.
func (c *Collector) SetConnectedPeers(n int) {
	c.ConnectedPeers.Set(float64(n))
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// IncFramesSent increments the transmitted-frame counter for peer/msgType.
func (c *Collector) IncFramesSent(peer, msgType string) {
	c.FramesSent.WithLabelValues(peer, msgType).Inc()
}

// IncFramesReceived increments the received-frame counter for peer/msgType.
func (c *Collector) IncFramesReceived(peer, msgType string) {
	c.FramesReceived.WithLabelValues(peer, msgType).Inc()
}

// IncFramesDropped increments the dropped-frame counter for reason.
func (c *Collector) IncFramesDropped(reason string) {
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels.
func (c *Collector) RecordStateTransition(peer, from, to string) {
	c.StateTransitions.WithLabelValues(peer, from, to).Inc()
}

// -------------------------------------------------------------------------
// Retransmission
// -------------------------------------------------------------------------

// IncRetransmits increments the retransmit counter for peer.
func (c *Collector) IncRetransmits(peer string) {
	c.Retransmits.WithLabelValues(peer).Inc()
}

// IncSendFailures increments the send-failure counter for peer.
func (c *Collector) IncSendFailures(peer string) {
	c.SendFailures.WithLabelValues(peer).Inc()
}

// IncBroadcastsRelayed increments the rebroadcast counter.
func (c *Collector) IncBroadcastsRelayed() {
	c.BroadcastsRelayed.Inc()
}
