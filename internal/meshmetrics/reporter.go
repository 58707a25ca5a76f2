package meshmetrics

import "github.com/LightningTH/itero/internal/mesh"

// Reporter adapts a Collector to mesh.MetricsReporter, translating mesh's
// MAC and MessageType values into the string labels Prometheus needs.
type Reporter struct {
	c *Collector
}

// NewReporter wraps c as a mesh.MetricsReporter.
func NewReporter(c *Collector) Reporter {
	return Reporter{c: c}
}

func (r Reporter) FrameSent(peer mesh.MAC, msgType mesh.MessageType) {
	r.c.IncFramesSent(peer.String(), msgType.String())
}

func (r Reporter) FrameDropped(reason string) {
	r.c.IncFramesDropped(reason)
}

func (r Reporter) Retransmit(peer mesh.MAC) {
	r.c.IncRetransmits(peer.String())
}

func (r Reporter) BroadcastRelayed() {
	r.c.IncBroadcastsRelayed()
}
