package contained

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/contained/pkg/telemetry"
)

var (
	MetricDatagramInBytes        = []string{"contained", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount   = []string{"contained", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes       = []string{"contained", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount  = []string{"contained", "datagram", "out", "error", "count"}
	MetricStreamEstInCount       = []string{"contained", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"contained", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"contained", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"contained", "stream", "establishment", "out", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"contained", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount         = []string{"contained", "connection", "error", "count"}
	MetricConnEstCount           = []string{"contained", "connection", "established", "count"}
	MetricHostAddrChanges        = []string{"contained", "host", "addr", "changes"}
	MetricHostConflictsCount     = []string{"contained", "host", "conflicts", "count"}

	MetricEnvelopeIn       = []string{"contained", "envelope", "in", "count"}
	MetricEnvelopeOut      = []string{"contained", "envelope", "out", "count"}
	MetricRouted           = []string{"contained", "coordinator", "routed", "count"}
	MetricRelocated        = []string{"contained", "coordinator", "relocated", "count"}
	MetricUndeliverable    = []string{"contained", "coordinator", "undeliverable", "count"}
	MetricParked           = []string{"contained", "coordinator", "outbox", "size"}
	MetricPeersLive        = []string{"contained", "membership", "live"}
	MetricPeersEvicted     = []string{"contained", "membership", "evicted", "count"}
	MetricDigestsForeign   = []string{"contained", "membership", "foreign", "count"}
	MetricDispatchRejected = []string{"contained", "coordinator", "rejected", "count"}
	MetricEventsDropped    = []string{"contained", "coordinator", "events", "dropped", "count"}
)

// LabelsForAddr returns the labels identifying a memberlist address.
func LabelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{telemetry.LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, telemetry.LabelPeerID.M(addr.Name))
	}
	return labels
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		telemetry.LabelPeerID.L(node.Name),
		telemetry.LabelPeerAddr.L(node.Address()),
	)
}
