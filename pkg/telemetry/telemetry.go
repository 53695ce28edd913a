// Package telemetry holds the label vocabulary shared by logs and metrics.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type Label string

var (
	LabelError       Label = "error"
	LabelKind        Label = "kind"
	LabelPeerAddr    Label = "peer_addr"
	LabelPeerID      Label = "peer_id"
	LabelPeerRole    Label = "peer_role"
	LabelStreamMode  Label = "stream_mode"
	LabelStreamID    Label = "stream_id"
	LabelCorrelation Label = "correlation_id"
	LabelProgram     Label = "program"
	LabelSteps       Label = "steps"
	LabelStatus      Label = "status"
	LabelEnvelope    Label = "envelope"
	LabelReason      Label = "reason"
	LabelDuration    Label = "duration"
)

// M returns a go-metrics label.
func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L returns a slog attribute.
func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With appends labels to a static set without aliasing it.
func With(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(extra))
	out = append(out, static...)
	return append(out, extra...)
}
