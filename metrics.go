package photonpass

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPhotonMessagesOut   = []string{"photonpass", "photon", "messages", "out"}
	MetricPhotonsPassed       = []string{"photonpass", "photon", "passed", "count"}
	MetricSendsPosted         = []string{"photonpass", "sends", "posted"}
	MetricSendsCompleted      = []string{"photonpass", "sends", "completed"}
	MetricReceivesPosted      = []string{"photonpass", "receives", "posted"}
	MetricReceivesCompleted   = []string{"photonpass", "receives", "completed"}
	MetricTreeCountsForwarded = []string{"photonpass", "tree", "counts", "forwarded"}
	MetricHistoriesCompleted  = []string{"photonpass", "histories", "completed"}
	MetricCensusSize          = []string{"photonpass", "census", "size"}
	MetricExitEnergy          = []string{"photonpass", "energy", "exit"}
	MetricCensusEnergy        = []string{"photonpass", "energy", "census"}
)

type TelemetryLabel string

var (
	LabelRank     TelemetryLabel = "rank"
	LabelPeerRank TelemetryLabel = "peer_rank"
	LabelVerdict  TelemetryLabel = "verdict"
	LabelError    TelemetryLabel = "error"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
