package server

import "github.com/hashicorp/go-metrics"

var (
	MetricRequestCount    = []string{"ipc", "dispatcher", "request", "count"}
	MetricReplyCount      = []string{"ipc", "dispatcher", "reply", "count"}
	MetricErrorReplyCount = []string{"ipc", "dispatcher", "error_reply", "count"}
	MetricDroppedCount    = []string{"ipc", "dispatcher", "dropped", "count"}
	MetricPushCount       = []string{"ipc", "dispatcher", "push", "count"}
	MetricPeers           = []string{"ipc", "dispatcher", "peers"}
	MetricHandlerMillis   = []string{"ipc", "dispatcher", "handler", "ms"}
)

const (
	labelMethod = "method"
	labelReason = "reason"
)

func (s *Server) label(name, value string) []metrics.Label {
	return append(append([]metrics.Label(nil), s.cfg.metricLabels...), metrics.Label{Name: name, Value: value})
}
