package client

var (
	MetricRequestCount    = []string{"ipc", "caller", "request", "count"}
	MetricQueuedCount     = []string{"ipc", "caller", "queued", "count"}
	MetricReplyCount      = []string{"ipc", "caller", "reply", "count"}
	MetricErrorReplyCount = []string{"ipc", "caller", "error_reply", "count"}
	MetricUnmatchedCount  = []string{"ipc", "caller", "unmatched", "count"}
	MetricPushCount       = []string{"ipc", "caller", "push", "count"}
	MetricTimeoutCount    = []string{"ipc", "caller", "timeout", "count"}
	MetricPending         = []string{"ipc", "caller", "pending"}
	MetricRoundTripMillis = []string{"ipc", "caller", "round_trip", "ms"}
)
