package transport

import "time"

// Metrics 会话的性能计数快照。只有 Session 修改内部计数，外部拿到的总是副本。
type Metrics struct {
	State              ConnectionState `json:"state"`
	ConnectAttempts    int64           `json:"connect_attempts"`
	ConnectSuccesses   int64           `json:"connect_successes"`
	Disconnects        int64           `json:"disconnects"`
	MessagesSent       int64           `json:"messages_sent"`
	MessagesQueued     int64           `json:"messages_queued"`
	MessagesEvicted    int64           `json:"messages_evicted"`
	FlowRejected       int64           `json:"flow_rejected"`
	QueueDepth         int             `json:"queue_depth"`
	InFlightChunks     int             `json:"in_flight_chunks"`
	ReconnectAttempt   int             `json:"reconnect_attempt"`
	ReconnectPending   bool            `json:"reconnect_pending"`
	ReconnectEnabled   bool            `json:"reconnect_enabled"`
	ReconnectExhausted bool            `json:"reconnect_exhausted"`
	KeepaliveRunning   bool            `json:"keepalive_running"`
	AverageLatency     time.Duration   `json:"average_latency_ns"`
	LatencySamples     int             `json:"latency_samples"`
	LastError          string          `json:"last_error,omitempty"`
}

// AverageLatencyMS 便于展示的毫秒值。
func (m Metrics) AverageLatencyMS() float64 {
	return float64(m.AverageLatency) / float64(time.Millisecond)
}
