package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Side labels tell the server process apart from the client process
const (
	SideServer = "server"
	SideClient = "client"
)

var (
	// SessionsActive tracks sync sessions currently attached to the hub
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_sessions_active",
		Help: "Number of client sessions currently connected",
	})

	// ChangesStreamed counts change-log rows sent downstream, by phase
	// (initial, catchup, live)
	ChangesStreamed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_changes_streamed_total",
		Help: "Total number of changes sent to clients",
	}, []string{"phase"})

	// ChangesFiltered counts changes withheld because the receiving client
	// produced them (origin echo)
	ChangesFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_changes_filtered_total",
		Help: "Total number of changes not sent back to their origin client",
	})

	// MessagesDeduplicated counts batches dropped because their message id was
	// already processed
	MessagesDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_messages_deduplicated_total",
		Help: "Total number of duplicate batches acknowledged without reapplying",
	}, []string{"side"})

	// Retransmissions counts chunks resent after an acknowledgment timeout or
	// a sequence gap
	Retransmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_retransmissions_total",
		Help: "Total number of chunks sent more than once",
	}, []string{"side", "phase"})
)

var (
	// ApplyDuration tracks the end-to-end latency of applying one incoming batch
	ApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_apply_duration_seconds",
		Help:    "Time taken to apply an incoming batch, from validation to commit",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"side", "status"}) // status: success, transient_error, fatal_error

	// BatchSize tracks the number of changes carried by each applied batch
	BatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_batch_size",
		Help:    "Number of changes per incoming batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	}, []string{"side"})

	// RowsProcessed tracks per-row outcomes of the applier
	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_rows_processed_total",
		Help: "Total number of incoming rows by outcome (applied, stale, rejected, failed)",
	}, []string{"side", "table", "result"})

	// ApplyRetries tracks how many times a batch transaction was retried due to
	// lock contention
	ApplyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_apply_lock_retries_total",
		Help: "Number of batch retries triggered by deadlocks or busy databases",
	}, []string{"side"})
)

var (
	// OutboxBacklog tracks local mutations not yet acknowledged by the server.
	// This is the primary indicator of client lag
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_outbox_backlog",
		Help: "Current number of pending entries in the client outbox",
	})

	// OutboxFailed tracks entries that exhausted their attempts. If this number
	// grows, someone has to look at the rejected rows
	OutboxFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_outbox_failed",
		Help: "Current number of failed entries in the client outbox",
	})

	// OutboxSent counts outbox entries by acknowledgment result
	OutboxSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_outbox_entries_total",
		Help: "Total number of outbox entries by result (acked, rejected, timeout)",
	}, []string{"result"})

	// ClientLSN is the cursor position persisted by the client
	ClientLSN = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_client_lsn",
		Help: "Last change-log position committed by the client",
	})

	// ServerLSN is the newest change-log position seen by the server
	ServerLSN = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_server_lsn",
		Help: "Newest change-log position on the server",
	})
)

var (
	// Reconnections counts how many times the client had to restore the link.
	// Frequent increments indicate network instability
	Reconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_reconnections_total",
		Help: "Total number of reconnection attempts",
	})

	// HeartbeatTimeouts counts connections declared dead for silence
	HeartbeatTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_heartbeat_timeouts_total",
		Help: "Total number of sessions ended because the peer stopped sending heartbeats",
	}, []string{"side"})

	// ResyncsForced counts sessions that had to restart from a snapshot
	ResyncsForced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_resyncs_forced_total",
		Help: "Total number of sessions forced back to the initial phase",
	})

	// HealthStatus provides a binary 0/1 signal for the process health.
	// 1 = Healthy, 0 = Unhealthy (store or broker link is down)
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_healthy",
		Help: "Current health status (1 for healthy, 0 for unhealthy)",
	})
)
