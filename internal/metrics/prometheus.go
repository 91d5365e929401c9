package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoordinatorMetrics holds the arbiter's Prometheus metrics
type CoordinatorMetrics struct {
	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	CacheHits        *prometheus.CounterVec

	// Request metrics
	RequestsTotal *prometheus.CounterVec
	RequestErrors *prometheus.CounterVec

	// Escalation metrics
	EscalationsTotal    *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	PendingEscalations  prometheus.Gauge
	PersistenceFailures *prometheus.CounterVec

	// Cluster health metrics
	SnapshotAge       prometheus.Gauge
	SnapshotRefreshes *prometheus.CounterVec
	NodesAlive        prometheus.Gauge
}

// NewCoordinatorMetrics creates and registers metrics on the default registry
func NewCoordinatorMetrics() *CoordinatorMetrics {
	return NewCoordinatorMetricsWith(prometheus.DefaultRegisterer)
}

// NewCoordinatorMetricsWith creates and registers metrics on reg
func NewCoordinatorMetricsWith(reg prometheus.Registerer) *CoordinatorMetrics {
	factory := promauto.With(reg)
	return &CoordinatorMetrics{
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_arbiter_decisions_total",
				Help: "Total number of decisions by operation kind and verdict",
			},
			[]string{"kind", "decision", "decided_by"},
		),

		DecisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bynar_arbiter_decision_duration_seconds",
				Help:    "Duration of a decision including persistence",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_arbiter_replayed_decisions_total",
				Help: "Repeated deliveries answered from a recorded decision",
			},
			[]string{"source"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_arbiter_requests_total",
				Help: "Total number of RPCs handled",
			},
			[]string{"method"},
		),

		RequestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_arbiter_request_errors_total",
				Help: "Total number of RPC errors",
			},
			[]string{"method", "error_type"},
		),

		EscalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_arbiter_escalations_total",
				Help: "Escalations by outcome (ticket_opened, ticket_updated, failed)",
			},
			[]string{"outcome"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_arbiter_notifications_total",
				Help: "Chat notifications sent",
			},
			[]string{"status"},
		),

		PendingEscalations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bynar_arbiter_pending_escalations",
				Help: "Denied or failed operations waiting for escalation",
			},
		),

		PersistenceFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_arbiter_persistence_failures_total",
				Help: "Decisions that could not be durably recorded",
			},
			[]string{"operation"},
		),

		SnapshotAge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bynar_arbiter_cluster_snapshot_age_seconds",
				Help: "Age of the cluster health snapshot at last refresh",
			},
		),

		SnapshotRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_arbiter_cluster_snapshot_refreshes_total",
				Help: "Cluster health refresh attempts by status",
			},
			[]string{"status"},
		),

		NodesAlive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bynar_arbiter_nodes_alive",
				Help: "Agents currently in the gossip membership",
			},
		),
	}
}

// RecordDecision records a decision and its latency
func (m *CoordinatorMetrics) RecordDecision(kind, decision, decidedBy string, duration float64) {
	m.DecisionsTotal.WithLabelValues(kind, decision, decidedBy).Inc()
	m.DecisionDuration.WithLabelValues(kind).Observe(duration)
}

// RecordReplay records a repeated delivery answered without re-evaluation
func (m *CoordinatorMetrics) RecordReplay(source string) {
	m.CacheHits.WithLabelValues(source).Inc()
}

// RecordRequest records an RPC
func (m *CoordinatorMetrics) RecordRequest(method string) {
	m.RequestsTotal.WithLabelValues(method).Inc()
}

// RecordError records an RPC error
func (m *CoordinatorMetrics) RecordError(method, errorType string) {
	m.RequestErrors.WithLabelValues(method, errorType).Inc()
}

// RecordEscalation records an escalation attempt outcome
func (m *CoordinatorMetrics) RecordEscalation(outcome string) {
	m.EscalationsTotal.WithLabelValues(outcome).Inc()
}

// RecordNotification records a chat notification
func (m *CoordinatorMetrics) RecordNotification(status string) {
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

// UpdatePendingEscalations sets the outbox size
func (m *CoordinatorMetrics) UpdatePendingEscalations(n int) {
	m.PendingEscalations.Set(float64(n))
}

// RecordPersistenceFailure records a failed transaction
func (m *CoordinatorMetrics) RecordPersistenceFailure(operation string) {
	m.PersistenceFailures.WithLabelValues(operation).Inc()
}

// RecordSnapshotRefresh records a cluster health refresh
func (m *CoordinatorMetrics) RecordSnapshotRefresh(status string, ageSeconds float64) {
	m.SnapshotRefreshes.WithLabelValues(status).Inc()
	if status == "success" {
		m.SnapshotAge.Set(ageSeconds)
	}
}

// UpdateNodesAlive sets the gossip member count
func (m *CoordinatorMetrics) UpdateNodesAlive(n int) {
	m.NodesAlive.Set(float64(n))
}

// AgentMetrics holds a disk agent's Prometheus metrics
type AgentMetrics struct {
	ScansTotal     *prometheus.CounterVec
	ScanDuration   prometheus.Histogram
	StateEvents    *prometheus.CounterVec
	DroppedEvents  prometheus.Counter
	ProposalsTotal *prometheus.CounterVec
	Retries        *prometheus.CounterVec
	ExhaustedOps   *prometheus.CounterVec
	DeviceActions  *prometheus.CounterVec
	OutstandingOps prometheus.Gauge
}

// NewAgentMetrics creates and registers metrics on the default registry
func NewAgentMetrics() *AgentMetrics {
	return NewAgentMetricsWith(prometheus.DefaultRegisterer)
}

// NewAgentMetricsWith creates and registers metrics on reg
func NewAgentMetricsWith(reg prometheus.Registerer) *AgentMetrics {
	factory := promauto.With(reg)
	return &AgentMetrics{
		ScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_agent_disk_scans_total",
				Help: "Per-disk health probes by result",
			},
			[]string{"result"},
		),

		ScanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bynar_agent_scan_duration_seconds",
				Help:    "Duration of a full scan of local disks",
				Buckets: prometheus.DefBuckets,
			},
		),

		StateEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_agent_state_events_total",
				Help: "Disk state changes detected by the monitor",
			},
			[]string{"state"},
		),

		DroppedEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bynar_agent_dropped_events_total",
				Help: "State events not delivered because the proposer was busy",
			},
		),

		ProposalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_agent_proposals_total",
				Help: "Operation requests by kind and received decision",
			},
			[]string{"kind", "decision"},
		),

		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_agent_retries_total",
				Help: "Retried requests by reason",
			},
			[]string{"reason"},
		),

		ExhaustedOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_agent_exhausted_operations_total",
				Help: "Operations marked failed locally after the retry budget ran out",
			},
			[]string{"kind"},
		),

		DeviceActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bynar_agent_device_actions_total",
				Help: "Device remove/add actions by result",
			},
			[]string{"action", "result"},
		),

		OutstandingOps: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bynar_agent_outstanding_operations",
				Help: "Operations awaiting a decision or completion",
			},
		),
	}
}

// RecordScan records one disk probe
func (m *AgentMetrics) RecordScan(result string) {
	m.ScansTotal.WithLabelValues(result).Inc()
}

// RecordStateEvent records a detected state change
func (m *AgentMetrics) RecordStateEvent(state string) {
	m.StateEvents.WithLabelValues(state).Inc()
}

// RecordProposal records a received decision
func (m *AgentMetrics) RecordProposal(kind, decision string) {
	m.ProposalsTotal.WithLabelValues(kind, decision).Inc()
}

// RecordRetry records a scheduled retry
func (m *AgentMetrics) RecordRetry(reason string) {
	m.Retries.WithLabelValues(reason).Inc()
}

// RecordExhausted records an operation that ran out of retries
func (m *AgentMetrics) RecordExhausted(kind string) {
	m.ExhaustedOps.WithLabelValues(kind).Inc()
}

// RecordDeviceAction records a device action result
func (m *AgentMetrics) RecordDeviceAction(action, result string) {
	m.DeviceActions.WithLabelValues(action, result).Inc()
}
