package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the custody collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	WalletsCreated       *prometheus.CounterVec
	SignOperations       *prometheus.CounterVec
	ReconstructDuration  prometheus.Histogram
	DeviceEvents         *prometheus.CounterVec
	RecoverySessions     *prometheus.CounterVec
	GuardianApprovals    prometheus.Counter
	CodeAttemptsRejected prometheus.Counter
	NotificationsFailed  *prometheus.CounterVec
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers the custody collectors on reg under namespace.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WalletsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallets_created_total",
			Help:      "Wallets created, by origin (generated or migrated)",
		}, []string{"origin"}),
		SignOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_operations_total",
			Help:      "Signing requests, by kind and outcome",
		}, []string{"kind", "outcome"}),
		ReconstructDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_reconstruct_duration_seconds",
			Help:      "Duration of signing key reconstruction from device and server shares",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		DeviceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_events_total",
			Help:      "Device share registrations and revocations",
		}, []string{"event"}),
		RecoverySessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_sessions_total",
			Help:      "Recovery session transitions, by method and resulting status",
		}, []string{"method", "status"}),
		GuardianApprovals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardian_approvals_total",
			Help:      "Accepted guardian approvals",
		}),
		CodeAttemptsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_code_rejections_total",
			Help:      "Recovery confirmations rejected for a wrong code or too many attempts",
		}),
		NotificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notifications that could not be delivered, by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) WalletCreated(origin string) {
	if m == nil {
		return
	}
	m.WalletsCreated.WithLabelValues(origin).Inc()
}

func (m *Metrics) SignOperation(kind string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.SignOperations.WithLabelValues(kind, outcome).Inc()
}

// ObserveReconstruct records time since start.
func (m *Metrics) ObserveReconstruct(start time.Time) {
	if m == nil {
		return
	}
	m.ReconstructDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) DeviceEvent(event string) {
	if m == nil {
		return
	}
	m.DeviceEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RecoverySession(method, status string) {
	if m == nil {
		return
	}
	m.RecoverySessions.WithLabelValues(method, status).Inc()
}

func (m *Metrics) GuardianApproved() {
	if m == nil {
		return
	}
	m.GuardianApprovals.Inc()
}

func (m *Metrics) CodeRejected() {
	if m == nil {
		return
	}
	m.CodeAttemptsRejected.Inc()
}

func (m *Metrics) NotificationFailed(kind string) {
	if m == nil {
		return
	}
	m.NotificationsFailed.WithLabelValues(kind).Inc()
}
