package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for one SyncManager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	EventsRouted     *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	MalformedRecords *prometheus.CounterVec
	Merges           prometheus.Counter
	PageLoads        *prometheus.CounterVec
	StaleResponses   prometheus.Counter
	Mutations        *prometheus.CounterVec
	MutationRetries  *prometheus.CounterVec
	ActiveTypers     prometheus.Gauge
	DeltaSyncs       prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_routed_total",
			Help:      "Real-time events applied to local state, by event type.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_dropped_total",
			Help:      "Real-time events ignored, by reason.",
		}, []string{"reason"}),
		MalformedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "malformed_records_total",
			Help:      "Message records dropped during merge, by reason.",
		}, []string{"reason"}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "merges_total",
			Help:      "Batches merged into the message cache.",
		}),
		PageLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "page_loads_total",
			Help:      "Page loads by outcome.",
		}, []string{"outcome"}),
		StaleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_responses_total",
			Help:      "Page responses discarded because their scope was superseded.",
		}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "mutations_total",
			Help:      "Optimistic mutations by kind and terminal outcome.",
		}, []string{"kind", "outcome"}),
		MutationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "mutation_retries_total",
			Help:      "Backoff retries of optimistic mutations, by kind.",
		}, []string{"kind"}),
		ActiveTypers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "active_typers",
			Help:      "Peers currently shown as typing in the active scope.",
		}),
		DeltaSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "delta_syncs_total",
			Help:      "Delta syncs requested after a (re)connect.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsRouted, m.EventsDropped, m.MalformedRecords, m.Merges,
			m.PageLoads, m.StaleResponses, m.Mutations, m.MutationRetries,
			m.ActiveTypers, m.DeltaSyncs,
		)
	}
	return m
}

func (m *Metrics) routed(event string) {
	if m != nil {
		m.EventsRouted.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) malformed(reason string) {
	if m != nil {
		m.MalformedRecords.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) merged() {
	if m != nil {
		m.Merges.Inc()
	}
}

func (m *Metrics) pageLoad(outcome string) {
	if m != nil {
		m.PageLoads.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) stale() {
	if m != nil {
		m.StaleResponses.Inc()
	}
}

func (m *Metrics) mutation(kind MutationKind, outcome string) {
	if m != nil {
		m.Mutations.WithLabelValues(string(kind), outcome).Inc()
	}
}

func (m *Metrics) retry(kind MutationKind) {
	if m != nil {
		m.MutationRetries.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) typers(n int) {
	if m != nil {
		m.ActiveTypers.Set(float64(n))
	}
}

func (m *Metrics) deltaSync() {
	if m != nil {
		m.DeltaSyncs.Inc()
	}
}
