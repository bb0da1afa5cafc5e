// Package metrics wires the stack's internal counters into Prometheus.
// The perfect-link, URB and lattice layers accept a *Set that is nil by
// default; its methods are safe to call on a nil receiver, so
// instrumentation is opt-in. A caller that builds a set but never registers
// it with a registry pays for a few counter increments and nothing else.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set groups the collectors exported by the perfect-link, URB and lattice
// layers. Register it with a prometheus.Registerer to expose it; otherwise
// it is a harmless private counter.
type Set struct {
	PLPending     prometheus.Gauge
	PLRetransmits prometheus.Counter
	PLDelivered   prometheus.Counter
	PLDuplicates  prometheus.Counter

	URBEchoes     prometheus.Counter
	URBDelivered  prometheus.Counter

	LADecisions prometheus.Counter
	LARounds    prometheus.Counter
}

// NewSet builds a fresh, unregistered Set. Call Register to attach it to a
// prometheus.Registerer (commonly prometheus.DefaultRegisterer).
func NewSet() *Set {
	return &Set{
		PLPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dalattice", Subsystem: "pl", Name: "pending_datagrams",
			Help: "Datagrams sent but not yet acknowledged.",
		}),
		PLRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dalattice", Subsystem: "pl", Name: "retransmits_total",
			Help: "Datagrams retransmitted on a retransmit tick.",
		}),
		PLDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dalattice", Subsystem: "pl", Name: "delivered_total",
			Help: "Datagrams that triggered a fresh callback invocation.",
		}),
		PLDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dalattice", Subsystem: "pl", Name: "duplicates_total",
			Help: "Datagrams re-ACKed without re-invoking the callback.",
		}),
		URBEchoes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dalattice", Subsystem: "urb", Name: "echoes_total",
			Help: "First-sighting broadcasts re-broadcast as echoes.",
		}),
		URBDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dalattice", Subsystem: "urb", Name: "delivered_total",
			Help: "Broadcasts delivered after reaching majority acks.",
		}),
		LADecisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dalattice", Subsystem: "la", Name: "decisions_total",
			Help: "Agreement numbers that reached a decision.",
		}),
		LARounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dalattice", Subsystem: "la", Name: "rounds_total",
			Help: "Proposal rounds started across all agreements.",
		}),
	}
}

// The Inc*/Set* helpers below are nil-safe: every layer holds a *Set that
// may be nil when the caller opted out of metrics, so call sites never need
// their own "if metrics != nil" guard.

func (s *Set) IncPending(delta float64) {
	if s == nil {
		return
	}
	s.PLPending.Add(delta)
}

func (s *Set) IncRetransmits() {
	if s == nil {
		return
	}
	s.PLRetransmits.Inc()
}

func (s *Set) IncDelivered() {
	if s == nil {
		return
	}
	s.PLDelivered.Inc()
}

func (s *Set) IncDuplicates() {
	if s == nil {
		return
	}
	s.PLDuplicates.Inc()
}

func (s *Set) IncEchoes() {
	if s == nil {
		return
	}
	s.URBEchoes.Inc()
}

func (s *Set) IncURBDelivered() {
	if s == nil {
		return
	}
	s.URBDelivered.Inc()
}

func (s *Set) IncDecisions() {
	if s == nil {
		return
	}
	s.LADecisions.Inc()
}

func (s *Set) IncRounds() {
	if s == nil {
		return
	}
	s.LARounds.Inc()
}

// Register attaches every collector in the set to r. Collectors already
// registered elsewhere are skipped rather than causing a panic, since a
// process may construct more than one layer sharing one registry.
func (s *Set) Register(r prometheus.Registerer) {
	if s == nil {
		return
	}
	collectors := []prometheus.Collector{
		s.PLPending, s.PLRetransmits, s.PLDelivered, s.PLDuplicates,
		s.URBEchoes, s.URBDelivered, s.LADecisions, s.LARounds,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
