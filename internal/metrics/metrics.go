// Package metrics holds the prometheus collectors for the peer client and
// the rendezvous server. All methods are safe on a nil receiver so
// components can run without metrics wired in.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ambient"

type Peer struct {
	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
	retries     *prometheus.CounterVec
	delays      prometheus.Histogram
	sessions    *prometheus.CounterVec
	superseded  prometheus.Counter
	fatal       prometheus.Counter
}

func NewPeer(reg prometheus.Registerer) *Peer {
	f := promauto.With(reg)
	return &Peer{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "state_transitions_total",
			Help:      "Connection state notifications by target state.",
		}, []string{"state"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "reconnect_scheduled_total",
			Help:      "Scheduled reconnects by kind (session, registration).",
		}, []string{"kind"}),
		delays: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay chosen for each scheduled reconnect.",
			Buckets:   []float64{1, 2, 4, 8, 10},
		}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "sessions_total",
			Help:      "Sessions adopted by direction (inbound, outbound).",
		}, []string{"direction"}),
		superseded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "sessions_superseded_total",
			Help:      "Retained sessions closed because a newer one was adopted.",
		}),
		fatal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "fatal_errors_total",
			Help:      "Local media acquisition failures.",
		}),
	}
}

// State records a state notification. prev is the state before it.
func (p *Peer) State(prev, next string) {
	if p == nil {
		return
	}
	p.transitions.WithLabelValues(next).Inc()
	if prev != "" {
		p.state.WithLabelValues(prev).Set(0)
	}
	p.state.WithLabelValues(next).Set(1)
}

func (p *Peer) Retry(kind string, delay time.Duration) {
	if p == nil {
		return
	}
	p.retries.WithLabelValues(kind).Inc()
	p.delays.Observe(delay.Seconds())
}

func (p *Peer) Session(direction string) {
	if p == nil {
		return
	}
	p.sessions.WithLabelValues(direction).Inc()
}

func (p *Peer) Superseded() {
	if p == nil {
		return
	}
	p.superseded.Inc()
}

func (p *Peer) Fatal() {
	if p == nil {
		return
	}
	p.fatal.Inc()
}

type Server struct {
	registrations *prometheus.CounterVec
	active        prometheus.Gauge
	relayed       *prometheus.CounterVec
	expired       prometheus.Counter
	kicked        prometheus.Counter
}

func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "registrations_total",
			Help:      "Registration attempts by result (open, id_taken, rate_limited, invalid).",
		}, []string{"result"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "registrations_active",
			Help:      "Identities currently registered.",
		}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "relayed_total",
			Help:      "Messages relayed between identities by type.",
		}, []string{"type"}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "expired_total",
			Help:      "Messages addressed to identities that are not registered.",
		}),
		kicked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "backpressure_kicks_total",
			Help:      "Connections closed because their send queue was full.",
		}),
	}
}

func (s *Server) Registration(result string) {
	if s == nil {
		return
	}
	s.registrations.WithLabelValues(result).Inc()
}

func (s *Server) Active(delta float64) {
	if s == nil {
		return
	}
	s.active.Add(delta)
}

func (s *Server) Relayed(typ string) {
	if s == nil {
		return
	}
	s.relayed.WithLabelValues(typ).Inc()
}

func (s *Server) Expired() {
	if s == nil {
		return
	}
	s.expired.Inc()
}

func (s *Server) Kicked() {
	if s == nil {
		return
	}
	s.kicked.Inc()
}
