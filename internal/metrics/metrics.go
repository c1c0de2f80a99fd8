// Package metrics holds the Prometheus collectors exported by an otpnet
// gateway.
//
// Every method is safe to call on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "otpnet"

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics groups the gateway collectors.
type Metrics struct {
	connectionsActive *prometheus.GaugeVec
	identitiesActive  prometheus.Gauge
	keysIssued        prometheus.Counter
	keysRevoked       prometheus.Counter
	handshakeErrors   *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	frames            *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Live connections per transport.",
		}, []string{"transport"}),
		identitiesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities_active",
			Help:      "System identities currently allocated.",
		}),
		keysIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_issued_total",
			Help:      "One-time-pad keys issued.",
		}),
		keysRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_revoked_total",
			Help:      "One-time-pad keys revoked.",
		}),
		handshakeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Key requests rejected, by error code.",
		}, []string{"code"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_delivery_failures_total",
			Help:      "Group broadcast deliveries that failed for a single member.",
		}, []string{"transport"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames handled per transport and direction.",
		}, []string{"transport", "direction"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.connectionsActive,
		m.identitiesActive,
		m.keysIssued,
		m.keysRevoked,
		m.handshakeErrors,
		m.deliveryFailures,
		m.frames,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ConnectionOpened increments the live connection gauge for transport.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the live connection gauge for transport.
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(transport).Dec()
}

// IdentitiesActive sets the allocated identity gauge.
func (m *Metrics) IdentitiesActive(n int) {
	if m == nil {
		return
	}
	m.identitiesActive.Set(float64(n))
}

func (m *Metrics) KeyIssued() {
	if m == nil {
		return
	}
	m.keysIssued.Inc()
}

func (m *Metrics) KeyRevoked() {
	if m == nil {
		return
	}
	m.keysRevoked.Inc()
}

// HandshakeError counts a rejected key request.
func (m *Metrics) HandshakeError(code int32) {
	if m == nil {
		return
	}
	m.handshakeErrors.WithLabelValues(strconv.FormatInt(int64(code), 10)).Inc()
}

// DeliveryFailed counts a failed delivery to one group member.
func (m *Metrics) DeliveryFailed(transport string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(transport).Inc()
}

// Frame counts one frame in the given direction.
func (m *Metrics) Frame(transport, direction string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(transport, direction).Inc()
}
