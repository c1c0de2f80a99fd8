package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened("socket")
		m.ConnectionClosed("socket")
		m.IdentitiesActive(3)
		m.KeyIssued()
		m.KeyRevoked()
		m.HandshakeError(-3)
		m.DeliveryFailed("websocket")
		m.Frame("websocket", DirectionIn)
	})
}

func TestMetricsRegisterAndCount(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ConnectionOpened("socket")
	m.ConnectionOpened("socket")
	m.ConnectionClosed("socket")
	m.KeyIssued()
	m.HandshakeError(-3)
	m.HandshakeError(-3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsActive.WithLabelValues("socket")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keysIssued))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.handshakeErrors.WithLabelValues("-3")))
}

func TestMetricsDoubleRegisterFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
