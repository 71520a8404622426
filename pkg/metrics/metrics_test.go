package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.MessageReceived("accepted")
	c.MessageReceived("accepted")
	c.MessageReceived("malformed")
	c.ParseFailed()
	c.Appended("n", false)
	c.Appended("n", true)
	c.Dropped("n")
	c.SinkWrite("gcs", true)
	c.SinkWrite("gcs", false)
	c.SinkDropped()
	c.ReconnectAttempt()
	c.ActiveSubscriptions(3)
	c.TransportState("connected", []string{"disconnected", "connected"})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.parseFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.readingsBuffered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bufferEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.buffersDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sinkWrites.WithLabelValues("gcs", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sinkWrites.WithLabelValues("gcs", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sinkDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.subscriptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transportState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.transportState.WithLabelValues("disconnected")))
}

func TestCollector_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.MessageReceived("accepted")
		c.ParseFailed()
		c.Appended("n", true)
		c.Dropped("n")
		c.SinkWrite("bigquery", false)
		c.SinkDropped()
		c.TransportState("connected", []string{"connected"})
		c.ReconnectAttempt()
		c.ActiveSubscriptions(1)
	})
}
