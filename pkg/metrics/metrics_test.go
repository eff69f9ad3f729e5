package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistry(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// Recording on nil metrics is a no-op.
	m.DatagramReceived("7000")
	m.DatagramDropped("7000", "queue_full")
	m.RequestDone("ping", "replied", "", time.Millisecond)
	m.Booking("default", "booked", time.Second)
	m.InFlight(1)
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.DatagramReceived("7000")
	m.DatagramReceived("7000")
	m.DatagramDropped("7000", "queue_full")
	m.RequestDone("measure", "dropped", "store_error", 10*time.Millisecond)
	m.RequestDone("", "dropped", "malformed", time.Millisecond)
	m.Booking("assigned", "booked", 30*time.Second)
	m.Booking("default", "no_target", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.datagramsReceived.WithLabelValues("7000")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.datagramsDropped.WithLabelValues("7000", "queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unknown", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drops.WithLabelValues("store_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bookings.WithLabelValues("default", "no_target")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.bookingDelay))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
