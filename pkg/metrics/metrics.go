// Package metrics holds the Prometheus collectors of the daemon. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bdmd"

// DropQueueFull is the only reason a datagram is dropped before reaching a
// worker.
const DropQueueFull = "queue_full"

type Metrics struct {
	datagramsReceived *prometheus.CounterVec // By port
	datagramsDropped  *prometheus.CounterVec // By port and reason (queue_full)
	requests          *prometheus.CounterVec // By command and state (replied/dropped)
	drops             *prometheus.CounterVec // By reason
	requestDuration   *prometheus.HistogramVec
	bookings          *prometheus.CounterVec // By path (assigned/default) and result (booked/no_target)
	bookingDelay      prometheus.Histogram
	inFlight          prometheus.Gauge
}

// New creates the collectors and registers them with reg. It returns nil
// when reg is nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		datagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "datagrams_received_total",
			Help:      "Datagrams read from the UDP sockets",
		}, []string{"port"}),

		datagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams discarded before reaching a worker",
		}, []string{"port", "reason"}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Requests by command and final state",
		}, []string{"command", "state"}),

		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "drops_total",
			Help:      "Dropped requests by reason",
		}, []string{"reason"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling one request",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"command"}),

		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "bookings_total",
			Help:      "Measurement scheduling outcomes",
		}, []string{"path", "result"}),

		bookingDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "booking_delay_seconds",
			Help:      "Delay handed to probes before they may start measuring",
			Buckets:   []float64{0, 1, 5, 15, 30, 60, 120, 300},
		}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "requests_in_flight",
			Help:      "Requests currently being handled by workers",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.datagramsReceived,
		m.datagramsDropped,
		m.requests,
		m.drops,
		m.requestDuration,
		m.bookings,
		m.bookingDelay,
		m.inFlight,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) DatagramReceived(port string) {
	if m == nil {
		return
	}
	m.datagramsReceived.WithLabelValues(port).Inc()
}

func (m *Metrics) DatagramDropped(port, reason string) {
	if m == nil {
		return
	}
	m.datagramsDropped.WithLabelValues(port, reason).Inc()
}

// RequestDone records the final state of a request. reason is only used for
// dropped requests.
func (m *Metrics) RequestDone(command, state, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if command == "" {
		command = "unknown"
	}
	m.requests.WithLabelValues(command, state).Inc()
	if reason != "" {
		m.drops.WithLabelValues(reason).Inc()
	}
	m.requestDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) Booking(path, result string, delay time.Duration) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(path, result).Inc()
	if result == "booked" {
		m.bookingDelay.Observe(delay.Seconds())
	}
}

func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
