// README: Prometheus collectors for dispatch, lifecycle and tracking activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	dispatches       *prometheus.CounterVec
	dispatchDistance prometheus.Histogram
	transitions      *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	persistFailures  prometheus.Counter
	connectedDrivers prometheus.Gauge
}

// New registers the collectors on reg, or on the default registerer when reg is nil.
// Collectors that are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_dispatch_total",
			Help: "Nearest-driver searches by outcome",
		}, []string{"outcome"}),
		dispatchDistance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_dispatch_distance_km",
			Help:    "Distance between the order and the selected driver",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_order_transitions_total",
			Help: "Conditional lifecycle updates by operation and result",
		}, []string{"op", "result"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_relay_events_total",
			Help: "Real-time events emitted by the tracking relay",
		}, []string{"event"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_relay_persist_failures_total",
			Help: "Tracked-location writes that failed in the background writer",
		}),
		connectedDrivers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_connected_drivers",
			Help: "Drivers currently present in the registry",
		}),
	}

	var err error
	if m.dispatches, err = register(reg, m.dispatches); err != nil {
		return nil, err
	}
	if m.dispatchDistance, err = register(reg, m.dispatchDistance); err != nil {
		return nil, err
	}
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.broadcasts, err = register(reg, m.broadcasts); err != nil {
		return nil, err
	}
	if m.persistFailures, err = register(reg, m.persistFailures); err != nil {
		return nil, err
	}
	if m.connectedDrivers, err = register(reg, m.connectedDrivers); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) ObserveDispatch(outcome string, distanceKm float64) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
	if outcome == "assigned" {
		m.dispatchDistance.Observe(distanceKm)
	}
}

func (m *Metrics) ObserveTransition(op, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveEvent(event string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(event).Inc()
}

func (m *Metrics) ObservePersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) SetConnectedDrivers(n int) {
	if m == nil {
		return
	}
	m.connectedDrivers.Set(float64(n))
}
