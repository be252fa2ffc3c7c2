package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pod-service/internal/types"
)

const namespace = "pod"

// Metrics holds the service collectors on a private registry. All methods
// are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	commands   *prometheus.CounterVec
	roundTrips *prometheus.CounterVec
	state      *prometheus.GaugeVec
	trips      prometheus.Counter
	emergency  *prometheus.CounterVec
	connected  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Operator commands by range and outcome.",
		}, []string{"range", "outcome"}),
		roundTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "round_trips_total",
			Help:      "Device round trips by command code and outcome.",
		}, []string{"code", "outcome"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current pod state, 0 otherwise.",
		}, []string{"state"}),
		trips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trips_total",
			Help:      "Trips scheduled after a launch.",
		}),
		emergency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_triggers_total",
			Help:      "Emergency triggers by source and result.",
		}, []string{"source", "result"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "connected",
			Help:      "Devices holding an open connection.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands, m.roundTrips, m.state, m.trips, m.emergency, m.connected,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (m *Metrics) Command(rng, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(rng, outcome).Inc()
}

func (m *Metrics) RoundTrip(code uint8, outcome string) {
	if m == nil {
		return
	}
	m.roundTrips.WithLabelValues(strconv.Itoa(int(code)), outcome).Inc()
}

func (m *Metrics) State(current types.PodState) {
	if m == nil {
		return
	}
	for _, s := range types.AllPodStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) Trip() {
	if m == nil {
		return
	}
	m.trips.Inc()
}

func (m *Metrics) Emergency(source, result string) {
	if m == nil {
		return
	}
	m.emergency.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Connected(n int) {
	if m == nil {
		return
	}
	m.connected.Set(float64(n))
}
