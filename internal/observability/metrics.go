package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// IntersectionCollector bundles Prometheus metrics for the arbitration core
// and exposes a /metrics handler. It satisfies core.MetricsRecorder.
type IntersectionCollector struct {
	gatherer prometheus.Gatherer

	Grants          *prometheus.CounterVec
	GrantDurations  *prometheus.HistogramVec
	ArbitrationLoss *prometheus.CounterVec
	RoadDemand      *prometheus.GaugeVec

	EmergencyActive prometheus.Gauge
	EmergencyClears prometheus.Counter
}

// NewIntersectionCollector registers intersection metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewIntersectionCollector(reg prometheus.Registerer) (*IntersectionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	grants, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intersection_grants_total",
		Help: "Total number of green grants, labeled by road and whether an emergency forced the grant.",
	}, []string{"road", "emergency"}), "intersection_grants_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intersection_grant_duration_seconds",
		Help:    "Simulated green interval per grant in seconds.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"road"}), "intersection_grant_duration_seconds")
	if err != nil {
		return nil, err
	}

	losses, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intersection_arbitration_waits_total",
		Help: "Number of times a road handler lost arbitration and waited for a state change.",
	}, []string{"road"}), "intersection_arbitration_waits_total")
	if err != nil {
		return nil, err
	}

	demand, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "intersection_road_demand",
		Help: "Current queued demand per road.",
	}, []string{"road"}), "intersection_road_demand")
	if err != nil {
		return nil, err
	}

	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "intersection_emergency_active",
		Help: "1 while an emergency condition pins the intersection, 0 otherwise.",
	}), "intersection_emergency_active")
	if err != nil {
		return nil, err
	}

	clears, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intersection_emergency_clears_total",
		Help: "Number of emergency conditions cleared after their road drained.",
	}), "intersection_emergency_clears_total")
	if err != nil {
		return nil, err
	}

	return &IntersectionCollector{
		gatherer:        gatherer,
		Grants:          grants,
		GrantDurations:  durations,
		ArbitrationLoss: losses,
		RoadDemand:      demand,
		EmergencyActive: active,
		EmergencyClears: clears,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *IntersectionCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordGrant counts a completed grant and observes its green interval.
func (c *IntersectionCollector) RecordGrant(road int, emergency bool, d time.Duration) {
	if c == nil {
		return
	}
	label := strconv.Itoa(road)
	if c.Grants != nil {
		c.Grants.WithLabelValues(label, strconv.FormatBool(emergency)).Inc()
	}
	if c.GrantDurations != nil {
		c.GrantDurations.WithLabelValues(label).Observe(d.Seconds())
	}
}

// RecordWait counts a lost arbitration round for road.
func (c *IntersectionCollector) RecordWait(road int) {
	if c == nil || c.ArbitrationLoss == nil {
		return
	}
	c.ArbitrationLoss.WithLabelValues(strconv.Itoa(road)).Inc()
}

// SetDemands publishes the current per-road demand.
func (c *IntersectionCollector) SetDemands(demands []int) {
	if c == nil || c.RoadDemand == nil {
		return
	}
	for i, d := range demands {
		c.RoadDemand.WithLabelValues(strconv.Itoa(i)).Set(float64(d))
	}
}

// SetEmergencyActive toggles the emergency gauge.
func (c *IntersectionCollector) SetEmergencyActive(active bool) {
	if c == nil || c.EmergencyActive == nil {
		return
	}
	if active {
		c.EmergencyActive.Set(1)
		return
	}
	c.EmergencyActive.Set(0)
}

// RecordEmergencyCleared counts an emergency clear.
func (c *IntersectionCollector) RecordEmergencyCleared() {
	if c == nil || c.EmergencyClears == nil {
		return
	}
	c.EmergencyClears.Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
