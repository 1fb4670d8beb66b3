package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Sink is the fire-and-forget metrics surface handed to handlers and the
// driver. Emit never blocks and never fails the caller.
type Sink interface {
	Emit(name string, value float64, tags map[string]string)
}

// NopSink discards all observations.
type NopSink struct{}

// Emit discards the observation.
func (NopSink) Emit(string, float64, map[string]string) {}

// RegistrySink exposes emitted observations as lazily created prometheus
// gauges on the shared registry. Label sets are fixed on first emit per
// name; later emits with a mismatched tag set are dropped.
type RegistrySink struct {
	registry *prometheus.Registry
	logger   zerolog.Logger
	gauges   map[string]*prometheus.GaugeVec
	labels   map[string][]string
	mu       sync.Mutex
}

// NewRegistrySink creates a sink backed by the given metrics registry.
func NewRegistrySink(m *Metrics, logger zerolog.Logger) *RegistrySink {
	return &RegistrySink{
		registry: m.Registry(),
		logger:   logger,
		gauges:   make(map[string]*prometheus.GaugeVec),
		labels:   make(map[string][]string),
	}
}

// Emit records an observation. Failures are logged at debug and swallowed.
func (s *RegistrySink) Emit(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	labels := sortedKeys(tags)
	gauge, ok := s.gauges[name]
	if !ok {
		gauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: name, Help: "Emitted observation " + name},
			labels,
		)
		if err := s.registry.Register(gauge); err != nil {
			s.logger.Debug().Err(err).Str("metric", name).Msg("Dropped metric registration")
			return
		}
		s.gauges[name] = gauge
		s.labels[name] = labels
	}

	if !equalLabels(s.labels[name], labels) {
		s.logger.Debug().Str("metric", name).Msg("Dropped metric with mismatched tag set")
		return
	}

	g, err := gauge.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		s.logger.Debug().Err(err).Str("metric", name).Msg("Dropped metric observation")
		return
	}
	g.Set(value)
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
