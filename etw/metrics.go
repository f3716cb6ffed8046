package etw

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "etwlens"

// Batch outcome label values.
const (
	outcomeOK         = "ok"
	outcomeOpenFailed = "open_failed"
	outcomeFailed     = "failed"
)

// Metrics holds the Prometheus collectors of the decode pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	schemaUnavailable prometheus.Counter
	recordsDecoded    prometheus.Counter
	propertyErrors    *prometheus.CounterVec
	mapLookupMisses   prometheus.Counter
	batches           *prometheus.CounterVec
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	})
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, labels)
}

// register adds c to reg. If an equal collector is already registered the
// existing one is returned so several pipelines can share a registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// NewMetrics creates the collectors and registers them with reg, or with
// prometheus.DefaultRegisterer when reg is nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{}
	var errs []error
	counter := func(name, help string) prometheus.Counter {
		c, err := register(reg, newCounter(name, help))
		errs = append(errs, err)
		return c
	}
	vec := func(name, help string, labels ...string) *prometheus.CounterVec {
		c, err := register(reg, newCounterVec(name, help, labels...))
		errs = append(errs, err)
		return c
	}

	m.cacheHits = counter("schema_cache_hits_total", "Schema lookups served from the cache.")
	m.cacheMisses = counter("schema_cache_misses_total", "Schema lookups that queried the metadata provider.")
	m.schemaUnavailable = counter("schema_unavailable_total", "Records skipped because no schema could be built.")
	m.recordsDecoded = counter("records_decoded_total", "Records decoded into property values.")
	m.propertyErrors = vec("property_errors_total", "Properties that failed to format.", "reason")
	m.mapLookupMisses = counter("map_lookup_misses_total", "Mapped values formatted again without their map.")
	m.batches = vec("batches_total", "Filter requests processed by the decode worker.", "outcome")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) unavailable() {
	if m != nil {
		m.schemaUnavailable.Inc()
	}
}

func (m *Metrics) recordDecoded() {
	if m != nil {
		m.recordsDecoded.Inc()
	}
}

func (m *Metrics) mapMiss() {
	if m != nil {
		m.mapLookupMisses.Inc()
	}
}

// propertyError counts a failure under a coarse reason label.
func (m *Metrics) propertyError(err error) {
	if m == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, ErrBufferTooSmall):
		reason = "buffer_too_small"
	case errors.Is(err, ErrUnsupportedType):
		reason = "unsupported_type"
	case errors.Is(err, ErrMapLookupMiss):
		reason = "map_lookup_miss"
	}
	m.propertyErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) batch(outcome string) {
	if m != nil {
		m.batches.WithLabelValues(outcome).Inc()
	}
}
