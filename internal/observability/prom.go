package observability

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromMetrics is a Metrics sink backed by a prometheus registry. Vectors are
// created lazily on first use; the label-key set seen first for a name fixes
// that vector's schema.
type PromMetrics struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

// NewPromMetrics constructs an empty prometheus-backed sink.
func NewPromMetrics() *PromMetrics {
	return &PromMetrics{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
}

// Handler exposes the registry in text exposition format for scraping.
func (p *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// IncCounter adds value to the counter identified by name and labels.
func (p *PromMetrics) IncCounter(name string, value float64, labels map[string]string) {
	if value < 0 {
		return
	}
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelKeys(labels))
		if err := p.registry.Register(vec); err != nil {
			p.mu.Unlock()
			return
		}
		p.counters[name] = vec
	}
	p.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Add(value)
}

// SetGauge sets the gauge identified by name and labels.
func (p *PromMetrics) SetGauge(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelKeys(labels))
		if err := p.registry.Register(vec); err != nil {
			p.mu.Unlock()
			return
		}
		p.gauges[name] = vec
	}
	p.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Set(value)
}

func labelKeys(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
