package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var labelNames = []string{"scheme", "network", "result"}

// PrometheusRecorder exports counters and histograms on a private registry.
type PrometheusRecorder struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusRecorder() *PrometheusRecorder {
	p := &PrometheusRecorder{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	for name, help := range map[string]string{
		VerifyTotal: "Payment verifications by outcome",
		SettleTotal: "Payment settlements by outcome",
	} {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      name,
			Help:      help,
		}, labelNames)
		p.registry.MustRegister(c)
		p.counters[name] = c
	}

	for name, help := range map[string]string{
		VerifySeconds: "Verification latency",
		SettleSeconds: "Settlement latency including confirmation",
	} {
		h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		}, labelNames)
		p.registry.MustRegister(h)
		p.histograms[name] = h
	}

	return p
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	if c, ok := p.counters[name]; ok {
		c.With(promLabels(labels)).Inc()
	}
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	if h, ok := p.histograms[name]; ok {
		h.With(promLabels(labels)).Observe(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

func promLabels(labels map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(labelNames))
	for _, name := range labelNames {
		out[name] = labels[name]
	}
	return out
}
