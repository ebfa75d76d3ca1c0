package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	promNamespace       = "weir"
	promFilterSubsystem = "filter"
	promStreamSubsystem = "stream"
	promCustomSubsystem = "custom"
)

// Prometheus implements the prometheus metrics backend.
type Prometheus struct {
	filterDecodeM *prometheus.HistogramVec
	filterEncodeM *prometheus.HistogramVec
	customHistogramM *prometheus.HistogramVec
	customCounterM   *prometheus.CounterVec
	customGaugeM     *prometheus.GaugeVec

	opts     Options
	registry *prometheus.Registry
}

// NewPrometheus returns a new Prometheus metric backend.
func NewPrometheus(opts Options) *Prometheus {
	namespace := promNamespace
	if opts.Prefix != "" {
		namespace = strings.TrimSuffix(opts.Prefix, ".")
	}

	buckets := opts.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	filterDecode := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promFilterSubsystem,
		Name:      "decode_duration_seconds",
		Help:      "Duration in seconds of a filter decode callback.",
		Buckets:   buckets,
	}, []string{"filter"})

	filterEncode := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promFilterSubsystem,
		Name:      "encode_duration_seconds",
		Help:      "Duration in seconds of a filter encode callback.",
		Buckets:   buckets,
	}, []string{"filter"})

	customHistogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of a custom measurement.",
		Buckets:   buckets,
	}, []string{"key"})

	customCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promStreamSubsystem,
		Name:      "event_total",
		Help:      "The total of stream events by kind.",
	}, []string{"key"})

	customGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "gauges",
		Help:      "Gauges number of custom metrics.",
	}, []string{"key"})

	p := &Prometheus{
		filterDecodeM:    filterDecode,
		filterEncodeM:    filterEncode,
		customHistogramM: customHistogram,
		customCounterM:   customCounter,
		customGaugeM:     customGauge,
		opts:             opts,
		registry:         prometheus.NewRegistry(),
	}

	if opts.EnableRuntimeMetrics {
		p.registry.MustRegister(collectors.NewGoCollector())
		p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	p.registry.MustRegister(
		p.filterDecodeM,
		p.filterEncodeM,
		p.customHistogramM,
		p.customCounterM,
		p.customGaugeM,
	)

	return p
}

// Registry returns the backing prometheus registry, so the embedding
// process can expose it on its own handler.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) MeasureFilterDecode(filterName string, start time.Time) {
	p.filterDecodeM.WithLabelValues(filterName).Observe(time.Since(start).Seconds())
}

func (p *Prometheus) MeasureFilterEncode(filterName string, start time.Time) {
	p.filterEncodeM.WithLabelValues(filterName).Observe(time.Since(start).Seconds())
}

func (p *Prometheus) MeasureSince(key string, start time.Time) {
	p.customHistogramM.WithLabelValues(key).Observe(time.Since(start).Seconds())
}

func (p *Prometheus) IncCounter(key string) {
	p.customCounterM.WithLabelValues(key).Inc()
}

func (p *Prometheus) IncCounterBy(key string, value int64) {
	p.customCounterM.WithLabelValues(key).Add(float64(value))
}

func (p *Prometheus) UpdateGauge(key string, value float64) {
	p.customGaugeM.WithLabelValues(key).Set(value)
}
