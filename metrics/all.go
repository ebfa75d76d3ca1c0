package metrics

import "time"

// All is a Metrics implementation feeding both the Prometheus and the
// Coda Hale backends at once.
type All struct {
	prometheus *Prometheus
	codaHale   *CodaHale
}

// NewAll returns a combined backend.
func NewAll(o Options) *All {
	return &All{
		prometheus: NewPrometheus(o),
		codaHale:   NewCodaHale(o),
	}
}

// Prometheus returns the wrapped Prometheus backend.
func (a *All) Prometheus() *Prometheus { return a.prometheus }

// CodaHale returns the wrapped Coda Hale backend.
func (a *All) CodaHale() *CodaHale { return a.codaHale }

func (a *All) MeasureFilterDecode(filterName string, start time.Time) {
	a.prometheus.MeasureFilterDecode(filterName, start)
	a.codaHale.MeasureFilterDecode(filterName, start)
}

func (a *All) MeasureFilterEncode(filterName string, start time.Time) {
	a.prometheus.MeasureFilterEncode(filterName, start)
	a.codaHale.MeasureFilterEncode(filterName, start)
}

func (a *All) MeasureSince(key string, start time.Time) {
	a.prometheus.MeasureSince(key, start)
	a.codaHale.MeasureSince(key, start)
}

func (a *All) IncCounter(key string) {
	a.prometheus.IncCounter(key)
	a.codaHale.IncCounter(key)
}

func (a *All) IncCounterBy(key string, value int64) {
	a.prometheus.IncCounterBy(key, value)
	a.codaHale.IncCounterBy(key, value)
}

func (a *All) UpdateGauge(key string, value float64) {
	a.prometheus.UpdateGauge(key, value)
	a.codaHale.UpdateGauge(key, value)
}
