package metrics

import (
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
)

const (
	KeyFilterDecode = "filter.%s.decode"
	KeyFilterEncode = "filter.%s.encode"

	statsRefreshDuration = 5 * time.Second

	defaultUniformReservoirSize  = 1024
	defaultExpDecayReservoirSize = 1028
	defaultExpDecayAlpha         = 0.015
)

// CodaHale is the CodaHale format backend, implements Metrics
// interface in DropWizard's CodaHale metrics format.
type CodaHale struct {
	reg           metrics.Registry
	createTimer   func() metrics.Timer
	createCounter func() metrics.Counter
	createGauge   func() metrics.GaugeFloat64
	options       Options
}

// NewCodaHale returns a new CodaHale backend of metrics.
func NewCodaHale(o Options) *CodaHale {
	c := &CodaHale{}
	c.reg = metrics.NewRegistry()

	var createSample func() metrics.Sample
	if o.UseExpDecaySample {
		createSample = newExpDecaySample
	} else {
		createSample = newUniformSample
	}

	c.createTimer = func() metrics.Timer { return metrics.NewCustomTimer(metrics.NewHistogram(createSample()), metrics.NewMeter()) }
	c.createCounter = metrics.NewCounter
	c.createGauge = metrics.NewGaugeFloat64
	c.options = o

	if o.EnableDebugGcMetrics {
		metrics.RegisterDebugGCStats(c.reg)
		go metrics.CaptureDebugGCStats(c.reg, statsRefreshDuration)
	}

	if o.EnableRuntimeMetrics {
		metrics.RegisterRuntimeMemStats(c.reg)
		go metrics.CaptureRuntimeMemStats(c.reg, statsRefreshDuration)
	}

	return c
}

func newUniformSample() metrics.Sample {
	return metrics.NewUniformSample(defaultUniformReservoirSize)
}

func newExpDecaySample() metrics.Sample {
	return metrics.NewExpDecaySample(defaultExpDecayReservoirSize, defaultExpDecayAlpha)
}

func (c *CodaHale) getTimer(key string) metrics.Timer {
	return c.reg.GetOrRegister(c.prefixed(key), c.createTimer).(metrics.Timer)
}

func (c *CodaHale) getCounter(key string) metrics.Counter {
	return c.reg.GetOrRegister(c.prefixed(key), c.createCounter).(metrics.Counter)
}

func (c *CodaHale) getGauge(key string) metrics.GaugeFloat64 {
	return c.reg.GetOrRegister(c.prefixed(key), c.createGauge).(metrics.GaugeFloat64)
}

func (c *CodaHale) prefixed(key string) string {
	return c.options.Prefix + key
}

func (c *CodaHale) updateTimer(key string, d time.Duration) {
	c.getTimer(key).Update(d)
}

func (c *CodaHale) measureSince(key string, start time.Time) {
	c.updateTimer(key, time.Since(start))
}

func (c *CodaHale) MeasureSince(key string, start time.Time) {
	c.measureSince(key, start)
}

func (c *CodaHale) MeasureFilterDecode(filterName string, start time.Time) {
	c.measureSince(fmt.Sprintf(KeyFilterDecode, filterName), start)
}

func (c *CodaHale) MeasureFilterEncode(filterName string, start time.Time) {
	c.measureSince(fmt.Sprintf(KeyFilterEncode, filterName), start)
}

func (c *CodaHale) IncCounter(key string) {
	c.getCounter(key).Inc(1)
}

func (c *CodaHale) IncCounterBy(key string, value int64) {
	c.getCounter(key).Inc(value)
}

func (c *CodaHale) UpdateGauge(key string, value float64) {
	c.getGauge(key).Update(value)
}

// Visit calls f for every registered metric name and value.
func (c *CodaHale) Visit(f func(name string, value interface{})) {
	c.reg.Each(f)
}
