package metrics

import "time"

type void struct{}

// Void is a Metrics implementation that discards every measurement.
var Void Metrics = void{}

func (void) MeasureFilterDecode(string, time.Time) {}
func (void) MeasureFilterEncode(string, time.Time) {}
func (void) MeasureSince(string, time.Time)        {}
func (void) IncCounter(string)                     {}
func (void) IncCounterBy(string, int64)            {}
func (void) UpdateGauge(string, float64)           {}
