package buffer

// WatermarkBuffer is a Buffer with two fill-level thresholds. When the
// length first exceeds the high watermark, aboveHigh is called; when
// it then falls back to the low watermark or below, belowLow is
// called. The callbacks alternate, a crossing is reported once until
// the opposite threshold is reached.
//
// Mutations through the embedded *Buffer are observed as well, the
// thresholds are checked after every change.
type WatermarkBuffer struct {
	*Buffer

	high, low       int
	aboveHigh       func()
	belowLow        func()
	aboveHighCalled bool
}

// NewWatermark returns an empty watermark buffer with the given
// crossing callbacks and no thresholds set. Until SetWatermarks is
// called, the callbacks never fire.
func NewWatermark(aboveHigh, belowLow func()) *WatermarkBuffer {
	wb := &WatermarkBuffer{
		Buffer:    New(),
		aboveHigh: aboveHigh,
		belowLow:  belowLow,
	}

	wb.Buffer.onChange = wb.check
	return wb
}

// SetWatermarks sets the high threshold to high and the low threshold
// to high/2. Setting zero disables threshold checking. The thresholds
// are re-evaluated against the current length immediately.
func (b *WatermarkBuffer) SetWatermarks(high int) {
	b.high = high
	b.low = high / 2
	b.check()
}

// HighWatermark returns the configured high threshold.
func (b *WatermarkBuffer) HighWatermark() int {
	return b.high
}

func (b *WatermarkBuffer) check() {
	if b.high <= 0 {
		return
	}

	if !b.aboveHighCalled && b.Len() > b.high {
		b.aboveHighCalled = true
		b.aboveHigh()
		return
	}

	if b.aboveHighCalled && b.Len() <= b.low {
		b.aboveHighCalled = false
		b.belowLow()
	}
}
