/*
Package buffer provides the byte containers used by the filter chain:
a segment list buffer with zero-copy ownership transfer, and a
watermarked variant that reports fill-level threshold crossings to its
owner.
*/
package buffer

// Buffer holds a sequence of byte segments. Appending and moving do
// not copy or merge the backing segments, Bytes and String flatten on
// demand.
type Buffer struct {
	segs   [][]byte
	length int

	// set by WatermarkBuffer, called after every mutation
	onChange func()
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// NewString returns a buffer initialized with a copy of s.
func NewString(s string) *Buffer {
	b := New()
	b.AppendString(s)
	return b
}

// Len returns the total number of buffered bytes.
func (b *Buffer) Len() int {
	return b.length
}

// Append adds p as a new segment. The buffer takes ownership of p.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.segs = append(b.segs, p)
	b.length += len(p)
	b.changed()
}

// AppendString adds a copy of s as a new segment.
func (b *Buffer) AppendString(s string) {
	if s == "" {
		return
	}

	b.Append([]byte(s))
}

// Write implements io.Writer, copying p into the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	b.Append(cp)
	return len(p), nil
}

// Move transfers all segments of from into b without copying. After
// the call, from is empty.
func (b *Buffer) Move(from *Buffer) {
	if from == b || from.length == 0 {
		return
	}

	b.segs = append(b.segs, from.segs...)
	b.length += from.length
	from.segs = nil
	from.length = 0
	from.changed()
	b.changed()
}

// Drain discards the first n bytes. Draining more than Len discards
// everything.
func (b *Buffer) Drain(n int) {
	if n <= 0 {
		return
	}

	for n > 0 && len(b.segs) > 0 {
		s := b.segs[0]
		if n < len(s) {
			b.segs[0] = s[n:]
			b.length -= n
			n = 0
			break
		}

		n -= len(s)
		b.length -= len(s)
		b.segs = b.segs[1:]
	}

	b.changed()
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	if b.length == 0 {
		return
	}

	b.segs = nil
	b.length = 0
	b.changed()
}

// Bytes returns the buffered bytes as a single slice. The returned
// slice is a copy when the buffer holds more than one segment.
func (b *Buffer) Bytes() []byte {
	switch len(b.segs) {
	case 0:
		return nil
	case 1:
		return b.segs[0]
	}

	flat := make([]byte, 0, b.length)
	for _, s := range b.segs {
		flat = append(flat, s...)
	}

	return flat
}

// String returns the buffered bytes as a string.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

func (b *Buffer) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}
