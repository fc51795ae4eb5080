// Package history keeps fixed-capacity, most-recent-first sample windows.
package history

// Buffer is a ring of samples where logical index 0 is always the most
// recently pushed value. Unfilled slots read as zero.
type Buffer struct {
	values []float64
	head   int
}

func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{values: make([]float64, capacity)}
}

func (b *Buffer) Cap() int {
	return len(b.values)
}

// PushFront inserts value at logical index 0, discarding the oldest sample.
func (b *Buffer) PushFront(value float64) {
	b.head = (b.head - 1 + len(b.values)) % len(b.values)
	b.values[b.head] = value
}

// At returns the sample at logical index i (0 = newest).
func (b *Buffer) At(i int) float64 {
	if i < 0 || i >= len(b.values) {
		return 0
	}
	return b.values[(b.head+i)%len(b.values)]
}

// Mean averages the first min(valid, Cap()) logical samples. valid is the
// number of cycles the unit has run, so a buffer that is still filling is not
// biased by its unused tail.
func (b *Buffer) Mean(valid int) float64 {
	n := valid
	if n > len(b.values) {
		n = len(b.values)
	}
	if n <= 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += b.At(i)
	}
	return sum / float64(n)
}

// Snapshot returns the samples in logical order.
func (b *Buffer) Snapshot() []float64 {
	out := make([]float64, len(b.values))
	for i := range out {
		out[i] = b.At(i)
	}
	return out
}
