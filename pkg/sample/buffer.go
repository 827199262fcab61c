package sample

import (
	"sync"
	"sync/atomic"
)

// Consumer is the read-only contract used by renderers and exporters.
// Snapshot never blocks the producer.
type Consumer interface {
	// Snapshot returns a copy of samples [0, upto). upto < 0 or past the end
	// means all samples.
	Snapshot(upto int) []Sample
}

// Ensure Buffer implements Consumer.
var _ Consumer = (*Buffer)(nil)

// Buffer is an append-only store of samples with a single writer and any
// number of concurrent readers.
//
// Readers load a published slice header and copy from it without locking.
// The writer only ever writes past the published length, so elements a
// reader can see are never modified. Samples are copied in whole before the
// new header is published, so readers never observe a partial sample and
// see samples in append order.
type Buffer struct {
	mu   sync.Mutex // serialises Append and Clear
	view atomic.Pointer[[]Sample]
}

// NewBuffer creates an empty buffer with room for capacity samples.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	b := &Buffer{}
	s := make([]Sample, 0, capacity)
	b.view.Store(&s)
	return b
}

func (b *Buffer) load() []Sample {
	if p := b.view.Load(); p != nil {
		return *p
	}
	return nil
}

// Append adds a sample at the end of the buffer.
func (b *Buffer) Append(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := append(b.load(), s)
	b.view.Store(&next)
}

// Len returns the number of samples.
func (b *Buffer) Len() int {
	return len(b.load())
}

// Snapshot returns a copy of samples [0, upto).
func (b *Buffer) Snapshot(upto int) []Sample {
	cur := b.load()
	if upto < 0 || upto > len(cur) {
		upto = len(cur)
	}
	result := make([]Sample, upto)
	copy(result, cur[:upto])
	return result
}

// Since returns a copy of samples [from, len).
func (b *Buffer) Since(from int) []Sample {
	cur := b.load()
	if from < 0 {
		from = 0
	}
	if from >= len(cur) {
		return nil
	}
	result := make([]Sample, len(cur)-from)
	copy(result, cur[from:])
	return result
}

// Clear drops all samples. A fresh backing array is used so snapshots taken
// earlier stay intact.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := make([]Sample, 0, cap(b.load()))
	b.view.Store(&s)
}
