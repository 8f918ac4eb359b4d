package probe

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fiberstack/fiber/pkg/model"
)

var metricBufferDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fiber",
	Name:      "probe_buffer_dropped_total",
	Help:      "Samples dropped oldest-first when the retry buffer is full.",
})

// RetryBuffer holds samples that could not be sent, bounded and drop-oldest.
// Memory stays flat during long outages; the oldest data pays for it.
type RetryBuffer struct {
	mtx      sync.Mutex
	capacity int
	samples  []model.Sample
	dropped  int64
}

// NewRetryBuffer builds a buffer holding at most capacity samples.
func NewRetryBuffer(capacity int) *RetryBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RetryBuffer{capacity: capacity}
}

// Add appends a sample, evicting the oldest when full.
func (b *RetryBuffer) Add(s model.Sample) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if len(b.samples) >= b.capacity {
		b.samples = b.samples[1:]
		b.dropped++
		metricBufferDropped.Inc()
	}
	b.samples = append(b.samples, s)
}

// Drain removes and returns up to max samples, oldest first.
func (b *RetryBuffer) Drain(max int) []model.Sample {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if len(b.samples) == 0 {
		return nil
	}
	if max <= 0 || max > len(b.samples) {
		max = len(b.samples)
	}
	out := make([]model.Sample, max)
	copy(out, b.samples[:max])
	b.samples = b.samples[max:]
	return out
}

// Requeue puts unsent samples back at the front, subject to capacity.
func (b *RetryBuffer) Requeue(samples []model.Sample) {
	if len(samples) == 0 {
		return
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	merged := append(append([]model.Sample{}, samples...), b.samples...)
	if over := len(merged) - b.capacity; over > 0 {
		merged = merged[over:]
		b.dropped += int64(over)
		metricBufferDropped.Add(float64(over))
	}
	b.samples = merged
}

// Len returns the number of buffered samples.
func (b *RetryBuffer) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.samples)
}

// Dropped returns how many samples were evicted over the buffer's lifetime.
func (b *RetryBuffer) Dropped() int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.dropped
}
