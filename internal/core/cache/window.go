package cache

import (
	"math"
	"slices"
	"sync"
	"time"
)

// window keeps the most recent samples in a fixed ring.
type window struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 1024
	}
	return &window{samples: make([]time.Duration, size)}
}

func (w *window) add(d time.Duration) {
	w.mu.Lock()
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

func (w *window) snapshot() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	return append([]time.Duration(nil), w.samples[:n]...)
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func latencyOf(samples []time.Duration) Latency {
	slices.Sort(samples)
	return Latency{
		P50: ms(percentile(samples, 0.50)),
		P95: ms(percentile(samples, 0.95)),
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
