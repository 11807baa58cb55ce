package gateway

import (
	"math"
	"sort"
	"sync"
	"time"
)

// AgeTracker keeps the most recent view-age samples (publish to emit) in a
// ring and reports percentiles. Goroutine-safe.
type AgeTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	pos     int
	count   int
}

// NewAgeTracker creates a tracker that holds the last capacity samples.
func NewAgeTracker(capacity int) *AgeTracker {
	if capacity <= 0 {
		capacity = 4096
	}
	return &AgeTracker{samples: make([]time.Duration, capacity)}
}

// Record adds a sample. Negative ages (clock skew) are dropped.
func (a *AgeTracker) Record(age time.Duration) {
	if age < 0 {
		return
	}
	a.mu.Lock()
	a.samples[a.pos] = age
	a.pos = (a.pos + 1) % len(a.samples)
	if a.count < len(a.samples) {
		a.count++
	}
	a.mu.Unlock()
}

// Count returns the number of samples held.
func (a *AgeTracker) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Percentiles returns p50, p95 and p99 in milliseconds, or zeros when empty.
func (a *AgeTracker) Percentiles() (p50, p95, p99 float64) {
	a.mu.Lock()
	ms := make([]float64, a.count)
	// Order does not matter once sorted; the first count slots are filled.
	for i := 0; i < a.count; i++ {
		ms[i] = float64(a.samples[i].Microseconds()) / 1000.0
	}
	a.mu.Unlock()

	if len(ms) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(ms)
	return percentile(ms, 0.50), percentile(ms, 0.95), percentile(ms, 0.99)
}

// percentile interpolates the p-th percentile (0 to 1) of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
