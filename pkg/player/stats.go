package player

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest"
	"go.uber.org/atomic"
)

// Stats accumulates per-player replay counters and an apply latency
// sketch.
type Stats struct {
	Events       atomic.Uint64
	Transactions atomic.Uint64
	Skipped      atomic.Uint64

	mu           sync.Mutex
	applyLatency *tdigest.TDigest
}

func NewStats() *Stats {
	sketch, _ := tdigest.New()
	return &Stats{
		applyLatency: sketch,
	}
}

func (s *Stats) RecordBatch(applied int, d time.Duration) {
	s.Events.Add(uint64(applied))
	s.Transactions.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.applyLatency.Add(float64(d.Microseconds()) / 1000)
}

func (s *Stats) RecordSkipped() {
	s.Skipped.Inc()
}

// ApplyLatencyQuantile returns the q-quantile of batch apply latency in
// milliseconds.
func (s *Stats) ApplyLatencyQuantile(q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLatency.Quantile(q)
}
