package stats

import (
	"sync"
	"time"

	"dnsping/pkg/types"
)

// Collector aggregates probe counters and latency figures for one session.
// All methods are safe for concurrent use.
type Collector struct {
	StartTime time.Time
	EndTime   time.Time

	sent     uint64
	received uint64
	minRTT   time.Duration
	maxRTT   time.Duration
	totalRTT time.Duration

	mu sync.Mutex
}

// NewCollector creates a new statistics collector.
func NewCollector() *Collector {
	return &Collector{StartTime: time.Now()}
}

// RecordSent counts one issued probe and returns the new sent count.
func (c *Collector) RecordSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return c.sent
}

// RecordReply folds one matched reply into the aggregate and returns the
// sent and received counts as of this reply.
func (c *Collector) RecordReply(rtt time.Duration) (sent, received uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.received == 0 || rtt < c.minRTT {
		c.minRTT = rtt
	}
	if rtt > c.maxRTT {
		c.maxRTT = rtt
	}
	c.totalRTT += rtt
	c.received++
	return c.sent, c.received
}

// Counts returns the sent and received counters.
func (c *Collector) Counts() (sent, received uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.received
}

// Finish marks the end of the collection period.
func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EndTime.IsZero() {
		c.EndTime = time.Now()
	}
}

// Duration returns the elapsed time.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EndTime.IsZero() {
		return time.Since(c.StartTime)
	}
	return c.EndTime.Sub(c.StartTime)
}

// Snapshot returns the current statistics.
func (c *Collector) Snapshot() types.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := types.Summary{
		Sent:      c.sent,
		Received:  c.received,
		Lost:      Lost(c.sent, c.received),
		LossPct:   LossPercent(c.sent, c.received),
		StartTime: c.StartTime,
		EndTime:   c.EndTime,
	}
	if c.received > 0 {
		s.HasLatency = true
		s.Min = c.minRTT
		s.Max = c.maxRTT
		s.Total = c.totalRTT
		s.Avg = c.totalRTT / time.Duration(c.received)
	}
	return s
}

// Lost returns sent minus received modulo 2^64, so a wrapped sent counter
// never yields a negative or underflowed count.
func Lost(sent, received uint64) uint64 {
	return sent - received
}

// LossPercent returns the share of unanswered probes in [0, 100]; 0 when
// nothing was sent.
func LossPercent(sent, received uint64) float64 {
	if sent == 0 {
		return 0
	}
	pct := float64(Lost(sent, received)) / float64(sent) * 100
	return min(max(pct, 0), 100)
}
