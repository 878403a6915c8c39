package fleet

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default push allowance per (cluster, workspace).
const (
	DefaultReportInterval = time.Second
	DefaultReportBurst    = 5
)

// reportLimiter throttles agent health pushes per cluster with a token bucket.
type reportLimiter struct {
	mu       sync.Mutex
	every    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newReportLimiter(interval time.Duration, burst int) *reportLimiter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if burst <= 0 {
		burst = DefaultReportBurst
	}
	return &reportLimiter{
		every:    rate.Every(interval),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func limiterKey(cluster, workspace string) string {
	return workspace + "/" + cluster
}

// allow reports whether a push from the cluster may proceed at now.
func (l *reportLimiter) allow(cluster, workspace string, now time.Time) bool {
	key := limiterKey(cluster, workspace)
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

// forget drops the bucket of a cluster.
func (l *reportLimiter) forget(cluster, workspace string) {
	l.mu.Lock()
	delete(l.limiters, limiterKey(cluster, workspace))
	l.mu.Unlock()
}
