package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sweepInterval = 2 * time.Minute

	// bucketTTL is how long an address may stay silent before its bucket is
	// dropped. A dropped bucket refills completely on the next request.
	bucketTTL = 2 * time.Minute
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter hands every client address its own token bucket sized so that a
// full burst equals the configured per-window request allowance. Loopback
// and the configured bypass addresses (the control plane's own public
// address, so co-located agent traffic is never throttled) skip the check.
type Limiter struct {
	logger *zap.Logger
	limit  rate.Limit
	burst  int
	bypass map[string]struct{}

	mu      sync.Mutex
	buckets map[string]*bucket

	now    func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a limiter allowing max requests per window per address.
func New(max int, window time.Duration, bypass []string, logger *zap.Logger) *Limiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Second
	}

	l := &Limiter{
		logger:  logger,
		limit:   rate.Every(window / time.Duration(max)),
		burst:   max,
		bypass:  make(map[string]struct{}, len(bypass)+2),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	l.bypass["127.0.0.1"] = struct{}{}
	l.bypass["::1"] = struct{}{}
	for _, addr := range bypass {
		if addr != "" {
			l.bypass[addr] = struct{}{}
		}
	}
	return l
}

// Allow reports whether addr may make another request right now.
func (l *Limiter) Allow(addr string) bool {
	if _, exempt := l.bypass[addr]; exempt {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[addr]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[addr] = b
	}
	b.lastSeen = l.now()
	lim := b.lim
	l.mu.Unlock()

	return lim.Allow()
}

// Buckets returns how many addresses currently hold a bucket.
func (l *Limiter) Buckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Start launches the idle-bucket sweeper.
func (l *Limiter) Start() {
	go func() {
		defer close(l.doneCh)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.stopCh:
				return
			}
		}
	}()
}

func (l *Limiter) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-bucketTTL)

	l.mu.Lock()
	dropped := 0
	for addr, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, addr)
			dropped++
		}
	}
	remaining := len(l.buckets)
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.Debug("dropped idle rate-limit buckets",
			zap.Int("dropped", dropped),
			zap.Int("remaining", remaining))
	}
}
