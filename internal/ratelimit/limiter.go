package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer is a keyed token bucket limiter. Each key (e.g. a relay server)
// gets its own bucket and idle keys are cleaned up automatically.
type Pacer struct {
	buckets map[string]*bucket
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	idle    time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPacer creates a pacer that allows rps events per second per key with
// the given burst. Buckets idle for 10 minutes are removed by a background
// goroutine that stops when ctx is cancelled.
func NewPacer(ctx context.Context, rps float64, burst int) *Pacer {
	if burst < 1 {
		burst = 1
	}
	p := &Pacer{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
	}
	go p.cleanup(ctx)
	return p
}

func (p *Pacer) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(p.rps, p.burst)}
		p.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Wait blocks until an event for key is permitted or ctx is done.
func (p *Pacer) Wait(ctx context.Context, key string) error {
	return p.get(key).Wait(ctx)
}

func (p *Pacer) cleanup(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		for key, b := range p.buckets {
			if time.Since(b.lastSeen) >= p.idle {
				delete(p.buckets, key)
			}
		}
		p.mu.Unlock()
	}
}
