package ratelimit

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/crypto/blake2b"
)

// Counter is an atomic increment-with-expiry. The first Incr of a key starts
// a window; the count resets once the window has elapsed or the key is Reset.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Key derives a fixed-length counter key from arbitrary parts so raw IPs
// and message ids are never stored as-is.
func Key(namespace string, parts ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x00")))
	return namespace + ":" + hex.EncodeToString(sum[:16])
}

// MemoryCounter keeps counters in process memory; suitable for a single
// instance only.
type MemoryCounter struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, int64]
}

func NewMemoryCounter() *MemoryCounter {
	c := ttlcache.New[string, int64](ttlcache.WithDisableTouchOnHit[string, int64]())
	go c.Start()
	return &MemoryCounter{cache: c}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.cache.Get(key)
	if item == nil || item.IsExpired() {
		m.cache.Set(key, 1, window)
		return 1, nil
	}
	next := item.Value() + 1
	remaining := time.Until(item.ExpiresAt())
	if remaining <= 0 {
		m.cache.Set(key, 1, window)
		return 1, nil
	}
	m.cache.Set(key, next, remaining)
	return next, nil
}

func (m *MemoryCounter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(key)
	return nil
}

// Close stops the expiry loop.
func (m *MemoryCounter) Close() {
	m.cache.Stop()
}
