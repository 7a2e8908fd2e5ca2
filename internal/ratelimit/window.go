package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// WindowLimit caps events per key within one fixed window.
type WindowLimit struct {
	Name   string
	Window time.Duration
	Limit  int64
}

// WindowLimiter enforces several fixed windows, e.g. per minute and per hour,
// on top of a shared Counter.
type WindowLimiter struct {
	counter Counter
	limits  []WindowLimit
}

func NewWindowLimiter(counter Counter, limits ...WindowLimit) *WindowLimiter {
	return &WindowLimiter{counter: counter, limits: limits}
}

// Allow counts one event for key in every window and reports whether all
// windows are still within their limit. The name of the first exceeded
// window is returned for logging.
func (l *WindowLimiter) Allow(ctx context.Context, key string) (bool, string, error) {
	for _, wl := range l.limits {
		n, err := l.counter.Incr(ctx, Key("rl:"+wl.Name, key), wl.Window)
		if err != nil {
			return false, "", fmt.Errorf("increment %s window: %w", wl.Name, err)
		}
		if n > wl.Limit {
			return false, wl.Name, nil
		}
	}
	return true, "", nil
}

// Deduper admits the first sighting of an id within a window.
type Deduper struct {
	counter Counter
	window  time.Duration
}

func NewDeduper(counter Counter, window time.Duration) *Deduper {
	return &Deduper{counter: counter, window: window}
}

// FirstSeen reports whether id has not been seen within the window. Every
// call counts as a sighting.
func (d *Deduper) FirstSeen(ctx context.Context, id string) (bool, error) {
	n, err := d.counter.Incr(ctx, Key("dedup", id), d.window)
	if err != nil {
		return false, fmt.Errorf("dedup %q: %w", id, err)
	}
	return n == 1, nil
}

// Forget clears the sighting of id so a redelivery is admitted again.
func (d *Deduper) Forget(ctx context.Context, id string) error {
	if err := d.counter.Reset(ctx, Key("dedup", id)); err != nil {
		return fmt.Errorf("forget %q: %w", id, err)
	}
	return nil
}
