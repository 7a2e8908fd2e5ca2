package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryCounter_IncrAndExpire(t *testing.T) {
	c := NewMemoryCounter()
	defer c.Close()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, "k", 50*time.Millisecond)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}

	time.Sleep(80 * time.Millisecond)
	got, err := c.Incr(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected counter to restart after window, got %d", got)
	}
}

func TestMemoryCounter_Concurrent(t *testing.T) {
	c := NewMemoryCounter()
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Incr(context.Background(), "shared", time.Minute)
		}()
	}
	wg.Wait()

	got, _ := c.Incr(context.Background(), "shared", time.Minute)
	if got != 51 {
		t.Fatalf("expected 51, got %d", got)
	}
}

func TestKey_FixedLengthAndDistinct(t *testing.T) {
	a := Key("rl", "10.0.0.1")
	b := Key("rl", "10.0.0.2")
	if a == b {
		t.Fatal("expected distinct keys")
	}
	if len(a) != len(b) || len(a) != len("rl:")+32 {
		t.Fatalf("unexpected key length %d", len(a))
	}
	if Key("rl", "a", "b") == Key("rl", "ab") {
		t.Fatal("expected part boundaries to matter")
	}
}

func TestWindowLimiter(t *testing.T) {
	c := NewMemoryCounter()
	defer c.Close()
	l := NewWindowLimiter(c,
		WindowLimit{Name: "minute", Window: time.Minute, Limit: 3},
		WindowLimit{Name: "hour", Window: time.Hour, Limit: 100},
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "1.2.3.4")
		if err != nil || !ok {
			t.Fatalf("request %d: expected allow, got ok=%v err=%v", i, ok, err)
		}
	}
	ok, window, err := l.Allow(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || window != "minute" {
		t.Fatalf("expected minute limit, got ok=%v window=%q", ok, window)
	}

	if ok, _, _ := l.Allow(ctx, "5.6.7.8"); !ok {
		t.Fatal("expected other ip to be allowed")
	}
}

func TestWindowLimiter_HourCeiling(t *testing.T) {
	c := NewMemoryCounter()
	defer c.Close()
	l := NewWindowLimiter(c,
		WindowLimit{Name: "minute", Window: time.Minute, Limit: 100},
		WindowLimit{Name: "hour", Window: time.Hour, Limit: 2},
	)
	ctx := context.Background()
	l.Allow(ctx, "ip")
	l.Allow(ctx, "ip")
	if ok, window, _ := l.Allow(ctx, "ip"); ok || window != "hour" {
		t.Fatalf("expected hour limit, got ok=%v window=%q", ok, window)
	}
}

func TestDeduper_Idempotent(t *testing.T) {
	c := NewMemoryCounter()
	defer c.Close()
	d := NewDeduper(c, time.Hour)
	ctx := context.Background()

	first, err := d.FirstSeen(ctx, "msg-1")
	if err != nil || !first {
		t.Fatalf("expected first sighting, got %v %v", first, err)
	}
	for i := 0; i < 3; i++ {
		again, err := d.FirstSeen(ctx, "msg-1")
		if err != nil || again {
			t.Fatalf("expected duplicate, got %v %v", again, err)
		}
	}
	if other, _ := d.FirstSeen(ctx, "msg-2"); !other {
		t.Fatal("expected a different id to be admitted")
	}
}

func TestDeduper_Forget(t *testing.T) {
	c := NewMemoryCounter()
	defer c.Close()
	d := NewDeduper(c, time.Hour)
	ctx := context.Background()

	if first, _ := d.FirstSeen(ctx, "msg-1"); !first {
		t.Fatal("expected first sighting")
	}
	if err := d.Forget(ctx, "msg-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first, _ := d.FirstSeen(ctx, "msg-1"); !first {
		t.Fatal("expected forgotten id to be admitted again")
	}
}

func TestPacer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPacer(ctx, 1, 2)

	// A deadline shorter than the next token makes Wait fail fast.
	wait := func(key string) error {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer waitCancel()
		return p.Wait(waitCtx, key)
	}

	if wait("srv-1") != nil || wait("srv-1") != nil {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if err := wait("srv-1"); err == nil {
		t.Fatal("expected third immediate event to be denied")
	}
	if err := wait("srv-2"); err != nil {
		t.Fatalf("expected separate bucket per key, got %v", err)
	}
}
