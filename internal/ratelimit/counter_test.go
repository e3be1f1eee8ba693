package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCounterIncrements(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}

	// separate keys count independently
	if got, _ := c.Incr(ctx, "other", time.Minute); got != 1 {
		t.Fatalf("other key count = %d, want 1", got)
	}
}

func TestMemoryCounterWindowReset(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }

	if got, _ := c.Incr(ctx, "k", time.Minute); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	if got, _ := c.Incr(ctx, "k", time.Minute); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	c.now = func() time.Time { return now.Add(61 * time.Second) }
	if got, _ := c.Incr(ctx, "k", time.Minute); got != 1 {
		t.Fatalf("count after window = %d, want 1", got)
	}
}
