package app

import (
	"testing"
	"time"
)

func TestRateLimiter_EvictsIdleCallers(t *testing.T) {
	clock := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	rl := newRateLimiter(1, 1)
	rl.now = func() time.Time { return clock }

	first := rl.get("pat-1")
	rl.get("pat-2")
	if len(rl.limiters) != 2 {
		t.Fatalf("expected 2 limiters, got %d", len(rl.limiters))
	}
	if rl.get("pat-1") != first {
		t.Fatal("an active caller must keep its limiter")
	}

	clock = clock.Add(limiterIdle / 2)
	rl.get("pat-1")

	clock = clock.Add(limiterIdle / 2)
	rl.get("doc-1")
	if _, ok := rl.limiters["pat-2"]; ok {
		t.Fatal("idle caller should have been evicted")
	}
	if rl.limiters["pat-1"] == nil || rl.limiters["pat-1"].limiter != first {
		t.Fatal("recently seen caller must survive the sweep")
	}
	if len(rl.limiters) != 2 {
		t.Fatalf("expected pat-1 and doc-1, got %d limiters", len(rl.limiters))
	}
}
