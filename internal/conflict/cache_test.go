package conflict

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Put(ctx, &Report{ConflictID: "c-1", RemoteVersion: 2}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.Get(ctx, "c-1")
	if err != nil || got.RemoteVersion != 2 {
		t.Fatalf("get: %v %+v", err, got)
	}

	now = now.Add(time.Minute)
	if _, err := c.Get(ctx, "c-1"); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("expected expiry at ttl, got %v", err)
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_ = c.Put(ctx, &Report{ConflictID: "c-1"}, time.Hour)
	_ = c.Delete(ctx, "c-1")
	if _, err := c.Get(ctx, "c-1"); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("expected deleted report to be gone, got %v", err)
	}
}
