package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeQuotaStore struct {
	count int64
	err   error
}

func (f *fakeQuotaStore) CountUserMessagesSince(context.Context, string, time.Time) (int64, error) {
	return f.count, f.err
}

func TestQuotaTracker_CheckAndConsume(t *testing.T) {
	t.Parallel()

	q := NewQuotaTracker()

	if !q.Check("u1", 2) {
		t.Fatal("fresh user should be under quota")
	}
	q.Consume("u1")
	if !q.Check("u1", 2) {
		t.Fatal("one message should still be under a quota of 2")
	}
	q.Consume("u1")
	if q.Check("u1", 2) {
		t.Fatal("two messages should exhaust a quota of 2")
	}

	// Zero limit means unlimited regardless of consumption.
	if !q.Check("u1", 0) {
		t.Fatal("zero limit should always pass")
	}
}

func TestQuotaTracker_DailyReset(t *testing.T) {
	t.Parallel()

	q := NewQuotaTracker()
	now := time.Date(2026, 8, 26, 23, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	q.Consume("u1")
	q.Consume("u1")
	if q.Check("u1", 2) {
		t.Fatal("quota should be exhausted today")
	}

	// Next day: counter resets.
	now = now.Add(2 * time.Hour)
	if !q.Check("u1", 2) {
		t.Fatal("quota should reset at the day boundary")
	}
}

func TestQuotaTracker_Sync(t *testing.T) {
	t.Parallel()

	q := NewQuotaTracker()
	store := &fakeQuotaStore{count: 5}

	if err := q.Sync(context.Background(), store, "u1"); err != nil {
		t.Fatal(err)
	}
	if q.Check("u1", 5) {
		t.Fatal("synced count of 5 should exhaust a quota of 5")
	}
	if !q.Check("u1", 10) {
		t.Fatal("synced count of 5 should pass a quota of 10")
	}
}
