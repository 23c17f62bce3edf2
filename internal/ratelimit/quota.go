package ratelimit

import (
	"context"
	"sync"
	"time"
)

// QuotaStore provides persisted message counts for quota sync.
type QuotaStore interface {
	CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// quotaEntry tracks messages sent by one user during the current day.
type quotaEntry struct {
	limit    int64
	consumed int64
	day      int // year*1000 + day-of-year, for daily reset
}

// QuotaTracker enforces daily message quotas per user. Counts live in
// memory and reset at the day boundary; Sync reloads them from the
// store after a restart.
type QuotaTracker struct {
	mu     sync.Mutex
	quotas map[string]*quotaEntry
	now    func() time.Time
}

// NewQuotaTracker creates a new QuotaTracker.
func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{
		quotas: make(map[string]*quotaEntry),
		now:    time.Now,
	}
}

func dayKey(t time.Time) int {
	return t.Year()*1000 + t.YearDay()
}

// Check returns true if the user is under their daily quota.
// A limit of 0 means unlimited.
func (q *QuotaTracker) Check(userID string, limit int64) bool {
	if limit <= 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	today := dayKey(q.now())
	e, ok := q.quotas[userID]
	if !ok || e.day != today {
		q.quotas[userID] = &quotaEntry{limit: limit, day: today}
		return true
	}
	e.limit = limit
	return e.consumed < limit
}

// Consume records one sent message for the user.
func (q *QuotaTracker) Consume(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	today := dayKey(q.now())
	e, ok := q.quotas[userID]
	if !ok || e.day != today {
		e = &quotaEntry{day: today}
		q.quotas[userID] = e
	}
	e.consumed++
}

// Sync reloads a user's consumed count from the store, counting
// messages persisted since local midnight.
func (q *QuotaTracker) Sync(ctx context.Context, store QuotaStore, userID string) error {
	now := q.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	total, err := store.CountUserMessagesSince(ctx, userID, midnight)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.quotas[userID]
	if !ok || e.day != dayKey(now) {
		e = &quotaEntry{day: dayKey(now)}
		q.quotas[userID] = e
	}
	e.consumed = total
	return nil
}

// SyncAll reloads consumed counts for every tracked user. The first
// error is returned after attempting all users.
func (q *QuotaTracker) SyncAll(ctx context.Context, store QuotaStore) error {
	q.mu.Lock()
	ids := make([]string, 0, len(q.quotas))
	for id := range q.quotas {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := q.Sync(ctx, store, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
