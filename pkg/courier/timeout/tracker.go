// Package timeout implements escalating per-identity cool-downs applied after
// offensive content. The durable record (keyed by user ID) is authoritative;
// an in-process cache keyed by the channel-native external ID shortens the
// window before identity resolution completes. The cache is advisory only:
// it may miss, it never reports a cool-down the durable record would not.
package timeout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Record is the durable cool-down state for one identity.
type Record struct {
	Key          string
	OffenseCount int
	TimeoutUntil time.Time
	UpdatedAt    time.Time
}

// Store persists timeout records. Increment must be atomic per key, and
// ExtendTimeout must never move timeout_until backwards; concurrent offenses
// for the same identity then converge on the larger window.
type Store interface {
	// Get returns the record for key, or nil when none exists.
	Get(ctx context.Context, key string) (*Record, error)

	// Increment atomically bumps the offense count, creating the record on
	// first offense, and returns the new count.
	Increment(ctx context.Context, key string) (int, error)

	// ExtendTimeout sets timeout_until to until unless the stored value is
	// already later.
	ExtendTimeout(ctx context.Context, key string, until time.Time) error
}

// Tracker answers "is this identity in a cool-down" and applies escalating
// cool-downs on offense.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	// cache maps externalID -> timeout end, for pre-identity checks.
	cache map[string]time.Time
	mu    sync.RWMutex
}

// New creates a Tracker over the given durable store.
func New(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]time.Time),
	}
}

// escalation returns the cool-down length for the given offense count
// (counted after the increment). 1→5m, 2→15m, 3→30m, 4+→60m.
func escalation(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return 5 * time.Minute
	case offenseCount == 2:
		return 15 * time.Minute
	case offenseCount == 3:
		return 30 * time.Minute
	default:
		return 60 * time.Minute
	}
}

// CheckTimeout reports whether the identity's durable cool-down is active.
func (t *Tracker) CheckTimeout(ctx context.Context, userID string) (bool, error) {
	rec, err := t.store.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("check timeout for %q: %w", userID, err)
	}
	if rec == nil {
		return false, nil
	}
	return rec.TimeoutUntil.After(t.now()), nil
}

// CachedActive reports whether the local cache has an active cool-down for
// the external ID. A false result means nothing; the durable record decides.
func (t *Tracker) CachedActive(externalID string) bool {
	t.mu.RLock()
	until, ok := t.cache[externalID]
	t.mu.RUnlock()
	return ok && until.After(t.now())
}

// ApplyTimeout records one offense for the identity and returns the length
// of the resulting cool-down. externalID may be empty when the caller has no
// channel-native key to cache under.
func (t *Tracker) ApplyTimeout(ctx context.Context, userID, externalID string) (time.Duration, error) {
	count, err := t.store.Increment(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("increment offenses for %q: %w", userID, err)
	}

	duration := escalation(count)
	until := t.now().Add(duration)
	if err := t.store.ExtendTimeout(ctx, userID, until); err != nil {
		return 0, fmt.Errorf("extend timeout for %q: %w", userID, err)
	}

	if externalID != "" {
		t.mu.Lock()
		if existing, ok := t.cache[externalID]; !ok || until.After(existing) {
			t.cache[externalID] = until
		}
		t.mu.Unlock()
	}

	t.logger.Info("abuse timeout applied",
		"user_id", userID,
		"offense_count", count,
		"duration", duration,
	)
	return duration, nil
}

// Forget drops the cache entry for an external ID, active or not. Used when
// the durable record was reset out of band and the advisory cache would
// otherwise keep dropping messages until its entry expired.
func (t *Tracker) Forget(externalID string) {
	t.mu.Lock()
	delete(t.cache, externalID)
	t.mu.Unlock()
}

// PruneCache drops expired cache entries. Call periodically; the cache
// otherwise only grows.
func (t *Tracker) PruneCache() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for key, until := range t.cache {
		if until.Before(now) {
			delete(t.cache, key)
			pruned++
		}
	}
	return pruned
}
