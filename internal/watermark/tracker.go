// Package watermark tracks the newest ingested reading time per meter so
// each reading is written once.
package watermark

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/octoingest/internal/models"
)

// Store persists watermarks across restarts.
type Store interface {
	Load(ctx context.Context, meterID string) (time.Time, bool, error)
	Save(ctx context.Context, meterID string, t time.Time) error
}

// Tracker holds the in-memory watermark for every meter. A meter's entry is
// only advanced by the worker that owns the meter during a cycle.
type Tracker struct {
	store  Store
	logger *logrus.Logger

	mu    sync.RWMutex
	marks map[string]time.Time
}

// NewTracker returns a Tracker backed by store.
func NewTracker(store Store, logger *logrus.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		marks:  make(map[string]time.Time),
	}
}

// Load reads the durable watermark of each meter. Meters without one start
// with none.
func (t *Tracker) Load(ctx context.Context, meterIDs []string) error {
	for _, id := range meterIDs {
		w, ok, err := t.store.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load watermark for %s: %w", id, err)
		}
		if !ok {
			continue
		}

		t.mu.Lock()
		if w.After(t.marks[id]) {
			t.marks[id] = w.UTC()
		}
		t.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"meter_id":  id,
			"watermark": w.UTC().Format(time.RFC3339),
		}).Debug("Loaded watermark")
	}
	return nil
}

// Watermark returns the meter's watermark, or false when nothing has been
// ingested for it.
func (t *Tracker) Watermark(meterID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.marks[meterID]
	return w, ok
}

// FilterNew returns the readings strictly newer than the meter's watermark,
// sorted ascending with duplicate timestamps collapsed to their first
// occurrence. It does not change the tracker, so calling it again before
// Advance returns the same result.
func (t *Tracker) FilterNew(meterID string, readings []models.CanonicalReading) []models.CanonicalReading {
	w, _ := t.Watermark(meterID)

	seen := make(map[int64]struct{}, len(readings))
	out := make([]models.CanonicalReading, 0, len(readings))
	for _, r := range readings {
		if !r.Time.After(w) {
			continue
		}
		key := r.Time.UnixNano()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Advance moves the meter's watermark to ts. It persists before updating
// memory, so a failed Save leaves the watermark where it was. Advancing to a
// time at or before the current watermark is a no-op.
func (t *Tracker) Advance(ctx context.Context, meterID string, ts time.Time) error {
	ts = ts.UTC()
	if w, ok := t.Watermark(meterID); ok && !ts.After(w) {
		return nil
	}

	if err := t.store.Save(ctx, meterID, ts); err != nil {
		return fmt.Errorf("failed to persist watermark for %s: %w", meterID, err)
	}

	t.mu.Lock()
	if ts.After(t.marks[meterID]) {
		t.marks[meterID] = ts
	}
	t.mu.Unlock()

	return nil
}
