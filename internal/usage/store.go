// Package usage implements the device-local daily usage counters.
//
// Counters are advisory: they are kept on the user's device, reset at the
// local-midnight rollover and are never used as an authoritative record.
package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"assistantconsole/internal/types"
)

// StorageKey is the single record key holding the serialized counters.
const StorageKey = "usage.daily"

const dateLayout = "2006-01-02"

// KV is the string-keyed persistence the counters are written to.
type KV interface {
	// Get returns the stored value. found is false when the key is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Put overwrites the stored value.
	Put(ctx context.Context, key, value string) error
}

// Store reads and updates the day-scoped counters. A Store is single-owner;
// concurrent Record calls within one process are serialized.
type Store struct {
	kv     KV
	now    func() time.Time
	loc    *time.Location
	logger *slog.Logger
	mu     sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLocation sets the zone whose calendar day keys the counters.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithLogger sets the logger used for degraded reads and write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a Store persisting to kv.
func NewStore(kv KV, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		now:    time.Now,
		loc:    time.Local,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// today returns the calendar-day key for the current instant.
func (s *Store) today() string {
	return s.now().In(s.loc).Format(dateLayout)
}

func fresh(date string) types.DailyUsageCounters {
	return types.DailyUsageCounters{
		Date:   date,
		Counts: make(map[types.ActionKind]int, len(types.AllActions)),
	}
}

// Load returns today's counters. Absent, unparseable, or stale records all
// yield zeroed counters for today; Load never fails.
func (s *Store) Load(ctx context.Context) types.DailyUsageCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) types.DailyUsageCounters {
	today := s.today()

	raw, found, err := s.kv.Get(ctx, StorageKey)
	if err != nil {
		s.logger.WarnContext(ctx, "usage counters unreadable, starting fresh", "error", err)
		return fresh(today)
	}
	if !found {
		return fresh(today)
	}

	counters, err := decode(raw)
	if err != nil {
		s.logger.WarnContext(ctx, "usage counters corrupt, starting fresh", "error", err)
		return fresh(today)
	}
	if counters.Date != today {
		return fresh(today)
	}
	return counters
}

// Record increments action for today, rolling the day bucket first when the
// stored date is stale, and persists the whole record. The updated counters
// are returned even when persisting fails.
func (s *Store) Record(ctx context.Context, action types.ActionKind) (types.DailyUsageCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters := s.loadLocked(ctx)
	counters.Counts[action]++

	raw, err := encode(counters)
	if err != nil {
		return counters, err
	}
	if err := s.kv.Put(ctx, StorageKey, raw); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist usage counters",
			"action", string(action),
			"error", err,
		)
		return counters, err
	}
	return counters, nil
}

// Remaining returns quota minus today's use, floored at zero. A nil result
// means the quota is unlimited.
func Remaining(counters types.DailyUsageCounters, action types.ActionKind, quota types.Quota) *int {
	if quota.IsUnlimited() {
		return nil
	}
	left := int(quota) - counters.Used(action)
	if left < 0 {
		left = 0
	}
	return &left
}

// Remaining is the Store-bound form of the package-level Remaining.
func (s *Store) Remaining(ctx context.Context, action types.ActionKind, quota types.Quota) *int {
	return Remaining(s.Load(ctx), action, quota)
}

// The persisted form is a flat object: {"date":"2025-01-02","chat_message":3}.
func encode(c types.DailyUsageCounters) (string, error) {
	flat := make(map[string]any, len(c.Counts)+1)
	flat["date"] = c.Date
	for action, n := range c.Counts {
		flat[string(action)] = n
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(raw string) (types.DailyUsageCounters, error) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &flat); err != nil {
		return types.DailyUsageCounters{}, err
	}

	var date string
	if v, ok := flat["date"]; ok {
		if err := json.Unmarshal(v, &date); err != nil {
			return types.DailyUsageCounters{}, err
		}
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return types.DailyUsageCounters{}, err
	}

	out := fresh(date)
	for key, v := range flat {
		if key == "date" {
			continue
		}
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return types.DailyUsageCounters{}, err
		}
		if n > 0 {
			out.Counts[types.ActionKind(key)] = n
		}
	}
	return out, nil
}
