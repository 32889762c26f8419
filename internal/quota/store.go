package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pathakanu/carecall/internal/model"
)

// Request asks for one unit against a key limited to Max per Window.
type Request struct {
	Key    string
	Max    int
	Window time.Duration
}

// Usage is the state of a key's current window as seen before the request.
type Usage struct {
	Key     string
	Count   int
	ResetAt time.Time
}

// CounterStore checks and increments a set of keys as one atomic unit: either
// every key is below its limit and all are incremented, or none is.
type CounterStore interface {
	Consume(ctx context.Context, now time.Time, reqs []Request) (allowed bool, usage []Usage, err error)
}

func allUnder(reqs []Request, usage []Usage) bool {
	for i, req := range reqs {
		if usage[i].Count >= req.Max {
			return false
		}
	}
	return true
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*memoryWindow)}
}

func (s *MemoryStore) Consume(ctx context.Context, now time.Time, reqs []Request) (bool, []Usage, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := make([]Usage, len(reqs))
	for i, req := range reqs {
		w, ok := s.windows[req.Key]
		if !ok || !now.Before(w.resetAt) {
			w = &memoryWindow{resetAt: now.Add(req.Window)}
			s.windows[req.Key] = w
		}
		usage[i] = Usage{Key: req.Key, Count: w.count, ResetAt: w.resetAt}
	}
	if !allUnder(reqs, usage) {
		return false, usage, nil
	}
	for _, req := range reqs {
		s.windows[req.Key].count++
	}
	return true, usage, nil
}

// Purge drops windows that have expired at now.
func (s *MemoryStore) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
			n++
		}
	}
	return n
}

// GormStore keeps counters in the rate_counters table. Rows are locked for
// the duration of the transaction on databases that support row locks.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Consume(ctx context.Context, now time.Time, reqs []Request) (bool, []Usage, error) {
	now = now.UTC()
	usage := make([]Usage, len(reqs))
	allowed := false

	// Lock keys in a stable order so concurrent checks cannot deadlock.
	order := make([]int, len(reqs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return reqs[order[a]].Key < reqs[order[b]].Key })

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counters := make([]model.RateCounter, len(reqs))
		for _, i := range order {
			req := reqs[i]
			seed := model.RateCounter{Key: req.Key, WindowStart: now, ExpiresAt: now.Add(req.Window)}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
				return fmt.Errorf("seed counter %s: %w", req.Key, err)
			}

			q := tx
			if tx.Dialector.Name() == "postgres" {
				q = q.Clauses(clause.Locking{Strength: "UPDATE"})
			}
			var c model.RateCounter
			if err := q.First(&c, "key = ?", req.Key).Error; err != nil {
				return fmt.Errorf("lock counter %s: %w", req.Key, err)
			}
			if !now.Before(c.ExpiresAt) {
				c.Count = 0
				c.WindowStart = now
				c.ExpiresAt = now.Add(req.Window)
			}
			counters[i] = c
			usage[i] = Usage{Key: req.Key, Count: c.Count, ResetAt: c.ExpiresAt}
		}

		if !allUnder(reqs, usage) {
			return nil
		}
		for _, i := range order {
			c := counters[i]
			c.Count++
			if err := tx.Save(&c).Error; err != nil {
				return fmt.Errorf("increment counter %s: %w", c.Key, err)
			}
		}
		allowed = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return allowed, usage, nil
}

// Purge deletes counters whose window has ended.
func (s *GormStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&model.RateCounter{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge counters: %w", res.Error)
	}
	return res.RowsAffected, nil
}
