package priority

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultMaxSize bounds a queue created with a non-positive size.
const DefaultMaxSize = 50000

// Item is anything that can be ranked by the queue.
type Item interface {
	Priority() Level
	EnqueuedAt() time.Time
}

// entry wraps an item with its ordering key. seq breaks ties between items
// carrying identical timestamps so the tree never treats two items as equal.
type entry[T Item] struct {
	item  T
	level Level
	at    time.Time
	seq   uint64
}

// ranksBefore orders entries best first: higher level, then older, then
// earlier insertion.
func ranksBefore[T Item](a, b entry[T]) bool {
	if a.level != b.level {
		return a.level > b.level
	}
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Name     string `json:"name"`
	Count    int    `json:"count"`
	MaxSize  int    `json:"max_size"`
	Evicted  uint64 `json:"evicted"`
	Refused  uint64 `json:"refused"`
	Cleared  uint64 `json:"cleared"`
	Enqueued uint64 `json:"enqueued"`
}

// Queue is a bounded priority queue ordered by (priority desc, enqueue time
// asc). It never blocks: when full, TryEnqueue evicts the worst-ranked item
// (lowest priority, oldest within that priority) to make room, and refuses
// the new item only if it ranks strictly below every queued priority.
//
// All methods are safe for concurrent use.
type Queue[T Item] struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[entry[T]]
	maxSize int
	seq     uint64
	name    string
	logger  zerolog.Logger

	evicted  atomic.Uint64
	refused  atomic.Uint64
	cleared  atomic.Uint64
	enqueued atomic.Uint64
}

// NewQueue creates a queue holding at most maxSize items.
func NewQueue[T Item](name string, maxSize int) *Queue[T] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue[T]{
		tree:    btree.NewG[entry[T]](32, ranksBefore[T]),
		maxSize: maxSize,
		name:    name,
		logger:  log.With().Str("component", "priority_queue").Str("queue", name).Logger(),
	}
}

// TryEnqueue inserts item, evicting the worst-ranked item if the queue is full.
// It returns false only when item itself could not be inserted.
func (q *Queue[T]) TryEnqueue(item T) bool {
	e := entry[T]{item: item, level: item.Priority(), at: item.EnqueuedAt()}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.tree.Len() >= q.maxSize {
		worst, ok := q.tree.Max()
		if ok {
			if e.level < worst.level {
				q.refused.Add(1)
				q.logger.Warn().
					Str("priority", e.level.String()).
					Str("lowest_queued", worst.level.String()).
					Msg("priority queue full, refused lower priority item")
				return false
			}
			victim := q.oldestAt(worst.level)
			q.tree.Delete(victim)
			q.evicted.Add(1)
			q.logger.Warn().
				Str("priority", victim.level.String()).
				Dur("age", time.Since(victim.at)).
				Msg("priority queue full, dropped lowest priority item")
		}
	}

	q.seq++
	e.seq = q.seq
	q.tree.ReplaceOrInsert(e)
	q.enqueued.Add(1)
	return true
}

// oldestAt returns the oldest entry of the given level. Must hold q.mu and the
// level must be present.
func (q *Queue[T]) oldestAt(level Level) entry[T] {
	var found entry[T]
	q.tree.AscendGreaterOrEqual(entry[T]{level: level}, func(e entry[T]) bool {
		found = e
		return false
	})
	return found
}

// TryDequeue removes and returns the best-ranked item.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.tree.DeleteMin()
	if !ok {
		var zero T
		return zero, false
	}
	return e.item, true
}

// Count returns the number of queued items.
func (q *Queue[T]) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

// Clear drops every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.tree.Len()
	q.tree.Clear(false)
	q.cleared.Add(uint64(n))
	return n
}

// Name returns the queue name used in logs and metrics.
func (q *Queue[T]) Name() string { return q.name }

// MaxSize returns the queue bound.
func (q *Queue[T]) MaxSize() int { return q.maxSize }

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Name:     q.name,
		Count:    q.Count(),
		MaxSize:  q.maxSize,
		Evicted:  q.evicted.Load(),
		Refused:  q.refused.Load(),
		Cleared:  q.cleared.Load(),
		Enqueued: q.enqueued.Load(),
	}
}
