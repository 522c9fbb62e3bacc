package waf

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kubilitics/kubilitics-perimeter/internal/ratelimit"
)

const defaultOffenderCapacity = 10000

// offenderTracker counts denials per identifier in a bounded LRU.
type offenderTracker struct {
	threshold int

	mu    sync.Mutex
	cache *lru.Cache[string, int]
}

func newOffenderTracker(threshold, capacity int) *offenderTracker {
	if capacity <= 0 {
		capacity = defaultOffenderCapacity
	}
	cache, err := lru.New[string, int](capacity)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &offenderTracker{threshold: threshold, cache: cache}
}

// record counts one denial and reports whether id just crossed the threshold.
// The count is forgotten once it fires.
func (t *offenderTracker) record(id string) bool {
	if t.threshold <= 0 || id == "" || id == ratelimit.UnknownClient {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n, _ := t.cache.Get(id)
	n++
	if n >= t.threshold {
		t.cache.Remove(id)
		return true
	}
	t.cache.Add(id, n)
	return false
}

func (t *offenderTracker) len() int {
	return t.cache.Len()
}
