package executor

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/quantfold/tickpipe/internal/model"
)

// DeriveClientOrderID derives the idempotency key from order identity: equal
// inputs always produce equal ids.
func DeriveClientOrderID(signalRowID, tsMs int64, side model.Side, qty, price float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s|%.8f|%.8f", signalRowID, tsMs, side, qty, price)))
	return hex.EncodeToString(sum[:])[:32]
}

// IdempotencyTracker remembers recently submitted client order ids with LRU
// eviction so duplicates short-circuit before any venue call.
type IdempotencyTracker struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

// NewIdempotencyTracker creates a tracker holding at most cap ids.
func NewIdempotencyTracker(capacity int) *IdempotencyTracker {
	if capacity <= 0 {
		capacity = 4096
	}
	return &IdempotencyTracker{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// Seen reports whether id was already tracked. A new id is recorded and the
// oldest entry evicted once past capacity.
func (t *IdempotencyTracker) Seen(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.items[id]; ok {
		t.order.MoveToFront(el)
		return true
	}
	t.items[id] = t.order.PushFront(id)
	if t.order.Len() > t.cap {
		back := t.order.Back()
		t.order.Remove(back)
		delete(t.items, back.Value.(string))
	}
	return false
}

// Len returns the tracked count.
func (t *IdempotencyTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
