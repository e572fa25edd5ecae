package engine

import "sync"

// MarketLocks serializes mutating operations per market. PlaceOrder,
// CancelOrder, Aggress, and Settle on the same market must not interleave:
// the match loop has to see a consistent snapshot of the book across multiple
// fills, and two concurrent placements could otherwise double-match a resting
// order or both claim the last position-limit slot. Operations on different
// markets run in parallel; display reads bypass the lock entirely.
type MarketLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMarketLocks creates an empty lock registry.
func NewMarketLocks() *MarketLocks {
	return &MarketLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *MarketLocks) get(marketID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[marketID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[marketID] = m
	}
	return m
}

// Lock acquires the exclusive lock for a market, creating it on first use.
func (l *MarketLocks) Lock(marketID string) {
	l.get(marketID).Lock()
}

// Unlock releases a market's lock.
func (l *MarketLocks) Unlock(marketID string) {
	l.get(marketID).Unlock()
}
