// Package orderbook maintains per-symbol order-book state under concurrent
// incremental updates. Each symbol's book is serialized by its own lock,
// not a global one, so updates to different symbols never contend.
// Structured like an RWMutex-guarded snapshot holder with
// BestBidAsk/MidPrice/IsStale accessors, but with a real incremental
// merge in place of a full-replace update: per-level upsert/delete keyed
// by price, re-sort, trim to MaxBookDepth, and strict version
// monotonicity.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LKrysik/flashpump-engine/pkg/types"
)

// Book is the mutable per-symbol order-book state, exclusively owned by the
// WebSocket pool.
type Book struct {
	mu      sync.RWMutex
	symbol  string
	bids    map[string]decimal.Decimal // price string -> quantity
	asks    map[string]decimal.Decimal
	prices  map[string]decimal.Decimal // price string -> decimal price, shared by both sides
	version int64
	updated time.Time
}

// New creates an empty book for symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[string]decimal.Decimal),
		asks:   make(map[string]decimal.Decimal),
		prices: make(map[string]decimal.Decimal),
	}
}

// ApplySnapshot atomically replaces the book from a versioned exchange
// snapshot. A snapshot only takes effect if version is strictly newer
// than what is already held (a book with no version yet accepts any),
// protecting against an out-of-order snapshot
// racing a newer delta. Unversioned refreshes (the REST fallback) go
// through ApplyRefresh instead and never compete in this sequence space.
func (b *Book) ApplySnapshot(bids, asks []types.OrderBookLevel, version int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if version <= b.version && b.version != 0 {
		return
	}

	b.bids = make(map[string]decimal.Decimal, len(bids))
	b.asks = make(map[string]decimal.Decimal, len(asks))
	b.prices = make(map[string]decimal.Decimal, len(bids)+len(asks))

	for _, lvl := range bids {
		key := lvl.Price.String()
		b.bids[key] = lvl.Quantity
		b.prices[key] = lvl.Price
	}
	for _, lvl := range asks {
		key := lvl.Price.String()
		b.asks[key] = lvl.Quantity
		b.prices[key] = lvl.Price
	}

	b.trimLocked()
	b.version = version
	b.updated = time.Now()
}

// ApplyRefresh atomically replaces the book's levels from an unversioned
// out-of-band snapshot (the REST fallback). The current version is kept
// as-is: the refresh is authoritative for the levels but carries no
// exchange sequence number, so inventing one would pin the version past
// every subsequent WebSocket update and permanently reject them as stale.
func (b *Book) ApplyRefresh(bids, asks []types.OrderBookLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]decimal.Decimal, len(bids))
	b.asks = make(map[string]decimal.Decimal, len(asks))
	b.prices = make(map[string]decimal.Decimal, len(bids)+len(asks))

	for _, lvl := range bids {
		key := lvl.Price.String()
		b.bids[key] = lvl.Quantity
		b.prices[key] = lvl.Price
	}
	for _, lvl := range asks {
		key := lvl.Price.String()
		b.asks[key] = lvl.Quantity
		b.prices[key] = lvl.Price
	}

	b.trimLocked()
	b.updated = time.Now()
}

// ApplyDelta merges an incremental update. A
// quantity of zero removes the level; otherwise the level is upserted. A
// delta whose version does not strictly exceed the current version is
// rejected as stale and is a no-op. Returns true if the
// delta was applied.
func (b *Book) ApplyDelta(bidChanges, askChanges []types.OrderBookLevel, version int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if version <= b.version {
		return false
	}

	applySide := func(side map[string]decimal.Decimal, changes []types.OrderBookLevel) {
		for _, lvl := range changes {
			key := lvl.Price.String()
			if lvl.Quantity.IsZero() {
				delete(side, key)
				continue
			}
			side[key] = lvl.Quantity
			b.prices[key] = lvl.Price
		}
	}
	applySide(b.bids, bidChanges)
	applySide(b.asks, askChanges)

	b.trimLocked()
	b.version = version
	b.updated = time.Now()
	return true
}

// trimLocked re-sorts both sides and keeps only the top MaxBookDepth
// entries per side. Caller must hold b.mu.
func (b *Book) trimLocked() {
	b.bids = trimSide(b.bids, b.prices, false)
	b.asks = trimSide(b.asks, b.prices, true)
}

func trimSide(side map[string]decimal.Decimal, prices map[string]decimal.Decimal, ascending bool) map[string]decimal.Decimal {
	if len(side) <= types.MaxBookDepth {
		return side
	}
	keys := make([]string, 0, len(side))
	for k := range side {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		cmp := prices[keys[i]].Cmp(prices[keys[j]])
		if ascending {
			return cmp < 0
		}
		return cmp > 0
	})
	keys = keys[:types.MaxBookDepth]
	kept := make(map[string]decimal.Decimal, len(keys))
	for _, k := range keys {
		kept[k] = side[k]
	}
	return kept
}

// Snapshot returns an immutable, sorted view of the book: bids descending
// by price, asks ascending, each trimmed to MaxBookDepth.
func (b *Book) Snapshot() types.OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return types.OrderBookSnapshot{
		Symbol:       b.symbol,
		Bids:         sortedLevels(b.bids, b.prices, false),
		Asks:         sortedLevels(b.asks, b.prices, true),
		Version:      b.version,
		LastUpdateAt: b.updated,
	}
}

func sortedLevels(side map[string]decimal.Decimal, prices map[string]decimal.Decimal, ascending bool) []types.OrderBookLevel {
	levels := make([]types.OrderBookLevel, 0, len(side))
	for k, qty := range side {
		levels = append(levels, types.OrderBookLevel{Price: prices[k], Quantity: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		cmp := levels[i].Price.Cmp(levels[j].Price)
		if ascending {
			return cmp < 0
		}
		return cmp > 0
	})
	if len(levels) > types.MaxBookDepth {
		levels = levels[:types.MaxBookDepth]
	}
	return levels
}

// BestBidAsk returns the top bid/ask levels and whether both sides are
// non-empty.
func (b *Book) BestBidAsk() (bid, ask types.OrderBookLevel, ok bool) {
	snap := b.Snapshot()
	bb, hasBid := snap.BestBid()
	ba, hasAsk := snap.BestAsk()
	if !hasBid || !hasAsk {
		return types.OrderBookLevel{}, types.OrderBookLevel{}, false
	}
	return bb, ba, true
}

// Version returns the current version without materializing a snapshot.
func (b *Book) Version() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// IsStale reports whether the book has not been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// Manager owns one Book per symbol, keyed under its own lock. Per-symbol
// merge operations are NOT serialized by this lock — that is each Book's
// own job — Manager only protects the symbol->Book map itself.
type Manager struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewManager creates an empty book manager.
func NewManager() *Manager {
	return &Manager{books: make(map[string]*Book)}
}

// GetOrCreate returns the book for symbol, creating it if absent.
func (m *Manager) GetOrCreate(symbol string) *Book {
	m.mu.RLock()
	b, ok := m.books[symbol]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.books[symbol]; ok {
		return b
	}
	b = New(symbol)
	m.books[symbol] = b
	return b
}

// Get returns the book for symbol if it exists.
func (m *Manager) Get(symbol string) (*Book, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[symbol]
	return b, ok
}

// Delete removes the book for symbol.
func (m *Manager) Delete(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, symbol)
}
