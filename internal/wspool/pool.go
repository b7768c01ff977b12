// Package wspool implements the multi-connection WebSocket pool:
// symbol-to-connection placement under a global subscription lock, a
// token-bucket limiter on outbound subscription traffic, a circuit
// breaker around new-connection creation, per-connection heartbeat and
// reconnection with exponential backoff, and bounded tracking-metadata
// expiry. It generalizes a single-feed dial/subscribe/reconnect loop into
// a true pool: many connections, symbol placement across them, and a
// global lock guarding only placement/bookkeeping rather than the whole
// adapter.
package wspool

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LKrysik/flashpump-engine/internal/breaker"
	"github.com/LKrysik/flashpump-engine/internal/events"
	"github.com/LKrysik/flashpump-engine/internal/orderbook"
	"github.com/LKrysik/flashpump-engine/internal/ratelimit"
	"github.com/LKrysik/flashpump-engine/pkg/types"
)

// the channel names the exchange expects per data type.
const (
	channelDeal      = "deal"
	channelDepthFull = "depth.full"
	channelDepth     = "depth"
)

// DataType enumerates what a subscription wants streamed for a symbol.
type DataType string

const (
	DataTypePrices    DataType = "prices"
	DataTypeOrderbook DataType = "orderbook"
)

// Config tunes the pool.
type Config struct {
	ExchangeName string
	WSURL        string

	MaxConnections       int
	MaxSubsPerConnection int
	MaxReconnectAttempts int

	SubscribeRateLimitCapacity   float64
	SubscribeRateLimitRefillPerS float64
	SubscribeWaitTimeout         time.Duration

	PongWarnThreshold          time.Duration
	PongReconnectThreshold     time.Duration
	PreCloseHealthCheckTimeout time.Duration

	SnapshotRefreshInterval time.Duration

	ActivityThresholdHighVolume   time.Duration
	ActivityThresholdMediumVolume time.Duration
	ActivityThresholdLowVolume    time.Duration
	HighVolumeSymbols             map[string]struct{}
	MediumVolumeSymbols           map[string]struct{}

	TrackingExpiryInterval time.Duration
	MaxReconnectCounters   int
	MaxLogRateEntries      int

	CircuitBreakerFailureThreshold int
	CircuitBreakerTimeout          time.Duration
	CircuitBreakerSuccessThreshold int

	RESTBaseURL        string
	RESTRequestTimeout time.Duration
	RESTMinInterval    time.Duration
}

func dataTypeChannels(types []DataType) []string {
	channels := make([]string, 0, len(types))
	for _, dt := range types {
		switch dt {
		case DataTypePrices:
			channels = append(channels, channelDeal)
		case DataTypeOrderbook:
			channels = append(channels, channelDepthFull, channelDepth)
		}
	}
	return channels
}

// placement tracks which connection a symbol lives on and what it was
// asked to stream, so unsubscribe and snapshot-refresh know where to act.
type placement struct {
	connID    int
	dataTypes []DataType
	cancelRef context.CancelFunc // cancels this symbol's periodic snapshot-refresh task
}

// reconnectState bounds the reconnection-attempt bookkeeping.
type reconnectState struct {
	attempts  int
	expiresAt time.Time
}

// Pool owns the set of physical connections to one exchange and the
// placement of symbols across them. It exclusively owns OrderBookSnapshot
// state via books.
type Pool struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	books       *orderbook.Manager
	confirmer   *Confirmer
	rl          *ratelimit.TokenBucket
	connBreaker *breaker.Breaker
	rest        *restClient

	subMu       sync.Mutex // global subscription lock
	connections map[int]*connection
	nextConnID  int
	placements  map[string]*placement // symbol -> placement

	reconnectMu       sync.Mutex
	reconnectCounters map[string]*reconnectState // keyed by prior connection id (string)

	logRateMu sync.Mutex
	logRate   map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool. Call Connect to begin accepting subscriptions.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5
	}
	if cfg.MaxSubsPerConnection <= 0 {
		cfg.MaxSubsPerConnection = 30
	}
	if cfg.MaxReconnectCounters <= 0 {
		cfg.MaxReconnectCounters = 20
	}
	if cfg.MaxLogRateEntries <= 0 {
		cfg.MaxLogRateEntries = 1000
	}
	if cfg.TrackingExpiryInterval <= 0 {
		cfg.TrackingExpiryInterval = 10 * time.Minute
	}
	return &Pool{
		cfg:       cfg,
		bus:       bus,
		logger:    logger.With("component", "wspool"),
		books:     orderbook.NewManager(),
		confirmer: NewConfirmer(),
		rl:        ratelimit.New(cfg.SubscribeRateLimitCapacity, cfg.SubscribeRateLimitRefillPerS),
		connBreaker: breaker.New(breaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		}),
		rest:              newRESTClient(cfg, logger),
		connections:       make(map[int]*connection),
		placements:        make(map[string]*placement),
		reconnectCounters: make(map[string]*reconnectState),
		logRate:           make(map[string]time.Time),
	}
}

// Connect starts the pool's background maintenance tasks. Individual
// physical connections are opened lazily by SubscribeToSymbol.
func (p *Pool) Connect(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.expiryLoop()
	}()

	return nil
}

// Disconnect tears down every connection and waits for background tasks
// to exit.
func (p *Pool) Disconnect() {
	if p.cancel != nil {
		p.cancel()
	}

	p.subMu.Lock()
	conns := make([]*connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	p.subMu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	p.wg.Wait()
}

// SubscribeToSymbol reserves capacity on a connection for symbol and sends
// subscription frames for each requested data type.
// It returns once subscription frames are sent; confirmation completes
// asynchronously (observable via IsConfirmed).
func (p *Pool) SubscribeToSymbol(ctx context.Context, symbol string, dataTypes []DataType) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.SubscribeWaitTimeout)
	defer cancel()
	if err := p.rl.Wait(waitCtx); err != nil {
		return ErrRateLimitTimeout
	}

	channels := dataTypeChannels(dataTypes)

	p.subMu.Lock()
	conn, err := p.placeSymbolLocked(symbol)
	if err != nil {
		p.subMu.Unlock()
		return err
	}
	for _, ch := range channels {
		conn.addSubscribed(symbol, ch)
	}
	p.confirmer.MarkPending(conn.id, symbol, channels)
	p.placements[symbol] = &placement{connID: conn.id, dataTypes: dataTypes}
	p.subMu.Unlock()

	for _, ch := range channels {
		if err := conn.sendSubscribe(symbol, ch); err != nil {
			p.logger.Error("send subscribe failed", "symbol", symbol, "channel", ch, "error", err)
		}
	}
	return nil
}

// placeSymbolLocked finds or creates a connection with spare capacity.
// Caller must hold subMu.
func (p *Pool) placeSymbolLocked(symbol string) (*connection, error) {
	if existing, ok := p.placements[symbol]; ok {
		if c, ok := p.connections[existing.connID]; ok {
			return c, nil
		}
	}

	for _, c := range p.connections {
		if c.isConnected() && c.pendingPlusConfirmedCount() < p.cfg.MaxSubsPerConnection {
			return c, nil
		}
	}

	if len(p.connections) >= p.cfg.MaxConnections {
		return nil, ErrCapacityExceeded
	}

	return p.openConnectionLocked()
}

// openConnectionLocked dials a new physical connection guarded by the
// circuit breaker. Caller must hold subMu.
func (p *Pool) openConnectionLocked() (*connection, error) {
	if err := p.connBreaker.Allow(); err != nil {
		return nil, ErrCircuitOpen
	}

	p.nextConnID++
	id := p.nextConnID
	c := newConnection(id, p)

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.dial(ctx); err != nil {
		p.connBreaker.Failure()
		return nil, fmt.Errorf("open connection: %w", err)
	}
	p.connBreaker.Success()
	p.connections[id] = c
	return c, nil
}

// UnsubscribeFromSymbol removes all per-symbol state: pending/confirmed
// subscription tracking, orderbook state, and the periodic snapshot-refresh
// task.
func (p *Pool) UnsubscribeFromSymbol(symbol string) {
	p.subMu.Lock()
	pl, ok := p.placements[symbol]
	if !ok {
		p.subMu.Unlock()
		return
	}
	delete(p.placements, symbol)
	conn := p.connections[pl.connID]
	if pl.cancelRef != nil {
		pl.cancelRef()
	}
	p.subMu.Unlock()

	if conn != nil {
		for _, ch := range dataTypeChannels(pl.dataTypes) {
			if err := conn.sendUnsubscribe(symbol, ch); err != nil {
				p.logger.Warn("send unsubscribe failed", "symbol", symbol, "channel", ch, "error", err)
			}
		}
		conn.removeSubscribed(symbol)
	}
	p.confirmer.Remove(pl.connID, symbol)
	p.books.Delete(symbol)
}

// onSymbolConfirmed is called by a connection's reader once every expected
// channel for symbol has acknowledged success. For symbols that stream the
// order book it starts the periodic snapshot-refresh task.
func (p *Pool) onSymbolConfirmed(connID int, symbol string) {
	p.subMu.Lock()
	pl, ok := p.placements[symbol]
	if !ok || pl.connID != connID || pl.cancelRef != nil {
		p.subMu.Unlock()
		return
	}
	wantsBook := false
	for _, dt := range pl.dataTypes {
		if dt == DataTypeOrderbook {
			wantsBook = true
		}
	}
	var refreshCtx context.Context
	if wantsBook && p.ctx != nil {
		refreshCtx, pl.cancelRef = context.WithCancel(p.ctx)
	}
	p.subMu.Unlock()

	if refreshCtx != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.snapshotRefreshLoop(refreshCtx, symbol)
		}()
	}
}

// IsConfirmed reports whether symbol is fully confirmed on its assigned
// connection.
func (p *Pool) IsConfirmed(symbol string) bool {
	p.subMu.Lock()
	pl, ok := p.placements[symbol]
	p.subMu.Unlock()
	if !ok {
		return false
	}
	return p.confirmer.IsFullyConfirmed(pl.connID, symbol)
}

// OrderBook returns the current snapshot for symbol, if tracked.
func (p *Pool) OrderBook(symbol string) (types.OrderBookSnapshot, bool) {
	b, ok := p.books.Get(symbol)
	if !ok {
		return types.OrderBookSnapshot{}, false
	}
	return b.Snapshot(), true
}

func (p *Pool) publishOrderbookUpdate(symbol string) {
	b, ok := p.books.Get(symbol)
	if !ok {
		return
	}
	snap := b.Snapshot()
	payload := OrderbookUpdate{
		Exchange:  p.cfg.ExchangeName,
		Symbol:    symbol,
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		Timestamp: snap.LastUpdateAt,
		Version:   snap.Version,
	}
	if bb, ok := snap.BestBid(); ok {
		payload.BestBid = bb.Price
	}
	if ba, ok := snap.BestAsk(); ok {
		payload.BestAsk = ba.Price
	}
	p.bus.Publish(events.TopicOrderbookUpdate, payload)
}

// dataStalenessThreshold picks the per-volume-category threshold, set
// per-symbol-category to avoid false positives on quiet symbols. A
// connection carrying multiple symbols uses the loosest
// (largest) threshold among them, so an active symbol sharing a connection
// with a quiet one never triggers a false reconnect.
func (p *Pool) dataStalenessThreshold(symbols []string) time.Duration {
	var threshold time.Duration
	for _, s := range symbols {
		var t time.Duration
		switch p.volumeCategory(s) {
		case types.VolumeHigh:
			t = p.cfg.ActivityThresholdHighVolume
		case types.VolumeMedium:
			t = p.cfg.ActivityThresholdMediumVolume
		default:
			t = p.cfg.ActivityThresholdLowVolume
		}
		if t > threshold {
			threshold = t
		}
	}
	if threshold <= 0 {
		threshold = p.cfg.ActivityThresholdLowVolume
	}
	if threshold <= 0 {
		threshold = 300 * time.Second
	}
	return threshold
}

// volumeCategory classifies a symbol from the configured high/medium
// lists; anything unlisted is low volume.
func (p *Pool) volumeCategory(symbol string) types.VolumeCategory {
	if inSet(p.cfg.HighVolumeSymbols, symbol) {
		return types.VolumeHigh
	}
	if inSet(p.cfg.MediumVolumeSymbols, symbol) {
		return types.VolumeMedium
	}
	return types.VolumeLow
}

func inSet(set map[string]struct{}, s string) bool {
	if set == nil {
		return false
	}
	_, ok := set[s]
	return ok
}

// handleConnectionClosed reacts to a connection finishing. It removes the connection from
// the pool and, if it had subscribed symbols, dispatches reconnection as a
// detached task so a failing reader never blocks recovery.
func (p *Pool) handleConnectionClosed(connID int) {
	p.subMu.Lock()
	c, ok := p.connections[connID]
	delete(p.connections, connID)
	// Remember each symbol's requested data types so resubscription after
	// reconnect restores the same streams.
	subs := make(map[string][]DataType)
	if ok {
		for _, s := range c.subscribedSymbols() {
			subs[s] = []DataType{DataTypePrices, DataTypeOrderbook}
			if pl, ok := p.placements[s]; ok && pl.connID == connID {
				subs[s] = pl.dataTypes
				if pl.cancelRef != nil {
					pl.cancelRef()
				}
				delete(p.placements, s)
			}
		}
	}
	p.subMu.Unlock()

	p.confirmer.RemoveConnection(connID)
	for s := range subs {
		p.books.Delete(s)
	}

	if len(subs) == 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reconnect(connID, subs)
	}()
}

// reconnect retries with exponential backoff and jittered delay,
// dispatched as a detached task per closed connection.
func (p *Pool) reconnect(oldConnID int, subs map[string][]DataType) {
	key := fmt.Sprintf("%d", oldConnID)

	for {
		if p.ctx != nil && p.ctx.Err() != nil {
			return
		}

		attempt := p.incrReconnectAttempt(key)
		if attempt > p.cfg.MaxReconnectAttempts {
			p.logger.Error("reconnect attempts exhausted, abandoning", "old_connection_id", oldConnID)
			p.clearReconnectCounter(key)
			return
		}

		delay := backoffDelay(attempt, oldConnID)
		select {
		case <-time.After(delay):
		case <-p.doneCh():
			return
		}

		p.subMu.Lock()
		conn, err := p.openConnectionLocked()
		p.subMu.Unlock()
		if err != nil {
			p.logger.Warn("reconnect attempt failed", "old_connection_id", oldConnID, "attempt", attempt, "error", err)
			continue
		}

		p.clearReconnectCounter(key)
		p.logger.Info("reconnect succeeded", "old_connection_id", oldConnID, "new_connection_id", conn.id)

		for symbol, dataTypes := range subs {
			sym, dts := symbol, dataTypes
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.resubscribeAfterReconnect(sym, dts)
			}()
		}
		return
	}
}

// resubscribeAfterReconnect re-requests a symbol's channels on whatever
// connection placeSymbolLocked assigns it to. It never holds the pool's
// subscription lock from within the detached reconnect task beyond the
// single placement call inside SubscribeToSymbol.
func (p *Pool) resubscribeAfterReconnect(symbol string, dataTypes []DataType) {
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.SubscribeToSymbol(ctx, symbol, dataTypes); err != nil {
		p.logger.Error("resubscribe after reconnect failed", "symbol", symbol, "error", err)
	}
}

func (p *Pool) doneCh() <-chan struct{} {
	if p.ctx == nil {
		return nil
	}
	return p.ctx.Done()
}

// backoffDelay computes min(2^(attempt-1), 30)s plus small deterministic
// jitter derived from the old connection id.
func backoffDelay(attempt, oldConnID int) time.Duration {
	base := float64(int64(1) << uint(attempt-1))
	if base > 30 {
		base = 30
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", oldConnID)
	jitterFrac := float64(h.Sum32()%100) / 1000.0 // up to 10% of base
	return time.Duration((base + base*jitterFrac) * float64(time.Second))
}

func (p *Pool) incrReconnectAttempt(key string) int {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()
	p.evictExpiredReconnectLocked()

	st, ok := p.reconnectCounters[key]
	if !ok {
		if len(p.reconnectCounters) >= p.cfg.MaxReconnectCounters {
			p.evictOldestReconnectLocked()
		}
		st = &reconnectState{}
		p.reconnectCounters[key] = st
	}
	st.attempts++
	st.expiresAt = time.Now().Add(p.cfg.TrackingExpiryInterval)
	return st.attempts
}

func (p *Pool) clearReconnectCounter(key string) {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()
	delete(p.reconnectCounters, key)
}

func (p *Pool) evictExpiredReconnectLocked() {
	now := time.Now()
	for k, st := range p.reconnectCounters {
		if now.After(st.expiresAt) {
			delete(p.reconnectCounters, k)
		}
	}
}

func (p *Pool) evictOldestReconnectLocked() {
	var oldestKey string
	var oldest time.Time
	for k, st := range p.reconnectCounters {
		if oldest.IsZero() || st.expiresAt.Before(oldest) {
			oldest = st.expiresAt
			oldestKey = k
		}
	}
	if oldestKey != "" {
		delete(p.reconnectCounters, oldestKey)
	}
}

// shouldLog rate-limits a log key to once per interval and bounds the
// tracking map size.
func (p *Pool) shouldLog(key string, interval time.Duration) bool {
	p.logRateMu.Lock()
	defer p.logRateMu.Unlock()

	if last, ok := p.logRate[key]; ok && time.Since(last) < interval {
		return false
	}
	if len(p.logRate) >= p.cfg.MaxLogRateEntries {
		p.evictOldestLogRateLocked()
	}
	p.logRate[key] = time.Now()
	return true
}

func (p *Pool) evictOldestLogRateLocked() {
	var oldestKey string
	var oldest time.Time
	for k, t := range p.logRate {
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
			oldestKey = k
		}
	}
	if oldestKey != "" {
		delete(p.logRate, oldestKey)
	}
}

// expiryLoop periodically expires stale tracking metadata and enforces
// hard caps.
func (p *Pool) expiryLoop() {
	interval := p.cfg.TrackingExpiryInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reconnectMu.Lock()
			p.evictExpiredReconnectLocked()
			p.reconnectMu.Unlock()

			p.logRateMu.Lock()
			for len(p.logRate) > p.cfg.MaxLogRateEntries {
				p.evictOldestLogRateLocked()
			}
			p.logRateMu.Unlock()
		}
	}
}

// snapshotRefreshLoop periodically requests a fresh full snapshot over
// WebSocket; on failure it falls back to the REST client.
func (p *Pool) snapshotRefreshLoop(ctx context.Context, symbol string) {
	interval := p.cfg.SnapshotRefreshInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.subMu.Lock()
		pl, ok := p.placements[symbol]
		var conn *connection
		if ok {
			conn = p.connections[pl.connID]
		}
		p.subMu.Unlock()

		if conn != nil && conn.isConnected() {
			if err := conn.sendSubscribe(symbol, channelDepthFull); err == nil {
				continue
			}
		}

		if err := p.refreshViaREST(ctx, symbol); err != nil {
			p.logger.Error("snapshot refresh failed (ws and rest)", "symbol", symbol, "error", err)
		}
	}
}

func (p *Pool) refreshViaREST(ctx context.Context, symbol string) error {
	bids, asks, err := p.rest.fetchDepth(ctx, symbol)
	if err != nil {
		return err
	}
	book := p.books.GetOrCreate(symbol)
	// The REST payload is unversioned; applied outside the WebSocket
	// version sequence so later deltas still merge.
	book.ApplyRefresh(bids, asks)
	p.publishOrderbookUpdate(symbol)
	return nil
}

// MemoryStats is an immutable snapshot for observability.
type MemoryStats struct {
	Connections       int
	TrackedSymbols    int
	ReconnectCounters int
	LogRateEntries    int
}

// Stats returns a point-in-time snapshot of the pool's bounded memory
// structures.
func (p *Pool) Stats() MemoryStats {
	p.subMu.Lock()
	conns := len(p.connections)
	symbols := len(p.placements)
	p.subMu.Unlock()

	p.reconnectMu.Lock()
	reconnects := len(p.reconnectCounters)
	p.reconnectMu.Unlock()

	p.logRateMu.Lock()
	logRate := len(p.logRate)
	p.logRateMu.Unlock()

	return MemoryStats{
		Connections:       conns,
		TrackedSymbols:    symbols,
		ReconnectCounters: reconnects,
		LogRateEntries:    logRate,
	}
}

// OrderbookUpdate is the canonical market.orderbook_update payload.
type OrderbookUpdate struct {
	Exchange  string
	Symbol    string
	Bids      []types.OrderBookLevel
	Asks      []types.OrderBookLevel
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Timestamp time.Time
	Version   int64
}
