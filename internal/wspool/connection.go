package wspool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/LKrysik/flashpump-engine/internal/events"
	"github.com/LKrysik/flashpump-engine/pkg/types"
)

const (
	pingInterval         = 20 * time.Second // send a ping every 20s
	connectTimeout       = 10 * time.Second
	writeTimeout         = 10 * time.Second
	maxJSONErrors        = 5
	maxTransientErrors   = 10
	inFlightDrainTimeout = 5 * time.Second
)

// readerState is the per-connection message dispatch state machine.
type readerState int32

const (
	stateReading readerState = iota
	stateHandlingError
	stateClosed
)

// connection owns one physical WebSocket connection: its reader, its
// heartbeat monitor, and the subscribed-symbol bookkeeping needed to
// resubscribe after a reconnect. It follows the familiar
// dial/read/ping-loop shape of a single-connection feed client, but
// generalized to (a) one of many pool members rather than a singleton,
// (b) dispatch by `channel` prefix instead of event type, (c) the pool's
// heartbeat/reconnect contract instead of a flat exponential backoff
// loop.
type connection struct {
	id     int
	pool   *Pool
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	stateMu    sync.Mutex
	connected  bool
	subscribed map[string]map[string]struct{} // symbol -> set of channel names

	state atomic.Int32

	lastPongMu sync.Mutex
	lastPong   time.Time

	lastDataMu sync.Mutex
	lastData   time.Time

	inFlight atomic.Int64

	jsonErrors      atomic.Int32
	transientErrors atomic.Int32

	healthCheckSent     atomic.Bool
	consecutiveTimeouts atomic.Int32

	cancel     context.CancelFunc
	done       chan struct{}
	finishOnce sync.Once
}

func newConnection(id int, pool *Pool) *connection {
	return &connection{
		id:         id,
		pool:       pool,
		logger:     pool.logger.With("connection_id", id),
		subscribed: make(map[string]map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// dial opens the physical connection and starts the reader and heartbeat as
// peer tasks. Returns once the connection is
// established; reader/heartbeat run in the background until the connection
// closes.
func (c *connection) dial(ctx context.Context) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
	defer cancelDial()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.pool.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.stateMu.Lock()
	c.connected = true
	c.stateMu.Unlock()

	now := time.Now()
	c.setLastPong(now)
	c.setLastData(now)
	c.state.Store(int32(stateReading))

	connCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	// Reader and heartbeat run as peer tasks: an errgroup supervises
	// the pair so the connection's done channel closes once both exit,
	// regardless of which one triggers the close first.
	go func() {
		var g errgroup.Group
		g.Go(func() error { c.readLoop(connCtx); return nil })
		g.Go(func() error { c.heartbeatLoop(connCtx); return nil })
		_ = g.Wait()
		close(c.done)
	}()

	c.pool.bus.Publish(events.TopicMarketDataConnect, marketDataConnectedPayload(c.pool.cfg.ExchangeName, c.id, c.pool.cfg.WSURL))
	return nil
}

func (c *connection) readLoop(ctx context.Context) {
	defer c.finish("reader exited")

	for {
		if ctx.Err() != nil {
			return
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("read error, closing for reconnect", "error", err)
			return
		}

		// The in-flight token must be released before Close is invoked:
		// Close drains inFlight to zero, and a close triggered from inside
		// the handler would otherwise wait out the full drain timeout on
		// its own token.
		c.inFlight.Add(1)
		closeRequested := c.handleMessage(data)
		c.inFlight.Add(-1)
		if closeRequested {
			c.Close()
			return
		}
	}
}

// handleMessage dispatches one inbound frame. It reports true when an
// error threshold has tripped and the connection must be closed; the
// caller performs the close outside the in-flight accounting.
func (c *connection) handleMessage(data []byte) (closeRequested bool) {
	c.setLastData(time.Now())

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return c.recordJSONError()
	}
	c.jsonErrors.Store(0)

	switch {
	case env.Channel == "pong":
		var p pongFrame
		_ = json.Unmarshal(data, &p)
		c.setLastPong(time.Now())
		c.healthCheckSent.Store(false)
		c.transientErrors.Store(0)

	case hasPrefix(env.Channel, "rs.sub."):
		return c.handleSubscriptionAck(data)

	case env.Channel == "push.deal":
		if err := c.handleDeal(data); err != nil {
			return c.recordTransientError()
		}
		c.transientErrors.Store(0)

	case env.Channel == "push.depth.full":
		if err := c.handleDepthSnapshot(data); err != nil {
			return c.recordTransientError()
		}
		c.transientErrors.Store(0)

	case env.Channel == "push.depth":
		if err := c.handleDepthDelta(data); err != nil {
			return c.recordTransientError()
		}
		c.transientErrors.Store(0)

	default:
		c.logger.Debug("unknown channel, ignoring", "channel", env.Channel)
	}
	return false
}

// recordJSONError counts a consecutive JSON parse failure and reports
// whether the threshold tripped.
func (c *connection) recordJSONError() bool {
	n := c.jsonErrors.Add(1)
	if n < maxJSONErrors {
		return false
	}
	c.logger.Error("json error threshold exceeded, closing connection", "count", n)
	c.state.Store(int32(stateHandlingError))
	return true
}

// recordTransientError counts a consecutive transient data error and
// reports whether the threshold tripped.
func (c *connection) recordTransientError() bool {
	n := c.transientErrors.Add(1)
	if n < maxTransientErrors {
		return false
	}
	c.logger.Error("transient error threshold exceeded, closing connection", "count", n)
	c.state.Store(int32(stateHandlingError))
	return true
}

func (c *connection) handleSubscriptionAck(data []byte) (closeRequested bool) {
	var ack subscriptionAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return c.recordJSONError()
	}
	channel := channelFromAck(ack.Channel)
	if ack.Data == "success" {
		fullyConfirmed := c.pool.confirmer.Confirm(c.id, ack.Symbol, channel)
		if fullyConfirmed {
			c.pool.onSymbolConfirmed(c.id, ack.Symbol)
		}
	} else {
		c.pool.confirmer.Fail(c.id, ack.Symbol, channel)
		c.logger.Error("subscription failed", "symbol", ack.Symbol, "channel", channel, "reason", ack.Data)
	}
	return false
}

func (c *connection) handleDeal(data []byte) error {
	var frame dealFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	for _, item := range frame.Data {
		price, err := decimal.NewFromString(item.P)
		if err != nil {
			continue
		}
		volume, err := decimal.NewFromString(item.V)
		if err != nil {
			continue
		}
		tick := types.MarketTick{
			Symbol:    frame.Symbol,
			Exchange:  c.pool.cfg.ExchangeName,
			Price:     price,
			Volume:    volume,
			Timestamp: time.UnixMilli(item.T2),
			Side:      sideFromWire(item.T),
			Source:    "websocket",
		}
		c.pool.bus.Publish(events.TopicPriceUpdate, tick)
	}
	return nil
}

func (c *connection) handleDepthSnapshot(data []byte) error {
	var frame depthFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	bids, err := levelsFromWire(frame.Data.Bids)
	if err != nil {
		return err
	}
	asks, err := levelsFromWire(frame.Data.Asks)
	if err != nil {
		return err
	}
	book := c.pool.books.GetOrCreate(frame.Symbol)
	book.ApplySnapshot(bids, asks, frame.Data.Version)
	c.pool.publishOrderbookUpdate(frame.Symbol)
	return nil
}

func (c *connection) handleDepthDelta(data []byte) error {
	var frame depthFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	bids, err := levelsFromWire(frame.Data.Bids)
	if err != nil {
		return err
	}
	asks, err := levelsFromWire(frame.Data.Asks)
	if err != nil {
		return err
	}
	book := c.pool.books.GetOrCreate(frame.Symbol)
	if book.ApplyDelta(bids, asks, frame.Data.Version) {
		c.pool.publishOrderbookUpdate(frame.Symbol)
	}
	return nil
}

// heartbeatLoop monitors pong age and schedules outbound pings, escalating
// from a warning to a forced reconnect if pongs stop arriving.
func (c *connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastPing := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pongAge := time.Since(c.getLastPong())

		if pongAge > c.pool.cfg.PongReconnectThreshold {
			c.logger.Error("pong age exceeded reconnect threshold, closing",
				"pong_age", pongAge)
			c.Close()
			return
		}

		if pongAge > c.pool.cfg.PongWarnThreshold {
			n := c.consecutiveTimeouts.Add(1)
			// The heartbeat ticks every second, so the warn log goes
			// through the pool's rate-limited log keys.
			if c.pool.shouldLog(fmt.Sprintf("pong_warn:%d", c.id), 10*time.Second) {
				c.logger.Warn("pong age exceeded warn threshold", "pong_age", pongAge, "consecutive_timeouts", n)
			}
			if !c.healthCheckSent.Load() {
				if err := c.sendPing(); err == nil {
					c.healthCheckSent.Store(true)
				}
			}
		} else if n := c.consecutiveTimeouts.Load(); n > 0 {
			c.logger.Info("pong_health_restored", "previous_consecutive_timeouts", n, "pong_age", pongAge)
			c.consecutiveTimeouts.Store(0)
			c.healthCheckSent.Store(false)
		}

		if time.Since(lastPing) >= pingInterval {
			if err := c.sendPing(); err != nil {
				c.logger.Error("ping send failed, closing", "error", err)
				c.Close()
				return
			}
			lastPing = time.Now()
		}

		if !c.checkDataStaleness(ctx) {
			return
		}
	}
}

// checkDataStaleness returns false if the connection was closed because no
// data arrived within its threshold; true otherwise. Before closing, it
// sends one subscription-refresh probe and gives the connection
// pre_close_health_check_timeout to prove liveness.
func (c *connection) checkDataStaleness(ctx context.Context) bool {
	threshold := c.pool.dataStalenessThreshold(c.subscribedSymbols())
	dataAge := time.Since(c.getLastData())
	if dataAge <= threshold {
		return true
	}

	c.logger.Warn("data staleness threshold exceeded, probing before close", "data_age", dataAge)
	// A subscription refresh elicits a data frame if the connection is
	// still alive; a plain ping only proves the socket, not the stream.
	if symbol, channel, ok := c.firstSubscribed(); ok {
		_ = c.sendSubscribe(symbol, channel)
	} else {
		_ = c.sendPing()
	}

	probeDeadline := time.Now().Add(c.pool.cfg.PreCloseHealthCheckTimeout)
	for time.Now().Before(probeDeadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
		if time.Since(c.getLastData()) < dataAge {
			return true // a frame arrived during the probe window
		}
	}

	c.logger.Error("no data activity after probe, closing connection")
	c.Close()
	return false
}

func (c *connection) sendPing() error {
	return c.writeJSON(pingFrame{Method: "ping"})
}

func (c *connection) sendSubscribe(symbol, channel string) error {
	return c.writeJSON(subscribeFrame{
		Method: "sub." + channel,
		Param:  subscribeParam{Symbol: symbol},
	})
}

func (c *connection) sendUnsubscribe(symbol, channel string) error {
	return c.writeJSON(subscribeFrame{
		Method: "unsub." + channel,
		Param:  subscribeParam{Symbol: symbol},
	})
}

func (c *connection) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Close tears the connection down, waiting up to inFlightDrainTimeout for
// in-flight message handlers to quiesce first.
func (c *connection) Close() {
	c.stateMu.Lock()
	alreadyClosing := !c.connected
	c.connected = false
	c.stateMu.Unlock()
	if alreadyClosing {
		return
	}

	deadline := time.Now().Add(inFlightDrainTimeout)
	for c.inFlight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.state.Store(int32(stateClosed))
	c.finish("closed")
}

func (c *connection) finish(reason string) {
	c.finishOnce.Do(func() {
		c.logger.Info("connection finished", "reason", reason)
		c.pool.bus.Publish(events.TopicMarketDataDisconn, marketDataDisconnectedPayload(c.pool.cfg.ExchangeName, c.id))
		c.pool.handleConnectionClosed(c.id)
	})
}

func (c *connection) addSubscribed(symbol, channel string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	set, ok := c.subscribed[symbol]
	if !ok {
		set = make(map[string]struct{})
		c.subscribed[symbol] = set
	}
	set[channel] = struct{}{}
}

func (c *connection) removeSubscribed(symbol string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	delete(c.subscribed, symbol)
}

// firstSubscribed returns any one subscribed symbol/channel pair, used for
// the pre-close subscription-refresh probe.
func (c *connection) firstSubscribed() (symbol, channel string, ok bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for sym, channels := range c.subscribed {
		for ch := range channels {
			return sym, ch, true
		}
	}
	return "", "", false
}

func (c *connection) subscribedSymbols() []string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for sym := range c.subscribed {
		out = append(out, sym)
	}
	return out
}

// pendingPlusConfirmedCount returns how many symbols (confirmed or
// pending) currently occupy capacity on this connection, for the
// placement algorithm.
func (c *connection) pendingPlusConfirmedCount() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return len(c.subscribed)
}

func (c *connection) isConnected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.connected
}

func (c *connection) setLastPong(t time.Time) {
	c.lastPongMu.Lock()
	c.lastPong = t
	c.lastPongMu.Unlock()
}

func (c *connection) getLastPong() time.Time {
	c.lastPongMu.Lock()
	defer c.lastPongMu.Unlock()
	return c.lastPong
}

func (c *connection) setLastData(t time.Time) {
	c.lastDataMu.Lock()
	c.lastData = t
	c.lastDataMu.Unlock()
}

func (c *connection) getLastData() time.Time {
	c.lastDataMu.Lock()
	defer c.lastDataMu.Unlock()
	return c.lastData
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func channelFromAck(rsChannel string) string {
	const prefix = "rs.sub."
	if hasPrefix(rsChannel, prefix) {
		return rsChannel[len(prefix):]
	}
	return rsChannel
}

func sideFromWire(t string) types.Side {
	switch t {
	case "1", "buy", "BUY":
		return types.SideBuy
	case "2", "sell", "SELL":
		return types.SideSell
	default:
		return types.SideUnknown
	}
}

func levelsFromWire(raw [][2]string) ([]types.OrderBookLevel, error) {
	levels := make([]types.OrderBookLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parse quantity %q: %w", pair[1], err)
		}
		levels = append(levels, types.OrderBookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
