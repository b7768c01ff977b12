// Package pumpdetector consumes market ticks and identifies flash pumps and
// their reversals. It maintains per-symbol rolling baselines in
// bounded ring buffers, runs a peak-confirmation state machine per symbol,
// and — once a pump is confirmed — watches for a retracement with
// declining volume. All per-symbol state is owned exclusively by this
// package; there is a single writer per symbol because every
// update arrives through one event-bus subscription handler.
//
// A market scanner elsewhere in this codebase polls an HTTP API on a
// ticker and ranks results; this package is event-driven off the bus
// instead and maintains continuously-updated per-symbol state machines,
// expressed with the same plain-struct-plus-mutex-map style used for
// other owned, concurrently-accessed state in this module.
package pumpdetector

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LKrysik/flashpump-engine/internal/events"
	"github.com/LKrysik/flashpump-engine/internal/wspool"
	"github.com/LKrysik/flashpump-engine/pkg/types"
)

// MaxSpreadPct is the market-condition threshold above which a wide
// bid/ask spread penalizes confidence, mirroring the liquidity and 24h
// volume checks.
const MaxSpreadPct = 0.5

// Config tunes baseline windows, candidate thresholds, and confirmation
// behavior.
type Config struct {
	RingBufferCapacity int

	// QueueCapacity sizes this detector's event-bus subscription queues;
	// zero uses the bus default.
	QueueCapacity int

	BaselineWindow time.Duration
	VelocityWindow time.Duration

	MinPumpMagnitudePct   float64
	VolumeSurgeMultiplier float64
	VelocityThreshold     float64
	MinVolume24h          float64

	PeakConfirmationWindow time.Duration
	MinConfidenceThreshold float64

	MinRetracementPct       float64
	EmergencyRetracementPct float64
	EmergencyDeclineRatio   float64
}

// phase is the per-symbol peak-confirmation state.
type phase int

const (
	phaseIdle phase = iota
	phaseTracking
)

// candidateState is the mutable tracking state while a pump is being
// confirmed or already confirmed and being watched for reversal.
type candidateState struct {
	phase phase

	candidate       types.PumpCandidate
	surgePeakVolume decimal.Decimal // highest volume observed while tracking, for reversal's decline ratio

	confirmed       bool // true once promoted to a FlashPumpSignal, tracked for reversal
	signal          types.FlashPumpSignal
	reversalEmitted bool
}

// symbolState is the per-symbol owned state: ring buffers plus whatever
// candidate/confirmed-pump tracking is active.
type symbolState struct {
	mu     sync.Mutex
	prices *ring
	volume *ring
	state  *candidateState

	spreadPct  float64
	haveSpread bool
}

// Detector is the pump/reversal detection state machine.
type Detector struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	symbols map[string]*symbolState

	errCountMu sync.Mutex
	errCounts  map[string]int64

	unsubscribe func()
}

// New creates a detector. Call Start to subscribe to market.price_update.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:       cfg,
		bus:       bus,
		logger:    logger.With("component", "pumpdetector"),
		symbols:   make(map[string]*symbolState),
		errCounts: make(map[string]int64),
	}
}

// Start subscribes the detector to the market data and orderbook streams.
func (d *Detector) Start() {
	unsubTick := d.bus.Subscribe(events.TopicPriceUpdate, d.cfg.QueueCapacity, d.handleEvent)
	unsubBook := d.bus.Subscribe(events.TopicOrderbookUpdate, d.cfg.QueueCapacity, d.handleOrderbookEvent)
	d.unsubscribe = func() {
		unsubTick()
		unsubBook()
	}
}

// Stop unsubscribes from the bus.
func (d *Detector) Stop() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
}

func (d *Detector) handleEvent(evt events.Event) {
	tick, ok := evt.Payload.(types.MarketTick)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.recordError(tick.Symbol)
			d.logger.Error("pump detector handler panicked", "symbol", tick.Symbol, "recovered", r)
		}
	}()
	d.onTick(tick)
}

func (d *Detector) recordError(symbol string) {
	d.errCountMu.Lock()
	d.errCounts[symbol]++
	d.errCountMu.Unlock()
}

// handleOrderbookEvent tracks the latest best-bid/best-ask spread per
// symbol so confidence scoring can penalize wide spreads.
func (d *Detector) handleOrderbookEvent(evt events.Event) {
	book, ok := evt.Payload.(wspool.OrderbookUpdate)
	if !ok {
		return
	}
	if book.BestBid.IsZero() || book.BestAsk.IsZero() {
		return
	}
	spreadPct, _ := book.BestAsk.Sub(book.BestBid).Div(book.BestBid).Mul(decimal.NewFromInt(100)).Float64()

	st := d.stateFor(book.Symbol)
	st.mu.Lock()
	st.spreadPct = spreadPct
	st.haveSpread = true
	st.mu.Unlock()
}

func (d *Detector) stateFor(symbol string) *symbolState {
	d.mu.RLock()
	st, ok := d.symbols[symbol]
	d.mu.RUnlock()
	if ok {
		return st
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{
		prices: newRing(d.cfg.RingBufferCapacity),
		volume: newRing(d.cfg.RingBufferCapacity),
		state:  &candidateState{phase: phaseIdle},
	}
	d.symbols[symbol] = st
	return st
}

// onTick is the single-writer update path for one symbol.
func (d *Detector) onTick(tick types.MarketTick) {
	st := d.stateFor(tick.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	s := sample{at: tick.Timestamp, price: tick.Price, volume: tick.Volume}
	st.prices.push(s)
	st.volume.push(s)

	baselinePrice, baselineVolume, haveBaseline := d.baselines(st, tick.Timestamp)
	velocity, haveVelocity := d.velocity(st, tick.Timestamp)

	switch st.state.phase {
	case phaseIdle:
		if st.state.confirmed {
			d.checkReversal(tick, st, velocity)
		}
		if !haveBaseline {
			return
		}
		if d.isCandidate(tick, baselinePrice, baselineVolume, velocity, haveVelocity) {
			st.state.phase = phaseTracking
			st.state.candidate = types.PumpCandidate{
				Symbol:           tick.Symbol,
				DetectionTime:    tick.Timestamp,
				PeakPrice:        tick.Price,
				PeakTime:         tick.Timestamp,
				BaselinePrice:    baselinePrice,
				BaselineVolume:   baselineVolume,
				PumpMagnitudePct: magnitudePct(tick.Price, baselinePrice),
				VolumeSurgeRatio: surgeRatio(tick.Volume, baselineVolume),
				Velocity:         velocity,
			}
			st.state.surgePeakVolume = tick.Volume
		}

	case phaseTracking:
		c := &st.state.candidate
		if tick.Price.GreaterThan(c.PeakPrice) {
			c.PeakPrice = tick.Price
			c.PeakTime = tick.Timestamp
			c.PumpMagnitudePct = magnitudePct(tick.Price, c.BaselinePrice)
			// Velocity is recorded at peaks only: overwriting it during
			// the quiet hold would drag the confidence score toward zero
			// right before confirmation.
			if haveVelocity {
				c.Velocity = velocity
			}
		}
		if tick.Volume.GreaterThan(st.state.surgePeakVolume) {
			st.state.surgePeakVolume = tick.Volume
			c.VolumeSurgeRatio = surgeRatio(tick.Volume, c.BaselineVolume)
		}

		if tick.Timestamp.Sub(c.PeakTime) >= d.cfg.PeakConfirmationWindow {
			spreadPct, haveSpread := st.spreadPct, st.haveSpread
			confidence := d.confidence(*c, tick, spreadPct, haveSpread)
			if confidence >= d.cfg.MinConfidenceThreshold {
				signal := d.buildSignal(*c, tick, confidence, spreadPct, haveSpread)
				st.state.confirmed = true
				st.state.signal = signal
				st.state.reversalEmitted = false
				d.bus.Publish(events.TopicPumpDetected, PumpDetectedPayload{
					Timestamp: time.Now(),
					Source:    "pumpdetector",
					Symbol:    tick.Symbol,
					Signal:    signal,
				})
			}
			st.state.phase = phaseIdle
			st.state.candidate = types.PumpCandidate{}
		}
	}
}

// isCandidate evaluates the new-pump predicate.
func (d *Detector) isCandidate(tick types.MarketTick, baselinePrice, baselineVolume decimal.Decimal, velocity float64, haveVelocity bool) bool {
	if baselinePrice.IsZero() || baselineVolume.IsZero() {
		return false
	}
	if magnitudePct(tick.Price, baselinePrice) < d.cfg.MinPumpMagnitudePct {
		return false
	}
	if surgeRatio(tick.Volume, baselineVolume) < d.cfg.VolumeSurgeMultiplier {
		return false
	}
	if haveVelocity && velocity < d.cfg.VelocityThreshold {
		return false
	}
	if d.cfg.MinVolume24h > 0 && !tick.QuoteVolume.IsZero() {
		if tick.QuoteVolume.LessThan(decimal.NewFromFloat(d.cfg.MinVolume24h)) {
			return false
		}
	}
	return true
}

// baselines computes the median price/volume over baseline_window_minutes,
// requiring >= 5 samples.
func (d *Detector) baselines(st *symbolState, now time.Time) (decimal.Decimal, decimal.Decimal, bool) {
	cutoff := now.Add(-d.cfg.BaselineWindow)
	samples := st.prices.since(cutoff)
	if len(samples) < 5 {
		return decimal.Zero, decimal.Zero, false
	}
	return medianPrice(samples), medianVolume(samples), true
}

// velocity measures price change per second over velocity_window_seconds,
// taken as the steepest climb from any sample inside the window to the
// current tick. A single fixed-lag reference would understate a burst
// that starts mid-window: +12 over the last 10s reads as 0.4/s against a
// 30s-old reference but 1.2/s against where the climb began. On a flat
// history both readings agree.
func (d *Detector) velocity(st *symbolState, now time.Time) (float64, bool) {
	latest, ok := st.prices.latest()
	if !ok {
		return 0, false
	}
	cutoff := now.Add(-d.cfg.VelocityWindow)

	best := 0.0
	found := false
	consider := func(s sample) {
		elapsed := latest.at.Sub(s.at).Seconds()
		if elapsed <= 0 {
			return
		}
		delta, _ := latest.price.Sub(s.price).Float64()
		v := delta / elapsed
		if !found || v > best {
			best = v
			found = true
		}
	}

	// The sample just outside the window anchors the full-window reading.
	if ref, ok := st.prices.closestAtOrBefore(cutoff); ok {
		consider(ref)
	}
	for _, s := range st.prices.since(cutoff) {
		consider(s)
	}
	if !found {
		return 0, false
	}
	return best, true
}

func magnitudePct(price, baseline decimal.Decimal) float64 {
	if baseline.IsZero() {
		return 0
	}
	pct, _ := price.Sub(baseline).Div(baseline).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func surgeRatio(volume, baselineVolume decimal.Decimal) float64 {
	if baselineVolume.IsZero() {
		return 0
	}
	ratio, _ := volume.Div(baselineVolume).Float64()
	return ratio
}

// confidence computes the weighted 0-100 score.
func (d *Detector) confidence(c types.PumpCandidate, tick types.MarketTick, spreadPct float64, haveSpread bool) float64 {
	magnitudeScore := clamp(c.PumpMagnitudePct/20.0*100, 0, 100)

	surgeScore := 0.0
	if c.VolumeSurgeRatio > 1 {
		surgeScore = clamp((c.VolumeSurgeRatio-1)/4.0*100, 0, 100)
	}

	velocityScore := clamp(math.Abs(c.Velocity)/2.0*100, 0, 100)

	marketScore := 100.0
	if !tick.Liquidity.IsZero() && tick.Liquidity.LessThan(decimal.NewFromInt(10000)) {
		marketScore -= 30
	}
	if !tick.QuoteVolume.IsZero() && tick.QuoteVolume.LessThan(decimal.NewFromFloat(d.cfg.MinVolume24h)) {
		marketScore -= 30
	}
	if haveSpread && spreadPct > MaxSpreadPct {
		marketScore -= 30
	}
	marketScore = clamp(marketScore, 0, 100)

	total := magnitudeScore*0.30 + surgeScore*0.30 + velocityScore*0.25 + marketScore*0.15
	return clamp(total, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (d *Detector) buildSignal(c types.PumpCandidate, tick types.MarketTick, confidence float64, spreadPct float64, haveSpread bool) types.FlashPumpSignal {
	sig := types.FlashPumpSignal{
		Symbol:           c.Symbol,
		DetectionTime:    c.DetectionTime,
		PeakPrice:        c.PeakPrice,
		PeakTime:         c.PeakTime,
		BaselinePrice:    c.BaselinePrice,
		BaselineVolume:   c.BaselineVolume,
		PumpMagnitudePct: c.PumpMagnitudePct,
		VolumeSurgeRatio: c.VolumeSurgeRatio,
		Velocity:         c.Velocity,
		Confidence:       confidence,
		PumpAgeSeconds:   time.Since(c.DetectionTime).Seconds(),
		Liquidity:        tick.Liquidity,
	}
	if haveSpread {
		sig.SpreadPct = spreadPct
	}
	if !tick.QuoteVolume.IsZero() {
		v := tick.QuoteVolume
		sig.Volume24h = &v
	}
	return sig
}

// checkReversal watches a confirmed pump for a retracement with declining
// volume.
func (d *Detector) checkReversal(tick types.MarketTick, st *symbolState, velocity float64) {
	if !st.state.confirmed || st.state.reversalEmitted {
		return
	}
	peak := st.state.signal.PeakPrice
	if peak.IsZero() {
		return
	}

	retracement, _ := peak.Sub(tick.Price).Div(peak).Mul(decimal.NewFromInt(100)).Float64()
	if retracement < d.cfg.MinRetracementPct {
		return
	}

	declineRatio := 1.0
	if !st.state.surgePeakVolume.IsZero() {
		current, _ := tick.Volume.Div(st.state.surgePeakVolume).Float64()
		declineRatio = 1 - current
	}
	momentumShift := velocity < 0
	emergency := retracement >= d.cfg.EmergencyRetracementPct && declineRatio >= d.cfg.EmergencyDeclineRatio

	reversal := types.ReversalSignal{
		Symbol:                 tick.Symbol,
		PeakPrice:              peak,
		CurrentPrice:           tick.Price,
		RetracementPct:         retracement,
		VolumeDeclineRatio:     declineRatio,
		MomentumShiftConfirmed: momentumShift,
		EmergencyExit:          emergency,
		Timestamp:              tick.Timestamp,
	}
	st.state.reversalEmitted = true

	d.bus.Publish(events.TopicReversalDetected, ReversalDetectedPayload{
		Timestamp: time.Now(),
		Source:    "pumpdetector",
		Symbol:    tick.Symbol,
		Signal:    reversal,
	})
}

// ClearHistory wipes ring buffers and active/confirmed candidate state for
// symbol.
func (d *Detector) ClearHistory(symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.symbols, symbol)
}

// ErrorCount returns how many handler panics have been recorded for
// symbol.
func (d *Detector) ErrorCount(symbol string) int64 {
	d.errCountMu.Lock()
	defer d.errCountMu.Unlock()
	return d.errCounts[symbol]
}

// PumpDetectedPayload is the canonical pump.detected payload.
// The detector always emits with EntryAllowed and RejectionReasons unset,
// and nothing in this module fills them in: the orchestrator runs its own
// risk check on the signal without republishing the payload.
type PumpDetectedPayload struct {
	Timestamp        time.Time
	Source           string
	Symbol           string
	Signal           types.FlashPumpSignal
	EntryAllowed     *bool
	RejectionReasons []string
}

// ReversalDetectedPayload is the canonical reversal.detected payload.
type ReversalDetectedPayload struct {
	Timestamp time.Time
	Source    string
	Symbol    string
	Signal    types.ReversalSignal
}
