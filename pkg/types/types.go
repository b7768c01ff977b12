// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — market ticks, order
// book levels, pump/reversal signals, positions, orders, and risk
// parameters. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade or order.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// OrderType enumerates the order lifecycles the executor port accepts.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// VolumeCategory classifies a symbol for per-category data-staleness
// thresholds.
type VolumeCategory string

const (
	VolumeHigh   VolumeCategory = "high"
	VolumeMedium VolumeCategory = "medium"
	VolumeLow    VolumeCategory = "low"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketTick is an immutable trade print produced by the WebSocket pool and
// consumed by every downstream component through the event bus.
type MarketTick struct {
	Symbol      string
	Exchange    string
	Price       decimal.Decimal
	Volume      decimal.Decimal
	Timestamp   time.Time
	Side        Side
	QuoteVolume decimal.Decimal // 24h_volume, zero value means "not provided"
	Liquidity   decimal.Decimal
	Source      string
}

// OrderBookLevel is a single price/quantity pair with decimal-exact
// arithmetic.
type OrderBookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBookSnapshot is the per-symbol order book state exclusively owned by
// the WebSocket pool. Bids are sorted descending by
// price, asks ascending; both are trimmed to MaxBookDepth entries after
// every merge.
type OrderBookSnapshot struct {
	Symbol       string
	Bids         []OrderBookLevel
	Asks         []OrderBookLevel
	Version      int64
	LastUpdateAt time.Time
}

// MaxBookDepth is the per-side entry ceiling enforced after every merge.
const MaxBookDepth = 20

// BestBid returns the top bid level and whether the book has one.
func (s *OrderBookSnapshot) BestBid() (OrderBookLevel, bool) {
	if len(s.Bids) == 0 {
		return OrderBookLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level and whether the book has one.
func (s *OrderBookSnapshot) BestAsk() (OrderBookLevel, bool) {
	if len(s.Asks) == 0 {
		return OrderBookLevel{}, false
	}
	return s.Asks[0], true
}

// ————————————————————————————————————————————————————————————————————————
// Pump / reversal signals
// ————————————————————————————————————————————————————————————————————————

// PumpCandidate is the mutable state tracked per symbol while a pump is
// being confirmed. Owned exclusively by the pump detector.
type PumpCandidate struct {
	Symbol           string
	DetectionTime    time.Time
	PeakPrice        decimal.Decimal
	PeakTime         time.Time
	BaselinePrice    decimal.Decimal
	BaselineVolume   decimal.Decimal
	PumpMagnitudePct float64
	VolumeSurgeRatio float64
	Velocity         float64
}

// FlashPumpSignal is the immutable, confirmed emission of a pump candidate.
type FlashPumpSignal struct {
	Symbol           string
	DetectionTime    time.Time
	PeakPrice        decimal.Decimal
	PeakTime         time.Time
	BaselinePrice    decimal.Decimal
	BaselineVolume   decimal.Decimal
	PumpMagnitudePct float64
	VolumeSurgeRatio float64
	Velocity         float64
	Confidence       float64 // 0-100
	PumpAgeSeconds   float64

	SpreadPct float64
	Liquidity decimal.Decimal
	RSI       *float64
	Volume24h *decimal.Decimal
}

// ReversalSignal is emitted against a previously confirmed pump.
type ReversalSignal struct {
	Symbol                 string
	PeakPrice              decimal.Decimal
	CurrentPrice           decimal.Decimal
	RetracementPct         float64
	VolumeDeclineRatio     float64
	MomentumShiftConfirmed bool
	EmergencyExit          bool
	Timestamp              time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Trading records
// ————————————————————————————————————————————————————————————————————————

// Position is a conventional open position record.
type Position struct {
	Symbol      string
	Side        Side
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	OpenedAt    time.Time
	MarginRatio *float64
	NotionalUSD decimal.Decimal
}

// Order is the high-level order intent the risk manager gates and the
// executor port translates into an exchange-specific call.
type Order struct {
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Type      OrderType
	Strategy  string
	CreatedAt time.Time
}

// Trade is a fill record.
type Trade struct {
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Risk configuration
// ————————————————————————————————————————————————————————————————————————

// RiskConfig holds the six numeric limits the risk manager enforces, plus
// the margin-ratio warning/critical thresholds.
type RiskConfig struct {
	MaxPositionSizePct        float64
	MaxConcurrentPositions    int
	MaxSymbolConcentrationPct float64
	DailyLossLimitPct         float64
	MaxDrawdownPct            float64
	MaxMarginUtilizationPct   float64
	MarginWarnRatio           float64
	MarginCriticalRatio       float64
}
