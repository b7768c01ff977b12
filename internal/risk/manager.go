// Package risk implements the six-check risk gate that sits between pump
// signals and orders. A single internal mutex serializes every
// mutation to capital, equity peak, daily P&L, the daily-reset date, and
// the per-strategy budget map, so all six checks in one call observe one
// consistent snapshot.
//
// The overall shape — a struct guarded by one mutex, a constructor taking
// a config and a *slog.Logger, an event-publication path on breach — is
// the same one a market-making bot's exposure monitor uses; the checks
// themselves are different since this gate evaluates six independent
// quantitative checks per call plus capital/equity-peak/budget
// bookkeeping, rather than aggregating a rolling price-shock window.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LKrysik/flashpump-engine/internal/events"
	"github.com/LKrysik/flashpump-engine/pkg/types"
)

// OpenPosition is the minimal shape of an existing position the caller
// passes in for the concentration and concurrent-position checks.
type OpenPosition struct {
	Symbol      string
	NotionalUSD decimal.Decimal
}

// Decision is the result of can_open_position.
type Decision struct {
	CanProceed   bool
	Reason       string
	RiskScore    float64
	FailedChecks []string
}

// Manager enforces the six risk checks under a single mutex.
type Manager struct {
	cfg    types.RiskConfig
	bus    *events.Bus
	logger *slog.Logger

	mu              sync.Mutex
	currentCapital  decimal.Decimal
	equityPeak      decimal.Decimal
	dailyPnL        decimal.Decimal
	dailyResetDate  string // YYYY-MM-DD, UTC
	allocatedBudget map[string]decimal.Decimal
	alertSeq        int64
}

// NewManager creates a risk manager with the given starting capital.
func NewManager(cfg types.RiskConfig, bus *events.Bus, log *slog.Logger, startingCapital decimal.Decimal) *Manager {
	return &Manager{
		cfg:             cfg,
		bus:             bus,
		logger:          log.With("component", "risk.manager"),
		currentCapital:  startingCapital,
		equityPeak:      startingCapital,
		dailyResetDate:  time.Now().UTC().Format("2006-01-02"),
		allocatedBudget: make(map[string]decimal.Decimal),
	}
}

// CanOpenPosition runs all six checks under the manager's mutex and
// returns a consistent decision.
func (m *Manager) CanOpenPosition(symbol string, side types.Side, quantity, price decimal.Decimal, openPositions []OpenPosition, marginRatio, availableMargin *float64) Decision {
	if reason := validateInputs(symbol, quantity, price); reason != "" {
		return Decision{CanProceed: false, Reason: reason}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyIfNeededLocked()

	if m.currentCapital.LessThanOrEqual(decimal.Zero) {
		return Decision{CanProceed: false, Reason: "insufficient capital: current_capital <= 0"}
	}

	notional := quantity.Mul(price)

	var failed []string
	var score float64
	var firstReason string

	fail := func(check, reason string, weight float64) {
		failed = append(failed, check)
		if firstReason == "" {
			firstReason = reason
		}
		score += weight
	}

	// 1. Position size.
	maxPositionUSD := m.currentCapital.Mul(decimal.NewFromFloat(m.cfg.MaxPositionSizePct / 100))
	if notional.GreaterThan(maxPositionUSD) {
		fail("position_size", "position size exceeds max_position_size_pct", 20)
	}

	// 2. Max concurrent positions.
	openCount := len(openPositions)
	if openCount >= m.cfg.MaxConcurrentPositions {
		fail("max_concurrent_positions", "max concurrent positions reached", 15)
	}

	// 3. Symbol concentration.
	var symbolNotional decimal.Decimal
	for _, p := range openPositions {
		if p.Symbol == symbol {
			symbolNotional = symbolNotional.Add(p.NotionalUSD)
		}
	}
	maxConcentrationUSD := m.currentCapital.Mul(decimal.NewFromFloat(m.cfg.MaxSymbolConcentrationPct / 100))
	if symbolNotional.Add(notional).GreaterThan(maxConcentrationUSD) {
		fail("symbol_concentration", "symbol_concentration limit exceeded", 20)
	}

	// 4. Daily loss limit.
	dailyLossLimit := m.currentCapital.Mul(decimal.NewFromFloat(m.cfg.DailyLossLimitPct / 100)).Neg()
	if m.dailyPnL.LessThan(dailyLossLimit) {
		fail("daily_loss_limit", "daily loss limit breached", 20)
	}

	// 5. Max drawdown.
	drawdownPct := 0.0
	if m.equityPeak.GreaterThan(decimal.Zero) {
		drawdownPct, _ = m.equityPeak.Sub(m.currentCapital).Div(m.equityPeak).Mul(decimal.NewFromInt(100)).Float64()
	}
	if drawdownPct >= m.cfg.MaxDrawdownPct {
		fail("max_drawdown", "max drawdown exceeded", 15)
	}

	// 6. Margin utilization.
	if marginRatio != nil {
		if *marginRatio >= m.cfg.MaxMarginUtilizationPct {
			fail("margin_utilization", "margin utilization exceeds limit", 10)
		} else if availableMargin != nil {
			notionalF, _ := notional.Float64()
			if *availableMargin > 0 {
				projected := *marginRatio + (notionalF / *availableMargin * 100)
				if projected >= m.cfg.MaxMarginUtilizationPct {
					fail("margin_utilization", "projected post-trade margin utilization exceeds limit", 10)
				}
			}
		}
	}

	decision := Decision{
		CanProceed:   len(failed) == 0,
		Reason:       firstReason,
		RiskScore:    clamp(score, 0, 100),
		FailedChecks: failed,
	}

	if !decision.CanProceed {
		m.emitAlertLocked(symbol, side, decision)
	}
	return decision
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

func validateInputs(symbol string, quantity, price decimal.Decimal) string {
	if strings.TrimSpace(symbol) == "" {
		return "invalid input: symbol is blank"
	}
	if !isFinite(quantity) || quantity.LessThanOrEqual(decimal.Zero) {
		return "invalid input: quantity must be a positive finite number"
	}
	if !isFinite(price) || price.LessThanOrEqual(decimal.Zero) {
		return "invalid input: price must be a positive finite number"
	}
	return ""
}

func isFinite(d decimal.Decimal) bool {
	f, _ := d.Float64()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// resetDailyIfNeededLocked zeroes daily_pnl when the UTC date has advanced
// . Caller must hold m.mu.
func (m *Manager) resetDailyIfNeededLocked() {
	today := time.Now().UTC().Format("2006-01-02")
	if today != m.dailyResetDate {
		m.dailyPnL = decimal.Zero
		m.dailyResetDate = today
	}
}

// UpdateCapital updates current capital and P&L, maintaining the equity
// peak.
func (m *Manager) UpdateCapital(newCapital, pnlChange decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyIfNeededLocked()

	m.currentCapital = newCapital
	m.dailyPnL = m.dailyPnL.Add(pnlChange)
	if newCapital.GreaterThan(m.equityPeak) {
		m.equityPeak = newCapital
	}
}

// CheckMarginRatio evaluates a margin ratio against the warn/critical
// thresholds and emits a risk_alert at the corresponding severity.
func (m *Manager) CheckMarginRatio(ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	severity := ""
	if ratio >= m.cfg.MarginCriticalRatio {
		severity = "CRITICAL"
	} else if ratio >= m.cfg.MarginWarnRatio {
		severity = "WARNING"
	}
	if severity == "" {
		return
	}
	m.publishAlertLocked(severity, "margin_ratio", "margin ratio threshold crossed", map[string]any{"ratio": ratio})
}

// UseBudget reserves amount for strategy if capital allows.
func (m *Manager) UseBudget(strategy string, amount decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reserved decimal.Decimal
	for _, v := range m.allocatedBudget {
		reserved = reserved.Add(v)
	}
	if amount.GreaterThan(m.currentCapital.Sub(reserved)) {
		return false
	}
	m.allocatedBudget[strategy] = m.allocatedBudget[strategy].Add(amount)
	return true
}

// ReleaseBudget returns amount (or the full reservation if amount is nil)
// for strategy. Releasing an unknown strategy returns false.
func (m *Manager) ReleaseBudget(strategy string, amount *decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	reserved, ok := m.allocatedBudget[strategy]
	if !ok {
		return false
	}
	if amount == nil || amount.GreaterThanOrEqual(reserved) {
		delete(m.allocatedBudget, strategy)
		return true
	}
	m.allocatedBudget[strategy] = reserved.Sub(*amount)
	return true
}

// AvailableCapital returns capital minus the sum of reserved budgets.
func (m *Manager) AvailableCapital() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reserved decimal.Decimal
	for _, v := range m.allocatedBudget {
		reserved = reserved.Add(v)
	}
	return m.currentCapital.Sub(reserved)
}

// Summary is an immutable snapshot for observability.
type Summary struct {
	CurrentCapital decimal.Decimal
	EquityPeak     decimal.Decimal
	DailyPnL       decimal.Decimal
	DrawdownPct    float64
	AllocatedTotal decimal.Decimal
}

// GetRiskSummary returns a point-in-time snapshot.
func (m *Manager) GetRiskSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	drawdownPct := 0.0
	if m.equityPeak.GreaterThan(decimal.Zero) {
		drawdownPct, _ = m.equityPeak.Sub(m.currentCapital).Div(m.equityPeak).Mul(decimal.NewFromInt(100)).Float64()
	}
	var reserved decimal.Decimal
	for _, v := range m.allocatedBudget {
		reserved = reserved.Add(v)
	}
	return Summary{
		CurrentCapital: m.currentCapital,
		EquityPeak:     m.equityPeak,
		DailyPnL:       m.dailyPnL,
		DrawdownPct:    drawdownPct,
		AllocatedTotal: reserved,
	}
}

func (m *Manager) emitAlertLocked(symbol string, side types.Side, decision Decision) {
	severity := "WARNING"
	for _, c := range decision.FailedChecks {
		if c == "daily_loss_limit" || c == "max_drawdown" {
			severity = "CRITICAL"
		}
	}
	m.publishAlertLocked(severity, "position_rejected", decision.Reason, map[string]any{
		"symbol":        symbol,
		"side":          side,
		"failed_checks": decision.FailedChecks,
		"risk_score":    decision.RiskScore,
	})
}

func (m *Manager) publishAlertLocked(severity, alertType, message string, details map[string]any) {
	if m.logger != nil {
		if severity == "CRITICAL" {
			m.logger.Error("risk alert", "type", alertType, "message", message)
		} else {
			m.logger.Warn("risk alert", "type", alertType, "message", message)
		}
	}
	if m.bus == nil {
		return
	}
	m.alertSeq++
	m.bus.Publish(events.TopicRiskAlert, RiskAlert{
		AlertID:     fmt.Sprintf("%s-%d", alertType, m.alertSeq),
		Severity:    severity,
		AlertType:   alertType,
		Message:     message,
		Details:     details,
		TimestampMs: time.Now().UnixMilli(),
	})
}

// RiskAlert is the canonical risk_alert payload.
type RiskAlert struct {
	AlertID     string
	Severity    string
	AlertType   string
	Message     string
	Details     map[string]any
	TimestampMs int64
}
