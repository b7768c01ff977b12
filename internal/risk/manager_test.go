package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LKrysik/flashpump-engine/internal/events"
	"github.com/LKrysik/flashpump-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCfg() types.RiskConfig {
	return types.RiskConfig{
		MaxPositionSizePct:        10,
		MaxConcurrentPositions:    5,
		MaxSymbolConcentrationPct: 25,
		DailyLossLimitPct:         5,
		MaxDrawdownPct:            20,
		MaxMarginUtilizationPct:   80,
		MarginWarnRatio:           60,
		MarginCriticalRatio:       80,
	}
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestCanOpenPositionAllowsWithinLimits(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	m := NewManager(testCfg(), bus, testLogger(), dec(10000))

	d := m.CanOpenPosition("BTCUSDT", types.SideBuy, dec(0.01), dec(50000), nil, nil, nil)
	if !d.CanProceed {
		t.Fatalf("expected position to be allowed, got reason=%q failed=%v", d.Reason, d.FailedChecks)
	}
}

func TestCanOpenPositionRejectsOversizedPosition(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	m := NewManager(testCfg(), bus, testLogger(), dec(10000))

	// notional = 0.1 * 50000 = 5000, which is 50% of capital > 10% limit.
	d := m.CanOpenPosition("BTCUSDT", types.SideBuy, dec(0.1), dec(50000), nil, nil, nil)
	if d.CanProceed {
		t.Fatal("expected position to be rejected for exceeding max_position_size_pct")
	}
	found := false
	for _, c := range d.FailedChecks {
		if c == "position_size" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected position_size in failed checks, got %v", d.FailedChecks)
	}
}

func TestCanOpenPositionRejectsAtMaxConcurrentPositions(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	m := NewManager(testCfg(), bus, testLogger(), dec(1_000_000))

	open := make([]OpenPosition, 5)
	for i := range open {
		open[i] = OpenPosition{Symbol: "SYM", NotionalUSD: dec(1)}
	}
	d := m.CanOpenPosition("BTCUSDT", types.SideBuy, dec(0.0001), dec(100), open, nil, nil)
	if d.CanProceed {
		t.Fatal("expected rejection at max_concurrent_positions")
	}
}

func TestCanOpenPositionRejectsSymbolConcentration(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	m := NewManager(testCfg(), bus, testLogger(), dec(10000))

	// Existing exposure to BTCUSDT already at 24% of capital (2400); limit 25%.
	open := []OpenPosition{{Symbol: "BTCUSDT", NotionalUSD: dec(2400)}}
	// New notional = 0.002 * 50000 = 100 -> total 2500 = 25%, boundary not exceeded.
	d := m.CanOpenPosition("BTCUSDT", types.SideBuy, dec(0.002), dec(50000), open, nil, nil)
	if !d.CanProceed {
		t.Fatalf("expected exact-boundary concentration to be allowed, got reason=%q", d.Reason)
	}

	// 0.0021 * 50000 = 105 -> total 2505, five dollars over the limit, should fail.
	d2 := m.CanOpenPosition("BTCUSDT", types.SideBuy, dec(0.0021), dec(50000), open, nil, nil)
	if d2.CanProceed {
		t.Fatal("expected concentration limit to be breached")
	}
}

func TestCanOpenPositionRejectsDailyLossLimit(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	m := NewManager(testCfg(), bus, testLogger(), dec(10000))

	// Daily loss limit is 5% of current capital (9400) = 470.
	m.UpdateCapital(dec(9400), dec(-600))

	d := m.CanOpenPosition("BTCUSDT", types.SideBuy, dec(0.001), dec(100), nil, nil, nil)
	if d.CanProceed {
		t.Fatal("expected rejection once daily loss limit is breached")
	}
}

func TestCanOpenPositionRejectsMaxDrawdown(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	m := NewManager(testCfg(), bus, testLogger(), dec(10000))

	m.UpdateCapital(dec(12000), dec(2000)) // new equity peak
	m.UpdateCapital(dec(9500), dec(-2500)) // drawdown = (12000-9500)/12000 = 20.8%

	d := m.CanOpenPosition("BTCUSDT", types.SideBuy, dec(0.0001), dec(100), nil, nil, nil)
	if d.CanProceed {
		t.Fatal("expected rejection once max_drawdown is breached")
	}
}

func TestCanOpenPositionRejectsMarginUtilization(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	m := NewManager(testCfg(), bus, testLogger(), dec(10000))

	ratio := 85.0
	d := m.CanOpenPosition("BTCUSDT", types.SideBuy, dec(0.0001), dec(100), nil, &ratio, nil)
	if d.CanProceed {
		t.Fatal("expected rejection once margin_utilization is breached")
	}
}

func TestCanOpenPositionRejectsInvalidInputs(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	m := NewManager(testCfg(), bus, testLogger(), dec(10000))

	cases := []struct {
		name     string
		symbol   string
		quantity decimal.Decimal
		price    decimal.Decimal
	}{
		{"blank symbol", "", dec(1), dec(100)},
		{"zero quantity", "BTCUSDT", dec(0), dec(100)},
		{"negative price", "BTCUSDT", dec(1), dec(-1)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := m.CanOpenPosition(c.symbol, types.SideBuy, c.quantity, c.price, nil, nil, nil)
			if d.CanProceed {
				t.Fatalf("expected rejection for %s", c.name)
			}
		})
	}
}

func TestUseBudgetAndReleaseBudgetRoundTrip(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	m := NewManager(testCfg(), bus, testLogger(), dec(10000))

	if !m.UseBudget("strategy-a", dec(3000)) {
		t.Fatal("expected budget reservation to succeed")
	}
	if avail := m.AvailableCapital(); !avail.Equal(dec(7000)) {
		t.Errorf("available capital = %v, want 7000", avail)
	}
	if m.UseBudget("strategy-b", dec(8000)) {
		t.Fatal("expected budget reservation to fail when it exceeds available capital")
	}
	if !m.ReleaseBudget("strategy-a", nil) {
		t.Fatal("expected release to succeed")
	}
	if avail := m.AvailableCapital(); !avail.Equal(dec(10000)) {
		t.Errorf("available capital after release = %v, want 10000", avail)
	}
	if m.ReleaseBudget("strategy-unknown", nil) {
		t.Fatal("expected release of unknown strategy to fail")
	}
}

func TestRejectionEmitsRiskAlert(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()

	alerts := make(chan RiskAlert, 1)
	bus.Subscribe(events.TopicRiskAlert, 4, func(evt events.Event) {
		if a, ok := evt.Payload.(RiskAlert); ok {
			alerts <- a
		}
	})

	m := NewManager(testCfg(), bus, testLogger(), dec(10000))
	d := m.CanOpenPosition("BTCUSDT", types.SideBuy, dec(0.1), dec(50000), nil, nil, nil)
	if d.CanProceed {
		t.Fatal("expected rejection")
	}

	select {
	case a := <-alerts:
		if a.AlertType != "position_rejected" {
			t.Errorf("alert type = %q, want position_rejected", a.AlertType)
		}
		if a.AlertID == "" {
			t.Error("alert id must be set")
		}
		if a.Severity != "WARNING" {
			t.Errorf("severity = %q, want WARNING for a size rejection", a.Severity)
		}
		if a.TimestampMs == 0 {
			t.Error("alert timestamp must be set")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a risk_alert to be published on rejection")
	}
}

func TestCheckMarginRatioSeverities(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()

	alerts := make(chan RiskAlert, 4)
	bus.Subscribe(events.TopicRiskAlert, 4, func(evt events.Event) {
		if a, ok := evt.Payload.(RiskAlert); ok {
			alerts <- a
		}
	})

	m := NewManager(testCfg(), bus, testLogger(), dec(10000))

	m.CheckMarginRatio(50) // below warn: no alert
	m.CheckMarginRatio(65) // warn band
	m.CheckMarginRatio(90) // critical band

	want := []string{"WARNING", "CRITICAL"}
	for _, severity := range want {
		select {
		case a := <-alerts:
			if a.Severity != severity {
				t.Errorf("severity = %q, want %q", a.Severity, severity)
			}
			if a.AlertType != "margin_ratio" {
				t.Errorf("alert type = %q, want margin_ratio", a.AlertType)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected a %s margin alert", severity)
		}
	}
	select {
	case a := <-alerts:
		t.Fatalf("unexpected extra alert: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGetRiskSummary(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	m := NewManager(testCfg(), bus, testLogger(), dec(10000))
	m.UpdateCapital(dec(9000), dec(-1000))

	s := m.GetRiskSummary()
	if !s.CurrentCapital.Equal(dec(9000)) {
		t.Errorf("current capital = %v, want 9000", s.CurrentCapital)
	}
	if !s.EquityPeak.Equal(dec(10000)) {
		t.Errorf("equity peak = %v, want 10000", s.EquityPeak)
	}
	if s.DrawdownPct < 9.9 || s.DrawdownPct > 10.1 {
		t.Errorf("drawdown pct = %v, want ~10", s.DrawdownPct)
	}
}
