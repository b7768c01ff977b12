package pumpdetector

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LKrysik/flashpump-engine/internal/events"
	"github.com/LKrysik/flashpump-engine/internal/wspool"
	"github.com/LKrysik/flashpump-engine/pkg/types"
)

func testConfig() Config {
	return Config{
		RingBufferCapacity:      1000,
		BaselineWindow:          10 * time.Minute,
		VelocityWindow:          30 * time.Second,
		MinPumpMagnitudePct:     7.0,
		VolumeSurgeMultiplier:   3.5,
		VelocityThreshold:       0.5,
		MinVolume24h:            0, // disabled unless a test sets QuoteVolume
		PeakConfirmationWindow:  30 * time.Second,
		MinConfidenceThreshold:  60.0,
		MinRetracementPct:       2.0,
		EmergencyRetracementPct: 5.0,
		EmergencyDeclineRatio:   0.5,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func tick(symbol string, price, volume float64, at time.Time) types.MarketTick {
	return types.MarketTick{
		Symbol:    symbol,
		Exchange:  "test",
		Price:     decimal.NewFromFloat(price),
		Volume:    decimal.NewFromFloat(volume),
		Timestamp: at,
	}
}

// TestPumpConfirmation exercises a steady baseline for 20 minutes, then a
// burst, then confirmation once the peak-quiet window elapses.
func TestPumpConfirmation(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()

	var signal *types.FlashPumpSignal
	done := make(chan struct{})
	bus.Subscribe(events.TopicPumpDetected, 0, func(evt events.Event) {
		p := evt.Payload.(PumpDetectedPayload)
		s := p.Signal
		signal = &s
		close(done)
	})

	d := New(testConfig(), bus, testLogger())
	d.Start()
	defer d.Stop()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// 20 minutes of steady baseline at 1 Hz.
	for i := 0; i < 20*60; i++ {
		d.onTick(tick("XUSDT", 100, 10, base.Add(time.Duration(i)*time.Second)))
	}

	burstStart := base.Add(20 * time.Minute)
	// Price climbs 100 -> 112 over 10s with volume 50.
	for i := 0; i <= 10; i++ {
		price := 100 + float64(i)*1.2
		d.onTick(tick("XUSDT", price, 50, burstStart.Add(time.Duration(i)*time.Second)))
	}
	// Price holds near 112 for 30s so the confirmation window elapses.
	for i := 0; i <= 30; i++ {
		d.onTick(tick("XUSDT", 112, 50, burstStart.Add(10*time.Second+time.Duration(i)*time.Second)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected pump.detected to be published")
	}

	if signal == nil {
		t.Fatal("signal was not captured")
	}
	if signal.Confidence < 60 {
		t.Errorf("confidence = %v, want >= 60", signal.Confidence)
	}
	if signal.PumpMagnitudePct < 10 || signal.PumpMagnitudePct > 14 {
		t.Errorf("pump magnitude = %v, want ~12", signal.PumpMagnitudePct)
	}
	if signal.VolumeSurgeRatio < 4 {
		t.Errorf("volume surge ratio = %v, want ~5", signal.VolumeSurgeRatio)
	}
}

// TestReversalAfterConfirmation exercises a confirmed pump rolling over
// into a retracement with declining volume.
func TestReversalAfterConfirmation(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()

	pumpDone := make(chan struct{})
	reversalDone := make(chan ReversalDetectedPayload, 1)
	bus.Subscribe(events.TopicPumpDetected, 0, func(evt events.Event) {
		close(pumpDone)
	})
	bus.Subscribe(events.TopicReversalDetected, 0, func(evt events.Event) {
		reversalDone <- evt.Payload.(ReversalDetectedPayload)
	})

	d := New(testConfig(), bus, testLogger())
	d.Start()
	defer d.Stop()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20*60; i++ {
		d.onTick(tick("XUSDT", 100, 10, base.Add(time.Duration(i)*time.Second)))
	}
	burstStart := base.Add(20 * time.Minute)
	for i := 0; i <= 10; i++ {
		d.onTick(tick("XUSDT", 100+float64(i)*1.2, 50, burstStart.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i <= 30; i++ {
		d.onTick(tick("XUSDT", 112, 50, burstStart.Add(10*time.Second+time.Duration(i)*time.Second)))
	}

	select {
	case <-pumpDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected pump confirmation before reversal")
	}

	reversalStart := burstStart.Add(41 * time.Second)
	for i := 0; i <= 15; i++ {
		price := 112 - float64(i)*(4.0/15.0)
		d.onTick(tick("XUSDT", price, 20, reversalStart.Add(time.Duration(i)*time.Second)))
	}

	select {
	case r := <-reversalDone:
		if r.Signal.RetracementPct < 2 {
			t.Errorf("retracement = %v, want >= 2", r.Signal.RetracementPct)
		}
		if !r.Signal.MomentumShiftConfirmed {
			t.Error("expected momentum shift confirmed")
		}
		if r.Signal.VolumeDeclineRatio < 0.55 || r.Signal.VolumeDeclineRatio > 0.65 {
			t.Errorf("volume decline ratio = %v, want ~0.6 (volume 20 vs. peak 50)", r.Signal.VolumeDeclineRatio)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected reversal.detected to be published")
	}
}

func TestMagnitudeExactlyAtThresholdQualifies(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	d := &Detector{cfg: cfg}

	baseline := decimal.NewFromInt(100)
	atThreshold := decimal.NewFromInt(107) // exactly 7%
	belowThreshold := decimal.NewFromFloat(106.9)

	if !d.isCandidate(types.MarketTick{Price: atThreshold, Volume: decimal.NewFromInt(40)}, baseline, decimal.NewFromInt(10), 1.0, true) {
		t.Error("price exactly at magnitude threshold should qualify")
	}
	if d.isCandidate(types.MarketTick{Price: belowThreshold, Volume: decimal.NewFromInt(40)}, baseline, decimal.NewFromInt(10), 1.0, true) {
		t.Error("price strictly below magnitude threshold should not qualify")
	}
}

// TestWideSpreadPenalizesConfidence exercises the orderbook-driven spread
// penalty: a marginal burst (8% magnitude, 4x surge) confirms with a
// tight spread but falls below the confidence threshold once a wide
// spread on the symbol is reported first.
func TestWideSpreadPenalizesConfidence(t *testing.T) {
	t.Parallel()

	runBurst := func(d *Detector, symbol string) {
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 20*60; i++ {
			d.onTick(tick(symbol, 100, 10, base.Add(time.Duration(i)*time.Second)))
		}
		burstStart := base.Add(20 * time.Minute)
		// 100 -> 108 at 1/s with volume 40, then a quiet hold.
		for i := 0; i <= 8; i++ {
			d.onTick(tick(symbol, 100+float64(i), 40, burstStart.Add(time.Duration(i)*time.Second)))
		}
		for i := 1; i <= 32; i++ {
			d.onTick(tick(symbol, 108, 40, burstStart.Add(8*time.Second+time.Duration(i)*time.Second)))
		}
	}

	bus := events.New(testLogger())
	defer bus.Close()

	var mu sync.Mutex
	confirmed := map[string]int{}
	bus.Subscribe(events.TopicPumpDetected, 0, func(evt events.Event) {
		p := evt.Payload.(PumpDetectedPayload)
		mu.Lock()
		confirmed[p.Symbol]++
		mu.Unlock()
	})

	d := New(testConfig(), bus, testLogger())
	d.Start()
	defer d.Stop()

	bus.Publish(events.TopicOrderbookUpdate, wspool.OrderbookUpdate{
		Symbol:  "WIDEUSDT",
		BestBid: decimal.NewFromFloat(99.0),
		BestAsk: decimal.NewFromFloat(101.0), // ~2% spread, well above MaxSpreadPct
	})
	// Publish is async on the bus; give the subscriber a moment to run
	// before the burst of ticks that would otherwise race it.
	time.Sleep(20 * time.Millisecond)

	runBurst(d, "WIDEUSDT")
	runBurst(d, "TIGHTUSDT")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if confirmed["WIDEUSDT"] != 0 {
		t.Errorf("expected no confirmation with a wide spread, got %d", confirmed["WIDEUSDT"])
	}
	if confirmed["TIGHTUSDT"] != 1 {
		t.Errorf("expected exactly one confirmation without the spread penalty, got %d", confirmed["TIGHTUSDT"])
	}
}

// TestLowConfidenceCandidateIsAbandoned drives a burst that satisfies the
// candidate predicate but scores below the confidence threshold: the
// candidate must be dropped without a signal.
func TestLowConfidenceCandidateIsAbandoned(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()

	pumps := make(chan struct{}, 1)
	bus.Subscribe(events.TopicPumpDetected, 0, func(evt events.Event) {
		pumps <- struct{}{}
	})

	d := New(testConfig(), bus, testLogger())
	d.Start()
	defer d.Stop()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20*60; i++ {
		d.onTick(tick("LUSDT", 100, 10, base.Add(time.Duration(i)*time.Second)))
	}
	// 100 -> 107.2 at 0.9/s with a bare 3.6x surge: over every predicate
	// line, but the weighted score stays under 60.
	burstStart := base.Add(20 * time.Minute)
	for i := 0; i <= 8; i++ {
		d.onTick(tick("LUSDT", 100+float64(i)*0.9, 36, burstStart.Add(time.Duration(i)*time.Second)))
	}
	for i := 1; i <= 32; i++ {
		d.onTick(tick("LUSDT", 107.2, 36, burstStart.Add(8*time.Second+time.Duration(i)*time.Second)))
	}

	select {
	case <-pumps:
		t.Fatal("expected the low-confidence candidate to be abandoned, not confirmed")
	case <-time.After(200 * time.Millisecond):
	}

	st := d.stateFor("LUSDT")
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state.phase != phaseIdle {
		t.Error("expected the state machine back in idle after abandonment")
	}
	if st.state.confirmed {
		t.Error("an abandoned candidate must not be tracked as confirmed")
	}
}

// TestEmergencyExitReversal drives a confirmed pump into a sharp collapse:
// retracement and volume decline both past their elevated thresholds set
// the emergency flag.
func TestEmergencyExitReversal(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()

	pumpDone := make(chan struct{})
	reversals := make(chan ReversalDetectedPayload, 1)
	bus.Subscribe(events.TopicPumpDetected, 0, func(evt events.Event) {
		close(pumpDone)
	})
	bus.Subscribe(events.TopicReversalDetected, 0, func(evt events.Event) {
		reversals <- evt.Payload.(ReversalDetectedPayload)
	})

	d := New(testConfig(), bus, testLogger())
	d.Start()
	defer d.Stop()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20*60; i++ {
		d.onTick(tick("EUSDT", 100, 10, base.Add(time.Duration(i)*time.Second)))
	}
	burstStart := base.Add(20 * time.Minute)
	for i := 0; i <= 10; i++ {
		d.onTick(tick("EUSDT", 100+float64(i)*1.2, 50, burstStart.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i <= 30; i++ {
		d.onTick(tick("EUSDT", 112, 50, burstStart.Add(10*time.Second+time.Duration(i)*time.Second)))
	}
	select {
	case <-pumpDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected pump confirmation before the collapse")
	}

	// One hard gap down: 112 -> 105 (6.25% retracement) on volume 10 (80%
	// decline). The first tick past the retracement threshold is the one
	// that emits, so it must already be past the emergency thresholds too.
	collapse := burstStart.Add(41 * time.Second)
	d.onTick(tick("EUSDT", 105, 10, collapse))

	select {
	case r := <-reversals:
		if !r.Signal.EmergencyExit {
			t.Errorf("expected emergency exit, got %+v", r.Signal)
		}
		if r.Signal.RetracementPct < 5 {
			t.Errorf("retracement = %v, want >= 5", r.Signal.RetracementPct)
		}
		if r.Signal.VolumeDeclineRatio < 0.5 {
			t.Errorf("volume decline ratio = %v, want >= 0.5", r.Signal.VolumeDeclineRatio)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reversal with the emergency flag")
	}
}

func TestClearHistory(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()
	d := New(testConfig(), bus, testLogger())

	d.onTick(tick("YUSDT", 1, 1, time.Now()))
	if _, ok := d.symbols["YUSDT"]; !ok {
		t.Fatal("expected symbol state to exist")
	}
	d.ClearHistory("YUSDT")
	if _, ok := d.symbols["YUSDT"]; ok {
		t.Error("expected symbol state to be cleared")
	}
}
