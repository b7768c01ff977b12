package wspool

import (
	"testing"
	"time"

	"github.com/LKrysik/flashpump-engine/internal/events"
	"github.com/LKrysik/flashpump-engine/pkg/types"
)

// newDetachedConnection builds a connection that was never dialed, for
// exercising the message dispatch state machine without a network peer.
func newDetachedConnection(t *testing.T) *connection {
	t.Helper()
	bus := events.New(testLogger())
	t.Cleanup(bus.Close)
	p := New(testPoolConfig("ws://127.0.0.1:1/nope"), bus, testLogger())
	return newConnection(1, p)
}

func TestConsecutiveJSONErrorsCloseAtThreshold(t *testing.T) {
	t.Parallel()
	c := newDetachedConnection(t)

	for i := 0; i < maxJSONErrors-1; i++ {
		if c.handleMessage([]byte("{not json")) {
			t.Fatalf("close requested after %d json errors, threshold is %d", i+1, maxJSONErrors)
		}
	}
	if readerState(c.state.Load()) == stateHandlingError {
		t.Fatalf("connection entered error handling after %d json errors, threshold is %d", maxJSONErrors-1, maxJSONErrors)
	}

	if !c.handleMessage([]byte("{not json")) {
		t.Fatalf("expected a close request at %d consecutive json errors", maxJSONErrors)
	}
	if readerState(c.state.Load()) != stateHandlingError {
		t.Fatalf("connection should enter error handling at %d consecutive json errors", maxJSONErrors)
	}
}

// TestThresholdCloseDoesNotStallOnOwnInFlightToken mirrors readLoop's
// in-flight accounting: the token is released before Close runs, so a
// threshold-triggered close with nothing else in flight must not wait out
// the drain timeout.
func TestThresholdCloseDoesNotStallOnOwnInFlightToken(t *testing.T) {
	t.Parallel()
	c := newDetachedConnection(t)
	c.stateMu.Lock()
	c.connected = true
	c.stateMu.Unlock()

	var closeRequested bool
	for i := 0; i < maxJSONErrors; i++ {
		c.inFlight.Add(1)
		closeRequested = c.handleMessage([]byte("{not json"))
		c.inFlight.Add(-1)
	}
	if !closeRequested {
		t.Fatal("expected a close request at the json error threshold")
	}

	start := time.Now()
	c.Close()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("threshold-triggered close took %v, want prompt (no in-flight work remains)", elapsed)
	}
}

func TestValidFrameResetsJSONErrorCount(t *testing.T) {
	t.Parallel()
	c := newDetachedConnection(t)

	for i := 0; i < maxJSONErrors-1; i++ {
		c.handleMessage([]byte("{not json"))
	}
	// A parseable frame breaks the sequence.
	c.handleMessage([]byte(`{"channel":"pong","data":1}`))
	for i := 0; i < maxJSONErrors-1; i++ {
		c.handleMessage([]byte("{not json"))
	}

	if readerState(c.state.Load()) == stateHandlingError {
		t.Fatal("json errors interleaved with valid frames must not accumulate to the threshold")
	}
}

func TestConsecutiveTransientErrorsCloseAtThreshold(t *testing.T) {
	t.Parallel()
	c := newDetachedConnection(t)

	// Valid JSON, but the deal payload has the wrong shape, so the handler
	// reports a transient data error each time.
	bad := []byte(`{"channel":"push.deal","symbol":"BTCUSDT","data":"notanarray"}`)
	for i := 0; i < maxTransientErrors-1; i++ {
		if c.handleMessage(bad) {
			t.Fatalf("close requested after %d transient errors, threshold is %d", i+1, maxTransientErrors)
		}
	}
	if readerState(c.state.Load()) == stateHandlingError {
		t.Fatalf("connection entered error handling after %d transient errors, threshold is %d", maxTransientErrors-1, maxTransientErrors)
	}

	if !c.handleMessage(bad) {
		t.Fatalf("expected a close request at %d consecutive transient errors", maxTransientErrors)
	}
	if readerState(c.state.Load()) != stateHandlingError {
		t.Fatalf("connection should enter error handling at %d consecutive transient errors", maxTransientErrors)
	}
}

func TestHandledDataFrameResetsTransientErrorCount(t *testing.T) {
	t.Parallel()
	c := newDetachedConnection(t)

	bad := []byte(`{"channel":"push.deal","symbol":"BTCUSDT","data":"notanarray"}`)
	good := []byte(`{"channel":"push.deal","symbol":"BTCUSDT","data":[{"p":"100.5","v":"2","T":"1","t":1700000000000}]}`)

	for i := 0; i < maxTransientErrors-1; i++ {
		c.handleMessage(bad)
	}
	c.handleMessage(good)
	for i := 0; i < maxTransientErrors-1; i++ {
		c.handleMessage(bad)
	}

	if readerState(c.state.Load()) == stateHandlingError {
		t.Fatal("transient errors interleaved with handled frames must not accumulate to the threshold")
	}
}

func TestHandleDealPublishesMarketTick(t *testing.T) {
	t.Parallel()
	bus := events.New(testLogger())
	defer bus.Close()

	ticks := make(chan types.MarketTick, 1)
	bus.Subscribe(events.TopicPriceUpdate, 4, func(evt events.Event) {
		if tk, ok := evt.Payload.(types.MarketTick); ok {
			ticks <- tk
		}
	})

	p := New(testPoolConfig("ws://127.0.0.1:1/nope"), bus, testLogger())
	c := newConnection(1, p)

	c.handleMessage([]byte(`{"channel":"push.deal","symbol":"BTCUSDT","data":[{"p":"100.5","v":"2","T":"1","t":1700000000000}]}`))

	select {
	case tk := <-ticks:
		if tk.Symbol != "BTCUSDT" {
			t.Errorf("symbol = %q, want BTCUSDT", tk.Symbol)
		}
		if !tk.Price.Equal(decStr("100.5")) {
			t.Errorf("price = %v, want 100.5", tk.Price)
		}
		if tk.Side != types.SideBuy {
			t.Errorf("side = %v, want buy", tk.Side)
		}
		if tk.Timestamp != time.UnixMilli(1700000000000) {
			t.Errorf("timestamp = %v, want %v", tk.Timestamp, time.UnixMilli(1700000000000))
		}
	case <-time.After(time.Second):
		t.Fatal("expected a market tick to be published")
	}
}

func TestSideFromWire(t *testing.T) {
	t.Parallel()
	cases := map[string]types.Side{
		"1":    types.SideBuy,
		"buy":  types.SideBuy,
		"2":    types.SideSell,
		"SELL": types.SideSell,
		"":     types.SideUnknown,
		"9":    types.SideUnknown,
	}
	for wire, want := range cases {
		if got := sideFromWire(wire); got != want {
			t.Errorf("sideFromWire(%q) = %v, want %v", wire, got, want)
		}
	}
}

func TestChannelFromAck(t *testing.T) {
	t.Parallel()
	if got := channelFromAck("rs.sub.depth.full"); got != "depth.full" {
		t.Errorf("channelFromAck(rs.sub.depth.full) = %q, want depth.full", got)
	}
	if got := channelFromAck("pong"); got != "pong" {
		t.Errorf("channelFromAck(pong) = %q, want pong (unprefixed passthrough)", got)
	}
}

func TestLevelsFromWireRejectsGarbage(t *testing.T) {
	t.Parallel()
	levels, err := levelsFromWire([][2]string{{"100.5", "2"}, {"99", "1"}})
	if err != nil {
		t.Fatalf("levelsFromWire: %v", err)
	}
	if len(levels) != 2 || !levels[0].Price.Equal(decStr("100.5")) {
		t.Fatalf("unexpected levels: %+v", levels)
	}

	if _, err := levelsFromWire([][2]string{{"abc", "2"}}); err == nil {
		t.Fatal("expected an error for an unparseable price")
	}
	if _, err := levelsFromWire([][2]string{{"100", "xyz"}}); err == nil {
		t.Fatal("expected an error for an unparseable quantity")
	}
}
