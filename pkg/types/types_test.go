package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderBookSnapshotBestBidAsk(t *testing.T) {
	t.Parallel()

	empty := &OrderBookSnapshot{Symbol: "BTCUSDT"}
	if _, ok := empty.BestBid(); ok {
		t.Error("BestBid() on an empty book should report ok=false")
	}
	if _, ok := empty.BestAsk(); ok {
		t.Error("BestAsk() on an empty book should report ok=false")
	}

	book := &OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids: []OrderBookLevel{
			{Price: decimal.NewFromFloat(100.00), Quantity: decimal.NewFromInt(2)},
			{Price: decimal.NewFromFloat(99.50), Quantity: decimal.NewFromInt(5)},
		},
		Asks: []OrderBookLevel{
			{Price: decimal.NewFromFloat(100.50), Quantity: decimal.NewFromInt(3)},
			{Price: decimal.NewFromFloat(101.00), Quantity: decimal.NewFromInt(1)},
		},
	}

	bid, ok := book.BestBid()
	if !ok || !bid.Price.Equal(decimal.NewFromFloat(100.00)) {
		t.Errorf("BestBid() = %+v, ok=%v, want price 100.00", bid, ok)
	}
	ask, ok := book.BestAsk()
	if !ok || !ask.Price.Equal(decimal.NewFromFloat(100.50)) {
		t.Errorf("BestAsk() = %+v, ok=%v, want price 100.50", ask, ok)
	}
}
