// Package executor defines the order-executor port the engine trades
// through and a log-only implementation used whenever dry_run is set or no
// live exchange adapter has been wired in. Every mutating method follows
// the same dry-run branch shape — log-and-return-a-synthetic-result
// instead of calling out — generalized from a CLOB batch-order client down
// to a plain market/limit order port.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LKrysik/flashpump-engine/pkg/types"
)

// AccountInfo is the minimal account snapshot the core needs to size
// orders against.
type AccountInfo struct {
	Equity          decimal.Decimal
	AvailableMargin decimal.Decimal
	MarginRatio     float64
}

// OrderExecutor is the port the orchestrator calls through once the risk
// manager has approved a trade intent. Exchange-specific
// signing and transport live behind an implementation the core never
// imports.
type OrderExecutor interface {
	PlaceMarketOrder(ctx context.Context, order types.Order) (types.Trade, error)
	PlaceLimitOrder(ctx context.Context, order types.Order) (types.Trade, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetAccountInfo(ctx context.Context) (AccountInfo, error)
	HealthCheck(ctx context.Context) error
	GetExchangeName() string
}

// LogOnly implements OrderExecutor by logging every call and returning a
// synthetic fill, the familiar "DRY-RUN: would ..." pattern — except here
// it is the only implementation, since signing and submitting live orders
// is out of scope.
type LogOnly struct {
	logger *slog.Logger
}

// NewLogOnly builds a log-only executor.
func NewLogOnly(logger *slog.Logger) *LogOnly {
	return &LogOnly{logger: logger.With("component", "executor")}
}

func (l *LogOnly) PlaceMarketOrder(ctx context.Context, order types.Order) (types.Trade, error) {
	l.logger.Info("DRY-RUN: would place market order",
		"symbol", order.Symbol, "side", order.Side, "quantity", order.Quantity, "strategy", order.Strategy)
	return types.Trade{
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  order.Quantity,
		Price:     order.Price,
		Timestamp: time.Now(),
	}, nil
}

func (l *LogOnly) PlaceLimitOrder(ctx context.Context, order types.Order) (types.Trade, error) {
	l.logger.Info("DRY-RUN: would place limit order",
		"symbol", order.Symbol, "side", order.Side, "quantity", order.Quantity, "price", order.Price, "strategy", order.Strategy)
	return types.Trade{
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  order.Quantity,
		Price:     order.Price,
		Timestamp: time.Now(),
	}, nil
}

func (l *LogOnly) CancelOrder(ctx context.Context, orderID string) error {
	l.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
	return nil
}

func (l *LogOnly) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	return AccountInfo{}, fmt.Errorf("executor: account info unavailable in log-only mode")
}

func (l *LogOnly) HealthCheck(ctx context.Context) error {
	return nil
}

func (l *LogOnly) GetExchangeName() string {
	return "log-only"
}
