// Package orchestrator wires the event bus, risk manager, pump detector
// and WebSocket pool into one running engine and owns startup/shutdown
// ordering. A single struct holds every long-lived component, constructed
// once from config and started/stopped as a unit, down to the
// bounded-timeout shutdown sequencing — the same engine-wiring shape used
// for a strategy-plus-market-data bot, generalized to this domain's
// pool->bus->detector->risk chain.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LKrysik/flashpump-engine/internal/config"
	"github.com/LKrysik/flashpump-engine/internal/events"
	"github.com/LKrysik/flashpump-engine/internal/executor"
	"github.com/LKrysik/flashpump-engine/internal/notify"
	"github.com/LKrysik/flashpump-engine/internal/pumpdetector"
	"github.com/LKrysik/flashpump-engine/internal/risk"
	"github.com/LKrysik/flashpump-engine/internal/wspool"
	"github.com/LKrysik/flashpump-engine/pkg/types"
)

// ShutdownTimeout bounds how long Stop waits for in-flight work to settle
// before returning.
const ShutdownTimeout = 15 * time.Second

// MarketDataProvider is the market-data stream port. The WebSocket pool is
// the live implementation; a file-replay variant for backtesting would be
// the other member of the closed enumeration, dispatched through this same
// port, but lives outside this engine's scope.
type MarketDataProvider interface {
	Connect(ctx context.Context) error
	Disconnect()
	SubscribeToSymbol(ctx context.Context, symbol string, dataTypes []wspool.DataType) error
	UnsubscribeFromSymbol(symbol string)
}

// Engine is the top-level process: it owns the bus and every subsystem
// built on top of it.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      *events.Bus
	provider MarketDataProvider
	detector *pumpdetector.Detector
	risk     *risk.Manager
	executor executor.OrderExecutor
	notifier notify.Service

	unsubPump     func()
	unsubReversal func()
	unsubAlert    func()
}

// StartingCapital seeds the risk manager's capital and equity-peak state
// until a real account-balance feed is wired in.
const StartingCapital = 10000.0

// New builds every subsystem from cfg but does not start any of them.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	bus := events.New(logger)

	riskMgr := risk.NewManager(toRiskConfig(cfg.Risk), bus, logger, decimal.NewFromFloat(StartingCapital))
	detector := pumpdetector.New(toPumpConfig(cfg), bus, logger)
	pool := wspool.New(toPoolConfig(cfg), bus, logger)

	// Signing and submitting live orders is out of scope; log-only is the only executor until a real exchange
	// adapter is wired in behind this port.
	var exec executor.OrderExecutor = executor.NewLogOnly(logger)

	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
		bus:      bus,
		provider: pool,
		detector: detector,
		risk:     riskMgr,
		executor: exec,
		notifier: notify.NewLogService(logger),
	}
}

// Start brings up subsystems in dependency order: bus is already live,
// then the risk-aware reaction handlers, then the detector, then the
// pool.
func (e *Engine) Start(ctx context.Context) error {
	queueCap := e.cfg.EventBus.QueueCapacity
	e.unsubPump = e.bus.Subscribe(events.TopicPumpDetected, queueCap, e.onPumpDetected)
	e.unsubReversal = e.bus.Subscribe(events.TopicReversalDetected, queueCap, e.onReversalDetected)
	e.unsubAlert = e.bus.Subscribe(events.TopicRiskAlert, queueCap, e.onRiskAlert)

	e.detector.Start()

	if err := e.provider.Connect(ctx); err != nil {
		return fmt.Errorf("connect pool: %w", err)
	}

	e.logger.Info("engine started", "exchange", e.cfg.Exchange.Name, "dry_run", e.cfg.DryRun)
	return nil
}

// Stop tears subsystems down in reverse order, bounded by ShutdownTimeout.
func (e *Engine) Stop() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.provider.Disconnect()
		e.detector.Stop()
		if e.unsubPump != nil {
			e.unsubPump()
		}
		if e.unsubReversal != nil {
			e.unsubReversal()
		}
		if e.unsubAlert != nil {
			e.unsubAlert()
		}
		e.bus.Close()
	}()

	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		e.logger.Warn("shutdown timed out", "timeout", ShutdownTimeout)
	}
}

// Subscribe adds symbols to the market data stream.
func (e *Engine) Subscribe(ctx context.Context, symbol string) error {
	return e.provider.SubscribeToSymbol(ctx, symbol, []wspool.DataType{wspool.DataTypePrices, wspool.DataTypeOrderbook})
}

// Unsubscribe removes a symbol from the market data stream and wipes its
// detection history.
func (e *Engine) Unsubscribe(symbol string) {
	e.provider.UnsubscribeFromSymbol(symbol)
	e.detector.ClearHistory(symbol)
}

func (e *Engine) onPumpDetected(evt events.Event) {
	p, ok := evt.Payload.(pumpdetector.PumpDetectedPayload)
	if !ok {
		return
	}
	e.logger.Info("pump detected",
		"symbol", p.Signal.Symbol,
		"magnitude_pct", p.Signal.PumpMagnitudePct,
		"confidence", p.Signal.Confidence,
	)
	e.notifier.NotifyPump(p.Signal)

	quantity := e.positionSize(p.Signal)
	decision := e.risk.CanOpenPosition(p.Signal.Symbol, types.SideBuy, quantity, p.Signal.PeakPrice, nil, nil, nil)
	if !decision.CanProceed {
		e.logger.Info("entry rejected by risk manager",
			"symbol", p.Signal.Symbol, "reason", decision.Reason, "failed_checks", decision.FailedChecks)
		return
	}

	order := types.Order{
		Symbol:    p.Signal.Symbol,
		Side:      types.SideBuy,
		Quantity:  quantity,
		Price:     p.Signal.PeakPrice,
		Type:      types.OrderTypeMarket,
		Strategy:  "flashpump",
		CreatedAt: time.Now(),
	}
	if _, err := e.executor.PlaceMarketOrder(context.Background(), order); err != nil {
		e.logger.Error("place order failed", "symbol", order.Symbol, "error", err)
	}
}

// positionSize sizes the candidate entry at a conservative fraction of the
// configured max position size, leaving headroom for the risk manager's
// own boundary check rather than deliberately probing it.
func (e *Engine) positionSize(signal types.FlashPumpSignal) decimal.Decimal {
	capitalFraction := e.cfg.Risk.MaxPositionSizePct / 100 * 0.5
	notional := decimal.NewFromFloat(StartingCapital * capitalFraction)
	if signal.PeakPrice.IsZero() {
		return decimal.Zero
	}
	return notional.Div(signal.PeakPrice)
}

func (e *Engine) onReversalDetected(evt events.Event) {
	p, ok := evt.Payload.(pumpdetector.ReversalDetectedPayload)
	if !ok {
		return
	}
	e.logger.Info("reversal detected",
		"symbol", p.Signal.Symbol,
		"retracement_pct", p.Signal.RetracementPct,
		"emergency_exit", p.Signal.EmergencyExit,
	)
	e.notifier.NotifyReversal(p.Signal)
}

func (e *Engine) onRiskAlert(evt events.Event) {
	alert, ok := evt.Payload.(risk.RiskAlert)
	if !ok {
		return
	}
	e.logger.Warn("risk alert", "severity", alert.Severity, "type", alert.AlertType, "message", alert.Message)
	e.notifier.NotifyRiskAlert(alert)
}

func toPoolConfig(cfg *config.Config) wspool.Config {
	high := make(map[string]struct{}, len(cfg.Pool.HighVolumeSymbols))
	for _, s := range cfg.Pool.HighVolumeSymbols {
		high[s] = struct{}{}
	}
	medium := make(map[string]struct{}, len(cfg.Pool.MediumVolumeSymbols))
	for _, s := range cfg.Pool.MediumVolumeSymbols {
		medium[s] = struct{}{}
	}

	return wspool.Config{
		ExchangeName: cfg.Exchange.Name,
		WSURL:        cfg.Exchange.WSURL,

		MaxConnections:       cfg.Pool.MaxConnections,
		MaxSubsPerConnection: cfg.Pool.MaxSubsPerConnection,
		MaxReconnectAttempts: cfg.Pool.MaxReconnectAttempts,

		SubscribeRateLimitCapacity:   cfg.Pool.SubscribeRateLimitCapacity,
		SubscribeRateLimitRefillPerS: cfg.Pool.SubscribeRateLimitRefillPerS,
		SubscribeWaitTimeout:         cfg.Pool.SubscribeWaitTimeout,

		PongWarnThreshold:          cfg.Pool.PongWarnThreshold,
		PongReconnectThreshold:     cfg.Pool.PongReconnectThreshold,
		PreCloseHealthCheckTimeout: cfg.Pool.PreCloseHealthCheckTimeout,

		SnapshotRefreshInterval: cfg.Pool.SnapshotRefreshInterval,

		ActivityThresholdHighVolume:   cfg.Pool.ActivityThresholdHighVolume,
		ActivityThresholdMediumVolume: cfg.Pool.ActivityThresholdMediumVolume,
		ActivityThresholdLowVolume:    cfg.Pool.ActivityThresholdLowVolume,
		HighVolumeSymbols:             high,
		MediumVolumeSymbols:           medium,

		TrackingExpiryInterval: cfg.Pool.TrackingExpiryInterval,
		MaxReconnectCounters:   cfg.Pool.MaxReconnectCounters,
		MaxLogRateEntries:      cfg.Pool.MaxLogRateEntries,

		CircuitBreakerFailureThreshold: cfg.Pool.CircuitBreakerFailureThreshold,
		CircuitBreakerTimeout:          cfg.Pool.CircuitBreakerTimeout,
		CircuitBreakerSuccessThreshold: cfg.Pool.CircuitBreakerSuccessThreshold,

		RESTBaseURL:        cfg.Exchange.RESTBaseURL,
		RESTRequestTimeout: 5 * time.Second,
		RESTMinInterval:    100 * time.Millisecond,
	}
}

func toPumpConfig(cfg *config.Config) pumpdetector.Config {
	return pumpdetector.Config{
		RingBufferCapacity:      cfg.Pump.RingBufferCapacity,
		QueueCapacity:           cfg.EventBus.QueueCapacity,
		BaselineWindow:          cfg.Pump.BaselineWindow,
		VelocityWindow:          cfg.Pump.VelocityWindow,
		MinPumpMagnitudePct:     cfg.Pump.MinPumpMagnitudePct,
		VolumeSurgeMultiplier:   cfg.Pump.VolumeSurgeMultiplier,
		VelocityThreshold:       cfg.Pump.VelocityThreshold,
		MinVolume24h:            cfg.Pump.MinVolume24h,
		PeakConfirmationWindow:  cfg.Pump.PeakConfirmationWindow,
		MinConfidenceThreshold:  cfg.Pump.MinConfidenceThreshold,
		MinRetracementPct:       cfg.Pump.MinRetracementPct,
		EmergencyRetracementPct: cfg.Pump.EmergencyRetracementPct,
		EmergencyDeclineRatio:   cfg.Pump.EmergencyDeclineRatio,
	}
}

func toRiskConfig(cfg config.RiskConfig) types.RiskConfig {
	return types.RiskConfig{
		MaxPositionSizePct:        cfg.MaxPositionSizePct,
		MaxConcurrentPositions:    cfg.MaxConcurrentPositions,
		MaxSymbolConcentrationPct: cfg.MaxSymbolConcentrationPct,
		DailyLossLimitPct:         cfg.DailyLossLimitPct,
		MaxDrawdownPct:            cfg.MaxDrawdownPct,
		MaxMarginUtilizationPct:   cfg.MaxMarginUtilizationPct,
		MarginWarnRatio:           cfg.MarginWarnRatio,
		MarginCriticalRatio:       cfg.MarginCriticalRatio,
	}
}
