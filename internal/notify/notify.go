// Package notify defines the notification port the engine sends pump,
// reversal, and risk alerts through, plus a structured-logging
// implementation. The original notification interfaces this was distilled
// from exposed a much larger surface (Telegram/email fan-out, throttling,
// alert history); only the signal-alert and risk-alert paths survived
// here, so this port stays to that slimmer shape rather than carrying the
// extra interfaces over.
package notify

import (
	"context"
	"log/slog"

	"github.com/LKrysik/flashpump-engine/internal/risk"
	"github.com/LKrysik/flashpump-engine/pkg/types"
)

// Service is the notification port consumed by the orchestrator.
type Service interface {
	NotifyPump(signal types.FlashPumpSignal)
	NotifyReversal(signal types.ReversalSignal)
	NotifyRiskAlert(alert risk.RiskAlert)
}

// LogService implements Service by writing structured log lines. It is the
// default until a real channel (Telegram, email, webhook) is wired in.
type LogService struct {
	logger *slog.Logger
}

// NewLogService builds a logging-only notification service.
func NewLogService(logger *slog.Logger) *LogService {
	return &LogService{logger: logger.With("component", "notify")}
}

func (s *LogService) NotifyPump(signal types.FlashPumpSignal) {
	s.logger.Info("signal alert",
		"symbol", signal.Symbol,
		"magnitude_pct", signal.PumpMagnitudePct,
		"confidence", signal.Confidence,
		"peak_price", signal.PeakPrice.String(),
	)
}

func (s *LogService) NotifyReversal(signal types.ReversalSignal) {
	s.logger.Info("reversal alert",
		"symbol", signal.Symbol,
		"retracement_pct", signal.RetracementPct,
		"emergency_exit", signal.EmergencyExit,
	)
}

func (s *LogService) NotifyRiskAlert(alert risk.RiskAlert) {
	level := slog.LevelWarn
	if alert.Severity == "CRITICAL" {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "risk alert",
		"type", alert.AlertType,
		"severity", alert.Severity,
		"message", alert.Message,
	)
}
