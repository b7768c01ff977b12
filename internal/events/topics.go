package events

import "strings"

// Topic name constants. Topics are flat dotted strings;
// handlers subscribe to an exact topic string.
const (
	TopicPriceUpdate       = "market.price_update"
	TopicOrderbookUpdate   = "market.orderbook_update"
	TopicPumpDetected      = "pump.detected"
	TopicReversalDetected  = "reversal.detected"
	TopicRiskAlert         = "risk_alert"
	TopicMarketDataConnect = "market_data.connected"
	TopicMarketDataDisconn = "market_data.disconnected"
	TopicOrderIntent       = "order.intent"
	TopicDealExecuted      = "order.deal"
	TopicPositionOpened    = "position.opened"
)

// Class classifies a topic for backpressure policy.
type Class int

const (
	ClassOrdinary Class = iota
	ClassHighFrequency
	ClassTradingCritical
)

// ClassifyTopic applies substring rules: high-frequency topics contain
// "price_update", "orderbook", or "depth"; trading-critical topics
// contain "deal", "trade", "order", or "position"; everything else is
// ordinary. High-frequency is checked first: "orderbook" contains
// "order", so a quote-stream topic would otherwise be misclassified as
// trading-critical and stall its producer under backpressure instead of
// dropping.
func ClassifyTopic(topic string) Class {
	for _, s := range []string{"price_update", "orderbook", "depth"} {
		if strings.Contains(topic, s) {
			return ClassHighFrequency
		}
	}
	for _, s := range []string{"deal", "trade", "order", "position"} {
		if strings.Contains(topic, s) {
			return ClassTradingCritical
		}
	}
	return ClassOrdinary
}
