package wspool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/LKrysik/flashpump-engine/internal/breaker"
	"github.com/LKrysik/flashpump-engine/internal/ratelimit"
	"github.com/LKrysik/flashpump-engine/pkg/types"
)

// restClient is the bounded HTTP fallback used to refresh a symbol's order
// book when the WebSocket snapshot request cannot be sent (the send fails
// or the symbol's connection is down). It follows
// the same resty client shape used elsewhere — SetTimeout/SetRetryCount
// plus a dedicated rate limiter per endpoint category — here a single
// category, with its own circuit breaker instance distinct from the
// pool's new-connection breaker.
type restClient struct {
	http    *resty.Client
	rl      *ratelimit.TokenBucket
	breaker *breaker.Breaker
	logger  *slog.Logger
}

func newRESTClient(cfg Config, logger *slog.Logger) *restClient {
	timeout := cfg.RESTRequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	minInterval := cfg.RESTMinInterval
	if minInterval <= 0 {
		minInterval = 100 * time.Millisecond
	}

	http := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	// one token refilled every minInterval enforces "≥100ms between requests".
	refillPerSecond := float64(time.Second) / float64(minInterval)

	return &restClient{
		http:    http,
		rl:      ratelimit.New(1, refillPerSecond),
		breaker: breaker.New(breaker.DefaultConfig()),
		logger:  logger.With("component", "wspool.rest"),
	}
}

type depthResponse struct {
	Success bool `json:"success"`
	Code    int  `json:"code"`
	Data    struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	} `json:"data"`
}

// fetchDepth retrieves a full depth snapshot for symbol over REST. The
// exchange's REST depth endpoint carries no version field the way the
// WebSocket snapshot does, so the levels are returned without one and the
// caller applies them outside the WebSocket version sequence
// (orderbook.Book.ApplyRefresh).
func (r *restClient) fetchDepth(ctx context.Context, symbol string) (bids, asks []types.OrderBookLevel, err error) {
	if err := r.breaker.Allow(); err != nil {
		return nil, nil, ErrCircuitOpen
	}
	if err := r.rl.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var result depthResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/api/v1/contract/depth/%s", symbol))
	if err != nil {
		r.breaker.Failure()
		return nil, nil, fmt.Errorf("rest depth fetch: %w", err)
	}
	if !resp.IsSuccess() || !result.Success {
		r.breaker.Failure()
		return nil, nil, fmt.Errorf("rest depth fetch: status=%d code=%d", resp.StatusCode(), result.Code)
	}
	r.breaker.Success()

	bids, err = parseLevels(result.Data.Bids)
	if err != nil {
		return nil, nil, err
	}
	asks, err = parseLevels(result.Data.Asks)
	if err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

func parseLevels(raw [][2]string) ([]types.OrderBookLevel, error) {
	levels := make([]types.OrderBookLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parse quantity %q: %w", pair[1], err)
		}
		levels = append(levels, types.OrderBookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
