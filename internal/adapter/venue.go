package adapter

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

// VenueAdapter wraps a Transport with order normalisation, token-bucket rate
// limiting per operation class, and exponential-backoff retries on transient
// codes. E.PARAMS and E.REJECT.BIZ are surfaced immediately.
type VenueAdapter struct {
	cfg      config.AdapterConfig
	inner    Transport
	place    *rate.Limiter
	cancel   *rate.Limiter
	sleep    func(time.Duration) // test seam
	jitterFn func(time.Duration) time.Duration
}

// NewVenueAdapter builds the adapter from config around the given transport.
func NewVenueAdapter(cfg config.AdapterConfig, inner Transport) *VenueAdapter {
	placeRPS := cfg.RateLimit.Place.RPS
	if placeRPS <= 0 {
		placeRPS = 5
	}
	placeBurst := cfg.RateLimit.Place.Burst
	if placeBurst <= 0 {
		placeBurst = 1
	}
	cancelRPS := cfg.RateLimit.Cancel.RPS
	if cancelRPS <= 0 {
		cancelRPS = 10
	}
	cancelBurst := cfg.RateLimit.Cancel.Burst
	if cancelBurst <= 0 {
		cancelBurst = 1
	}
	return &VenueAdapter{
		cfg:    cfg,
		inner:  inner,
		place:  rate.NewLimiter(rate.Limit(placeRPS), placeBurst),
		cancel: rate.NewLimiter(rate.Limit(cancelRPS), cancelBurst),
		sleep:  time.Sleep,
		jitterFn: func(d time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(d)/2 + 1))
		},
	}
}

func (a *VenueAdapter) Kind() string { return a.inner.Kind() }

// Submit normalises, validates, rate-limits, then places with retry.
func (a *VenueAdapter) Submit(ctx context.Context, ord *model.Order) Resp {
	norm := *ord
	norm.Symbol = strings.ToUpper(norm.Symbol)
	norm.Qty = NormalizeQty(norm.Qty, a.cfg.StepSize)
	if norm.OrderType == model.OrderLimit {
		norm.Price = NormalizePrice(norm.Price, a.cfg.TickSize)
	}

	if resp, ok := a.validate(&norm); !ok {
		return resp
	}
	if resp, ok := a.acquire(ctx, a.place); !ok {
		return resp
	}

	return a.withRetry(ctx, func() Resp { return a.inner.Place(ctx, &norm) })
}

// Cancel rate-limits and retries a cancel request.
func (a *VenueAdapter) Cancel(ctx context.Context, symbol, brokerOrderID string) Resp {
	if brokerOrderID == "" {
		return Resp{Code: CodeParams, Msg: "missing broker order id"}
	}
	if resp, ok := a.acquire(ctx, a.cancel); !ok {
		return resp
	}
	return a.withRetry(ctx, func() Resp {
		return a.inner.Cancel(ctx, strings.ToUpper(symbol), brokerOrderID)
	})
}

func (a *VenueAdapter) FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]model.Fill, error) {
	return a.inner.Fills(ctx, strings.ToUpper(symbol), sinceTsMs)
}

func (a *VenueAdapter) validate(ord *model.Order) (Resp, bool) {
	if ord.Symbol == "" {
		return Resp{Code: CodeParams, Msg: "missing symbol"}, false
	}
	if ord.Side != model.SideBuy && ord.Side != model.SideSell {
		return Resp{Code: CodeParams, Msg: "invalid side"}, false
	}
	if ord.Qty <= 0 {
		return Resp{Code: CodeParams, Msg: "non-positive qty"}, false
	}
	if ord.OrderType == model.OrderLimit && ord.Price <= 0 {
		return Resp{Code: CodeParams, Msg: "limit order without price"}, false
	}
	if a.cfg.MinNotional > 0 && ord.Price > 0 && ord.Qty*ord.Price < a.cfg.MinNotional {
		return Resp{Code: CodeParams, Msg: "below min notional"}, false
	}
	return Resp{}, true
}

// acquire blocks on the limiter up to the configured ceiling; beyond that the
// request is throttled locally.
func (a *VenueAdapter) acquire(ctx context.Context, lim *rate.Limiter) (Resp, bool) {
	wait := time.Duration(a.cfg.MaxWaitMs) * time.Millisecond
	if wait <= 0 {
		wait = 2 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := lim.Wait(waitCtx); err != nil {
		return Resp{Code: CodeRateLimit, Msg: "local rate limit exceeded"}, false
	}
	return Resp{}, true
}

func (a *VenueAdapter) withRetry(ctx context.Context, call func() Resp) Resp {
	maxRetries := a.cfg.MaxRetries
	base := time.Duration(a.cfg.RetryBaseMs) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	var resp Resp
	for attempt := 0; ; attempt++ {
		resp = call()
		if resp.OK || !resp.Code.Retryable() || attempt >= maxRetries {
			return resp
		}
		if ctx.Err() != nil {
			return Resp{Code: CodeTimeout, Msg: "context cancelled during retry"}
		}
		backoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
		backoff += a.jitterFn(backoff)
		log.Warn().Str("code", string(resp.Code)).Int("attempt", attempt+1).
			Dur("backoff", backoff).Msg("adapter retrying transient failure")
		a.sleep(backoff)
	}
}
