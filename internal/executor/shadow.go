package executor

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/adapter"
	"github.com/quantfold/tickpipe/internal/model"
)

const (
	parityWindow     = 100
	parityAlertFloor = 0.99
)

// ShadowComparison scores one primary/shadow order pair. Weights: status 0.5,
// price 0.25, reason 0.25. Prices within one tick count as equal.
type ShadowComparison struct {
	ClientOrderID string  `json:"client_order_id"`
	StatusParity  float64 `json:"status_parity"`
	PriceParity   float64 `json:"price_parity"`
	ReasonParity  float64 `json:"reason_parity"`
	Parity        float64 `json:"parity"`
}

// ShadowExecutorWrapper submits every order to a primary executor and, in
// parallel, to a shadow (testnet) executor, scoring agreement per pair. A
// rolling parity ratio below 0.99 raises an alert.
type ShadowExecutorWrapper struct {
	primary  Executor
	shadow   Executor
	tickSize float64
	alertFn  func(ratio float64) // test seam; defaults to a log warning

	mu      sync.Mutex
	recent  []float64 // ring of recent parities, capped at parityWindow
	alerted bool
}

// NewShadowExecutorWrapper wraps primary with a shadow leg.
func NewShadowExecutorWrapper(primary, shadow Executor, tickSize float64) *ShadowExecutorWrapper {
	w := &ShadowExecutorWrapper{primary: primary, shadow: shadow, tickSize: tickSize}
	w.alertFn = func(ratio float64) {
		log.Warn().Float64("parity_ratio", ratio).Msg("shadow execution parity below threshold")
	}
	return w
}

func (w *ShadowExecutorWrapper) Mode() string { return w.primary.Mode() }

func (w *ShadowExecutorWrapper) Prepare(sig *model.Signal, notional float64) (*model.OrderCtx, error) {
	return w.primary.Prepare(sig, notional)
}

func (w *ShadowExecutorWrapper) Submit(ctx context.Context, ord *model.Order) Result {
	return w.SubmitWithCtx(ctx, &model.OrderCtx{Order: *ord})
}

func (w *ShadowExecutorWrapper) SubmitWithCtx(ctx context.Context, oc *model.OrderCtx) Result {
	shadowCtx := *oc
	var (
		shadowRes Result
		wg        sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		shadowRes = w.shadow.SubmitWithCtx(ctx, &shadowCtx)
	}()
	primaryRes := w.primary.SubmitWithCtx(ctx, oc)
	wg.Wait()

	w.observe(w.Compare(primaryRes, shadowRes))
	return primaryRes
}

// Compare scores a primary/shadow result pair.
func (w *ShadowExecutorWrapper) Compare(primary, shadow Result) ShadowComparison {
	cmp := ShadowComparison{ClientOrderID: primary.ClientOrderID}

	if primary.OK == shadow.OK {
		cmp.StatusParity = 1
	}

	switch {
	case primary.Fill != nil && shadow.Fill != nil:
		if adapter.WithinTick(primary.Fill.Price, shadow.Fill.Price, w.tickSize) {
			cmp.PriceParity = 1
		}
	case primary.Fill == nil && shadow.Fill == nil:
		cmp.PriceParity = 1
	}

	if primary.RejectReason == shadow.RejectReason {
		cmp.ReasonParity = 1
	}

	cmp.Parity = 0.5*cmp.StatusParity + 0.25*cmp.PriceParity + 0.25*cmp.ReasonParity
	return cmp
}

func (w *ShadowExecutorWrapper) observe(cmp ShadowComparison) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recent = append(w.recent, cmp.Parity)
	if len(w.recent) > parityWindow {
		w.recent = w.recent[1:]
	}
	sum := 0.0
	for _, p := range w.recent {
		sum += p
	}
	ratio := sum / float64(len(w.recent))
	if ratio < parityAlertFloor {
		if !w.alerted {
			w.alertFn(ratio)
		}
		w.alerted = true
	} else {
		w.alerted = false
	}
}

// ParityRatio returns the rolling agreement score, 1.0 when no pairs yet.
func (w *ShadowExecutorWrapper) ParityRatio() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.recent) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, p := range w.recent {
		sum += p
	}
	return sum / float64(len(w.recent))
}

func (w *ShadowExecutorWrapper) Cancel(ctx context.Context, symbol, brokerOrderID string) Result {
	go w.shadow.Cancel(ctx, symbol, brokerOrderID)
	return w.primary.Cancel(ctx, symbol, brokerOrderID)
}

func (w *ShadowExecutorWrapper) FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]model.Fill, error) {
	return w.primary.FetchFills(ctx, symbol, sinceTsMs)
}

func (w *ShadowExecutorWrapper) GetPosition(symbol string) (model.Position, bool) {
	return w.primary.GetPosition(symbol)
}

func (w *ShadowExecutorWrapper) Flush() error {
	if err := w.shadow.Flush(); err != nil {
		log.Warn().Err(err).Msg("shadow executor flush failed")
	}
	return w.primary.Flush()
}

func (w *ShadowExecutorWrapper) Close() error {
	if err := w.shadow.Close(); err != nil {
		log.Warn().Err(err).Msg("shadow executor close failed")
	}
	return w.primary.Close()
}
