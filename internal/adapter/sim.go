package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantfold/tickpipe/internal/model"
)

// SimTransport is the in-process venue used by the backtest and testnet
// adapters: instant acks, immediate synthetic fills at the mark price, and
// optional scripted failures.
type SimTransport struct {
	mu      sync.Mutex
	kind    string
	seq     int64
	marks   map[string]float64
	fills   map[string][]model.Fill
	feeBps  float64
	scripts []Resp // consumed in order before normal behaviour, for tests
}

// NewSimTransport creates the simulated venue; kind is reported through the
// adapter ("backtest" or "testnet").
func NewSimTransport(kind string, feeBps float64) *SimTransport {
	return &SimTransport{
		kind:   kind,
		marks:  make(map[string]float64),
		fills:  make(map[string][]model.Fill),
		feeBps: feeBps,
	}
}

// SetMark sets the current mark price used for synthetic fills.
func (t *SimTransport) SetMark(symbol string, px float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks[symbol] = px
}

// Script queues a canned response returned ahead of normal placement.
func (t *SimTransport) Script(resp Resp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts = append(t.scripts, resp)
}

func (t *SimTransport) Kind() string { return t.kind }

func (t *SimTransport) Place(ctx context.Context, ord *model.Order) Resp {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.scripts) > 0 {
		resp := t.scripts[0]
		t.scripts = t.scripts[1:]
		return resp
	}

	px := ord.Price
	if mark, ok := t.marks[ord.Symbol]; ok && ord.OrderType == model.OrderMarket {
		px = mark
	}
	if px <= 0 {
		return Resp{Code: CodeRejectBiz, Msg: "no mark price for symbol"}
	}

	t.seq++
	brokerID := fmt.Sprintf("sim-%d", t.seq)
	t.fills[ord.Symbol] = append(t.fills[ord.Symbol], model.Fill{
		TSMs:          ord.TSMs,
		Symbol:        ord.Symbol,
		ClientOrderID: ord.ClientOrderID,
		BrokerOrderID: brokerID,
		Price:         px,
		Qty:           ord.Qty,
		Fee:           px * ord.Qty * t.feeBps / 10_000,
		Liquidity:     model.LiquidityTaker,
		Side:          ord.Side,
	})
	return Resp{OK: true, Code: CodeOK, BrokerOrderID: brokerID}
}

func (t *SimTransport) Cancel(ctx context.Context, symbol, brokerOrderID string) Resp {
	return Resp{OK: true, Code: CodeOK, BrokerOrderID: brokerOrderID}
}

func (t *SimTransport) Fills(ctx context.Context, symbol string, sinceTsMs int64) ([]model.Fill, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.Fill
	for _, f := range t.fills[symbol] {
		if f.TSMs >= sinceTsMs {
			out = append(out, f)
		}
	}
	return out, nil
}
