package executor

import (
	"math"
	"sync"

	"github.com/quantfold/tickpipe/internal/model"
)

// positionBook tracks signed per-symbol net positions across fills.
type positionBook struct {
	mu        sync.Mutex
	positions map[string]*model.Position
}

func newPositionBook() *positionBook {
	return &positionBook{positions: make(map[string]*model.Position)}
}

// apply folds one fill into the book. Entries open or add; opposite fills
// reduce, close, or flip the position.
func (b *positionBook) apply(f *model.Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()

	signed := f.Qty
	if f.Side == model.SideSell {
		signed = -f.Qty
	}

	pos, ok := b.positions[f.Symbol]
	if !ok || pos.Qty == 0 {
		b.positions[f.Symbol] = &model.Position{
			Symbol:        f.Symbol,
			Qty:           signed,
			EntryPrice:    f.Price,
			EntryFee:      f.Fee,
			EntryNotional: f.Price * f.Qty,
			EntryTSMs:     f.TSMs,
		}
		return
	}

	if (pos.Qty > 0) == (signed > 0) {
		// same direction: volume-weighted entry
		total := math.Abs(pos.Qty) + f.Qty
		pos.EntryPrice = (pos.EntryPrice*math.Abs(pos.Qty) + f.Price*f.Qty) / total
		pos.Qty += signed
		pos.EntryFee += f.Fee
		pos.EntryNotional += f.Price * f.Qty
		return
	}

	remaining := pos.Qty + signed
	switch {
	case remaining == 0:
		delete(b.positions, f.Symbol)
	case (remaining > 0) == (pos.Qty > 0):
		pos.Qty = remaining
	default:
		// flip: the residual opens a fresh position at the fill price
		b.positions[f.Symbol] = &model.Position{
			Symbol:        f.Symbol,
			Qty:           remaining,
			EntryPrice:    f.Price,
			EntryFee:      f.Fee,
			EntryNotional: f.Price * math.Abs(remaining),
			EntryTSMs:     f.TSMs,
		}
	}
}

func (b *positionBook) get(symbol string) (model.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return model.Position{}, false
	}
	return *pos, true
}
