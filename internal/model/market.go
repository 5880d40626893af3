package model

// PriceRow is one raw trade/price event before alignment.
type PriceRow struct {
	TSMs        int64   `json:"ts_ms" parquet:"ts_ms"`
	Symbol      string  `json:"symbol" parquet:"symbol"`
	Mid         float64 `json:"mid" parquet:"mid"`
	Price       float64 `json:"price,omitempty" parquet:"price,optional"`
	Qty         float64 `json:"qty,omitempty" parquet:"qty,optional"`
	Consistency float64 `json:"consistency,omitempty" parquet:"consistency,optional"`
	Session     string  `json:"session,omitempty" parquet:"session,optional"`
	FeeTier     string  `json:"fee_tier,omitempty" parquet:"fee_tier,optional"`
}

// EffectiveMid prefers the explicit mid, falling back to the trade price.
func (p *PriceRow) EffectiveMid() float64 {
	if p.Mid > 0 {
		return p.Mid
	}
	return p.Price
}

// BookRow is one raw order-book event before alignment. Bids and Asks are
// [price, qty] levels, best first.
type BookRow struct {
	TSMs        int64       `json:"ts_ms" parquet:"ts_ms"`
	Symbol      string      `json:"symbol" parquet:"symbol"`
	BestBid     float64     `json:"best_bid,omitempty" parquet:"best_bid,optional"`
	BestAsk     float64     `json:"best_ask,omitempty" parquet:"best_ask,optional"`
	SpreadBps   float64     `json:"spread_bps,omitempty" parquet:"spread_bps,optional"`
	Bids        [][]float64 `json:"bids,omitempty" parquet:"-"`
	Asks        [][]float64 `json:"asks,omitempty" parquet:"-"`
	Consistency float64     `json:"consistency,omitempty" parquet:"consistency,optional"`
}

// EffectiveBid prefers the explicit best bid, falling back to bids[0][0].
func (b *BookRow) EffectiveBid() float64 {
	if b.BestBid > 0 {
		return b.BestBid
	}
	if len(b.Bids) > 0 && len(b.Bids[0]) > 0 {
		return b.Bids[0][0]
	}
	return 0
}

// EffectiveAsk prefers the explicit best ask, falling back to asks[0][0].
func (b *BookRow) EffectiveAsk() float64 {
	if b.BestAsk > 0 {
		return b.BestAsk
	}
	if len(b.Asks) > 0 && len(b.Asks[0]) > 0 {
		return b.Asks[0][0]
	}
	return 0
}
