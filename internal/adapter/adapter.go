package adapter

import (
	"context"

	"github.com/quantfold/tickpipe/internal/model"
)

// Code is the language-neutral adapter error taxonomy.
type Code string

const (
	CodeOK        Code = "OK"
	CodeParams    Code = "E.PARAMS"
	CodeRateLimit Code = "E.RATE.LIMIT"
	CodeNet       Code = "E.NET"
	CodeTimeout   Code = "E.TIMEOUT"
	CodeRejectBiz Code = "E.REJECT.BIZ"
	CodeAuth      Code = "E.AUTH"
	CodeInternal  Code = "E.INTERNAL"
)

// Retryable reports whether the code represents an idempotent-safe transient
// failure. E.PARAMS and E.REJECT.BIZ are never retried.
func (c Code) Retryable() bool {
	return c == CodeNet || c == CodeTimeout || c == CodeRateLimit
}

// RejectReason maps the code onto the executor's reject_reason vocabulary.
func (c Code) RejectReason() string {
	switch c {
	case CodeParams:
		return "params"
	case CodeRateLimit:
		return "rate_limit"
	case CodeNet:
		return "network"
	case CodeTimeout:
		return "timeout"
	case CodeRejectBiz:
		return "business_reject"
	case CodeAuth:
		return "auth"
	default:
		return "internal"
	}
}

// Resp is the adapter response. Failures travel in-band through Code, not as
// Go errors; errors are reserved for caller misuse.
type Resp struct {
	OK            bool   `json:"ok"`
	Code          Code   `json:"code"`
	Msg           string `json:"msg,omitempty"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
}

// Adapter sits between the executor and the venue: it normalises orders,
// enforces rate limits, and retries transient failures.
type Adapter interface {
	Submit(ctx context.Context, ord *model.Order) Resp
	Cancel(ctx context.Context, symbol, brokerOrderID string) Resp
	FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]model.Fill, error)
	Kind() string
}

// Transport is the raw venue call surface wrapped by VenueAdapter.
type Transport interface {
	Place(ctx context.Context, ord *model.Order) Resp
	Cancel(ctx context.Context, symbol, brokerOrderID string) Resp
	Fills(ctx context.Context, symbol string, sinceTsMs int64) ([]model.Fill, error)
	Kind() string
}
