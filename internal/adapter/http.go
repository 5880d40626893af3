package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quantfold/tickpipe/internal/model"
)

// HTTPTransport talks to a venue order gateway over REST. A circuit breaker
// trips after consecutive transport failures so a venue outage degrades into
// fast E.INTERNAL responses instead of piling up timeouts.
type HTTPTransport struct {
	kind    string
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	dryRun  bool
}

// NewHTTPTransport creates the REST transport; kind is "testnet" or "live".
func NewHTTPTransport(kind, baseURL string, dryRun bool) *HTTPTransport {
	return &HTTPTransport{
		kind:    kind,
		baseURL: baseURL,
		dryRun:  dryRun,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "venue-" + kind,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (t *HTTPTransport) Kind() string { return t.kind }

type venueOrderResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Code    string `json:"code"`
	Msg     string `json:"msg"`
}

func (t *HTTPTransport) Place(ctx context.Context, ord *model.Order) Resp {
	if t.dryRun {
		return Resp{OK: true, Code: CodeOK, BrokerOrderID: "dry-" + ord.ClientOrderID}
	}
	body, err := json.Marshal(ord)
	if err != nil {
		return Resp{Code: CodeParams, Msg: err.Error()}
	}
	return t.do(ctx, http.MethodPost, "/orders", body)
}

func (t *HTTPTransport) Cancel(ctx context.Context, symbol, brokerOrderID string) Resp {
	if t.dryRun {
		return Resp{OK: true, Code: CodeOK, BrokerOrderID: brokerOrderID}
	}
	path := fmt.Sprintf("/orders/%s/%s", symbol, brokerOrderID)
	return t.do(ctx, http.MethodDelete, path, nil)
}

func (t *HTTPTransport) Fills(ctx context.Context, symbol string, sinceTsMs int64) ([]model.Fill, error) {
	if t.dryRun {
		return nil, nil
	}
	url := fmt.Sprintf("%s/fills/%s?since=%d", t.baseURL, symbol, sinceTsMs)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch fills: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch fills: status %d", resp.StatusCode)
	}
	var fills []model.Fill
	if err := json.NewDecoder(resp.Body).Decode(&fills); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}
	return fills, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte) Resp {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return Resp{Code: CodeParams, Msg: err.Error()}, nil
		}
		req.Header.Set("Content-Type", "application/json")
		httpResp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		return t.classify(httpResp), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Resp{Code: CodeInternal, Msg: "venue circuit open"}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Resp{Code: CodeTimeout, Msg: err.Error()}
		}
		return Resp{Code: CodeNet, Msg: err.Error()}
	}
	return result.(Resp)
}

func (t *HTTPTransport) classify(httpResp *http.Response) Resp {
	var body venueOrderResp
	_ = json.NewDecoder(httpResp.Body).Decode(&body)

	switch {
	case httpResp.StatusCode == http.StatusOK || httpResp.StatusCode == http.StatusCreated:
		return Resp{OK: true, Code: CodeOK, BrokerOrderID: body.OrderID, Msg: body.Msg}
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return Resp{Code: CodeAuth, Msg: body.Msg}
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return Resp{Code: CodeRateLimit, Msg: body.Msg}
	case httpResp.StatusCode >= 500:
		return Resp{Code: CodeNet, Msg: fmt.Sprintf("venue %d: %s", httpResp.StatusCode, body.Msg)}
	case httpResp.StatusCode == http.StatusUnprocessableEntity || httpResp.StatusCode == http.StatusConflict:
		return Resp{Code: CodeRejectBiz, Msg: body.Msg}
	default:
		return Resp{Code: CodeParams, Msg: fmt.Sprintf("venue %d: %s", httpResp.StatusCode, body.Msg)}
	}
}
