package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/model"
	"github.com/quantfold/tickpipe/internal/reader"
)

const (
	wsReadTimeout    = 60 * time.Second
	wsReconnectDelay = 2 * time.Second
	wsMaxReconnects  = 10
)

// WSSource consumes NDJSON feature rows from a WebSocket endpoint, with
// automatic reconnect and exponential backoff.
type WSSource struct {
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWSSource creates the source for the given ws:// or wss:// URL.
func NewWSSource(url string) *WSSource {
	return &WSSource{url: url}
}

// Run reads rows until the context ends, the source is closed, or reconnects
// are exhausted.
func (s *WSSource) Run(ctx context.Context, out chan<- *model.FeatureRow) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		err := s.consume(ctx, out)
		if err == nil {
			return nil
		}
		attempts++
		if attempts > wsMaxReconnects {
			return fmt.Errorf("websocket source gave up after %d reconnects: %w", wsMaxReconnects, err)
		}
		delay := wsReconnectDelay * time.Duration(1<<uint(min(attempts-1, 5)))
		log.Warn().Err(err).Int("attempt", attempts).Dur("delay", delay).
			Str("url", s.url).Msg("websocket feed dropped, reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *WSSource) consume(ctx context.Context, out chan<- *model.FeatureRow) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		row, err := reader.ParseFeatureRow(raw)
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed feature message")
			continue
		}
		select {
		case out <- row:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops the source; safe to call more than once.
func (s *WSSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
