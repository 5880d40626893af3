package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tickpipe/internal/model"
	"github.com/quantfold/tickpipe/internal/reader"
)

const redisBlock = 5 * time.Second

// RedisSource consumes feature rows from a Redis Stream. Each entry carries
// the JSON record under the "payload" field; the last delivered id is kept so
// a reconnect resumes without replaying.
type RedisSource struct {
	client *redis.Client
	stream string
	lastID string
}

// NewRedisSource connects to addr and tails the given stream key.
func NewRedisSource(addr, password string, db int, stream string) *RedisSource {
	return &RedisSource{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		stream: stream,
		lastID: "$", // only new entries
	}
}

// Run tails the stream until the context ends.
func (s *RedisSource) Run(ctx context.Context, out chan<- *model.FeatureRow) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	for {
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, s.lastID},
			Count:   100,
			Block:   redisBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("redis xread: %w", err)
		}
		for _, str := range res {
			for _, msg := range str.Messages {
				s.lastID = msg.ID
				payload, ok := msg.Values["payload"].(string)
				if !ok {
					log.Warn().Str("id", msg.ID).Msg("stream entry missing payload field")
					continue
				}
				row, err := reader.ParseFeatureRow([]byte(payload))
				if err != nil {
					log.Warn().Err(err).Str("id", msg.ID).Msg("skipping malformed stream entry")
					continue
				}
				select {
				case out <- row:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// Close releases the client.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
