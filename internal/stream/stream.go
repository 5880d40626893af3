// Package stream provides the live feature-row sources: a WebSocket feed and
// a Redis Stream consumer. Both deliver the same records the reader replays
// from files, so the live path reuses the whole downstream pipeline.
package stream

import (
	"context"

	"github.com/quantfold/tickpipe/internal/model"
)

// Source delivers feature rows until the context ends or the feed closes.
type Source interface {
	Run(ctx context.Context, out chan<- *model.FeatureRow) error
	Close() error
}
