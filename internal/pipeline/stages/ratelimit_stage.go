package stages

import (
	"context"
	"time"

	"github.com/partvault/partvault/internal/pipeline"
	"github.com/partvault/partvault/internal/ratelimit"
)

// RateLimit is a FlatMap stage that yields sub-chunks whose total size is
// bounded by the tokens currently available in a token bucket, sleeping
// retryInterval between extraction attempts when none are available.
type RateLimit struct {
	pipeline.BaseStage
	bucket        *ratelimit.TokenBucket
	retryInterval time.Duration
}

// NewRateLimit builds a RateLimit stage over bucket.
func NewRateLimit(bucket *ratelimit.TokenBucket, retryInterval time.Duration) *RateLimit {
	return &RateLimit{BaseStage: pipeline.NewBaseStage("rate_limit"), bucket: bucket, retryInterval: retryInterval}
}

func (s *RateLimit) OnItem(ctx context.Context, item any, emit pipeline.Emit) error {
	data := item.([]byte)
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := s.bucket.Extract(int64(len(data)))
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryInterval):
			}
			continue
		}
		if err := emit(ctx, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
