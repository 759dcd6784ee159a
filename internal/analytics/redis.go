// Package analytics counts trigger firings in Redis, bucketed by time window.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/colebrumley/tripwire/internal/dispatcher"
)

const (
	writeTimeout = 2 * time.Second
	maxInflight  = 64
)

// RedisSink implements dispatcher.Analytics. Keys look like
// tw:t:<trigger>:<outcome>:<bucket> and expire after the retention period.
type RedisSink struct {
	client    redis.Cmdable
	window    time.Duration
	retention time.Duration
	logger    *slog.Logger
	inflight  chan struct{}
}

var _ dispatcher.Analytics = (*RedisSink)(nil)

func NewRedisSink(client redis.Cmdable, window, retention time.Duration, logger *slog.Logger) *RedisSink {
	if window <= 0 {
		window = time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisSink{
		client:    client,
		window:    window,
		retention: retention,
		logger:    logger,
		inflight:  make(chan struct{}, maxInflight),
	}
}

// RecordFiring writes asynchronously. When too many writes are pending the
// firing is dropped and logged.
func (s *RedisSink) RecordFiring(ctx context.Context, triggerID, outcome string, at time.Time) {
	select {
	case s.inflight <- struct{}{}:
	default:
		s.logger.Warn("analytics backlog full, dropping firing", "trigger_id", triggerID)
		return
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() { <-s.inflight }()
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := s.Write(ctx, triggerID, outcome, at); err != nil {
			s.logger.Warn("analytics write failed", "trigger_id", triggerID, "error", err)
		}
	}()
}

// Write increments the bucket counter for one firing.
func (s *RedisSink) Write(ctx context.Context, triggerID, outcome string, at time.Time) error {
	key := BuildKey(triggerID, outcome, at, s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count reads the counter for the bucket containing at.
func (s *RedisSink) Count(ctx context.Context, triggerID, outcome string, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, BuildKey(triggerID, outcome, at, s.window)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading firing count: %w", err)
	}
	return n, nil
}

// BuildKey returns the counter key for a firing.
func BuildKey(triggerID, outcome string, at time.Time, window time.Duration) string {
	return fmt.Sprintf("tw:t:%s:%s:%s", triggerID, outcome, Bucket(at, window))
}

// Bucket truncates at to the start of its window, formatted as
// yyyymmddHHMM in UTC. Windows shorter than a minute use minute buckets.
func Bucket(at time.Time, window time.Duration) string {
	if window < time.Minute {
		window = time.Minute
	}
	return at.UTC().Truncate(window).Format("200601021504")
}
