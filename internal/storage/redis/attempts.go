package redisstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/outcome"
)

const keyPrefix = "donation:attempt:"

// AttemptStore keeps attempt views in Redis so every BFF replica can answer
// GET /api/donations/{id}.
type AttemptStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewAttemptStore(ctx context.Context, redisURL string, ttl time.Duration) (*AttemptStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second

	if opts.TLSConfig == nil && strings.HasPrefix(redisURL, "rediss:") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &AttemptStore{rdb: rdb, ttl: ttl}, nil
}

func (s *AttemptStore) Close() error { return s.rdb.Close() }

// Put stores the view. A resolved view is never replaced by a progress update.
func (s *AttemptStore) Put(ctx context.Context, view outcome.AttemptView) error {
	if view.UpdatedAt.IsZero() {
		view.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode attempt %s: %w", view.AttemptID, err)
	}
	key := keyPrefix + view.AttemptID

	if view.Status == outcome.AttemptResolved {
		return s.rdb.Set(ctx, key, raw, s.ttl).Err()
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var current outcome.AttemptView
			if json.Unmarshal(prev, &current) == nil && current.Status == outcome.AttemptResolved {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// lost the race to a concurrent writer, which can only have moved the attempt forward
		return nil
	}
	if err != nil {
		return fmt.Errorf("store attempt %s: %w", view.AttemptID, err)
	}
	return nil
}

func (s *AttemptStore) Get(ctx context.Context, attemptID string) (outcome.AttemptView, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+attemptID).Bytes()
	if errors.Is(err, redis.Nil) {
		return outcome.AttemptView{}, outcome.ErrAttemptNotFound
	}
	if err != nil {
		return outcome.AttemptView{}, fmt.Errorf("load attempt %s: %w", attemptID, err)
	}
	var view outcome.AttemptView
	if err := json.Unmarshal(raw, &view); err != nil {
		return outcome.AttemptView{}, fmt.Errorf("decode attempt %s: %w", attemptID, err)
	}
	return view, nil
}
