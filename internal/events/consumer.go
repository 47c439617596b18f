package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Reader is the subset of *kafka.Reader the consumer loop needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Handler processes one decoded envelope. A returned error makes the loop
// retry the same message.
type Handler func(ctx context.Context, evt Envelope) error

// Consumer runs a fetch/handle/commit loop. Offsets are committed only after
// the handler succeeds, or after MaxAttempts failures when the message is
// given up on.
type Consumer struct {
	Reader      Reader
	Topic       string
	Group       string
	Handler     Handler
	MaxAttempts int
	Backoff     time.Duration
	Logger      *log.Logger
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = log.Default()
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	logger.Printf("[%s] consumer started (group=%s)", c.Topic, c.Group)
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("[%s] read error: %w", c.Topic, err)
		}

		var evt Envelope
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Printf("[%s] bad JSON: %v; payload=%s", c.Topic, err, string(msg.Value))
			c.commit(ctx, logger, msg)
			continue
		}

		for attempt := 1; ; attempt++ {
			err := c.Handler(ctx, evt)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			if attempt >= attempts {
				logger.Printf("[%s] giving up on %s key=%s after %d attempts: %v", c.Topic, evt.EventType, string(msg.Key), attempt, err)
				break
			}
			logger.Printf("[%s] %s error (attempt %d/%d): %v", c.Topic, evt.EventType, attempt, attempts, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		}
		c.commit(ctx, logger, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, logger *log.Logger, msg kafka.Message) {
	if err := c.Reader.CommitMessages(ctx, msg); err != nil {
		logger.Printf("[%s] commit error: %v", c.Topic, err)
	}
}
