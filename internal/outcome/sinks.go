package outcome

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/events"
)

// FanOut delivers an outcome to every sink in order. A failing sink is logged
// and does not stop the rest; the joined error is returned.
type FanOut struct {
	Sinks  []checkout.ResultSink
	Logger *log.Logger
}

func NewFanOut(logger *log.Logger, sinks ...checkout.ResultSink) *FanOut {
	return &FanOut{Sinks: sinks, Logger: logger}
}

func (f *FanOut) Deliver(ctx context.Context, o checkout.TerminalOutcome) error {
	logger := f.Logger
	if logger == nil {
		logger = log.Default()
	}
	var errs []error
	for i, sink := range f.Sinks {
		if err := deliver(ctx, sink, o); err != nil {
			logger.Printf("[Sink %s] sink %d (%T) failed: %v", o.AttemptID, i, sink, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, sink checkout.ResultSink, o checkout.TerminalOutcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Deliver(ctx, o)
}

// StoreSink records the resolved view so GET /api/donations/{id} can return it.
type StoreSink struct {
	Store AttemptStore
}

func (s StoreSink) Deliver(ctx context.Context, o checkout.TerminalOutcome) error {
	return s.Store.Put(ctx, ResolvedView(o))
}

// KafkaSink publishes donations.v1 events keyed by attempt id.
type KafkaSink struct {
	Publisher events.Publisher
	Topic     string
}

func (s KafkaSink) Deliver(ctx context.Context, o checkout.TerminalOutcome) error {
	evt, err := events.DonationEnvelope(o)
	if err != nil {
		return fmt.Errorf("build donation event: %w", err)
	}
	topic := s.Topic
	if topic == "" {
		topic = events.TopicDonations
	}
	if err := s.Publisher.Publish(ctx, topic, o.AttemptID, evt); err != nil {
		return fmt.Errorf("publish %s: %w", evt.EventType, err)
	}
	return nil
}

// OutcomeRecorder persists outcomes and campaign totals.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o checkout.TerminalOutcome) (bool, error)
}

// TotalsSink writes the outcome row and refreshes campaign totals.
type TotalsSink struct {
	Recorder OutcomeRecorder
}

func (s TotalsSink) Deliver(ctx context.Context, o checkout.TerminalOutcome) error {
	_, err := s.Recorder.RecordOutcome(ctx, o)
	return err
}
