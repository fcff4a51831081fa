package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/backpressure/internal/delivery"
	"github.com/austindbirch/backpressure/internal/tracing"
)

const SinkNSQ = "nsq"

// MultiPublisher is the subset of *nsq.Producer the NSQ sink needs.
type MultiPublisher interface {
	MultiPublish(topic string, body [][]byte) error
}

// NSQSink publishes dead letters to a DLQ topic so downstream consumers can
// inspect or replay them.
type NSQSink struct {
	producer MultiPublisher
	topic    string
}

func NewNSQSink(p MultiPublisher, topic string) *NSQSink {
	return &NSQSink{producer: p, topic: topic}
}

func (s *NSQSink) Name() string { return SinkNSQ }

func (s *NSQSink) Bury(ctx context.Context, letters []delivery.DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bodies := make([][]byte, 0, len(letters))
	for _, l := range letters {
		b, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode dead letter %s: %w", l.Request.ID, err)
		}
		bodies = append(bodies, b)
	}

	if err := s.producer.MultiPublish(s.topic, bodies); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq publish to %s: %w", s.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq",
		attribute.String("topic", s.topic),
		attribute.Int("count", len(bodies)),
	)
	return nil
}
