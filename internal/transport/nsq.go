package transport

import (
	"context"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/backpressure/internal/delivery"
	"github.com/austindbirch/backpressure/internal/metrics"
	"github.com/austindbirch/backpressure/internal/tracing"
)

// Publisher is the subset of *nsq.Producer the NSQ transport needs.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQTransport publishes each request envelope to an nsqd topic. A request
// counts as delivered once nsqd acknowledges the publish.
type NSQTransport struct {
	producer Publisher
	topic    string
}

// NewNSQProducer connects a producer to nsqd and verifies it with a ping. The
// producer can be shared with the NSQ dead letter sink.
func NewNSQProducer(addr string) (*nsq.Producer, error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer creation failed: %w", err)
	}
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("nsq ping %s failed: %w", addr, err)
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)
	return producer, nil
}

func NewNSQTransport(p Publisher, topic string) *NSQTransport {
	return &NSQTransport{producer: p, topic: topic}
}

func (t *NSQTransport) Name() string { return KindNSQ }

func (t *NSQTransport) Send(ctx context.Context, req delivery.Request) error {
	if err := ctx.Err(); err != nil {
		return &SendError{Reason: "cancelled", Err: err}
	}
	body, err := newEnvelope(req, tracing.InjectMap(ctx)).marshal()
	if err != nil {
		return &SendError{Reason: "encode", Err: err}
	}
	if err := t.producer.Publish(t.topic, body); err != nil {
		metrics.RecordFailure("broker")
		return &SendError{Reason: "broker", Err: fmt.Errorf("nsq publish to %s: %w", t.topic, err)}
	}
	return nil
}
