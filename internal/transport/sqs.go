package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/austindbirch/backpressure/internal/delivery"
	"github.com/austindbirch/backpressure/internal/metrics"
	"github.com/austindbirch/backpressure/internal/tracing"
)

// SQSAPI is the subset of *sqs.Client the SQS transport needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSTransport sends each request envelope as one SQS message.
type SQSTransport struct {
	client   SQSAPI
	queueURL string
}

func NewSQSTransport(ctx context.Context, queueURL string) (*SQSTransport, error) {
	if queueURL == "" {
		return nil, fmt.Errorf("sqs transport requires a queue URL")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return NewSQSTransportWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

func NewSQSTransportWithClient(client SQSAPI, queueURL string) *SQSTransport {
	return &SQSTransport{client: client, queueURL: queueURL}
}

func (t *SQSTransport) Name() string { return KindSQS }

func (t *SQSTransport) Send(ctx context.Context, req delivery.Request) error {
	body, err := newEnvelope(req, tracing.InjectMap(ctx)).marshal()
	if err != nil {
		return &SendError{Reason: "encode", Err: err}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(req.ID),
			},
		},
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		metrics.RecordFailure("broker")
		return &SendError{Reason: "broker", Err: fmt.Errorf("failed to send message to SQS: %w", err)}
	}
	return nil
}
