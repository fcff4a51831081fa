// Package transport holds the Transport implementations a delivery worker can
// send requests through.
package transport

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/backpressure/internal/delivery"
)

const (
	KindHTTP  = "http"
	KindNSQ   = "nsq"
	KindRedis = "redis"
	KindSQS   = "sqs"
)

// Envelope is the broker payload for a request. Trace headers let consumers
// continue the worker's trace.
type Envelope struct {
	Request      delivery.Request  `json:"request"`
	PublishedAt  string            `json:"published_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func newEnvelope(req delivery.Request, traceHeaders map[string]string) Envelope {
	return Envelope{
		Request:      req,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		TraceHeaders: traceHeaders,
	}
}

func (e Envelope) marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request %s: %w", e.Request.ID, err)
	}
	return b, nil
}

// SendError describes a failed delivery. Reason is a coarse classification
// used for metrics.
type SendError struct {
	Reason string
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *SendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d", e.Reason, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// classifyReason maps a failed HTTP attempt to a metrics label.
func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
