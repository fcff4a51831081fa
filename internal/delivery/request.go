package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Request is one outbound unit of work. It is never mutated after creation.
type Request struct {
	ID        string         `json:"id"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"` // RFC3339
}

// NewRequest creates a request with a fresh UUID identifier.
func NewRequest(payload map[string]any) Request {
	return Request{
		ID:        uuid.NewString(),
		Payload:   payload,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// RequestSource is a finite, pull-based sequence of requests. Next must not be
// called after HasNext has returned false.
type RequestSource interface {
	HasNext() bool
	Next() Request
}

// Transport sends a single request to the remote endpoint. A nil error means the
// request was delivered; the error text is used only for diagnostics.
type Transport interface {
	Send(ctx context.Context, req Request) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req Request) error

func (f TransportFunc) Send(ctx context.Context, req Request) error {
	return f(ctx, req)
}
