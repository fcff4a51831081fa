package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/backpressure/internal/delivery"
	"github.com/austindbirch/backpressure/internal/metrics"
	"github.com/austindbirch/backpressure/internal/tracing"
)

const (
	DefaultSignatureHeader = "X-Backpressure-Signature" // sha256=<hex>
	DefaultTimestampHeader = "X-Backpressure-Timestamp" // unix seconds
	RequestIDHeader        = "X-Request-Id"
)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	URL             string
	Secret          string // empty disables signing
	SignatureHeader string
	TimestampHeader string
	Timeout         time.Duration
}

// HTTPTransport POSTs each request as JSON. Only a 2xx response counts as
// delivered.
type HTTPTransport struct {
	client *http.Client
	cfg    HTTPConfig
	now    func() time.Time
}

func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = DefaultTimestampHeader
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		now:    time.Now,
	}
}

func (t *HTTPTransport) Name() string { return KindHTTP }

func (t *HTTPTransport) Send(ctx context.Context, req delivery.Request) error {
	ctx, span := tracing.StartSpan(ctx, "transport.http",
		attribute.String("request_id", req.ID),
		attribute.String("endpoint_url", t.cfg.URL),
	)
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return &SendError{Reason: "encode", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &SendError{Reason: "build_request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(RequestIDHeader, req.ID)
	if t.cfg.Secret != "" {
		ts := strconv.FormatInt(t.now().Unix(), 10)
		httpReq.Header.Set(t.cfg.TimestampHeader, ts)
		httpReq.Header.Set(t.cfg.SignatureHeader, "sha256="+Sign(t.cfg.Secret, body, ts))
	}
	tracing.InjectHeaders(ctx, httpReq.Header)

	start := time.Now()
	resp, doErr := t.client.Do(httpReq)
	latency := time.Since(start)
	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if doErr == nil && status >= 200 && status < 300 {
		return nil
	}

	reason := classifyReason(doErr, status)
	metrics.RecordFailure(reason)
	sendErr := &SendError{Reason: reason, Status: status, Err: doErr}
	if doErr == nil {
		sendErr.Err = fmt.Errorf("unexpected status %d", status)
	}
	tracing.SetSpanError(ctx, sendErr)
	return sendErr
}

// Sign returns the hex HMAC-SHA256 of body followed by the timestamp.
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}
