package main

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/backpressure/internal/config"
	"github.com/austindbirch/backpressure/internal/logging"
	"github.com/austindbirch/backpressure/internal/tracing"
	"github.com/austindbirch/backpressure/internal/transport"
)

// receiver is a deliberately flaky endpoint for exercising worker retries.
type receiver struct {
	cfg     config.FakeReceiver
	sigHdr  string
	tsHdr   string
	maxSkew time.Duration
	logger  *logging.Logger
	now     func() time.Time

	mu       sync.Mutex
	reqCount int
}

func newReceiver(cfg config.Config, logger *logging.Logger) *receiver {
	return &receiver{
		cfg:     cfg.FakeReceiver,
		sigHdr:  cfg.Transport.SignatureHeader,
		tsHdr:   cfg.Transport.TimestampHeader,
		maxSkew: time.Duration(cfg.FakeReceiver.SigningLeewaySeconds) * time.Second,
		logger:  logger,
		now:     time.Now,
	}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("backpressure-fake-receiver")

	shutdown, err := tracing.InitTracing(context.Background(), "backpressure-fake-receiver")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	rcv := newReceiver(cfg, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rcv.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"fail_every_n": cfg.FakeReceiver.FailEveryN,
		"signing":      cfg.FakeReceiver.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/process", rc.handleProcess)
	return mux
}

// shouldFail counts the request and decides whether to simulate a failure.
func (rc *receiver) shouldFail() (int, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.reqCount++
	n := rc.reqCount

	if n <= rc.cfg.FailFirstN {
		return n, true
	}
	if rc.cfg.FailEveryN > 0 && (n-rc.cfg.FailFirstN)%rc.cfg.FailEveryN == 0 {
		return n, true
	}
	return n, false
}

func (rc *receiver) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	// Continue the worker's trace from the W3C headers the http transport sends.
	ctx, span := tracing.StartSpan(tracing.ExtractHeaders(r.Context(), r.Header), "receiver.process")
	defer span.End()
	log := rc.logger.WithContext(ctx).WithRequest(r.Header.Get(transport.RequestIDHeader))

	if rc.cfg.EndpointSecret != "" {
		if ok, msg := verifySignature(rc.cfg.EndpointSecret, b, r.Header.Get(rc.tsHdr), r.Header.Get(rc.sigHdr), rc.maxSkew, rc.now()); !ok {
			log.WithField("reason", msg).Warn("fake-receiver failed to verify signature")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	n, fail := rc.shouldFail()
	if fail {
		log.WithFields(map[string]any{
			"count": n,
			"body":  truncate(string(b), 160),
		}).Warn("FAILING request")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.WithFields(map[string]any{
		"count": n,
		"body":  truncate(string(b), 160),
	}).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration, now time.Time) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	if abs64(now.Unix()-unix) > int64(leeway.Seconds()) {
		return false, "timestamp outside leeway"
	}
	if !strings.HasPrefix(sigHeaderVal, "sha256=") {
		return false, "bad signature scheme"
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sigHeaderVal, "sha256="))
	if err != nil {
		return false, "signature not hex"
	}
	want, _ := hex.DecodeString(transport.Sign(secret, body, ts))
	if !hmac.Equal(got, want) {
		return false, "sig mismatch"
	}
	return true, ""
}

// abs64 returns the absolute value of an int64
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
