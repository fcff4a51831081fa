package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/backpressure/internal/logging"
	"github.com/austindbirch/backpressure/internal/metrics"
	"github.com/austindbirch/backpressure/internal/tracing"
)

const (
	phasePrimary = "primary"
	phaseRetry   = "retry"

	// DefaultRetryBudget is the number of retry rounds after the primary pass.
	DefaultRetryBudget = 5
	// DefaultBackoff is the flat wait between retry rounds.
	DefaultBackoff = 5 * time.Second

	deadLetterTimeout = 10 * time.Second
)

// Config controls the retry phase of a run.
type Config struct {
	RetryBudget     int             // retry rounds after the primary pass
	BackoffSchedule []time.Duration // wait before each further round; last entry repeats
	JitterPercent   float64         // +/- fraction applied to each wait (0.0-1.0)
	Silent          bool            // log a give-up but return a nil error
}

func DefaultConfig() Config {
	return Config{
		RetryBudget:     DefaultRetryBudget,
		BackoffSchedule: []time.Duration{DefaultBackoff},
	}
}

// DeadLetterSink receives every request a run could not deliver.
type DeadLetterSink interface {
	Name() string
	Bury(ctx context.Context, letters []DeadLetter) error
}

// Option configures a Worker.
type Option func(*Worker)

func WithConfig(cfg Config) Option {
	return func(w *Worker) { w.cfg = cfg }
}

func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithTransportName labels log entries with the transport in use.
func WithTransportName(name string) Option {
	return func(w *Worker) { w.transportName = name }
}

func WithDeadLetterSinks(sinks ...DeadLetterSink) Option {
	return func(w *Worker) { w.sinks = append(w.sinks, sinks...) }
}

// Worker drains a RequestSource through a Transport, retrying failures in
// bounded rounds. All per-run state lives inside Run, so a Worker holds only
// its collaborators and configuration.
type Worker struct {
	source        RequestSource
	transport     Transport
	cfg           Config
	logger        *logging.Logger
	transportName string
	sinks         []DeadLetterSink

	wait func(ctx context.Context, d time.Duration) error
}

func NewWorker(source RequestSource, transport Transport, opts ...Option) *Worker {
	w := &Worker{
		source:    source,
		transport: transport,
		cfg:       DefaultConfig(),
		logger:    logging.New("backpressure-worker"),
		wait:      sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// counters are threaded through the phases of one run.
type counters struct {
	sent      int // primary pass attempts
	errors    int // currently outstanding failures, always == pending.len() between attempts
	attempts  int // transport calls in both phases
	delivered int
}

// Run drains the source once and retries failures until everything is
// delivered, the retry budget is spent, or ctx is cancelled. The returned error
// is nil only when every request was delivered (or Config.Silent is set); it
// otherwise matches ErrPartialDelivery.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	runID := uuid.NewString()
	ctx, span := tracing.StartSpan(ctx, "worker.run",
		attribute.String("run_id", runID),
		attribute.Int("retry_budget", w.cfg.RetryBudget),
	)
	defer span.End()

	w.log(ctx, runID).WithField("retry_budget", w.cfg.RetryBudget).Info("delivery run started")

	pending := newPendingSet()
	c, interrupted := w.primaryPass(ctx, runID, pending)
	w.log(ctx, runID).WithFields(map[string]any{
		"sent":   c.sent,
		"errors": c.errors,
	}).Infof("Finished sending %d requests with %d errors", c.sent, c.errors)

	var (
		outcome Outcome
		rounds  int
	)
	if interrupted {
		outcome = OutcomeInterrupted
		w.log(ctx, runID).WithError(context.Cause(ctx)).Error("Interrupted while sending requests")
	} else {
		c, outcome, rounds = w.retry(ctx, runID, pending, c)
	}

	return w.finish(ctx, runID, pending, c, outcome, rounds)
}

// primaryPass attempts every request from the source exactly once. It stops
// pulling early only if ctx is cancelled.
func (w *Worker) primaryPass(ctx context.Context, runID string, pending *pendingSet) (counters, bool) {
	var c counters
	for w.source.HasNext() {
		if ctx.Err() != nil {
			return c, true
		}
		req := w.source.Next()
		c.sent++
		metrics.RecordRequestSent()

		entry := &pendingEntry{req: req}
		if w.attempt(ctx, runID, entry, phasePrimary, &c) {
			continue
		}
		c.errors++
		pending.push(entry)
		metrics.SetPending(pending.len())
	}
	return c, false
}

// retry runs bounded drain rounds over the pending set. The first round
// starts immediately; later rounds wait for the backoff delay.
func (w *Worker) retry(ctx context.Context, runID string, pending *pendingSet, c counters) (counters, Outcome, int) {
	budget := w.cfg.RetryBudget
	rounds := 0

	for pending.len() > 0 {
		if ctx.Err() != nil {
			w.log(ctx, runID).WithError(context.Cause(ctx)).Error("Interrupted")
			return c, OutcomeInterrupted, rounds
		}

		rounds++
		roundCtx, span := tracing.StartSpan(ctx, "worker.retry_round",
			attribute.Int("round", rounds),
			attribute.Int("budget", budget),
			attribute.Int("pending", pending.len()),
		)
		metrics.RecordRetryRound()

		// The budget check fires before the drain and does not prevent it.
		if budget <= 0 {
			w.log(roundCtx, runID).WithRound(rounds).WithField("errors", c.errors).Errorf("Too many retries, but still %d failed", c.errors)
		}
		w.log(roundCtx, runID).WithRound(rounds).WithFields(map[string]any{
			"pending": pending.len(),
			"budget":  budget,
		}).Info("Retrying sending failed requests")

		// Drain a snapshot so re-failures wait for the next round. Cancellation
		// is checked before each pop so nothing is left half-attempted.
		for n := pending.len(); n > 0; n-- {
			if ctx.Err() != nil {
				break
			}
			entry := pending.pop()
			metrics.SetPending(pending.len())
			if w.attempt(roundCtx, runID, entry, phaseRetry, &c) {
				c.errors--
				continue
			}
			pending.push(entry)
			metrics.SetPending(pending.len())
		}
		span.SetAttributes(attribute.Int("remaining", pending.len()))
		span.End()

		if c.errors > 0 && ctx.Err() != nil {
			w.log(ctx, runID).WithRound(rounds).WithError(context.Cause(ctx)).Error("Interrupted")
			return c, OutcomeInterrupted, rounds
		}
		if c.errors == 0 {
			return c, OutcomeDone, rounds
		}
		if budget <= 1 {
			w.log(ctx, runID).WithFields(map[string]any{
				"errors": c.errors,
				"rounds": rounds,
			}).Warnf("Giving up, %d requests left unsent after %d retry rounds", c.errors, rounds)
			return c, OutcomeGaveUp, rounds
		}

		delay := computeDelay(rounds, w.cfg.BackoffSchedule, w.cfg.JitterPercent)
		w.log(ctx, runID).WithFields(map[string]any{
			"errors": c.errors,
			"delay":  delay.String(),
		}).Warnf("Some requests were left unsent despite retrying, retries left %d", budget-1)

		if err := w.wait(ctx, delay); err != nil {
			w.log(ctx, runID).WithError(err).Error("Interrupted")
			return c, OutcomeInterrupted, rounds
		}
		budget--
	}
	return c, OutcomeDone, rounds
}

// attempt performs one delivery and reports whether it succeeded.
func (w *Worker) attempt(ctx context.Context, runID string, entry *pendingEntry, phase string, c *counters) bool {
	c.attempts++
	entry.attempts++

	tracing.AddSpanEvent(ctx, "delivery.attempt",
		attribute.String("request_id", entry.req.ID),
		attribute.String("phase", phase),
		attribute.Int("attempt", entry.attempts),
	)

	start := time.Now()
	err := w.transport.Send(ctx, entry.req)
	latency := time.Since(start)

	if err == nil {
		c.delivered++
		metrics.RecordDelivery("delivered", phase, latency)
		return true
	}

	entry.lastErr = err.Error()
	metrics.RecordDelivery("failed", phase, latency)
	tracing.AddSpanEvent(ctx, "delivery.failed",
		attribute.String("request_id", entry.req.ID),
		attribute.String("error", entry.lastErr),
	)

	msg := "Error sending request"
	if phase == phaseRetry {
		msg = "Error resending request"
	}
	w.log(ctx, runID).WithRequest(entry.req.ID).WithError(err).WithFields(map[string]any{
		"phase":   phase,
		"attempt": entry.attempts,
	}).Warn(msg)
	return false
}

func (w *Worker) finish(ctx context.Context, runID string, pending *pendingSet, c counters, outcome Outcome, rounds int) (Result, error) {
	entries := pending.drain()
	metrics.SetPending(0)
	metrics.RecordRun(string(outcome))

	res := Result{
		RunID:       runID,
		Outcome:     outcome,
		Sent:        c.sent,
		Attempts:    c.attempts,
		Delivered:   c.delivered,
		Rounds:      rounds,
		Outstanding: c.errors,
	}
	for _, e := range entries {
		res.PermanentlyFailed = append(res.PermanentlyFailed, e.req)
	}

	w.log(ctx, runID).WithFields(map[string]any{
		"outcome":   string(outcome),
		"sent":      res.Sent,
		"attempts":  res.Attempts,
		"delivered": res.Delivered,
		"rounds":    res.Rounds,
		"unsent":    res.Failed(),
	}).Info("delivery run finished")

	if len(entries) == 0 && outcome != OutcomeInterrupted {
		return res, nil
	}

	w.buryDeadLetters(ctx, runID, outcome, entries)

	if w.cfg.Silent {
		return res, nil
	}
	perr := &PartialDeliveryError{Outcome: outcome, Unsent: res.PermanentlyFailed}
	if outcome == OutcomeInterrupted {
		perr.Cause = context.Cause(ctx)
	}
	tracing.SetSpanError(ctx, perr)
	return res, perr
}

// buryDeadLetters hands unsent requests to every sink. Sinks run on a context
// detached from cancellation so an interrupted run still records its losses.
func (w *Worker) buryDeadLetters(ctx context.Context, runID string, outcome Outcome, entries []*pendingEntry) {
	if len(w.sinks) == 0 || len(entries) == 0 {
		return
	}

	reason := fmt.Sprintf("retry budget exhausted (%d rounds)", w.cfg.RetryBudget)
	if outcome == OutcomeInterrupted {
		reason = "run interrupted"
	}
	letters := make([]DeadLetter, 0, len(entries))
	for _, e := range entries {
		letters = append(letters, NewDeadLetter(runID, outcome, e.req, e.attempts, e.lastErr, reason))
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()

	var errs []error
	for _, s := range w.sinks {
		if err := s.Bury(sinkCtx, letters); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.RecordDeadLetters(s.Name(), len(letters))
		w.log(ctx, runID).WithFields(map[string]any{
			"sink":  s.Name(),
			"count": len(letters),
		}).Info("dead letters recorded")
	}
	if err := errors.Join(errs...); err != nil {
		w.log(ctx, runID).WithError(err).Error("dead letter sink failed")
	}
}

func (w *Worker) log(ctx context.Context, runID string) *logging.LogEntry {
	return w.logger.WithContext(ctx).WithRun(runID).WithTransport(w.transportName)
}
