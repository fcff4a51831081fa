package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/backpressure/internal/logging"
	"github.com/austindbirch/backpressure/internal/metrics"
)

type sliceSource struct {
	reqs []Request
	pos  int
}

func (s *sliceSource) HasNext() bool { return s.pos < len(s.reqs) }

func (s *sliceSource) Next() Request {
	r := s.reqs[s.pos]
	s.pos++
	return r
}

func makeRequests(n int) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = Request{ID: fmt.Sprintf("req-%02d", i+1), Payload: map[string]any{"n": i + 1}}
	}
	return reqs
}

// flakyTransport fails each request a scripted number of times, then
// delivers it. A negative count fails forever.
type flakyTransport struct {
	mu        sync.Mutex
	failures  map[string]int
	calls     []string
	delivered map[string]int
	onSend    func(call int, req Request)
}

func newFlakyTransport(failures map[string]int) *flakyTransport {
	return &flakyTransport{failures: failures, delivered: make(map[string]int)}
}

func (f *flakyTransport) Send(ctx context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.ID)
	if f.onSend != nil {
		f.onSend(len(f.calls), req)
	}
	if n, ok := f.failures[req.ID]; ok && n != 0 {
		if n > 0 {
			f.failures[req.ID] = n - 1
		}
		return errors.New("503 service unavailable")
	}
	f.delivered[req.ID]++
	return nil
}

type recordingSink struct {
	letters []DeadLetter
	err     error
	ctxErr  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Bury(ctx context.Context, letters []DeadLetter) error {
	s.ctxErr = ctx.Err()
	s.letters = append(s.letters, letters...)
	return s.err
}

func newTestWorker(reqs []Request, tr Transport, budget int, buf *bytes.Buffer, opts ...Option) *Worker {
	cfg := Config{RetryBudget: budget, BackoffSchedule: []time.Duration{time.Millisecond}}
	base := []Option{
		WithConfig(cfg),
		WithLogger(logging.NewWithWriter("test", buf)),
		WithTransportName("fake"),
	}
	return NewWorker(&sliceSource{reqs: reqs}, tr, append(base, opts...)...)
}

func TestWorker_ScenarioA_AllSucceed(t *testing.T) {
	var buf bytes.Buffer
	tr := newFlakyTransport(nil)
	w := newTestWorker(makeRequests(10), tr, 5, &buf)

	res, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, 10, res.Sent)
	assert.Equal(t, 10, res.Delivered)
	assert.Equal(t, 10, res.Attempts)
	assert.Equal(t, 0, res.Outstanding)
	assert.Equal(t, 0, res.Rounds)
	assert.Empty(t, res.PermanentlyFailed)
	assert.Contains(t, buf.String(), "Finished sending 10 requests with 0 errors")
}

func TestWorker_ScenarioB_OneRetry(t *testing.T) {
	var buf bytes.Buffer
	tr := newFlakyTransport(map[string]int{"req-02": 1})
	w := newTestWorker(makeRequests(3), tr, 5, &buf)

	res, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "Finished sending 3 requests with 1 errors")
	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 0, res.Outstanding)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, []string{"req-01", "req-02", "req-03", "req-02"}, tr.calls)
}

func TestWorker_ScenarioC_GiveUp(t *testing.T) {
	var buf bytes.Buffer
	tr := newFlakyTransport(map[string]int{"req-01": -1})
	sink := &recordingSink{}
	w := newTestWorker(makeRequests(1), tr, 5, &buf, WithDeadLetterSinks(sink))

	res, err := w.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialDelivery)

	var perr *PartialDeliveryError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OutcomeGaveUp, perr.Outcome)
	assert.Len(t, perr.Unsent, 1)

	assert.Equal(t, OutcomeGaveUp, res.Outcome)
	assert.Equal(t, 5, res.Rounds)
	assert.Equal(t, 6, res.Attempts)
	assert.Len(t, tr.calls, 6)
	assert.Equal(t, 1, res.Outstanding)
	assert.Equal(t, 1, res.Failed())
	assert.Contains(t, buf.String(), "Giving up")

	require.Len(t, sink.letters, 1)
	dl := sink.letters[0]
	assert.Equal(t, "req-01", dl.Request.ID)
	assert.Equal(t, 6, dl.Attempts)
	assert.Equal(t, res.RunID, dl.RunID)
	assert.Equal(t, OutcomeGaveUp, dl.Outcome)
	assert.Equal(t, "503 service unavailable", dl.LastError)
}

func TestWorker_ScenarioD_CancelDuringBackoff(t *testing.T) {
	var buf bytes.Buffer
	tr := newFlakyTransport(map[string]int{"req-01": -1, "req-03": -1})
	sink := &recordingSink{}
	w := newTestWorker(makeRequests(3), tr, 5, &buf, WithDeadLetterSinks(sink))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	waits := 0
	var callsAtCancel int
	w.wait = func(ctx context.Context, d time.Duration) error {
		waits++
		if waits == 2 {
			callsAtCancel = len(tr.calls)
			cancel()
		}
		return sleepCtx(ctx, d)
	}

	res, err := w.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialDelivery)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, OutcomeInterrupted, res.Outcome)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, callsAtCancel, len(tr.calls), "no transport calls after cancellation")
	require.Len(t, res.PermanentlyFailed, 2)
	assert.Equal(t, "req-01", res.PermanentlyFailed[0].ID)
	assert.Equal(t, "req-03", res.PermanentlyFailed[1].ID)
	assert.Contains(t, buf.String(), "Interrupted")

	// sinks still run on a detached context
	assert.Len(t, sink.letters, 2)
	assert.NoError(t, sink.ctxErr)
}

func TestWorker_NoLoss(t *testing.T) {
	failures := map[string]int{
		"req-01": 2,
		"req-04": 1,
		"req-05": 3,
		"req-09": 1,
	}
	var buf bytes.Buffer
	tr := newFlakyTransport(failures)
	w := newTestWorker(makeRequests(10), tr, 5, &buf)

	res, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, res.Delivered)
	require.Len(t, tr.delivered, 10)
	for id, n := range tr.delivered {
		assert.Equalf(t, 1, n, "request %s delivered %d times", id, n)
	}
	assert.Equal(t, 3, res.Rounds)
}

func TestWorker_BoundedRounds(t *testing.T) {
	tests := []struct {
		name       string
		budget     int
		wantRounds int
	}{
		{name: "default budget", budget: 5, wantRounds: 5},
		{name: "single retry", budget: 1, wantRounds: 1},
		{name: "zero budget still drains once", budget: 0, wantRounds: 1},
		{name: "negative budget still drains once", budget: -3, wantRounds: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tr := newFlakyTransport(map[string]int{"req-01": -1})
			w := newTestWorker(makeRequests(1), tr, tt.budget, &buf)

			res, err := w.Run(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantRounds, res.Rounds)
			assert.LessOrEqual(t, res.Rounds, max(tt.budget, 0)+1)
			if tt.budget <= 0 {
				tooMany := lineIndex(buf.String(), "Too many retries, but still 1 failed")
				resend := lineIndex(buf.String(), "Error resending request")
				require.NotEqual(t, -1, tooMany)
				require.NotEqual(t, -1, resend)
				assert.Less(t, tooMany, resend, "budget warning must be logged before the round drains")
			}
		})
	}
}

// lineIndex returns the index of the first log line containing substr, or -1.
func lineIndex(logs, substr string) int {
	for i, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, substr) {
			return i
		}
	}
	return -1
}

func TestWorker_CancelDuringRetryRound(t *testing.T) {
	tests := []struct {
		name   string
		budget int
	}{
		{name: "budget left after the round", budget: 5},
		{name: "last round the budget allows", budget: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tr := newFlakyTransport(map[string]int{"req-01": -1, "req-02": -1, "req-03": -1})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// The first retry call cancels the run mid-round.
			tr.onSend = func(call int, _ Request) {
				if call == 4 {
					cancel()
				}
			}
			w := newTestWorker(makeRequests(3), tr, tt.budget, &buf)

			res, err := w.Run(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPartialDelivery)
			assert.ErrorIs(t, err, context.Canceled)

			assert.Equal(t, OutcomeInterrupted, res.Outcome)
			assert.Equal(t, 1, res.Rounds)
			assert.Len(t, tr.calls, 4, "no transport calls after cancellation")
			assert.Equal(t, 3, res.Outstanding)
			require.Len(t, res.PermanentlyFailed, 3)
			assert.Equal(t, "req-02", res.PermanentlyFailed[0].ID)
			assert.Equal(t, "req-03", res.PermanentlyFailed[1].ID)
			assert.Equal(t, "req-01", res.PermanentlyFailed[2].ID)
			assert.NotContains(t, buf.String(), "Giving up")
		})
	}
}

func TestWorker_PendingTracksFailuresAtEveryCall(t *testing.T) {
	flaky := newFlakyTransport(map[string]int{
		"req-01": -1,
		"req-03": 2,
		"req-04": 1,
		"req-06": -1,
	})

	// outstanding holds requests whose latest attempt failed.
	outstanding := make(map[string]bool)
	var checked int
	tr := TransportFunc(func(ctx context.Context, req Request) error {
		want := len(outstanding)
		if outstanding[req.ID] {
			want-- // popped for this attempt
		}
		assert.Equalf(t, float64(want), testutil.ToFloat64(metrics.PendingRequests),
			"pending size before attempt %d (%s)", checked+1, req.ID)
		checked++

		err := flaky.Send(ctx, req)
		if err != nil {
			outstanding[req.ID] = true
		} else {
			delete(outstanding, req.ID)
		}
		return err
	})

	var buf bytes.Buffer
	w := newTestWorker(makeRequests(6), tr, 3, &buf)

	res, err := w.Run(context.Background())
	require.ErrorIs(t, err, ErrPartialDelivery)
	assert.Equal(t, res.Attempts, checked)
	assert.Equal(t, len(outstanding), res.Outstanding)
	assert.Equal(t, res.Failed(), res.Outstanding)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.PendingRequests))
}

func TestWorker_OrderPreservedAcrossRounds(t *testing.T) {
	var buf bytes.Buffer
	tr := newFlakyTransport(map[string]int{
		"req-02": 2,
		"req-04": 1,
		"req-05": 2,
		"req-07": 2,
	})
	w := newTestWorker(makeRequests(8), tr, 5, &buf)

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rounds)

	retried := tr.calls[8:]
	assert.Equal(t, []string{
		"req-02", "req-04", "req-05", "req-07", // round 1
		"req-02", "req-05", "req-07", // round 2
	}, retried)
}

func TestWorker_CounterConsistency(t *testing.T) {
	var buf bytes.Buffer
	tr := newFlakyTransport(map[string]int{"req-01": -1, "req-02": 1, "req-03": -1})
	w := newTestWorker(makeRequests(4), tr, 3, &buf)

	res, err := w.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, res.Failed(), res.Outstanding)
	assert.Equal(t, 2, res.Outstanding)
	assert.Equal(t, 2, res.Delivered)
}

func TestWorker_SilentGiveUp(t *testing.T) {
	var buf bytes.Buffer
	tr := newFlakyTransport(map[string]int{"req-01": -1})
	w := NewWorker(&sliceSource{reqs: makeRequests(2)}, tr,
		WithConfig(Config{RetryBudget: 2, BackoffSchedule: []time.Duration{time.Millisecond}, Silent: true}),
		WithLogger(logging.NewWithWriter("test", &buf)),
	)

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeGaveUp, res.Outcome)
	assert.Equal(t, 1, res.Failed())
}

func TestWorker_CancelledBeforePrimaryPass(t *testing.T) {
	var buf bytes.Buffer
	tr := newFlakyTransport(nil)
	w := newTestWorker(makeRequests(5), tr, 5, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := w.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeInterrupted, res.Outcome)
	assert.Equal(t, 0, res.Sent)
	assert.Empty(t, tr.calls)
}

func TestWorker_ReusableAcrossRuns(t *testing.T) {
	var buf bytes.Buffer
	tr := newFlakyTransport(map[string]int{"req-01": -1})
	src := &sliceSource{reqs: makeRequests(2)}
	w := NewWorker(src, tr,
		WithConfig(Config{RetryBudget: 1, BackoffSchedule: []time.Duration{time.Millisecond}}),
		WithLogger(logging.NewWithWriter("test", &buf)),
	)

	first, err := w.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, first.Failed())

	// A second run over an exhausted source starts from a clean pending set.
	second, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Sent)
	assert.Empty(t, second.PermanentlyFailed)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestWorker_DeadLetterSinkError(t *testing.T) {
	var buf bytes.Buffer
	tr := newFlakyTransport(map[string]int{"req-01": -1})
	sink := &recordingSink{err: errors.New("db down")}
	w := newTestWorker(makeRequests(1), tr, 1, &buf, WithDeadLetterSinks(sink))

	_, err := w.Run(context.Background())
	require.ErrorIs(t, err, ErrPartialDelivery)
	assert.Contains(t, buf.String(), "dead letter sink failed")
	assert.Contains(t, buf.String(), "recording: db down")
}

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, req Request) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func TestWorker_WithMockTransport(t *testing.T) {
	reqs := makeRequests(2)
	tr := new(MockTransport)
	tr.On("Send", mock.Anything, reqs[0]).Return(nil).Once()
	tr.On("Send", mock.Anything, reqs[1]).Return(errors.New("connection refused")).Once()
	tr.On("Send", mock.Anything, reqs[1]).Return(nil).Once()

	var buf bytes.Buffer
	w := newTestWorker(reqs, tr, 5, &buf)

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	tr.AssertExpectations(t)
	tr.AssertNumberOfCalls(t, "Send", 3)

	var warned bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, `"request_id":"req-02"`) && strings.Contains(line, "connection refused") {
			warned = true
		}
	}
	assert.True(t, warned, "expected a per-failure warning carrying the request id and reason")
}

func TestComputeDelay(t *testing.T) {
	schedule := []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}

	tests := []struct {
		name     string
		round    int
		schedule []time.Duration
		want     time.Duration
	}{
		{name: "first round", round: 1, schedule: schedule, want: time.Second},
		{name: "within schedule", round: 3, schedule: schedule, want: 16 * time.Second},
		{name: "beyond schedule", round: 10, schedule: schedule, want: 16 * time.Second},
		{name: "zero round", round: 0, schedule: schedule, want: time.Second},
		{name: "flat schedule", round: 4, schedule: []time.Duration{DefaultBackoff}, want: DefaultBackoff},
		{name: "empty schedule", round: 2, schedule: nil, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeDelay(tt.round, tt.schedule, 0))
		})
	}

	t.Run("with jitter", func(t *testing.T) {
		got := computeDelay(2, schedule, 0.5)
		assert.GreaterOrEqual(t, got, 2*time.Second)
		assert.LessOrEqual(t, got, 6*time.Second)
	})
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
	assert.NoError(t, sleepCtx(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := sleepCtx(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
