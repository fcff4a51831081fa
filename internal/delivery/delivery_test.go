package delivery

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewDeadLetter(t *testing.T) {
	tests := []struct {
		name     string
		runID    string
		outcome  Outcome
		req      Request
		attempts int
		lastErr  string
		reason   string
	}{
		{
			name:    "gave up after retries",
			runID:   "run-123",
			outcome: OutcomeGaveUp,
			req: Request{
				ID:        "4bf92f35-77b3-4da6-a3ce-929d0e0e4736",
				Payload:   map[string]any{"value": 42},
				CreatedAt: "2023-01-01T12:00:00Z",
			},
			attempts: 6,
			lastErr:  "503 service unavailable",
			reason:   "retry budget exhausted (5 rounds)",
		},
		{
			name:     "interrupted run",
			runID:    "run-456",
			outcome:  OutcomeInterrupted,
			req:      Request{ID: "req-minimal"},
			attempts: 2,
			lastErr:  "connection refused",
			reason:   "run interrupted",
		},
		{
			name:     "empty error and reason",
			runID:    "run-789",
			outcome:  OutcomeGaveUp,
			req:      Request{ID: "req-empty"},
			attempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now()
			dl := NewDeadLetter(tt.runID, tt.outcome, tt.req, tt.attempts, tt.lastErr, tt.reason)
			after := time.Now()

			if dl.Type != DLQType {
				t.Errorf("NewDeadLetter() Type = %q, want %q", dl.Type, DLQType)
			}
			if dl.Version != "v1" {
				t.Errorf("NewDeadLetter() Version = %q, want %q", dl.Version, "v1")
			}
			if dl.RunID != tt.runID {
				t.Errorf("NewDeadLetter() RunID = %q, want %q", dl.RunID, tt.runID)
			}
			if dl.Outcome != tt.outcome {
				t.Errorf("NewDeadLetter() Outcome = %q, want %q", dl.Outcome, tt.outcome)
			}
			if dl.Reason != tt.reason {
				t.Errorf("NewDeadLetter() Reason = %q, want %q", dl.Reason, tt.reason)
			}
			if dl.Attempts != tt.attempts {
				t.Errorf("NewDeadLetter() Attempts = %d, want %d", dl.Attempts, tt.attempts)
			}
			if dl.LastError != tt.lastErr {
				t.Errorf("NewDeadLetter() LastError = %q, want %q", dl.LastError, tt.lastErr)
			}
			if dl.Request.ID != tt.req.ID {
				t.Errorf("NewDeadLetter() Request.ID = %q, want %q", dl.Request.ID, tt.req.ID)
			}

			parsedTime, err := time.Parse(time.RFC3339Nano, dl.At)
			if err != nil {
				t.Fatalf("NewDeadLetter() At timestamp parse error: %v", err)
			}
			if parsedTime.Before(before.Truncate(time.Second)) || parsedTime.After(after) {
				t.Errorf("NewDeadLetter() At timestamp %v not between %v and %v", parsedTime, before, after)
			}
		})
	}
}

func TestDeadLetterJSONShape(t *testing.T) {
	dl := NewDeadLetter("run-1", OutcomeGaveUp, Request{ID: "req-1"}, 3, "", "test")
	b, err := json.Marshal(dl)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	for _, key := range []string{"type", "version", "at", "run_id", "outcome", "reason", "attempts", "request"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("dead letter JSON missing key %q", key)
		}
	}
	if _, ok := raw["last_error"]; ok {
		t.Error("dead letter JSON should omit empty last_error")
	}
}

func TestNewRequest(t *testing.T) {
	a := NewRequest(map[string]any{"k": "v"})
	b := NewRequest(nil)

	if _, err := uuid.Parse(a.ID); err != nil {
		t.Errorf("NewRequest() ID %q is not a UUID: %v", a.ID, err)
	}
	if a.ID == b.ID {
		t.Error("NewRequest() produced duplicate IDs")
	}
	if _, err := time.Parse(time.RFC3339, a.CreatedAt); err != nil {
		t.Errorf("NewRequest() CreatedAt %q not RFC3339: %v", a.CreatedAt, err)
	}
}

func TestPartialDeliveryError(t *testing.T) {
	tests := []struct {
		name    string
		err     *PartialDeliveryError
		wantMsg string
		isCause error
	}{
		{
			name:    "gave up",
			err:     &PartialDeliveryError{Outcome: OutcomeGaveUp, Unsent: []Request{{ID: "a"}, {ID: "b"}}},
			wantMsg: "partial delivery: 2 request(s) unsent (gave_up)",
		},
		{
			name:    "interrupted",
			err:     &PartialDeliveryError{Outcome: OutcomeInterrupted, Unsent: []Request{{ID: "a"}}, Cause: errCancelled},
			wantMsg: "partial delivery: 1 request(s) unsent (interrupted): cancelled",
			isCause: errCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
			if !errors.Is(tt.err, ErrPartialDelivery) {
				t.Error("errors.Is(err, ErrPartialDelivery) = false")
			}
			if tt.isCause != nil && !errors.Is(tt.err, tt.isCause) {
				t.Errorf("errors.Is(err, %v) = false", tt.isCause)
			}
		})
	}
}

var errCancelled = errors.New("cancelled")

func TestPendingSet(t *testing.T) {
	p := newPendingSet()
	if p.pop() != nil {
		t.Fatal("pop() on empty set should return nil")
	}

	for _, id := range []string{"a", "b", "c"} {
		p.push(&pendingEntry{req: Request{ID: id}})
	}
	if p.len() != 3 {
		t.Fatalf("len() = %d, want 3", p.len())
	}

	first := p.pop()
	if first.req.ID != "a" {
		t.Errorf("pop() = %q, want FIFO head %q", first.req.ID, "a")
	}
	p.push(first)

	var order []string
	for _, e := range p.drain() {
		order = append(order, e.req.ID)
	}
	want := []string{"b", "c", "a"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("drain() order = %v, want %v", order, want)
		}
	}
	if p.len() != 0 {
		t.Errorf("len() after drain = %d, want 0", p.len())
	}
}

func TestDLQTypeConstant(t *testing.T) {
	expected := "request.dlq"
	if DLQType != expected {
		t.Errorf("DLQType constant = %q, want %q", DLQType, expected)
	}
}
