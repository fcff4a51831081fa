package delivery

import (
	"errors"
	"fmt"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeGaveUp      Outcome = "gave_up"
	OutcomeInterrupted Outcome = "interrupted"
)

// ErrPartialDelivery is matched by every error returned from a run that left
// requests unsent.
var ErrPartialDelivery = errors.New("partial delivery")

// Result summarises one run of the worker.
type Result struct {
	RunID             string    `json:"run_id"`
	Outcome           Outcome   `json:"outcome"`
	Sent              int       `json:"sent"`        // requests pulled and attempted in the primary pass
	Attempts          int       `json:"attempts"`    // transport calls across both phases
	Delivered         int       `json:"delivered"`   // distinct requests confirmed delivered
	Rounds            int       `json:"rounds"`      // retry rounds executed
	Outstanding       int       `json:"outstanding"` // errors counter at run end
	PermanentlyFailed []Request `json:"permanently_failed,omitempty"`
}

// Failed reports how many requests were left unsent.
func (r Result) Failed() int {
	return len(r.PermanentlyFailed)
}

// PartialDeliveryError carries the requests a run could not deliver.
type PartialDeliveryError struct {
	Outcome Outcome
	Unsent  []Request
	Cause   error // set when the run was interrupted
}

func (e *PartialDeliveryError) Error() string {
	msg := fmt.Sprintf("partial delivery: %d request(s) unsent (%s)", len(e.Unsent), e.Outcome)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PartialDeliveryError) Is(target error) bool {
	return target == ErrPartialDelivery
}

func (e *PartialDeliveryError) Unwrap() error {
	return e.Cause
}
