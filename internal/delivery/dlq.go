package delivery

import "time"

const DLQType = "request.dlq"

type DeadLetter struct {
	Type      string  `json:"type"`     // "request.dlq"
	Version   string  `json:"version"`  // schema version
	At        string  `json:"at"`       // RFC3339 time the DLQ was emitted
	RunID     string  `json:"run_id"`   // run that gave up on the request
	Outcome   Outcome `json:"outcome"`  // gave_up or interrupted
	Reason    string  `json:"reason"`   // human/debug text
	Attempts  int     `json:"attempts"` // transport calls made for this request
	LastError string  `json:"last_error,omitempty"`
	Request   Request `json:"request"`
}

func NewDeadLetter(runID string, outcome Outcome, req Request, attempts int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		RunID:     runID,
		Outcome:   outcome,
		Reason:    reason,
		Attempts:  attempts,
		LastError: lastErr,
		Request:   req,
	}
}
