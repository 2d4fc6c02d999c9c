package event

import "time"

const DLQType = "task.dlq"

// DeadLetter wraps an event that could not be processed after exhausting
// retries. Kept on the dead-letter stream and archived for review.
type DeadLetter struct {
	Type      string   `json:"type"`    // "task.dlq"
	Version   string   `json:"version"` // schema version
	At        string   `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string   `json:"reason"`  // human/debug text
	Attempts  int      `json:"attempts"`
	LastError string   `json:"last_error,omitempty"`
	Event     Envelope `json:"event"` // original event snapshot
}

func NewDeadLetter(env Envelope, attempts int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempts:  attempts,
		LastError: lastErr,
		Event:     env,
	}
}
