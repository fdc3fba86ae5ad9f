package domain

import "time"

// Status is the lifecycle state of an idempotency key.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// RequestRecord tracks one client-supplied idempotency key.
// Result is set only once Status is COMPLETED and never changes afterwards.
type RequestRecord struct {
	Key           string        `json:"key"`
	Status        Status        `json:"status"`
	Result        *ChargeResult `json:"result,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	// Cause is the error that failed the attempt, when one was available.
	Cause error `json:"-"`
	CreatedAt     time.Time     `json:"created_at"`
	Version       int64         `json:"version"`
}

// Terminal reports whether the record has left PROCESSING.
func (r RequestRecord) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// ChargeResult is the outcome of a successful charge, replayed verbatim to duplicates.
type ChargeResult struct {
	Charged    int64 `json:"charged"`
	NewBalance int64 `json:"new_balance"`
}

// OutcomeStatus classifies how the coordinator resolved a request.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeReplayed  OutcomeStatus = "replayed"
	OutcomeConflict  OutcomeStatus = "conflict"
)

// Outcome is what RequestCoordinator.Handle returns for a key.
type Outcome struct {
	Status OutcomeStatus
	Result *ChargeResult
	Record RequestRecord
}

// SubmissionStatus is the caller-facing status of a keyed charge.
type SubmissionStatus string

const (
	SubmissionCompleted SubmissionStatus = "completed"
	SubmissionConflict  SubmissionStatus = "conflict"
	SubmissionDeclined  SubmissionStatus = "declined"
)

// Submission is the response to a keyed charge request.
type Submission struct {
	Status   SubmissionStatus `json:"status"`
	Result   *ChargeResult    `json:"result,omitempty"`
	Replayed bool             `json:"replayed,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// LogEntry is one line of the server log shown next to a wallet.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}
