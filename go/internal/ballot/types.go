package ballot

import "time"

// Namespace scopes ballot lifecycle keys in local storage and on the bus.
const Namespace = "ballot-lifecycle"

// UnlockStatus is the state of a judge's request to reopen a ballot.
type UnlockStatus string

const (
	UnlockIdle     UnlockStatus = "idle"
	UnlockPending  UnlockStatus = "pending"
	UnlockApproved UnlockStatus = "approved"
	UnlockRejected UnlockStatus = "rejected"
)

// UnlockRequest records the latest unlock request and its resolution.
type UnlockRequest struct {
	Status         UnlockStatus `json:"status"`
	Note           *string      `json:"note"`
	RequestedAt    *time.Time   `json:"requestedAt"`
	ResolvedAt     *time.Time   `json:"resolvedAt"`
	ResolutionNote *string      `json:"resolutionNote"`
}

// SubmissionPayload is the exact ballot a judge submitted.
type SubmissionPayload struct {
	Scores   map[string]float64 `json:"scores"`
	Comments string             `json:"comments,omitempty"`
}

// Snapshot is the lifecycle of one judge's ballot for one team.
type Snapshot struct {
	EventID          string        `json:"eventId"`
	TeamID           string        `json:"teamId"`
	Locked           bool          `json:"locked"`
	QueuedSubmission bool          `json:"queuedSubmission"`
	SubmissionCount  int           `json:"submissionCount"`
	LastSubmittedAt  *time.Time    `json:"lastSubmittedAt"`
	UnlockRequest    UnlockRequest `json:"unlockRequest"`
	// PendingSubmissionPayload is set only while QueuedSubmission is true.
	PendingSubmissionPayload *SubmissionPayload `json:"pendingSubmissionPayload,omitempty"`
}

func newSnapshot(eventID, teamID string) Snapshot {
	return Snapshot{
		EventID:       eventID,
		TeamID:        teamID,
		UnlockRequest: UnlockRequest{Status: UnlockIdle},
	}
}

// Key identifies a ballot.
type Key struct {
	EventID string `json:"eventId"`
	TeamID  string `json:"teamId"`
}

// SubmitOptions controls how a submission is recorded.
type SubmitOptions struct {
	// QueueOffline keeps the payload for later delivery. The caller decides
	// whether the device is offline.
	QueueOffline bool
}

// SubmitResult tells whether a submission went out or was queued.
type SubmitResult string

const (
	ResultSubmitted SubmitResult = "submitted"
	ResultQueued    SubmitResult = "queued"
)

// Resolution is the operations team's answer to an unlock request.
type Resolution struct {
	Status         UnlockStatus
	ResolutionNote string
}
