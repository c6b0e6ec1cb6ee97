package domain

import (
	"encoding/json"
	"time"
)

// Priority orders queue entries. Higher values dequeue first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps the wire name to a Priority. Unknown names fall back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job in this status can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one unit of analysis work. Exactly one of Result/Error is set
// once the status is terminal.
type Job struct {
	ID             string
	BatchID        string
	Priority       Priority
	Status         JobStatus
	Payload        json.RawMessage
	Result         json.RawMessage
	Error          string
	CallbackURL    string
	CallbackSecret string
	EnqueuedAt     time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// BatchRun groups jobs submitted together and tracks aggregate progress.
type BatchRun struct {
	ID             string
	Total          int
	CompletedCount int
	FailedCount    int
	CancelledCount int
	CallbackURL    string
	CallbackSecret string
	// LastBoundary is the highest 10% progress boundary already reported.
	LastBoundary     int
	TerminalNotified bool
	CreatedAt        time.Time
	FinishedAt       *time.Time
}

// Done is the number of jobs that reached completed or failed. Cancelled
// jobs count toward terminality but not toward the completion ratio.
func (b BatchRun) Done() int {
	return b.CompletedCount + b.FailedCount
}

// Terminal reports whether every job in the batch reached a terminal state.
func (b BatchRun) Terminal() bool {
	return b.CompletedCount+b.FailedCount+b.CancelledCount >= b.Total
}

// ProgressPercent is the completion ratio over the whole batch, 0-100.
func (b BatchRun) ProgressPercent() float64 {
	if b.Total == 0 {
		return 0
	}
	return float64(b.Done()) / float64(b.Total) * 100
}
