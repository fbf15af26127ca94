package core

import "time"

type ExperimentStatus string

const (
	StatusQueued    ExperimentStatus = "queued"
	StatusRunning   ExperimentStatus = "running"
	StatusCompleted ExperimentStatus = "completed"
	StatusFailed    ExperimentStatus = "failed"
	StatusCancelled ExperimentStatus = "cancelled"
	StatusPaused    ExperimentStatus = "paused"
)

// IsTerminal reports whether an experiment in this status will never run again.
func (s ExperimentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the experiment still occupies a queue slot
// (queued, running or paused).
func (s ExperimentStatus) IsActive() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusPaused
}

type Experiment struct {
	ID           string
	SubmitterID  string
	Script       string
	Status       ExperimentStatus
	Priority     int // reserved for a future priority system
	ExitCode     *int
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Clone returns a copy safe to hand to callers outside the queue lock.
func (e *Experiment) Clone() *Experiment {
	c := *e
	if e.ExitCode != nil {
		v := *e.ExitCode
		c.ExitCode = &v
	}
	if e.StartedAt != nil {
		v := *e.StartedAt
		c.StartedAt = &v
	}
	if e.CompletedAt != nil {
		v := *e.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

type QueueStats struct {
	Queued  int
	Running int
	Paused  int
}

// QueueEntry is one row of the active-queue listing.
type QueueEntry struct {
	ID          string
	SubmitterID string
	Status      ExperimentStatus
	CreatedAt   time.Time
}

type Snapshot struct {
	Stats                QueueStats
	EstimatedWaitMinutes int
	Queue                []QueueEntry
}
