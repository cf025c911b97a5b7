package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an indexing job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusPaused    JobStatus = "paused"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
// Cancelled is the only terminal state; error is recoverable via resume.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCancelled
}

// CanResume reports whether a job in state s may transition to active.
func (s JobStatus) CanResume() bool {
	return s == JobStatusPending || s == JobStatusPaused || s == JobStatusError
}

// CanPause reports whether a job in state s may transition to paused.
func (s JobStatus) CanPause() bool {
	return s == JobStatusActive
}

// JobFilter narrows which transaction events a job ingests. Accounts are
// forwarded to the provider subscription; the slot range and program set are
// enforced locally on every inbound event.
type JobFilter struct {
	ProgramIDs []string `json:"programIds,omitempty"`
	Accounts   []string `json:"accounts,omitempty"`
	StartSlot  int64    `json:"startSlot,omitempty"`
	EndSlot    int64    `json:"endSlot,omitempty"`
}

// Matches reports whether an event at the given slot touching the given
// programs passes the filter. Zero-valued fields do not constrain.
func (f JobFilter) Matches(slot int64, programs []string) bool {
	if f.StartSlot > 0 && slot < f.StartSlot {
		return false
	}
	if f.EndSlot > 0 && slot > f.EndSlot {
		return false
	}
	if len(f.ProgramIDs) == 0 {
		return true
	}
	for _, want := range f.ProgramIDs {
		for _, p := range programs {
			if p == want {
				return true
			}
		}
	}
	return false
}

// IndexingJob is a tenant-scoped indexing task bound to one tenant
// database connection and a set of enabled event categories.
type IndexingJob struct {
	ID            uuid.UUID  `db:"id"`
	OwnerID       string     `db:"owner_id"`
	ConnectionID  uuid.UUID  `db:"connection_id"`
	Categories    []Category `db:"categories"`
	Filter        JobFilter  `db:"filter"`
	Status        JobStatus  `db:"status"`
	FailureReason *string    `db:"failure_reason"`
	Progress      int64      `db:"progress"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// HasCategory reports whether the job ingests the given category.
func (j *IndexingJob) HasCategory(c Category) bool {
	for _, enabled := range j.Categories {
		if enabled == c {
			return true
		}
	}
	return false
}
