package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// JobResult is the authoritative record of one job's outcome. One row
// per (job_name, namespace); finalization merges into the existing row.
// Nullable columns are pointers so an absent value never overwrites a
// known one on merge.
type JobResult struct {
	bun.BaseModel `bun:"table:job_results"`

	ID              uuid.UUID `bun:",pk,type:uuid"`
	JobName         string    `bun:",notnull,unique:job_identity"`
	Namespace       string    `bun:",notnull,unique:job_identity"`
	PodName         *string
	NodeName        *string
	Status          JobStatus `bun:",notnull"`
	Prompt          *string
	Result          *string
	TokenCount      *int64
	CreatedAt       time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	PowerConsumedWh *float64
	ErrorMessage    *string
}
