package repository

import (
	"context"
	"time"

	"github.com/nanofarm/jobwatch/internal/db/models"
	"github.com/uptrace/bun"
)

// Statistics summarizes the job_results table for the read API.
type Statistics struct {
	TotalJobs            int                      `json:"total_jobs"`
	StatusCounts         map[models.JobStatus]int `json:"status_counts"`
	MostRecentCompletion *time.Time               `json:"most_recent_completion"`
}

type IJobResultRepository interface {
	// MergeUpsert inserts the record or merges its non-nil fields into
	// the existing (job_name, namespace) row as a single atomic
	// statement. Safe under concurrent callers for the same identity.
	MergeUpsert(ctx context.Context, rec *models.JobResult) error

	// Get returns the record, or nil without error when none exists.
	Get(ctx context.Context, jobName, namespace string) (*models.JobResult, error)
	ListRecent(ctx context.Context, limit, offset int) ([]models.JobResult, error)
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.JobResult, error)

	// NodeSecondsPerToken averages duration_seconds/token_count over
	// the node's records that carry both fields. ok is false when the
	// node has no qualifying history.
	NodeSecondsPerToken(ctx context.Context, nodeName string) (avg float64, ok bool, err error)
	AllNodeSecondsPerToken(ctx context.Context) (map[string]float64, error)

	Delete(ctx context.Context, jobName, namespace string) error
	Count(ctx context.Context) (int, error)
	Statistics(ctx context.Context) (*Statistics, error)

	WithDB(db *bun.DB) IJobResultRepository
}

type INodeRepository interface {
	GetByName(ctx context.Context, nodeName string) (*models.Node, error)
	List(ctx context.Context) ([]models.Node, error)
	Upsert(ctx context.Context, node *models.Node) error
	Delete(ctx context.Context, nodeName string) (bool, error)

	WithDB(db *bun.DB) INodeRepository
}
