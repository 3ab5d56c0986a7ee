package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/nanofarm/jobwatch/internal/db/models"
	"github.com/uptrace/bun"
)

type JobResultRepository struct {
	db bun.IDB
}

func NewJobResultRepository(db *bun.DB) IJobResultRepository {
	return &JobResultRepository{db: db}
}

// MergeUpsert is the serialization point for the watcher/poller race:
// one INSERT ... ON CONFLICT DO UPDATE, so two concurrent finalizations
// of the same job can never produce two rows or lose each other's
// fields. Every nullable column merges with COALESCE (an absent value
// never erases a known one), a terminal status is sticky against stale
// events, and created_at is left out of the update set entirely.
func (r *JobResultRepository) MergeUpsert(ctx context.Context, rec *models.JobResult) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.Must(uuid.NewRandom())
	}

	_, err := r.db.NewInsert().
		Model(rec).
		On("CONFLICT (job_name, namespace) DO UPDATE").
		Set("status = CASE WHEN job_results.status IN ('succeeded', 'failed') THEN job_results.status ELSE EXCLUDED.status END").
		Set("pod_name = COALESCE(EXCLUDED.pod_name, job_results.pod_name)").
		Set("node_name = COALESCE(EXCLUDED.node_name, job_results.node_name)").
		Set("prompt = COALESCE(EXCLUDED.prompt, job_results.prompt)").
		Set("result = COALESCE(EXCLUDED.result, job_results.result)").
		Set("token_count = COALESCE(EXCLUDED.token_count, job_results.token_count)").
		Set("started_at = COALESCE(EXCLUDED.started_at, job_results.started_at)").
		Set("completed_at = COALESCE(EXCLUDED.completed_at, job_results.completed_at)").
		Set("duration_seconds = COALESCE(EXCLUDED.duration_seconds, job_results.duration_seconds)").
		Set("power_consumed_wh = COALESCE(EXCLUDED.power_consumed_wh, job_results.power_consumed_wh)").
		Set("error_message = COALESCE(EXCLUDED.error_message, job_results.error_message)").
		Exec(ctx)

	return err
}

func (r *JobResultRepository) Get(ctx context.Context, jobName, namespace string) (*models.JobResult, error) {
	var rec models.JobResult
	err := r.db.NewSelect().
		Model(&rec).
		Where("job_name = ?", jobName).
		Where("namespace = ?", namespace).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func (r *JobResultRepository) ListRecent(ctx context.Context, limit, offset int) ([]models.JobResult, error) {
	var recs []models.JobResult
	err := r.db.NewSelect().
		Model(&recs).
		OrderExpr("completed_at DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)

	return recs, err
}

func (r *JobResultRepository) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.JobResult, error) {
	var recs []models.JobResult
	err := r.db.NewSelect().
		Model(&recs).
		Where("status = ?", status).
		OrderExpr("completed_at DESC").
		Limit(limit).
		Scan(ctx)

	return recs, err
}

func (r *JobResultRepository) NodeSecondsPerToken(ctx context.Context, nodeName string) (float64, bool, error) {
	var avg sql.NullFloat64
	err := r.db.NewSelect().
		Model((*models.JobResult)(nil)).
		ColumnExpr("AVG(duration_seconds * 1.0 / token_count)").
		Where("node_name = ?", nodeName).
		Where("duration_seconds IS NOT NULL").
		Where("token_count IS NOT NULL AND token_count > 0").
		Scan(ctx, &avg)
	if err != nil {
		return 0, false, err
	}
	if !avg.Valid {
		return 0, false, nil
	}

	return avg.Float64, true, nil
}

func (r *JobResultRepository) AllNodeSecondsPerToken(ctx context.Context) (map[string]float64, error) {
	var rows []struct {
		NodeName string  `bun:"node_name"`
		AvgSPT   float64 `bun:"avg_spt"`
	}

	err := r.db.NewSelect().
		Model((*models.JobResult)(nil)).
		ColumnExpr("node_name").
		ColumnExpr("AVG(duration_seconds * 1.0 / token_count) AS avg_spt").
		Where("node_name IS NOT NULL").
		Where("duration_seconds IS NOT NULL").
		Where("token_count IS NOT NULL AND token_count > 0").
		GroupExpr("node_name").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}

	averages := make(map[string]float64, len(rows))
	for _, row := range rows {
		averages[row.NodeName] = row.AvgSPT
	}

	return averages, nil
}

func (r *JobResultRepository) Delete(ctx context.Context, jobName, namespace string) error {
	_, err := r.db.NewDelete().
		Model((*models.JobResult)(nil)).
		Where("job_name = ?", jobName).
		Where("namespace = ?", namespace).
		Exec(ctx)

	return err
}

func (r *JobResultRepository) Count(ctx context.Context) (int, error) {
	return r.db.NewSelect().Model((*models.JobResult)(nil)).Count(ctx)
}

func (r *JobResultRepository) Statistics(ctx context.Context) (*Statistics, error) {
	total, err := r.Count(ctx)
	if err != nil {
		return nil, err
	}

	var counts []struct {
		Status models.JobStatus `bun:"status"`
		Count  int              `bun:"count"`
	}
	err = r.db.NewSelect().
		Model((*models.JobResult)(nil)).
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS count").
		GroupExpr("status").
		Scan(ctx, &counts)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalJobs:    total,
		StatusCounts: make(map[models.JobStatus]int, len(counts)),
	}
	for _, c := range counts {
		stats.StatusCounts[c.Status] = c.Count
	}

	var latest models.JobResult
	err = r.db.NewSelect().
		Model(&latest).
		Where("completed_at IS NOT NULL").
		OrderExpr("completed_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		stats.MostRecentCompletion = latest.CompletedAt
	}

	return stats, nil
}

func (r *JobResultRepository) WithDB(db *bun.DB) IJobResultRepository {
	return &JobResultRepository{db: db}
}
