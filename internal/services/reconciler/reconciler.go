package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"

	"github.com/nanofarm/jobwatch/internal/db/models"
	"github.com/nanofarm/jobwatch/internal/db/repository"
	"github.com/nanofarm/jobwatch/internal/services/cluster"
	"github.com/nanofarm/jobwatch/internal/services/watcher"
)

// Reconciler is the idempotent safety net behind the event watcher: it
// periodically lists the full job set and finalizes anything the
// watcher missed (silent disconnects, backend outages, restarts while
// the engine was down). Records persisted before the derived columns
// existed are re-finalized to backfill them.
type Reconciler struct {
	cluster       *cluster.Client
	jobs          repository.IJobResultRepository
	finalizer     watcher.JobFinalizer
	schedulerName string
	interval      time.Duration
	logger        *zap.Logger
}

func New(cluster *cluster.Client, jobs repository.IJobResultRepository, finalizer watcher.JobFinalizer, schedulerName string, interval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		cluster:       cluster,
		jobs:          jobs,
		finalizer:     finalizer,
		schedulerName: schedulerName,
		interval:      interval,
		logger:        logger,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled. The caller is
// expected to have already run RunOnce synchronously at startup.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce lists the namespace's jobs and finalizes every terminal job
// that is unrecorded or missing backfillable fields.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	jobs, err := r.cluster.ListJobs(ctx)
	if err != nil {
		return err
	}

	synced := 0
	for i := range jobs {
		job := &jobs[i]
		if !cluster.OwnedBy(job, r.schedulerName) {
			continue
		}

		status, terminal := terminalStatus(job)
		if !terminal {
			continue
		}

		if r.reconcileJob(ctx, job, status) {
			synced++
		}
	}

	if synced > 0 {
		r.logger.Info("synced completed jobs", zap.Int("count", synced))
	}

	return nil
}

func (r *Reconciler) reconcileJob(ctx context.Context, job *batchv1.Job, status models.JobStatus) bool {
	existing, err := r.jobs.Get(ctx, job.Name, job.Namespace)
	if err != nil {
		r.logger.Error("failed to look up job record",
			zap.String("job", job.Name),
			zap.Error(err))
		return false
	}

	if existing != nil && !needsBackfill(existing, status) {
		return false
	}

	if existing == nil {
		r.logger.Info("found unrecorded completed job", zap.String("job", job.Name))
	} else {
		r.logger.Info("backfilling job record", zap.String("job", job.Name))
	}

	errorMessage := ""
	if status == models.JobStatusFailed {
		errorMessage = "Job failed"
	}

	if err := r.finalizer.Finalize(ctx, job.Name, job.Namespace, status, errorMessage); err != nil {
		return false
	}

	return true
}

// needsBackfill reports whether a stored record predates one of the
// derived columns and should be re-finalized. Power is only expected
// on succeeded jobs; failed pods often terminate before a usable
// metrics window exists.
func needsBackfill(rec *models.JobResult, status models.JobStatus) bool {
	if rec.NodeName == nil || rec.StartedAt == nil {
		return true
	}
	if status == models.JobStatusSucceeded && rec.PowerConsumedWh == nil {
		return true
	}

	return false
}

func terminalStatus(job *batchv1.Job) (models.JobStatus, bool) {
	if job.Status.Succeeded > 0 {
		return models.JobStatusSucceeded, true
	}
	if job.Status.Failed > 0 {
		return models.JobStatusFailed, true
	}

	return "", false
}
