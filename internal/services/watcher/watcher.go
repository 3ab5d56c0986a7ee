package watcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/nanofarm/jobwatch/internal/db/models"
	"github.com/nanofarm/jobwatch/internal/services/cluster"
)

// JobFinalizer records one job's terminal outcome. Idempotent: the
// watcher may deliver the same terminal event more than once.
type JobFinalizer interface {
	Finalize(ctx context.Context, jobName, namespace string, status models.JobStatus, errorMessage string) error
}

// Watcher subscribes to the job change-feed and finalizes every
// terminal transition it sees. Sessions are deliberately time-bounded:
// when one ends, a new one is opened immediately, which is what
// detects streams that stall without closing. Errors back off
// exponentially; a healthy session resets the backoff.
type Watcher struct {
	cluster        *cluster.Client
	finalizer      JobFinalizer
	schedulerName  string
	timeoutSeconds int64
	logger         *zap.Logger
}

func New(cluster *cluster.Client, finalizer JobFinalizer, schedulerName string, timeoutSeconds int64, logger *zap.Logger) *Watcher {
	return &Watcher{
		cluster:        cluster,
		finalizer:      finalizer,
		schedulerName:  schedulerName,
		timeoutSeconds: timeoutSeconds,
		logger:         logger,
	}
}

// Run blocks until ctx is cancelled, reopening the watch session every
// time it ends.
func (w *Watcher) Run(ctx context.Context) error {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = time.Second
	boff.MaxInterval = time.Minute
	boff.MaxElapsedTime = 0

	w.logger.Info("starting job watcher",
		zap.String("namespace", w.cluster.Namespace()),
		zap.Int64("session_timeout_seconds", w.timeoutSeconds))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		session, err := w.cluster.WatchJobs(ctx, w.timeoutSeconds)
		if err != nil {
			w.logger.Error("failed to open job watch", zap.Error(err))
			if !sleep(ctx, boff.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}

		boff.Reset()
		w.consume(ctx, session)
	}
}

func (w *Watcher) consume(ctx context.Context, session watch.Interface) {
	defer session.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-session.ResultChan():
			if !ok {
				w.logger.Info("watch session ended, reconnecting")
				return
			}
			w.handle(ctx, event)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event watch.Event) {
	job, ok := event.Object.(*batchv1.Job)
	if !ok {
		return
	}
	if !cluster.OwnedBy(job, w.schedulerName) {
		return
	}

	switch {
	case job.Status.Succeeded > 0:
		w.logger.Info("job succeeded", zap.String("job", job.Name))
		_ = w.finalizer.Finalize(ctx, job.Name, job.Namespace, models.JobStatusSucceeded, "")
	case job.Status.Failed > 0:
		w.logger.Info("job failed", zap.String("job", job.Name))
		_ = w.finalizer.Finalize(ctx, job.Name, job.Namespace, models.JobStatusFailed, "Job failed")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
