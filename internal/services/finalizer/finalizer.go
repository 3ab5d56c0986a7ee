package finalizer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/nanofarm/jobwatch/internal/db/models"
	"github.com/nanofarm/jobwatch/internal/db/repository"
	"github.com/nanofarm/jobwatch/internal/mq"
	"github.com/nanofarm/jobwatch/internal/services/cluster"
	"github.com/nanofarm/jobwatch/internal/services/extractor"
	"github.com/nanofarm/jobwatch/internal/services/throughput"
)

// PowerResolver is the slice of the power metering service the
// finalizer needs; nil disables energy enrichment.
type PowerResolver interface {
	ResolvePower(ctx context.Context, nodeName string, start, end time.Time) (float64, bool)
}

// CompletionEvent is published on the job.completions topic after each
// finalization for downstream consumers.
type CompletionEvent struct {
	JobName         string           `json:"job_name"`
	Namespace       string           `json:"namespace"`
	Status          models.JobStatus `json:"status"`
	NodeName        string           `json:"node_name,omitempty"`
	DurationSeconds *float64         `json:"duration_seconds,omitempty"`
	PowerConsumedWh *float64         `json:"power_consumed_wh,omitempty"`
}

// Finalizer is the shared completion path behind both the event
// watcher and the poll reconciler. Both may call it concurrently for
// the same job; the store's atomic merge-upsert makes that safe, so
// the finalizer itself holds no locks.
//
// Every enrichment step is independently best-effort: a collected pod,
// evicted logs, or a failed metrics query degrades the record but
// never prevents recording the terminal status.
type Finalizer struct {
	cluster    *cluster.Client
	jobs       repository.IJobResultRepository
	power      PowerResolver
	throughput *throughput.Publisher
	queue      mq.MQ
	pool       *workerpool.WorkerPool
	logger     *zap.Logger
}

func New(
	cluster *cluster.Client,
	jobs repository.IJobResultRepository,
	power PowerResolver,
	throughput *throughput.Publisher,
	queue mq.MQ,
	logger *zap.Logger,
) *Finalizer {
	return &Finalizer{
		cluster:    cluster,
		jobs:       jobs,
		power:      power,
		throughput: throughput,
		queue:      queue,
		pool:       workerpool.New(2),
		logger:     logger,
	}
}

// Stop drains the async publish pool.
func (f *Finalizer) Stop() {
	f.pool.StopWait()
}

// Finalize persists the job's terminal outcome, enriched with whatever
// placement, output, and energy data is still retrievable.
func (f *Finalizer) Finalize(ctx context.Context, jobName, namespace string, status models.JobStatus, errorMessage string) error {
	rec := &models.JobResult{
		JobName:   jobName,
		Namespace: namespace,
		Status:    status,
	}
	if errorMessage != "" {
		rec.ErrorMessage = &errorMessage
	}

	pod, err := f.cluster.PodForJob(ctx, jobName)
	if err != nil {
		f.logger.Warn("could not fetch pod info", zap.String("job", jobName), zap.Error(err))
	}

	var rawLogs string
	if pod != nil {
		rec.PodName = &pod.PodName
		if pod.NodeName != "" {
			rec.NodeName = &pod.NodeName
		}
		rec.StartedAt = pod.StartedAt
		rec.CompletedAt = pod.CompletedAt

		rawLogs, err = f.cluster.PodLogs(ctx, pod.PodName)
		if err != nil {
			f.logger.Warn("could not fetch pod logs", zap.String("job", jobName), zap.Error(err))
		}
	}

	if rawLogs != "" {
		prompt, result := extractor.Extract(rawLogs)
		if prompt != "" {
			rec.Prompt = &prompt
		}
		if result != "" {
			rec.Result = &result
		}
	}

	if pod != nil && pod.StartedAt != nil && pod.CompletedAt != nil {
		duration := pod.CompletedAt.Sub(*pod.StartedAt).Seconds()
		rec.DurationSeconds = &duration

		if f.power != nil && pod.NodeName != "" {
			if wattHours, ok := f.power.ResolvePower(ctx, pod.NodeName, *pod.StartedAt, *pod.CompletedAt); ok {
				rec.PowerConsumedWh = &wattHours
			}
		}
	}

	if err := f.jobs.MergeUpsert(ctx, rec); err != nil {
		// Retryable: the poller will revisit this job on its next sweep.
		f.logger.Error("failed to persist job result",
			zap.String("job", jobName),
			zap.String("namespace", namespace),
			zap.Error(err))
		return err
	}

	f.logger.Info("finalized job",
		zap.String("job", jobName),
		zap.String("namespace", namespace),
		zap.String("status", string(status)))

	if status == models.JobStatusSucceeded && rec.NodeName != nil {
		f.publishThroughput(ctx, *rec.NodeName)
	}

	f.publishEvent(ctx, rec)

	return nil
}

func (f *Finalizer) publishThroughput(ctx context.Context, nodeName string) {
	if f.throughput == nil {
		return
	}

	detached := context.WithoutCancel(ctx)
	f.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(detached, 30*time.Second)
		defer cancel()

		if err := f.throughput.Publish(ctx, nodeName); err != nil {
			f.logger.Warn("failed to publish node throughput",
				zap.String("node", nodeName),
				zap.Error(err))
		}
	})
}

func (f *Finalizer) publishEvent(ctx context.Context, rec *models.JobResult) {
	if f.queue == nil {
		return
	}

	event := CompletionEvent{
		JobName:         rec.JobName,
		Namespace:       rec.Namespace,
		Status:          rec.Status,
		DurationSeconds: rec.DurationSeconds,
		PowerConsumedWh: rec.PowerConsumedWh,
	}
	if rec.NodeName != nil {
		event.NodeName = *rec.NodeName
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	if err := f.queue.Publish(ctx, mq.TopicJobCompletions, payload); err != nil {
		f.logger.Debug("failed to publish completion event",
			zap.String("job", rec.JobName),
			zap.Error(err))
	}
}
