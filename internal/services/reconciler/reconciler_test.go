package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/nanofarm/jobwatch/internal/db/models"
	"github.com/nanofarm/jobwatch/internal/db/repository"
	"github.com/nanofarm/jobwatch/internal/services/cluster"
)

var testDBCounter int

func newTestRepo(t *testing.T) repository.IJobResultRepository {
	t.Helper()

	testDBCounter++
	sqldb, err := sql.Open(sqliteshim.ShimName,
		fmt.Sprintf("file:reconcilertest%d?mode=memory&cache=shared", testDBCounter))
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	_, err = db.NewCreateTable().Model((*models.JobResult)(nil)).Exec(context.Background())
	require.NoError(t, err)

	return repository.NewJobResultRepository(db)
}

type recordingFinalizer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingFinalizer) Finalize(ctx context.Context, jobName, namespace string, status models.JobStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, jobName)
	return nil
}

func (r *recordingFinalizer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newJob(name, schedulerName string, succeeded, failed int32) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "prompts"},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{SchedulerName: schedulerName},
			},
		},
		Status: batchv1.JobStatus{Succeeded: succeeded, Failed: failed},
	}
}

func TestRunOnceFinalizesUnrecordedTerminalJobs(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		newJob("job-done", "llama-scheduler", 1, 0),
		newJob("job-failed", "llama-scheduler", 0, 1),
		newJob("job-running", "llama-scheduler", 0, 0),
		newJob("job-foreign", "default-scheduler", 1, 0),
	)

	fin := &recordingFinalizer{}
	r := New(
		cluster.NewWithClientset(clientset, "prompts", 1000),
		newTestRepo(t),
		fin,
		"llama-scheduler",
		30*time.Second,
		zap.NewNop(),
	)

	require.NoError(t, r.RunOnce(context.Background()))

	// Only the managed scheduler's terminal jobs are picked up.
	assert.ElementsMatch(t, []string{"job-done", "job-failed"}, fin.snapshot())
}

func TestRunOnceSkipsCompleteRecords(t *testing.T) {
	clientset := fake.NewSimpleClientset(newJob("job-done", "llama-scheduler", 1, 0))

	repo := newTestRepo(t)
	node := "jetson-01"
	started := time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC)
	power := 1.5
	require.NoError(t, repo.MergeUpsert(context.Background(), &models.JobResult{
		JobName:         "job-done",
		Namespace:       "prompts",
		Status:          models.JobStatusSucceeded,
		NodeName:        &node,
		StartedAt:       &started,
		PowerConsumedWh: &power,
	}))

	fin := &recordingFinalizer{}
	r := New(cluster.NewWithClientset(clientset, "prompts", 1000), repo, fin, "llama-scheduler", 30*time.Second, zap.NewNop())

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Empty(t, fin.snapshot())
}

func TestRunOnceBackfillsRecordsMissingDerivedFields(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		newJob("job-no-power", "llama-scheduler", 1, 0),
		newJob("job-failed-no-power", "llama-scheduler", 0, 1),
	)

	repo := newTestRepo(t)
	node := "jetson-01"
	started := time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC)

	// Succeeded without power is re-finalized.
	require.NoError(t, repo.MergeUpsert(context.Background(), &models.JobResult{
		JobName:   "job-no-power",
		Namespace: "prompts",
		Status:    models.JobStatusSucceeded,
		NodeName:  &node,
		StartedAt: &started,
	}))

	// Failed without power is complete; pods of failed jobs rarely
	// leave a usable metrics window.
	require.NoError(t, repo.MergeUpsert(context.Background(), &models.JobResult{
		JobName:   "job-failed-no-power",
		Namespace: "prompts",
		Status:    models.JobStatusFailed,
		NodeName:  &node,
		StartedAt: &started,
	}))

	fin := &recordingFinalizer{}
	r := New(cluster.NewWithClientset(clientset, "prompts", 1000), repo, fin, "llama-scheduler", 30*time.Second, zap.NewNop())

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, []string{"job-no-power"}, fin.snapshot())
}

func TestRunSweepsOnInterval(t *testing.T) {
	clientset := fake.NewSimpleClientset(newJob("job-done", "llama-scheduler", 1, 0))

	fin := &recordingFinalizer{}
	r := New(
		cluster.NewWithClientset(clientset, "prompts", 1000),
		newTestRepo(t),
		fin,
		"llama-scheduler",
		10*time.Millisecond,
		zap.NewNop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(fin.snapshot()) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop on context cancellation")
	}
}
