package finalizer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/nanofarm/jobwatch/internal/db/models"
	"github.com/nanofarm/jobwatch/internal/db/repository"
	"github.com/nanofarm/jobwatch/internal/mq"
	"github.com/nanofarm/jobwatch/internal/services/cluster"
)

var testDBCounter int

func newTestRepo(t *testing.T) repository.IJobResultRepository {
	t.Helper()

	testDBCounter++
	sqldb, err := sql.Open(sqliteshim.ShimName,
		fmt.Sprintf("file:finalizertest%d?mode=memory&cache=shared", testDBCounter))
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	_, err = db.NewCreateTable().Model((*models.JobResult)(nil)).Exec(context.Background())
	require.NoError(t, err)

	return repository.NewJobResultRepository(db)
}

type stubPower struct {
	wattHours float64
	ok        bool
	calls     int
}

func (s *stubPower) ResolvePower(ctx context.Context, nodeName string, start, end time.Time) (float64, bool) {
	s.calls++
	return s.wattHours, s.ok
}

func terminatedPod(jobName string, started, finished time.Time) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName + "-abcde",
			Namespace: "prompts",
			Labels:    map[string]string{"job-name": jobName},
		},
		Spec: corev1.PodSpec{NodeName: "jetson-01"},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				State: corev1.ContainerState{
					Terminated: &corev1.ContainerStateTerminated{
						StartedAt:  metav1.NewTime(started),
						FinishedAt: metav1.NewTime(finished),
					},
				},
			}},
		},
	}
}

func TestFinalizeEnrichesAndPersists(t *testing.T) {
	started := time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	clientset := fake.NewSimpleClientset(terminatedPod("job-1", started, finished))

	repo := newTestRepo(t)
	power := &stubPower{wattHours: 1.25, ok: true}
	queue, err := mq.NewInMemoryMQ(4)
	require.NoError(t, err)
	defer queue.Close()

	f := New(cluster.NewWithClientset(clientset, "prompts", 1000), repo, power, nil, queue, zap.NewNop())
	defer f.Stop()

	ctx := context.Background()
	require.NoError(t, f.Finalize(ctx, "job-1", "prompts", models.JobStatusSucceeded, ""))

	rec, err := repo.Get(ctx, "job-1", "prompts")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, models.JobStatusSucceeded, rec.Status)
	require.NotNil(t, rec.PodName)
	assert.Equal(t, "job-1-abcde", *rec.PodName)
	require.NotNil(t, rec.NodeName)
	assert.Equal(t, "jetson-01", *rec.NodeName)
	require.NotNil(t, rec.DurationSeconds)
	assert.InDelta(t, 90.0, *rec.DurationSeconds, 1e-9)
	require.NotNil(t, rec.PowerConsumedWh)
	assert.InDelta(t, 1.25, *rec.PowerConsumedWh, 1e-9)
	assert.Nil(t, rec.ErrorMessage)
	assert.Equal(t, 1, power.calls)

	payload, err := queue.Receive(ctx, mq.TopicJobCompletions)
	require.NoError(t, err)

	var event CompletionEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "job-1", event.JobName)
	assert.Equal(t, models.JobStatusSucceeded, event.Status)
	assert.Equal(t, "jetson-01", event.NodeName)
	require.NotNil(t, event.PowerConsumedWh)
	assert.InDelta(t, 1.25, *event.PowerConsumedWh, 1e-9)
}

func TestFinalizeWithoutPodStillRecordsStatus(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	repo := newTestRepo(t)

	f := New(cluster.NewWithClientset(clientset, "prompts", 1000), repo, nil, nil, nil, zap.NewNop())
	defer f.Stop()

	ctx := context.Background()
	require.NoError(t, f.Finalize(ctx, "job-gone", "prompts", models.JobStatusFailed, "Job failed"))

	rec, err := repo.Get(ctx, "job-gone", "prompts")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, models.JobStatusFailed, rec.Status)
	assert.Nil(t, rec.PodName)
	assert.Nil(t, rec.NodeName)
	assert.Nil(t, rec.DurationSeconds)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "Job failed", *rec.ErrorMessage)
}

func TestFinalizeSkipsPowerWhenWindowUnknown(t *testing.T) {
	// A pod without a terminated state has no timestamps.
	pod := terminatedPod("job-1", time.Time{}, time.Time{})
	pod.Status.ContainerStatuses[0].State.Terminated = nil
	clientset := fake.NewSimpleClientset(pod)

	repo := newTestRepo(t)
	power := &stubPower{wattHours: 1.25, ok: true}

	f := New(cluster.NewWithClientset(clientset, "prompts", 1000), repo, power, nil, nil, zap.NewNop())
	defer f.Stop()

	ctx := context.Background()
	require.NoError(t, f.Finalize(ctx, "job-1", "prompts", models.JobStatusSucceeded, ""))

	rec, err := repo.Get(ctx, "job-1", "prompts")
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.NotNil(t, rec.NodeName)
	assert.Nil(t, rec.DurationSeconds)
	assert.Nil(t, rec.PowerConsumedWh)
	assert.Equal(t, 0, power.calls)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	started := time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC)
	clientset := fake.NewSimpleClientset(terminatedPod("job-1", started, started.Add(time.Minute)))

	repo := newTestRepo(t)
	f := New(cluster.NewWithClientset(clientset, "prompts", 1000), repo, nil, nil, nil, zap.NewNop())
	defer f.Stop()

	ctx := context.Background()
	require.NoError(t, f.Finalize(ctx, "job-1", "prompts", models.JobStatusSucceeded, ""))
	require.NoError(t, f.Finalize(ctx, "job-1", "prompts", models.JobStatusSucceeded, ""))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
