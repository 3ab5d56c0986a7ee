package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/nanofarm/jobwatch/internal/db/models"
	"github.com/nanofarm/jobwatch/internal/services/cluster"
)

type finalizeCall struct {
	jobName      string
	namespace    string
	status       models.JobStatus
	errorMessage string
}

type recordingFinalizer struct {
	mu    sync.Mutex
	calls []finalizeCall
}

func (r *recordingFinalizer) Finalize(ctx context.Context, jobName, namespace string, status models.JobStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, finalizeCall{jobName, namespace, status, errorMessage})
	return nil
}

func (r *recordingFinalizer) snapshot() []finalizeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]finalizeCall(nil), r.calls...)
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

func TestWatcherFinalizesTerminalJobsAndReconnects(t *testing.T) {
	clientset := fake.NewSimpleClientset()

	sessions := make(chan *watch.FakeWatcher, 4)
	clientset.PrependWatchReactor("jobs", func(action k8stesting.Action) (bool, watch.Interface, error) {
		fw := watch.NewFake()
		sessions <- fw
		return true, fw, nil
	})

	fin := &recordingFinalizer{}
	w := New(cluster.NewWithClientset(clientset, "prompts", 1000), fin, "llama-scheduler", 300, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	session1 := <-sessions
	session1.Modify(newJob("job-ok", "llama-scheduler", 1, 0))

	require.Eventually(t, func() bool {
		return len(fin.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	call := fin.snapshot()[0]
	assert.Equal(t, "job-ok", call.jobName)
	assert.Equal(t, "prompts", call.namespace)
	assert.Equal(t, models.JobStatusSucceeded, call.status)
	assert.Empty(t, call.errorMessage)

	// Closing the stream must open a fresh session, as a server-side
	// timeout would.
	session1.Stop()
	session2 := <-sessions

	session2.Modify(newJob("job-other", "default-scheduler", 1, 0))
	session2.Modify(newJob("job-running", "llama-scheduler", 0, 0))
	session2.Modify(newJob("job-bad", "llama-scheduler", 0, 1))

	require.Eventually(t, func() bool {
		return len(fin.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	calls := fin.snapshot()
	assert.Equal(t, "job-bad", calls[1].jobName)
	assert.Equal(t, models.JobStatusFailed, calls[1].status)
	assert.Equal(t, "Job failed", calls[1].errorMessage)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancellation")
	}
}

func TestWatcherStopsWhenContextCancelledMidSession(t *testing.T) {
	clientset := fake.NewSimpleClientset()

	sessions := make(chan *watch.FakeWatcher, 1)
	clientset.PrependWatchReactor("jobs", func(action k8stesting.Action) (bool, watch.Interface, error) {
		fw := watch.NewFake()
		sessions <- fw
		return true, fw, nil
	})

	w := New(cluster.NewWithClientset(clientset, "prompts", 1000), &recordingFinalizer{}, "llama-scheduler", 300, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	<-sessions
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancellation")
	}
}
