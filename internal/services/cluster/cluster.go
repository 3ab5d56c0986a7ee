package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// PodInfo is the placement and timing metadata finalization needs from
// a job's pod. Pointer fields are nil when the pod or its terminated
// state is gone; callers proceed with whatever is present.
type PodInfo struct {
	PodName     string
	NodeName    string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Client is a narrow wrapper over the platform API: list/watch jobs in
// the managed namespace, locate a job's pod, read tail-bounded logs,
// and patch node annotations.
type Client struct {
	clientset kubernetes.Interface
	namespace string
	tailLines int64
}

// NewClient builds a client from in-cluster config, falling back to
// the local kubeconfig for development. Failure here is a startup
// configuration error; the engine does not run without it.
func NewClient(namespace string, tailLines int64) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = filepath.Join(os.Getenv("HOME"), ".kube", "config")
		}

		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cluster config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	return NewWithClientset(clientset, namespace, tailLines), nil
}

func NewWithClientset(clientset kubernetes.Interface, namespace string, tailLines int64) *Client {
	if namespace == "" {
		namespace = "default"
	}

	return &Client{
		clientset: clientset,
		namespace: namespace,
		tailLines: tailLines,
	}
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) ListJobs(ctx context.Context) ([]batchv1.Job, error) {
	jobs, err := c.clientset.BatchV1().Jobs(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs.Items, nil
}

// WatchJobs opens a time-bounded change-feed session. The server closes
// the stream after timeoutSeconds; callers reopen it, which is what
// guards against silently stalled streams.
func (c *Client) WatchJobs(ctx context.Context, timeoutSeconds int64) (watch.Interface, error) {
	return c.clientset.BatchV1().Jobs(c.namespace).Watch(ctx, metav1.ListOptions{
		TimeoutSeconds: &timeoutSeconds,
	})
}

// PodForJob returns placement and timing info for the job's pod, or
// nil when the pod has already been garbage-collected.
func (c *Client) PodForJob(ctx context.Context, jobName string) (*PodInfo, error) {
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", jobName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods for job %s: %w", jobName, err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}

	pod := pods.Items[0]
	info := &PodInfo{
		PodName:  pod.Name,
		NodeName: pod.Spec.NodeName,
	}

	if len(pod.Status.ContainerStatuses) > 0 {
		if terminated := pod.Status.ContainerStatuses[0].State.Terminated; terminated != nil {
			if !terminated.StartedAt.IsZero() {
				t := terminated.StartedAt.Time
				info.StartedAt = &t
			}
			if !terminated.FinishedAt.IsZero() {
				t := terminated.FinishedAt.Time
				info.CompletedAt = &t
			}
		}
	}

	return info, nil
}

func (c *Client) PodLogs(ctx context.Context, podName string) (string, error) {
	req := c.clientset.CoreV1().Pods(c.namespace).GetLogs(podName, &corev1.PodLogOptions{
		TailLines: &c.tailLines,
	})

	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read logs for pod %s: %w", podName, err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func (c *Client) AnnotateNode(ctx context.Context, nodeName, key, value string) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{key: value},
		},
	})
	if err != nil {
		return err
	}

	_, err = c.clientset.CoreV1().Nodes().Patch(ctx, nodeName, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("failed to annotate node %s: %w", nodeName, err)
	}

	return nil
}

func (c *Client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	return nodes.Items, nil
}

// OwnedBy reports whether the job's pod template names the given
// scheduler; jobs placed by any other scheduler are ignored.
func OwnedBy(job *batchv1.Job, schedulerName string) bool {
	return job.Spec.Template.Spec.SchedulerName == schedulerName
}
