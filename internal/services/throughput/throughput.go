package throughput

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/nanofarm/jobwatch/internal/db/repository"
	"github.com/nanofarm/jobwatch/internal/services/cluster"
)

const (
	// AnnotationKey is the node annotation the external scheduler reads.
	AnnotationKey = "tokens-per-second"

	// DefaultTokensPerSecond is assigned to nodes with no qualifying
	// history; it is low enough that the scheduler will still explore
	// them.
	DefaultTokensPerSecond = 1.0
)

// Publisher computes a node's observed generation speed from its
// historical job records and writes it back onto the node object as an
// annotation. Feedback is an optimization signal; failures are logged
// and never fatal.
type Publisher struct {
	jobs    repository.IJobResultRepository
	nodes   repository.INodeRepository
	cluster *cluster.Client
	logger  *zap.Logger
}

func NewPublisher(jobs repository.IJobResultRepository, nodes repository.INodeRepository, cluster *cluster.Client, logger *zap.Logger) *Publisher {
	return &Publisher{
		jobs:    jobs,
		nodes:   nodes,
		cluster: cluster,
		logger:  logger,
	}
}

func (p *Publisher) Publish(ctx context.Context, nodeName string) error {
	speed, err := p.NodeThroughput(ctx, nodeName)
	if err != nil {
		return fmt.Errorf("failed to compute throughput for node %s: %w", nodeName, err)
	}

	value := strconv.FormatFloat(speed, 'f', -1, 64)
	if err := p.cluster.AnnotateNode(ctx, nodeName, AnnotationKey, value); err != nil {
		return err
	}

	p.logger.Info("published node throughput",
		zap.String("node", nodeName),
		zap.Float64("tokens_per_second", speed))

	return nil
}

// NodeThroughput returns the node's average tokens/second, or the
// neutral default when it has no record with both duration and token
// count.
func (p *Publisher) NodeThroughput(ctx context.Context, nodeName string) (float64, error) {
	secondsPerToken, ok, err := p.jobs.NodeSecondsPerToken(ctx, nodeName)
	if err != nil {
		return 0, err
	}
	if !ok || secondsPerToken <= 0 {
		return DefaultTokensPerSecond, nil
	}

	return 1 / secondsPerToken, nil
}

// AllNodeThroughputs covers every registered node, with the neutral
// default filled in for nodes that have no qualifying history yet.
func (p *Publisher) AllNodeThroughputs(ctx context.Context) (map[string]float64, error) {
	averages, err := p.jobs.AllNodeSecondsPerToken(ctx)
	if err != nil {
		return nil, err
	}

	throughputs := make(map[string]float64, len(averages))
	for nodeName, secondsPerToken := range averages {
		if secondsPerToken <= 0 {
			throughputs[nodeName] = DefaultTokensPerSecond
			continue
		}
		throughputs[nodeName] = 1 / secondsPerToken
	}

	registered, err := p.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, node := range registered {
		if _, ok := throughputs[node.NodeName]; !ok {
			throughputs[node.NodeName] = DefaultTokensPerSecond
		}
	}

	return throughputs, nil
}
