package mq

import (
	"context"
	"errors"

	"github.com/nanofarm/jobwatch/internal/config"
)

var (
	ErrTopicNotExists = errors.New("topic does not exist")
	ErrQueueFull      = errors.New("queue is full")
	ErrQueueClosed    = errors.New("queue closed")
	ErrTopicClosed    = errors.New("topic closed")
)

// TopicJobCompletions carries one JSON event per finalized job for
// downstream consumers such as the external scheduler.
const TopicJobCompletions = "job.completions"

type MQ interface {
	Publish(ctx context.Context, topic string, message []byte) error
	Receive(ctx context.Context, topic string) ([]byte, error)
	CloseTopic(topic string) error
	Close() error
}

func NewMQ(cfg *config.Config) (MQ, error) {
	if cfg != nil && cfg.Pulsar != nil {
		return NewPulsarMQ(cfg.Pulsar)
	}

	return NewInMemoryMQ(64)
}
