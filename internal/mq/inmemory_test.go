package mq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPublishReceive(t *testing.T) {
	q, err := NewInMemoryMQ(4)
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, TopicJobCompletions, []byte("one")))
	require.NoError(t, q.Publish(ctx, TopicJobCompletions, []byte("two")))

	msg, err := q.Receive(ctx, TopicJobCompletions)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), msg)

	msg, err = q.Receive(ctx, TopicJobCompletions)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), msg)
}

func TestInMemoryPublishFullQueue(t *testing.T) {
	q, err := NewInMemoryMQ(1)
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "t", []byte("one")))
	assert.ErrorIs(t, q.Publish(ctx, "t", []byte("two")), ErrQueueFull)
}

func TestInMemoryReceiveCancelled(t *testing.T) {
	q, err := NewInMemoryMQ(1)
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = q.Receive(ctx, "empty")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInMemoryCloseTopic(t *testing.T) {
	q, err := NewInMemoryMQ(1)
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "t", []byte("one")))
	require.NoError(t, q.CloseTopic("t"))

	// Buffered message drains before the closed topic reports as such.
	msg, err := q.Receive(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), msg)

	_, err = q.Receive(ctx, "t")
	assert.ErrorIs(t, err, ErrTopicClosed)

	assert.ErrorIs(t, q.CloseTopic("missing"), ErrTopicNotExists)
}

func TestInMemoryClose(t *testing.T) {
	q, err := NewInMemoryMQ(1)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Publish(context.Background(), "t", []byte("one")), ErrQueueClosed)
	_, err = q.Receive(context.Background(), "t")
	assert.ErrorIs(t, err, ErrQueueClosed)
}
