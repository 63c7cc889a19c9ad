package service

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-worker/internal/entity"
)

func TestProducer(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	p := NewProducer(rdb)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, "a", Target{}))
	require.NoError(t, p.Enqueue(ctx, "b", Target{}))
	list, err := mr.List("queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)

	n, err := p.QueueLength(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, p.SendCommand(ctx, "GPU 1", entity.CommandRestartBackend))
	list, err = mr.List("command_gpu_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"RESTART_BACKEND"}, list)
	assert.Error(t, p.SendCommand(ctx, " ", entity.CommandStop))
}

func TestProducerListWorkers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	require.NoError(t, mr.Set("worker_b", `{"worker":"b","status":"STANDBY","updated_at":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, mr.Set("worker_a", "PROCESSING"))
	require.NoError(t, mr.Set("queue", "not a worker"))

	states, err := NewProducer(rdb).ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].Worker)
	assert.Equal(t, entity.WorkerProcessing, states[0].Status)
	assert.Equal(t, entity.WorkerStandby, states[1].Status)
}
