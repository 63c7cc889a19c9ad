package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"image-worker/internal/entity"
)

// Target selects the queue a job is pushed to. Worker wins over Group; with
// neither set the job goes to the global queue.
type Target struct {
	Worker string
	Group  string
}

func (t Target) Key() string {
	switch {
	case NormalizeName(t.Worker) != "":
		return PrivateKey(t.Worker)
	case NormalizeName(t.Group) != "":
		return GroupKey(t.Group)
	}
	return GlobalQueueKey
}

// Producer is the client side of the queue: it feeds jobs and commands to
// workers and reads their heartbeats.
type Producer struct {
	rdb redis.Cmdable
}

func NewProducer(rdb redis.Cmdable) *Producer {
	return &Producer{rdb: rdb}
}

func (p *Producer) Enqueue(ctx context.Context, jobID string, target Target) error {
	return p.rdb.RPush(ctx, target.Key(), jobID).Err()
}

func (p *Producer) SendCommand(ctx context.Context, worker string, cmd entity.Command) error {
	if NormalizeName(worker) == "" {
		return errors.New("worker is required")
	}
	return p.rdb.RPush(ctx, CommandKey(worker), string(cmd)).Err()
}

// QueueLength reports how many job ids wait under key.
func (p *Producer) QueueLength(ctx context.Context, key string) (int64, error) {
	return p.rdb.LLen(ctx, key).Result()
}

// WorkerState reads one heartbeat record. Plain status strings written by
// older workers are accepted.
func (p *Producer) WorkerState(ctx context.Context, worker string) (*entity.WorkerState, error) {
	return p.readState(ctx, WorkerKey(worker))
}

// ListWorkers returns the heartbeat of every live worker, sorted by name.
func (p *Producer) ListWorkers(ctx context.Context) ([]entity.WorkerState, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := p.rdb.Scan(ctx, cursor, workerKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan workers: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	states := make([]entity.WorkerState, 0, len(keys))
	for _, key := range keys {
		state, err := p.readState(ctx, key)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Worker < states[j].Worker })
	return states, nil
}

func (p *Producer) readState(ctx context.Context, key string) (*entity.WorkerState, error) {
	raw, err := p.rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	var state entity.WorkerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		state = entity.WorkerState{Status: entity.WorkerStatus(strings.TrimSpace(raw))}
	}
	if state.Worker == "" {
		state.Worker = strings.TrimPrefix(key, workerKeyPrefix)
	}
	if ttl, err := p.rdb.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		state.TTL = ttl.Truncate(time.Second)
	}
	return &state, nil
}
