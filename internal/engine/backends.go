package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"image-worker/internal/entity"
)

// Backends is the set of engine processes this worker drives. The first one
// serves generation; all of them must be healthy.
type Backends struct {
	clients []*Client
}

func NewBackends(clients ...*Client) (*Backends, error) {
	if len(clients) == 0 {
		return nil, errors.New("engine: at least one backend is required")
	}
	return &Backends{clients: clients}, nil
}

func (b *Backends) Primary() *Client { return b.clients[0] }

func (b *Backends) Len() int { return len(b.clients) }

func (b *Backends) Generate(ctx context.Context, jobType entity.JobType, payload *entity.Map) (*Result, error) {
	return b.Primary().Generate(ctx, jobType, payload)
}

func (b *Backends) SetModel(ctx context.Context, name string) error {
	return b.Primary().SetModel(ctx, name)
}

func (b *Backends) RecoversOutputOnDisk() bool {
	return b.Primary().RecoversOutputOnDisk()
}

// HealthCheck probes every backend concurrently and fails if any is down.
func (b *Backends) HealthCheck(ctx context.Context) error {
	return b.each(ctx, func(ctx context.Context, c *Client) error {
		return c.QueueStatus(ctx)
	})
}

// Restart asks every backend to restart.
func (b *Backends) Restart(ctx context.Context) error {
	return b.each(ctx, func(ctx context.Context, c *Client) error {
		return c.Restart(ctx)
	})
}

func (b *Backends) each(ctx context.Context, fn func(context.Context, *Client) error) error {
	errs := make([]error, len(b.clients))
	var g errgroup.Group
	for i, c := range b.clients {
		g.Go(func() error {
			if err := fn(ctx, c); err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.URL(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
