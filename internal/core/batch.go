package core

import (
	"context"
	"math/rand"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ApplyBatch runs Apply over samples with at most workers goroutines
// (GOMAXPROCS when workers <= 0). Sample i draws from its own generator
// seeded seed+i, so results do not depend on scheduling. The first error
// cancels the samples not yet started.
func (p *Pipeline) ApplyBatch(ctx context.Context, seed int64, samples []*Sample, workers int) ([]*Output, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	outputs := make([]*Output, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, s := range samples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := p.Apply(rand.New(rand.NewSource(seed+int64(i))), s)
			if err != nil {
				return errors.WithMessagef(err, "sample %d", i)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}
