package frame

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/exec"
	"github.com/paveg/mammoth/internal/graph"
	"github.com/paveg/mammoth/internal/partition"
	"github.com/paveg/mammoth/internal/source"
)

// Computable is anything Compute can evaluate: frames and scalars. All
// items of one call must share a graph store; their terminal sets merge
// into a single request, so work shared between items runs once.
type Computable interface {
	Store() *graph.Store
	Terminals() []graph.TaskKey
	assemble(values map[graph.TaskKey]any) (any, error)
}

// Store implements Computable.
func (f *LazyFrame) Store() *graph.Store { return f.store }

// Terminals implements Computable.
func (f *LazyFrame) Terminals() []graph.TaskKey { return f.Keys() }

// assemble concatenates the partition results in partition order.
func (f *LazyFrame) assemble(values map[graph.TaskKey]any) (any, error) {
	parts := make([]*partition.Partition, len(f.keys))
	for i, key := range f.keys {
		v, ok := values[key]
		if !ok {
			return nil, errors.NewInternalError("Compute",
				fmt.Errorf("missing result for task %s", key))
		}
		p, ok := v.(*partition.Partition)
		if !ok {
			return nil, errors.NewInternalError("Compute",
				fmt.Errorf("task %s produced %T, want partition", key, v))
		}
		parts[i] = p
	}
	return parts[0].Concat(parts[1:]...)
}

// Compute evaluates the items as one merged request and returns one value
// per item, in input order: a concatenated partition for frames, a scalar
// for reductions. The request is all-or-nothing; any task failure fails
// every item.
func Compute(ctx context.Context, cfg exec.Config, items ...Computable) ([]any, error) {
	out, _, err := ComputeWithMetrics(ctx, cfg, items...)
	return out, err
}

// ComputeWithMetrics is Compute plus the executor's run metrics, which
// tests and diagnostics use to observe deduplication and eviction.
func ComputeWithMetrics(ctx context.Context, cfg exec.Config, items ...Computable) ([]any, exec.Metrics, error) {
	if len(items) == 0 {
		return nil, exec.Metrics{}, errors.NewInvalidInputError("Compute", "nothing to compute")
	}
	store := items[0].Store()
	var terminals []graph.TaskKey
	for _, item := range items {
		if item.Store() != store {
			return nil, exec.Metrics{}, errors.NewInvalidInputError("Compute",
				"items belong to different graph stores")
		}
		terminals = append(terminals, item.Terminals()...)
	}

	res, err := exec.Run(ctx, store, terminals, cfg)
	if err != nil {
		return nil, exec.Metrics{}, err
	}

	out := make([]any, len(items))
	for i, item := range items {
		v, err := item.assemble(res.Values)
		if err != nil {
			return nil, exec.Metrics{}, err
		}
		out[i] = v
	}
	return out, res.Metrics, nil
}

// Compute evaluates just this frame and returns its rows as one
// concatenated partition.
func (f *LazyFrame) Compute(ctx context.Context, cfg exec.Config) (*partition.Partition, error) {
	out, err := Compute(ctx, cfg, f)
	if err != nil {
		return nil, err
	}
	return out[0].(*partition.Partition), nil
}

// Compute evaluates the reduction and returns its scalar value: int64 for
// counts, float64 otherwise.
func (s *Scalar) Compute(ctx context.Context, cfg exec.Config) (any, error) {
	out, err := Compute(ctx, cfg, s)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Persist computes the frame's partitions and returns a new frame whose
// partition tasks read the materialized results. Future work on the
// returned frame starts from resident data; the original frame and its
// graph are untouched.
func (f *LazyFrame) Persist(ctx context.Context, cfg exec.Config) (*LazyFrame, error) {
	res, err := exec.Run(ctx, f.store, f.keys, cfg)
	if err != nil {
		return nil, err
	}

	parts := make([]*partition.Partition, len(f.keys))
	for i, key := range f.keys {
		p, ok := res.Values[key].(*partition.Partition)
		if !ok {
			return nil, errors.NewInternalError("Persist",
				fmt.Errorf("task %s produced %T, want partition", key, res.Values[key]))
		}
		parts[i] = p
	}

	srcOpts := []source.Option{source.WithToken("persist:" + uuid.NewString())}
	frameOpts := []Option{WithAllocator(f.mem)}
	if f.divs.Known {
		srcOpts = append(srcOpts, source.WithDivisions(f.divs.Bounds))
		frameOpts = append(frameOpts, WithIndex(f.index))
	}
	src, err := source.FromPartitions(parts, srcOpts...)
	if err != nil {
		return nil, err
	}
	return FromSource(f.store, src, frameOpts...)
}

// Explain exports the graph reachable from the frame's terminals in
// deterministic order. Read-only; useful for diagnostics and tests.
func (f *LazyFrame) Explain() ([]*graph.Node, []graph.Edge, error) {
	return f.store.Export(f.keys...)
}
