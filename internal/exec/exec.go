// Package exec runs task graphs. A single scheduler loop owns all
// bookkeeping state and dispatches ready tasks to a bounded worker pool;
// workers never touch shared maps. Intermediate results are evicted as
// soon as their last dependent has consumed them, so resident memory
// tracks the execution frontier rather than the total graph size.
package exec

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/graph"
)

// Config controls one execution run.
type Config struct {
	// Workers is the maximum number of tasks running concurrently.
	// Defaults to runtime.NumCPU().
	Workers int
	// OnEvict, when set, is invoked from the scheduler loop each time an
	// intermediate result is released. Used for instrumentation.
	OnEvict func(key graph.TaskKey)
	// DisableEviction keeps every intermediate result resident for the
	// whole run. Diagnostics only; memory grows with the graph.
	DisableEviction bool
}

// Metrics reports what one run did.
type Metrics struct {
	// TasksExecuted counts tasks actually run. Under deduplication this
	// can be far below the number of logical operations requested.
	TasksExecuted int
	// Evictions counts intermediate results released before the run
	// finished.
	Evictions int
	// PeakResident is the largest number of results held at once.
	PeakResident int
}

// Result holds the values of the requested terminals plus run metrics.
type Result struct {
	Values  map[graph.TaskKey]any
	Metrics Metrics
}

// partitioned is implemented by operations that know which input partition
// they act on; the index feeds error attribution.
type partitioned interface {
	Partition() int
}

type workItem struct {
	node *graph.Node
	args []any
}

type taskResult struct {
	key   graph.TaskKey
	value any
	err   error
}

// Run executes every node reachable from the terminals and returns the
// terminal values. A failing task fails the whole run: no partial results
// are returned, the first error in completion order wins, and tasks
// already running are allowed to finish before Run returns. Cancelling ctx
// stops new dispatch the same way and surfaces a cancellation error.
func Run(ctx context.Context, store *graph.Store, terminals []graph.TaskKey, cfg Config) (*Result, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	nodes, err := store.Reachable(terminals...)
	if err != nil {
		return nil, err
	}

	pinned := make(map[graph.TaskKey]bool, len(terminals))
	for _, t := range terminals {
		pinned[t] = true
	}

	// pending counts unfinished distinct dependencies per node; uses
	// counts distinct dependents still waiting to consume each result.
	pending := make(map[graph.TaskKey]int, len(nodes))
	uses := make(map[graph.TaskKey]int, len(nodes))
	dependents := make(map[graph.TaskKey][]graph.TaskKey, len(nodes))

	var ready []graph.TaskKey
	for key, node := range nodes {
		deps := distinct(node.Deps())
		pending[key] = len(deps)
		for _, dep := range deps {
			uses[dep]++
			dependents[dep] = append(dependents[dep], key)
		}
		if len(deps) == 0 {
			ready = append(ready, key)
		}
	}

	work := make(chan workItem)
	results := make(chan taskResult, cfg.Workers)

	var wg sync.WaitGroup
	for range cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				value, err := applyTask(ctx, item.node, item.args)
				results <- taskResult{key: item.node.Key, value: value, err: err}
			}
		}()
	}

	values := make(map[graph.TaskKey]any)
	var metrics Metrics
	var firstErr error
	inflight := 0
	resident := 0

	dispatch := func() {
		for len(ready) > 0 && inflight < cfg.Workers && firstErr == nil {
			key := ready[len(ready)-1]
			ready = ready[:len(ready)-1]
			node := nodes[key]
			// Resolve arguments in the scheduler, before dispatch:
			// the referenced results may be evicted while the task
			// runs, and workers never read the values map.
			args := make([]any, len(node.Args))
			for i, a := range node.Args {
				if a.IsRef() {
					args[i] = values[a.Key()]
				} else {
					args[i] = a.Literal()
				}
			}
			work <- workItem{node: node, args: args}
			inflight++
		}
	}

	complete := func(res taskResult) {
		inflight--
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			return
		}
		if firstErr != nil {
			// The run already failed; drop the result.
			return
		}
		metrics.TasksExecuted++
		values[res.key] = res.value
		resident++
		if resident > metrics.PeakResident {
			metrics.PeakResident = resident
		}
		for _, dependent := range dependents[res.key] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		if cfg.DisableEviction {
			return
		}
		for _, dep := range distinct(nodes[res.key].Deps()) {
			uses[dep]--
			if uses[dep] == 0 && !pinned[dep] {
				delete(values, dep)
				resident--
				metrics.Evictions++
				if cfg.OnEvict != nil {
					cfg.OnEvict(dep)
				}
			}
		}
	}

	for {
		dispatch()
		if inflight == 0 {
			break
		}
		select {
		case res := <-results:
			complete(res)
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = errors.NewCancelledError("Compute", ctx.Err())
			}
			// Let in-flight tasks finish; their results are dropped.
			for inflight > 0 {
				complete(<-results)
			}
		}
	}
	close(work)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("Compute", err)
	}

	out := make(map[graph.TaskKey]any, len(terminals))
	for _, t := range terminals {
		out[t] = values[t]
	}
	return &Result{Values: out, Metrics: metrics}, nil
}

// applyTask runs one operation, converting panics and plain errors into a
// task execution error attributed to the failing task and, when the
// operation knows it, the partition index.
func applyTask(ctx context.Context, node *graph.Node, args []any) (value any, err error) {
	part := -1
	if p, ok := node.Op.(partitioned); ok {
		part = p.Partition()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewTaskExecutionError(string(node.Key), part,
				fmt.Errorf("panic: %v", r))
		}
	}()

	value, err = node.Op.Apply(ctx, args)
	if err != nil {
		return nil, errors.NewTaskExecutionError(string(node.Key), part, err)
	}
	return value, nil
}

func distinct(keys []graph.TaskKey) []graph.TaskKey {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[graph.TaskKey]bool, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
