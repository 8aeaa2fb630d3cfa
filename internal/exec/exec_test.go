package exec

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fErrors "github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/graph"
)

// addOp sums its resolved arguments. calls lets tests count executions.
type addOp struct {
	label string
	calls *atomic.Int64
	delay time.Duration
	fail  error
	part  int
}

func (o *addOp) Name() string { return "add" }

func (o *addOp) Fingerprint(d *xxhash.Digest) {
	_, _ = d.WriteString(o.label)
}

func (o *addOp) Apply(_ context.Context, args []any) (any, error) {
	if o.calls != nil {
		o.calls.Add(1)
	}
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	if o.fail != nil {
		return nil, o.fail
	}
	sum := int64(0)
	for _, a := range args {
		sum += a.(int64)
	}
	return sum, nil
}

func (o *addOp) Partition() int { return o.part }

func TestRunLinearChain(t *testing.T) {
	store := graph.NewStore()
	op := &addOp{part: -1}

	key := store.AddTask(op, graph.LitArg(int64(1)))
	for i := 0; i < 9; i++ {
		key = store.AddTask(op, graph.RefArg(key), graph.LitArg(int64(1)))
	}

	res, err := Run(context.Background(), store, []graph.TaskKey{key}, Config{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Values[key])
	assert.Equal(t, 10, res.Metrics.TasksExecuted)
}

func TestRunSharedDependencyExecutesOnce(t *testing.T) {
	store := graph.NewStore()
	var calls atomic.Int64
	src := &addOp{label: "src", calls: &calls, part: -1}

	base := store.AddTask(src, graph.LitArg(int64(7)))
	left := store.AddTask(&addOp{label: "l", part: -1}, graph.RefArg(base), graph.LitArg(int64(1)))
	right := store.AddTask(&addOp{label: "r", part: -1}, graph.RefArg(base), graph.LitArg(int64(2)))

	res, err := Run(context.Background(), store, []graph.TaskKey{left, right}, Config{Workers: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Values[left])
	assert.Equal(t, int64(9), res.Values[right])
	assert.Equal(t, int64(1), calls.Load(), "shared node must run exactly once")
	assert.Equal(t, 3, res.Metrics.TasksExecuted)
}

func TestRunEvictsDrainedIntermediates(t *testing.T) {
	store := graph.NewStore()
	op := &addOp{part: -1}

	key := store.AddTask(op, graph.LitArg(int64(0)))
	chain := []graph.TaskKey{key}
	for i := 0; i < 49; i++ {
		key = store.AddTask(op, graph.RefArg(key), graph.LitArg(int64(1)))
		chain = append(chain, key)
	}

	var evicted []graph.TaskKey
	res, err := Run(context.Background(), store, []graph.TaskKey{key}, Config{
		Workers: 1,
		OnEvict: func(k graph.TaskKey) { evicted = append(evicted, k) },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(49), res.Values[key])

	// Every link except the pinned terminal is released, and never more
	// than a couple of results are live at once on a single worker.
	assert.Len(t, evicted, 49)
	assert.NotContains(t, evicted, key)
	assert.LessOrEqual(t, res.Metrics.PeakResident, 2)
	assert.Equal(t, 49, res.Metrics.Evictions)
}

func TestRunDisableEvictionKeepsEverything(t *testing.T) {
	store := graph.NewStore()
	op := &addOp{part: -1}

	key := store.AddTask(op, graph.LitArg(int64(0)))
	for i := 0; i < 9; i++ {
		key = store.AddTask(op, graph.RefArg(key), graph.LitArg(int64(1)))
	}

	res, err := Run(context.Background(), store, []graph.TaskKey{key}, Config{
		Workers:         1,
		DisableEviction: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.Values[key])
	assert.Equal(t, 0, res.Metrics.Evictions)
	assert.Equal(t, 10, res.Metrics.PeakResident)
}

func TestRunKeepsTerminalWithDownstreamConsumers(t *testing.T) {
	store := graph.NewStore()
	op := &addOp{part: -1}

	mid := store.AddTask(op, graph.LitArg(int64(5)))
	top := store.AddTask(op, graph.RefArg(mid), graph.LitArg(int64(1)))

	// mid is both an intermediate of top and a requested terminal; it
	// must survive eviction.
	res, err := Run(context.Background(), store, []graph.TaskKey{mid, top}, Config{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Values[mid])
	assert.Equal(t, int64(6), res.Values[top])
	assert.Equal(t, 0, res.Metrics.Evictions)
}

func TestRunFailureIsAtomic(t *testing.T) {
	store := graph.NewStore()

	good := store.AddTask(&addOp{label: "ok", part: -1}, graph.LitArg(int64(1)))
	bad := store.AddTask(&addOp{label: "bad", fail: fmt.Errorf("corrupt row"), part: 3})
	both := store.AddTask(&addOp{label: "join", part: -1}, graph.RefArg(good), graph.RefArg(bad))

	res, err := Run(context.Background(), store, []graph.TaskKey{both}, Config{Workers: 2})
	require.Error(t, err)
	assert.Nil(t, res, "a failed run returns no partial results")
	assert.ErrorIs(t, err, fErrors.ErrTaskExecution)
	assert.Contains(t, err.Error(), "partition 3")
	assert.Contains(t, err.Error(), "corrupt row")
}

func TestRunRecoversPanics(t *testing.T) {
	store := graph.NewStore()

	// Applying add to a string literal panics inside the worker.
	key := store.AddTask(&addOp{label: "boom", part: 0}, graph.LitArg("oops"))

	_, err := Run(context.Background(), store, []graph.TaskKey{key}, Config{Workers: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, fErrors.ErrTaskExecution)
	assert.Contains(t, err.Error(), "panic")
}

func TestRunCancellation(t *testing.T) {
	store := graph.NewStore()
	var calls atomic.Int64
	slow := &addOp{label: "slow", calls: &calls, delay: 50 * time.Millisecond, part: -1}

	key := store.AddTask(slow, graph.LitArg(int64(1)))
	for i := 0; i < 20; i++ {
		key = store.AddTask(&addOp{label: fmt.Sprintf("s%d", i), calls: &calls,
			delay: 50 * time.Millisecond, part: -1},
			graph.RefArg(key), graph.LitArg(int64(1)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, store, []graph.TaskKey{key}, Config{Workers: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, fErrors.ErrCancelled)
	// In-flight work finishes, pending work is abandoned.
	assert.Less(t, calls.Load(), int64(21))
}

func TestRunDefaultWorkerCount(t *testing.T) {
	store := graph.NewStore()
	key := store.AddTask(&addOp{part: -1}, graph.LitArg(int64(2)), graph.LitArg(int64(3)))

	res, err := Run(context.Background(), store, []graph.TaskKey{key}, Config{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Values[key])
}
