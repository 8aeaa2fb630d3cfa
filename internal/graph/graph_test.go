package graph

import (
	"context"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gberrors "github.com/paveg/mammoth/internal/errors"
)

// testOp is a trivial operation whose identity is its name plus one
// fingerprint parameter.
type testOp struct {
	name  string
	param string
	fn    func(args []any) (any, error)
}

func (o *testOp) Name() string { return o.name }

func (o *testOp) Fingerprint(d *xxhash.Digest) {
	_, _ = d.WriteString(o.param)
}

func (o *testOp) Apply(_ context.Context, args []any) (any, error) {
	if o.fn != nil {
		return o.fn(args)
	}
	return nil, nil
}

func TestAddTaskDeduplication(t *testing.T) {
	store := NewStore()

	k1 := store.AddTask(&testOp{name: "read", param: "a.csv"}, LitArg(int64(0)))
	k2 := store.AddTask(&testOp{name: "read", param: "a.csv"}, LitArg(int64(0)))
	k3 := store.AddTask(&testOp{name: "read", param: "a.csv"}, LitArg(int64(1)))
	k4 := store.AddTask(&testOp{name: "read", param: "b.csv"}, LitArg(int64(0)))

	assert.Equal(t, k1, k2, "identical op and args must collapse")
	assert.NotEqual(t, k1, k3, "different literal arg must differ")
	assert.NotEqual(t, k1, k4, "different fingerprint must differ")
	assert.Equal(t, 3, store.Len())
}

func TestKeyIncorporatesArgOrder(t *testing.T) {
	store := NewStore()
	a := store.AddTask(&testOp{name: "read", param: "x"})
	b := store.AddTask(&testOp{name: "read", param: "y"})

	ab := store.AddTask(&testOp{name: "sub", param: ""}, RefArg(a), RefArg(b))
	ba := store.AddTask(&testOp{name: "sub", param: ""}, RefArg(b), RefArg(a))
	assert.NotEqual(t, ab, ba)
}

func TestLiteralTypeDistinguished(t *testing.T) {
	store := NewStore()
	op := &testOp{name: "head", param: ""}

	ki := store.AddTask(op, LitArg(int64(5)))
	kf := store.AddTask(op, LitArg(float64(5)))
	ks := store.AddTask(op, LitArg("5"))

	assert.NotEqual(t, ki, kf)
	assert.NotEqual(t, ki, ks)
	assert.NotEqual(t, kf, ks)
}

func TestKeyFormat(t *testing.T) {
	store := NewStore()
	k := store.AddTask(&testOp{name: "filter", param: "p"})
	assert.Regexp(t, `^filter-[0-9a-f]{16}$`, string(k))
}

func TestIntAndInt64LiteralsCollapse(t *testing.T) {
	store := NewStore()
	op := &testOp{name: "head", param: ""}

	assert.Equal(t, store.AddTask(op, LitArg(5)), store.AddTask(op, LitArg(int64(5))))
}

func TestReachableUnionsTerminals(t *testing.T) {
	store := NewStore()
	src := store.AddTask(&testOp{name: "read", param: "a"})
	left := store.AddTask(&testOp{name: "filter", param: "x>1"}, RefArg(src))
	right := store.AddTask(&testOp{name: "filter", param: "x>2"}, RefArg(src))

	reachable, err := store.Reachable(left, right)
	require.NoError(t, err)

	// The shared source appears once in the union.
	assert.Len(t, reachable, 3)
	assert.Contains(t, reachable, src)
	assert.Contains(t, reachable, left)
	assert.Contains(t, reachable, right)
}

func TestReachableDanglingReference(t *testing.T) {
	store := NewStore()
	k := store.AddTask(&testOp{name: "combine", param: ""}, RefArg(TaskKey("read-0000000000000000")))

	_, err := store.Reachable(k)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dangling")
}

func TestReachableDetectsCycle(t *testing.T) {
	store := NewStore()

	// Force a cycle by hand; AddTask cannot build one because a node's
	// key exists only after its dependencies' keys do.
	a := TaskKey("a-0000000000000001")
	b := TaskKey("b-0000000000000002")
	store.nodes[a] = &Node{Key: a, Op: &testOp{name: "a"}, Args: []Arg{RefArg(b)}}
	store.nodes[b] = &Node{Key: b, Op: &testOp{name: "b"}, Args: []Arg{RefArg(a)}}

	_, err := store.Reachable(a)
	require.Error(t, err)
	assert.ErrorIs(t, err, gberrors.ErrGraphCycle)
}

func TestExportDeterministic(t *testing.T) {
	store := NewStore()
	src := store.AddTask(&testOp{name: "read", param: "a"})
	flt := store.AddTask(&testOp{name: "filter", param: "x>1"}, RefArg(src))

	nodes1, edges1, err := store.Export(flt)
	require.NoError(t, err)
	nodes2, edges2, err := store.Export(flt)
	require.NoError(t, err)

	assert.Equal(t, nodes1, nodes2)
	assert.Equal(t, edges1, edges2)
	assert.Len(t, nodes1, 2)
	require.Len(t, edges1, 1)
	assert.Equal(t, src, edges1[0].From)
	assert.Equal(t, flt, edges1[0].To)
}

func TestDeps(t *testing.T) {
	store := NewStore()
	src := store.AddTask(&testOp{name: "read", param: "a"})
	k := store.AddTask(&testOp{name: "slice", param: ""}, RefArg(src), LitArg(int64(3)))

	node, ok := store.Node(k)
	require.True(t, ok)
	assert.Equal(t, []TaskKey{src}, node.Deps())
}
