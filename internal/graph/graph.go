// Package graph implements the content-addressed task graph at the heart of
// the engine. Every deferred operation becomes a Node: a pure operation
// plus an ordered argument list of literals and references to other nodes.
// Node keys derive only from the operation and its arguments, never from
// node identity or creation time, so structurally identical work built from
// different lineages collapses onto one shared node.
package graph

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/paveg/mammoth/internal/errors"
	"golang.org/x/exp/slices"
)

// TaskKey identifies one task node. Keys are content hashes rendered as
// "<op>-<hex>"; two tasks with equal keys are semantically interchangeable.
type TaskKey string

// Op describes one pure operation. Implementations form a closed set owned
// by the frame layer, plus the deliberately open map-partitions variant
// that wraps an opaque caller function.
type Op interface {
	// Name is the short operation name; it prefixes the task key.
	Name() string
	// Fingerprint feeds every parameter that affects the operation's
	// output into the digest. It must be deterministic.
	Fingerprint(d *xxhash.Digest)
	// Apply runs the operation. args holds, in declaration order, the
	// resolved value of each argument: upstream results for references
	// and the literal value otherwise.
	Apply(ctx context.Context, args []any) (any, error)
}

// Arg is one argument of a task: either a literal value or a reference to
// another node by key.
type Arg struct {
	key TaskKey
	lit any
	ref bool
}

// RefArg references the result of another task.
func RefArg(key TaskKey) Arg { return Arg{key: key, ref: true} }

// LitArg passes a literal by value. Literals participate in content
// addressing by value equality.
func LitArg(v any) Arg { return Arg{lit: v} }

// IsRef reports whether the argument references another node.
func (a Arg) IsRef() bool { return a.ref }

// Key returns the referenced key; empty for literals.
func (a Arg) Key() TaskKey { return a.key }

// Literal returns the literal value; nil for references.
func (a Arg) Literal() any { return a.lit }

// Node is one immutable task in the graph.
type Node struct {
	Key  TaskKey
	Op   Op
	Args []Arg
}

// Deps returns the keys of the nodes this node depends on, in argument
// order, duplicates preserved.
func (n *Node) Deps() []TaskKey {
	deps := make([]TaskKey, 0, len(n.Args))
	for _, a := range n.Args {
		if a.ref {
			deps = append(deps, a.key)
		}
	}
	return deps
}

// Store is a shared, append-only mapping from TaskKey to Node. It is owned
// collectively by every frame derived from a common lineage; tests
// instantiate independent stores for isolation. Insertion is the only
// mutation and is safe under concurrent AddTask calls, including while an
// executor reads the store for a previous request.
type Store struct {
	mu    sync.RWMutex
	nodes map[TaskKey]*Node
}

// NewStore creates an empty graph store.
func NewStore() *Store {
	return &Store{nodes: make(map[TaskKey]*Node)}
}

// AddTask computes the content key for (op, args) and inserts a node if one
// is not already present. Calling AddTask twice with equal operations and
// equal arguments always yields the same key; this is the deduplication
// mechanism, there is no separate optimization pass.
func (s *Store) AddTask(op Op, args ...Arg) TaskKey {
	key := keyFor(op, args)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[key]; !exists {
		s.nodes[key] = &Node{Key: key, Op: op, Args: args}
	}
	return key
}

// Node returns the node stored under key.
func (s *Store) Node(key TaskKey) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, exists := s.nodes[key]
	return n, exists
}

// Len returns the number of unique nodes in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Reachable returns every node reachable from the given terminals; the
// structural union of the terminal sets. Because keys are globally content
// addressed, merging requests is exactly this union: any node reachable
// from more than one terminal appears once. The walk also detects
// cycles; the graph is append-only, so a cycle means a builder bug and
// is fatal.
func (s *Store) Reachable(terminals ...TaskKey) (map[TaskKey]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make(map[TaskKey]int)
	out := make(map[TaskKey]*Node)

	var visit func(key TaskKey) error
	visit = func(key TaskKey) error {
		switch color[key] {
		case black:
			return nil
		case gray:
			return errors.NewGraphCycleError(string(key))
		}
		node, exists := s.nodes[key]
		if !exists {
			return errors.NewInvalidInputError("Graph",
				fmt.Sprintf("dangling task reference %s", key))
		}
		color[key] = gray
		for _, dep := range node.Deps() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[key] = black
		out[key] = node
		return nil
	}

	for _, t := range terminals {
		if err := visit(t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Edge is one dependency edge for introspection: To depends on From.
type Edge struct {
	From TaskKey
	To   TaskKey
}

// Export returns the node set and edges reachable from the terminals, in
// deterministic order, for diagnostic rendering. It is read-only and has
// no side effect on the store.
func (s *Store) Export(terminals ...TaskKey) ([]*Node, []Edge, error) {
	reachable, err := s.Reachable(terminals...)
	if err != nil {
		return nil, nil, err
	}

	keys := make([]TaskKey, 0, len(reachable))
	for key := range reachable {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	nodes := make([]*Node, 0, len(keys))
	var edges []Edge
	for _, key := range keys {
		node := reachable[key]
		nodes = append(nodes, node)
		for _, dep := range node.Deps() {
			edges = append(edges, Edge{From: dep, To: key})
		}
	}
	return nodes, edges, nil
}

// keyFor derives the content key for an operation and its arguments.
func keyFor(op Op, args []Arg) TaskKey {
	d := xxhash.New()
	writeString(d, op.Name())
	op.Fingerprint(d)
	for _, a := range args {
		if a.ref {
			writeString(d, "ref:"+string(a.key))
			continue
		}
		writeString(d, "lit:")
		HashLiteral(d, a.lit)
	}
	return TaskKey(fmt.Sprintf("%s-%016x", op.Name(), d.Sum64()))
}

// HashLiteral feeds a literal value into the digest by value. Supported
// scalar and slice forms cover every literal the closed operation set
// produces; anything else falls back to its %#v rendering, which is
// deterministic for plain values.
func HashLiteral(d *xxhash.Digest, v any) {
	switch x := v.(type) {
	case nil:
		writeString(d, "nil")
	case bool:
		if x {
			writeString(d, "b1")
		} else {
			writeString(d, "b0")
		}
	case int:
		writeUint64(d, 'i', uint64(int64(x)))
	case int64:
		writeUint64(d, 'i', uint64(x))
	case float64:
		writeUint64(d, 'f', math.Float64bits(x))
	case string:
		writeString(d, "s:"+x)
	case []string:
		writeString(d, "ss")
		for _, s := range x {
			writeString(d, s)
		}
	case []int64:
		writeString(d, "si")
		for _, i := range x {
			writeUint64(d, 'i', uint64(i))
		}
	case []float64:
		writeString(d, "sf")
		for _, f := range x {
			writeUint64(d, 'f', math.Float64bits(f))
		}
	case []any:
		writeString(d, "sa")
		for _, e := range x {
			HashLiteral(d, e)
		}
	default:
		writeString(d, fmt.Sprintf("%T:%#v", v, v))
	}
}

func writeString(d *xxhash.Digest, s string) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	_, _ = d.Write(lenBuf[:])
	_, _ = d.WriteString(s)
}

func writeUint64(d *xxhash.Digest, tag byte, v uint64) {
	var buf [9]byte
	buf[0] = tag
	binary.LittleEndian.PutUint64(buf[1:], v)
	_, _ = d.Write(buf[:])
}
