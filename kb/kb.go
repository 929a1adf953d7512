package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/signalsfoundry/weathermap/model"
)

var (
	ErrNodeExists   = errors.New("node already exists")
	ErrNodeNotFound = errors.New("node not found")
	ErrInvalidNode  = errors.New("invalid node")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	// EventNodesReplaced is emitted when a map load swaps the node set.
	EventNodesReplaced EventType = iota
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type  EventType
	Nodes int
}

// KnowledgeBase is an in-memory, thread-safe store for the nodes of the
// loaded map. It is also the simulation handle routes are solved against:
// positions written by the layout are visible to the next nearest-node query.
type KnowledgeBase struct {
	mu sync.RWMutex

	nodes map[string]*model.Node

	// tree indexes node positions; nil after any move until the next
	// nearest-node query rebuilds it.
	tree *kdtree.Tree

	subs   map[int]func(Event)
	nextID int
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		nodes: make(map[string]*model.Node),
		subs:  make(map[int]func(Event)),
	}
}

// Replace swaps the whole node set, keeping the current position of nodes
// that survive the reload unless they are pinned.
func (kb *KnowledgeBase) Replace(nodes []model.Node) error {
	next := make(map[string]*model.Node, len(nodes))
	for i := range nodes {
		n := nodes[i]
		if n.Name == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidNode)
		}
		if _, dup := next[n.Name]; dup {
			return fmt.Errorf("%w: %q", ErrNodeExists, n.Name)
		}
		next[n.Name] = &n
	}

	kb.mu.Lock()
	for name, n := range next {
		if old, ok := kb.nodes[name]; ok && !n.Fixed {
			n.X, n.Y = old.X, old.Y
		}
	}
	kb.nodes = next
	kb.tree = nil
	subs := kb.subscribers()
	kb.mu.Unlock()

	// outside the lock: subscribers read the new node set back
	for _, sub := range subs {
		sub(Event{Type: EventNodesReplaced, Nodes: len(next)})
	}
	return nil
}

// ListNodes returns a snapshot of all nodes sorted by name.
func (kb *KnowledgeBase) ListNodes() []model.Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.Node, 0, len(kb.nodes))
	for _, n := range kb.nodes {
		res = append(res, *n)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// Nodes is ListNodes; it lets the KB serve as a core.Space.
func (kb *KnowledgeBase) Nodes() []model.Node { return kb.ListNodes() }

// Position returns the current position of the named node.
func (kb *KnowledgeBase) Position(name string) (r2.Vec, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	n, ok := kb.nodes[name]
	if !ok {
		return r2.Vec{}, false
	}
	return r2.Vec{X: n.X, Y: n.Y}, true
}

// UpdateNodePosition moves a node. Moves happen every layout frame and are
// not announced to subscribers.
func (kb *KnowledgeBase) UpdateNodePosition(name string, p r2.Vec) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	n, ok := kb.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	n.X, n.Y = p.X, p.Y
	kb.tree = nil
	return nil
}

// Nearest returns the node closest to p, provided it lies within radius.
func (kb *KnowledgeBase) Nearest(p r2.Vec, radius float64) (string, r2.Vec, bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if len(kb.nodes) == 0 {
		return "", r2.Vec{}, false
	}
	if kb.tree == nil {
		pts := make(nodePoints, 0, len(kb.nodes))
		for _, n := range kb.nodes {
			pts = append(pts, nodePoint{name: n.Name, pos: r2.Vec{X: n.X, Y: n.Y}})
		}
		kb.tree = kdtree.New(pts, false)
	}

	got, dist := kb.tree.Nearest(nodePoint{pos: p})
	if got == nil || dist > radius*radius {
		return "", r2.Vec{}, false
	}
	np := got.(nodePoint)
	return np.name, np.pos, true
}

// Subscribe registers a callback for KB events. It returns an unsubscribe
// function; calling it more than once is harmless.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextID
	kb.nextID++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

// subscribers returns the callbacks in registration order. Callers hold mu.
func (kb *KnowledgeBase) subscribers() []func(Event) {
	ids := make([]int, 0, len(kb.subs))
	for id := range kb.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, kb.subs[id])
	}
	return out
}

// nodePoint is a named position in the kd-tree. Distance is squared, as
// the tree expects.
type nodePoint struct {
	name string
	pos  r2.Vec
}

func (p nodePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(nodePoint)
	if d == 0 {
		return p.pos.X - q.pos.X
	}
	return p.pos.Y - q.pos.Y
}

func (p nodePoint) Dims() int { return 2 }

func (p nodePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(nodePoint)
	d := r2.Sub(p.pos, q.pos)
	return d.X*d.X + d.Y*d.Y
}

type nodePoints []nodePoint

func (p nodePoints) Index(i int) kdtree.Comparable { return p[i] }
func (p nodePoints) Len() int                      { return len(p) }
func (p nodePoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// Pivot sorts along d and returns the median.
func (p nodePoints) Pivot(d kdtree.Dim) int {
	sort.Slice(p, func(i, j int) bool {
		if d == 0 {
			return p[i].pos.X < p[j].pos.X
		}
		return p[i].pos.Y < p[j].pos.Y
	})
	return len(p) / 2
}
