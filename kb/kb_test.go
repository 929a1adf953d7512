package kb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/signalsfoundry/weathermap/core"
	"github.com/signalsfoundry/weathermap/model"
)

var _ core.Space = (*KnowledgeBase)(nil)

func newStore(t *testing.T, nodes ...model.Node) *KnowledgeBase {
	t.Helper()
	store := NewKnowledgeBase()
	if err := store.Replace(nodes); err != nil {
		t.Fatalf("Replace error: %v", err)
	}
	return store
}

func TestReplaceRejectsBadNodes(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.Replace([]model.Node{{Name: "x"}, {Name: "x"}}); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	if err := store.Replace([]model.Node{{}}); !errors.Is(err, ErrInvalidNode) {
		t.Fatalf("expected ErrInvalidNode, got %v", err)
	}
}

func TestListNodesSorted(t *testing.T) {
	store := newStore(t, model.Node{Name: "c"}, model.Node{Name: "a"}, model.Node{Name: "b"})
	got := store.ListNodes()
	if len(got) != 3 || got[0].Name != "a" || got[2].Name != "c" {
		t.Fatalf("ListNodes = %+v", got)
	}
}

func TestUpdateNodePosition(t *testing.T) {
	store := newStore(t, model.Node{Name: "n1"})

	var events int
	store.Subscribe(func(Event) { events++ })

	if err := store.UpdateNodePosition("n1", r2.Vec{X: 5, Y: 6}); err != nil {
		t.Fatalf("UpdateNodePosition error: %v", err)
	}
	if p, _ := store.Position("n1"); p != (r2.Vec{X: 5, Y: 6}) {
		t.Fatalf("Position = %v", p)
	}
	if events != 0 {
		t.Fatalf("moves should not be announced, got %d events", events)
	}
	if err := store.UpdateNodePosition("missing", r2.Vec{}); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestUnsubscribeRemovesOnlyItsCallback(t *testing.T) {
	store := NewKnowledgeBase()
	var mu sync.Mutex
	got := map[string]int{}
	record := func(name string) func(Event) {
		return func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			if e.Type == EventNodesReplaced {
				got[name]++
			}
		}
	}
	unsubA := store.Subscribe(record("a"))
	unsubB := store.Subscribe(record("b"))
	store.Subscribe(record("c"))

	unsubA()
	// a second call must not remove whichever callback moved into a's place
	unsubA()
	if err := store.Replace([]model.Node{{Name: "n1"}}); err != nil {
		t.Fatalf("Replace error: %v", err)
	}
	unsubB()
	if err := store.Replace([]model.Node{{Name: "n1"}, {Name: "n2"}}); err != nil {
		t.Fatalf("Replace error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 0 || got["b"] != 1 || got["c"] != 2 {
		t.Fatalf("deliveries = %v", got)
	}
}

func TestNearestWithinRadius(t *testing.T) {
	var nodes []model.Node
	for i := 0; i < 20; i++ {
		nodes = append(nodes, model.Node{Name: fmt.Sprintf("n%02d", i), X: float64(i * 50), Y: float64((i % 4) * 50)})
	}
	store := newStore(t, nodes...)

	name, pos, ok := store.Nearest(r2.Vec{X: 252, Y: 48}, 10)
	if !ok || name != "n05" || pos != (r2.Vec{X: 250, Y: 50}) {
		t.Fatalf("Nearest = %q %v %v", name, pos, ok)
	}
	if _, _, ok := store.Nearest(r2.Vec{X: 275, Y: 500}, 10); ok {
		t.Fatalf("expected no node within radius")
	}

	// moving a node must be visible to the next query
	if err := store.UpdateNodePosition("n05", r2.Vec{X: 2000, Y: 2000}); err != nil {
		t.Fatalf("UpdateNodePosition error: %v", err)
	}
	name, _, ok = store.Nearest(r2.Vec{X: 1990, Y: 1995}, 50)
	if !ok || name != "n05" {
		t.Fatalf("Nearest after move = %q %v", name, ok)
	}
}

func TestNearestEmpty(t *testing.T) {
	if _, _, ok := NewKnowledgeBase().Nearest(r2.Vec{}, 100); ok {
		t.Fatalf("empty KB returned a node")
	}
}

func TestReplaceKeepsPositions(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.Replace([]model.Node{{Name: "a", X: 1}, {Name: "b", X: 2}}); err != nil {
		t.Fatalf("Replace error: %v", err)
	}
	if err := store.UpdateNodePosition("a", r2.Vec{X: 40}); err != nil {
		t.Fatalf("UpdateNodePosition error: %v", err)
	}

	var replaced []Event
	store.Subscribe(func(e Event) {
		if e.Type == EventNodesReplaced {
			replaced = append(replaced, e)
		}
	})
	if err := store.Replace([]model.Node{{Name: "a", X: 1}, {Name: "c", X: 3, Fixed: true}}); err != nil {
		t.Fatalf("Replace error: %v", err)
	}
	if p, _ := store.Position("a"); p.X != 40 {
		t.Fatalf("surviving node lost its position: %v", p)
	}
	if _, ok := store.Position("b"); ok {
		t.Fatalf("removed node still present")
	}
	if len(replaced) != 1 || replaced[0].Nodes != 2 {
		t.Fatalf("replace events = %+v", replaced)
	}
}

const yamlMap = `name: Backbone
group: core
nodes:
  - {name: slc-core, x: 0, y: 0, fixed: true}
  - {name: prv-core, x: 200, y: 0}
  - {name: isp, x: 400, y: 0, remote: true}
edge_nodes: [prv-core]
aggregates:
  - up: Internet out
    down: Internet in
    x: 10
    y: 20
    links:
      - [slc-core, isp]
`

const jsonMap = `{"name": "Campus", "group": "core", "nodes": [{"name": "a"}, {"name": "b"}]}`

func TestParseMapYAML(t *testing.T) {
	m, err := ParseMap([]byte(yamlMap), ".yaml")
	if err != nil {
		t.Fatalf("ParseMap error: %v", err)
	}
	if m.Name != "Backbone" || len(m.Nodes) != 3 || len(m.Aggregates) != 1 {
		t.Fatalf("unexpected map %+v", m)
	}
	if m.Aggregates[0].Pairs[0] != [2]string{"slc-core", "isp"} {
		t.Fatalf("aggregate pairs = %+v", m.Aggregates[0].Pairs)
	}
	if got := m.NodeNames(); len(got) != 2 {
		t.Fatalf("NodeNames = %v", got)
	}
	if got := m.RemoteNames(); len(got) != 1 || got[0] != "isp" {
		t.Fatalf("RemoteNames = %v", got)
	}
	nodes := m.ModelNodes()
	if !nodes[0].Fixed || !nodes[2].Remote {
		t.Fatalf("flags not carried: %+v", nodes)
	}
}

func TestParseMapErrors(t *testing.T) {
	cases := map[string]struct {
		data string
		ext  string
	}{
		"missing name":            {`{"nodes": [{"name": "a"}]}`, ".json"},
		"no nodes":                {`{"name": "x", "nodes": []}`, ".json"},
		"unnamed node":            {`{"name": "x", "nodes": [{"x": 1}]}`, ".json"},
		"duplicate node":          {`{"name": "x", "nodes": [{"name": "a"}, {"name": "a"}]}`, ".json"},
		"unknown edge":            {`{"name": "x", "nodes": [{"name": "a"}], "edge_nodes": ["b"]}`, ".json"},
		"bad aggregate":           {`{"name": "x", "nodes": [{"name": "a"}], "aggregates": [{"up": "u", "down": "d", "links": []}]}`, ".json"},
		"bad syntax":              {`{"name": `, ".json"},
		"unknown field":           {"name: x\nnodes: [{name: a}]\ncolour: red\n", ".yaml"},
		"bad extension":           {jsonMap, ".toml"},
		"short link pair":         {`{"name": "x", "nodes": [{"name": "a"}], "aggregates": [{"up": "u", "down": "d", "links": [["a"]]}]}`, ".json"},
		"long link pair":          {`{"name": "x", "nodes": [{"name": "a"}], "aggregates": [{"up": "u", "down": "d", "links": [["a", "b", "c"]]}]}`, ".json"},
		"long yaml pair":          {"name: x\nnodes: [{name: a}]\naggregates: [{up: u, down: d, links: [[a, b, c]]}]\n", ".yaml"},
		"unknown aggregate field": {`{"name": "x", "nodes": [{"name": "a"}], "aggregates": [{"up": "u", "down": "d", "links": [["a", "b"]], "colour": "red"}]}`, ".json"},
	}
	for name, tc := range cases {
		if _, err := ParseMap([]byte(tc.data), tc.ext); !errors.Is(err, ErrInvalidMap) {
			t.Errorf("%s: expected ErrInvalidMap, got %v", name, err)
		}
	}

	_, err := ParseMap([]byte(cases["bad aggregate"].data), ".json")
	if !errors.Is(err, core.ErrInvalidAggregate) {
		t.Fatalf("aggregate error should keep its cause, got %v", err)
	}

	ok := `{"name": "x", "nodes": [{"name": "a"}, {"name": "b"}], "aggregates": [{"up": "u", "down": "d", "links": [["a", "b"]], "x": 3}]}`
	m, err := ParseMap([]byte(ok), ".json")
	if err != nil {
		t.Fatalf("ParseMap: %v", err)
	}
	if len(m.Aggregates) != 1 || m.Aggregates[0].Pairs[0] != [2]string{"a", "b"} || m.Aggregates[0].X != 3 {
		t.Fatalf("aggregate decoded as %+v", m.Aggregates)
	}
}

func TestListMaps(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("zeta.yaml", yamlMap)
	write("alpha.json", jsonMap)
	write("broken.json", `{"nodes": []}`)
	write("notes.txt", "ignored")
	write("solo.json", `{"name": "Solo", "nodes": [{"name": "a"}]}`)

	groups, err := ListMaps(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("ListMaps error: %v", err)
	}
	grouped := groups["core"]
	if len(grouped) != 2 || grouped[0].Slug != "alpha" || grouped[1].Slug != "zeta" {
		t.Fatalf("core group = %+v", grouped)
	}
	if len(groups[""]) != 1 || groups[""][0].Name != "Solo" {
		t.Fatalf("ungrouped = %+v", groups[""])
	}

	m, err := LoadMap(grouped[1].Path)
	if err != nil {
		t.Fatalf("LoadMap error: %v", err)
	}
	store := NewKnowledgeBase()
	if err := store.Load(m); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(store.ListNodes()) != 3 {
		t.Fatalf("nodes not loaded")
	}
}

func TestExampleMapsLoad(t *testing.T) {
	groups, err := ListMaps(context.Background(), filepath.Join("..", "examples", "maps"), nil)
	if err != nil {
		t.Fatalf("ListMaps error: %v", err)
	}
	if len(groups["core"]) != 1 || len(groups["metro"]) != 1 {
		t.Fatalf("example groups = %+v", groups)
	}
	m, err := LoadMap(groups["core"][0].Path)
	if err != nil {
		t.Fatalf("LoadMap error: %v", err)
	}
	if got := m.RemoteNames(); len(got) != 1 || got[0] != "transit-a" {
		t.Fatalf("remotes = %v", got)
	}
	if len(m.NodeNames()) != 5 || len(m.Aggregates) != 1 {
		t.Fatalf("backbone nodes = %v aggregates = %d", m.NodeNames(), len(m.Aggregates))
	}
}
