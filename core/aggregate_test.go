package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/signalsfoundry/weathermap/model"
)

func aggregateSpace() *testSpace {
	return newTestSpace(node("a", 0, 0), node("b", 200, 0), node("c", 0, 200), node("d", 200, 200))
}

func aggregateBatch(state string) []*model.Measurement {
	return []*model.Measurement{
		{Source: "a", Target: "b", In: 10, Out: 5, Bandwidth: 100, State: "up"},
		// reported from d, so the canonical c-d link holds in=2 out=3
		{Source: "d", Target: "c", In: 3, Out: 2, Bandwidth: 100, State: state},
	}
}

func newAggregateRegistry(t *testing.T, defs ...AggregateDef) (*Registry, *Scene, *AggregateView) {
	t.Helper()
	scene := NewScene()
	view, err := NewAggregateView(scene, defs)
	if err != nil {
		t.Fatalf("NewAggregateView: %v", err)
	}
	return NewRegistry(aggregateSpace(), scene, WithAggregates(view)), scene, view
}

var upstream = AggregateDef{Up: "to core", Down: "from core", Pairs: [][2]string{{"a", "b"}, {"d", "c"}}, X: 10, Y: 20}

func TestAggregateSums(t *testing.T) {
	r, scene, _ := newAggregateRegistry(t, upstream)
	r.UpdateAt(context.Background(), aggregateBatch("up"), cycle0)

	m, visible, ok := scene.Aggregate(upstream.ID())
	if !ok || !visible {
		t.Fatalf("aggregate not drawn (ok=%v visible=%v)", ok, visible)
	}
	if m.In != 13 || m.Out != 7 {
		t.Fatalf("in/out = %v/%v, want 13/7", m.In, m.Out)
	}
	if m.Bandwidth != 200 || m.Links != 2 {
		t.Fatalf("bandwidth = %v links = %d", m.Bandwidth, m.Links)
	}
	if m.AnyEndDown {
		t.Fatalf("AnyEndDown with every link up")
	}
	if m.X != 10 || m.Y != 20 || m.Up != "to core" {
		t.Fatalf("definition fields not carried: %+v", m)
	}
}

func TestAggregateAnyEndDown(t *testing.T) {
	r, scene, _ := newAggregateRegistry(t, upstream)
	r.UpdateAt(context.Background(), aggregateBatch("down"), cycle0)

	m, _, _ := scene.Aggregate(upstream.ID())
	if !m.AnyEndDown {
		t.Fatalf("AnyEndDown should be set when one link is down")
	}
	if m.UpBand != "state-down" || m.DownBand != "state-down" {
		t.Fatalf("bands = %q/%q", m.UpBand, m.DownBand)
	}
}

func TestAggregateFirstDrawThenRefresh(t *testing.T) {
	r, scene, view := newAggregateRegistry(t, upstream)
	ctx := context.Background()
	r.UpdateAt(ctx, aggregateBatch("up"), cycle0)
	r.UpdateAt(ctx, aggregateBatch("up"), cycle0.Add(60e9))

	_, first, total := scene.DrawCounts()
	if first != 1 || total != 2 {
		t.Fatalf("first draws = %d total = %d, want 1 and 2", first, total)
	}
	if view.Drawn() != 1 || view.Len() != 1 {
		t.Fatalf("Drawn = %d Len = %d", view.Drawn(), view.Len())
	}
}

func TestAggregateLazyMaterialization(t *testing.T) {
	idle := AggregateDef{Up: "idle up", Down: "idle down", Pairs: [][2]string{{"a", "c"}}}
	r, scene, _ := newAggregateRegistry(t, upstream, idle)
	r.UpdateAt(context.Background(), aggregateBatch("up"), cycle0)

	if _, _, ok := scene.Aggregate(idle.ID()); ok {
		t.Fatalf("aggregate without any link should not be drawn")
	}
}

func TestAggregateHiddenForOtherDatatypes(t *testing.T) {
	r, scene, _ := newAggregateRegistry(t, upstream)
	ctx := context.Background()
	r.UpdateAt(ctx, aggregateBatch("up"), cycle0)

	r.SetDatatype(model.Health)
	if _, visible, ok := scene.Aggregate(upstream.ID()); !ok || visible {
		t.Fatalf("aggregate should be hidden, not destroyed (ok=%v visible=%v)", ok, visible)
	}
	if got := len(scene.Snapshot().Aggregates); got != 0 {
		t.Fatalf("hidden aggregates leaked into the snapshot: %d", got)
	}

	r.SetDatatype(model.Utilization)
	if _, visible, ok := scene.Aggregate(upstream.ID()); !ok || !visible {
		t.Fatalf("aggregate should reappear (ok=%v visible=%v)", ok, visible)
	}
}

func TestAggregateValidation(t *testing.T) {
	cases := []AggregateDef{
		{Down: "d", Pairs: [][2]string{{"a", "b"}}},
		{Up: "u", Down: "d"},
		{Up: "u", Down: "d", Pairs: [][2]string{{"a", ""}}},
		{Up: "u", Down: "d", Pairs: [][2]string{{"a", "a"}}},
	}
	for i, d := range cases {
		if _, err := NewAggregateView(NewScene(), []AggregateDef{d}); !errors.Is(err, ErrInvalidAggregate) {
			t.Errorf("case %d: expected ErrInvalidAggregate, got %v", i, err)
		}
	}
	if _, err := NewAggregateView(NewScene(), []AggregateDef{upstream, upstream}); !errors.Is(err, ErrInvalidAggregate) {
		t.Fatalf("duplicate aggregate accepted: %v", err)
	}
}

func TestAggregateIDStable(t *testing.T) {
	if AggregateID("up", "down") != AggregateID("up", "down") {
		t.Fatalf("AggregateID not deterministic")
	}
	if AggregateID("ab", "c") == AggregateID("a", "bc") {
		t.Fatalf("AggregateID must separate its labels")
	}
}

func TestRegistrySetAggregatesSwapsView(t *testing.T) {
	r, scene, _ := newAggregateRegistry(t, upstream)
	r.UpdateAt(context.Background(), aggregateBatch("up"), cycle0)

	cross := AggregateDef{Up: "cross up", Down: "cross down", Pairs: [][2]string{{"a", "b"}}}
	next, err := NewAggregateView(scene, []AggregateDef{cross})
	if err != nil {
		t.Fatalf("NewAggregateView: %v", err)
	}
	r.SetAggregates(next)

	if _, visible, _ := scene.Aggregate(upstream.ID()); visible {
		t.Fatalf("meter of the replaced view is still visible")
	}
	m, visible, ok := scene.Aggregate(cross.ID())
	if !ok || !visible || m.In != 10 {
		t.Fatalf("new view not drawn from the current table: %+v visible=%v ok=%v", m, visible, ok)
	}
}

func TestAggregateDefJSONPairs(t *testing.T) {
	var d AggregateDef
	if err := json.Unmarshal([]byte(`{"up": "u", "down": "d", "links": [["a", "b"], ["c", "d"]], "y": 4}`), &d); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(d.Pairs) != 2 || d.Pairs[1] != [2]string{"c", "d"} || d.Y != 4 {
		t.Fatalf("decoded %+v", d)
	}

	for _, bad := range []string{
		`{"up": "u", "down": "d", "links": [["a", "b", "c"]]}`,
		`{"up": "u", "down": "d", "links": [["a"]]}`,
	} {
		err := json.Unmarshal([]byte(bad), &d)
		if !errors.Is(err, ErrInvalidAggregate) {
			t.Fatalf("%s: expected ErrInvalidAggregate, got %v", bad, err)
		}
	}
}
