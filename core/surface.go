package core

import (
	"sort"
	"sync"
)

// Surface is the rendering side of the engine. Element keys are the stable
// IDs carried in LinkView and AggregateMeter.
type Surface interface {
	// DrawLink creates or restyles a link's elements.
	DrawLink(v LinkView)
	// MoveLink updates geometry only; called every simulation tick.
	MoveLink(id string, forward, reverse Route)
	// MarkStale downgrades a link to the unknown band without removing it.
	MarkStale(id string)
	// RemoveLink deletes a link's elements.
	RemoveLink(id string)
	// DrawAggregate creates (first) or refreshes an aggregate meter.
	DrawAggregate(m AggregateMeter, first bool)
	// ShowAggregate toggles an aggregate's visibility without destroying it.
	ShowAggregate(id string, visible bool)
}

// Scene is an in-memory Surface. It keeps the latest drawn state of every
// element so it can be dumped as JSON or rendered to a terminal; a read
// lock lets observers on other goroutines snapshot it.
type Scene struct {
	mu sync.RWMutex

	links      map[string]LinkView
	aggregates map[string]sceneAggregate

	linkDraws      int
	aggregateFirst int
	aggregateDraws int
}

type sceneAggregate struct {
	meter   AggregateMeter
	visible bool
}

// SceneSnapshot is a sorted, copy-safe view of a Scene.
type SceneSnapshot struct {
	Links      []LinkView       `json:"links"`
	Aggregates []AggregateMeter `json:"aggregates"`
}

// NewScene returns an empty scene.
func NewScene() *Scene {
	return &Scene{
		links:      make(map[string]LinkView),
		aggregates: make(map[string]sceneAggregate),
	}
}

func (s *Scene) DrawLink(v LinkView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[v.ID] = v
	s.linkDraws++
}

func (s *Scene) MoveLink(id string, forward, reverse Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.links[id]
	if !ok {
		return
	}
	v.Forward, v.Reverse = forward, reverse
	s.links[id] = v
}

func (s *Scene) MarkStale(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.links[id]
	if !ok {
		return
	}
	v.Stale = true
	v.ForwardBand, v.ReverseBand = BandUnknown, BandUnknown
	s.links[id] = v
}

func (s *Scene) RemoveLink(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, id)
}

func (s *Scene) DrawAggregate(m AggregateMeter, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if first {
		s.aggregateFirst++
	}
	s.aggregateDraws++
	prev, ok := s.aggregates[m.ID]
	visible := first || !ok || prev.visible
	s.aggregates[m.ID] = sceneAggregate{meter: m, visible: visible}
}

func (s *Scene) ShowAggregate(id string, visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[id]
	if !ok {
		return
	}
	a.visible = visible
	s.aggregates[id] = a
}

// Link returns the drawn view for id.
func (s *Scene) Link(id string) (LinkView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.links[id]
	return v, ok
}

// Aggregate returns the drawn meter for id and whether it is visible.
func (s *Scene) Aggregate(id string) (m AggregateMeter, visible, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aggregates[id]
	return a.meter, a.visible, ok
}

// DrawCounts reports how many link draws, first aggregate draws and total
// aggregate draws the scene has received.
func (s *Scene) DrawCounts() (links, aggregateFirst, aggregateDraws int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linkDraws, s.aggregateFirst, s.aggregateDraws
}

// Snapshot copies the scene, sorted by ID. Hidden aggregates are omitted.
func (s *Scene) Snapshot() SceneSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SceneSnapshot{
		Links:      make([]LinkView, 0, len(s.links)),
		Aggregates: make([]AggregateMeter, 0, len(s.aggregates)),
	}
	for _, v := range s.links {
		snap.Links = append(snap.Links, v)
	}
	for _, a := range s.aggregates {
		if a.visible {
			snap.Aggregates = append(snap.Aggregates, a.meter)
		}
	}
	sort.Slice(snap.Links, func(i, j int) bool { return snap.Links[i].ID < snap.Links[j].ID })
	sort.Slice(snap.Aggregates, func(i, j int) bool { return snap.Aggregates[i].ID < snap.Aggregates[j].ID })
	return snap
}
