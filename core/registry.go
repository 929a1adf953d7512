package core

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/signalsfoundry/weathermap/internal/logging"
	"github.com/signalsfoundry/weathermap/model"
)

var (
	ErrLinkNotFound = errors.New("link not found")
)

// MetricsRecorder receives per-cycle figures from the registry.
type MetricsRecorder interface {
	ObserveUpdate(dt model.Datatype, res UpdateResult, elapsed time.Duration)
	SetLinkCounts(links, stale int)
	SetAggregateCount(n int)
}

// LinkSink receives the endpoint pairs of every canonical link after each
// cycle. The force layout uses it as its spring input.
type LinkSink interface {
	SetLinks(pairs [][2]string)
}

// UpdateResult summarises one update cycle.
type UpdateResult struct {
	Cycle time.Time

	Records    int // entries in the batch, nil included
	Skipped    int // nil entries
	Unmatched  int // source or target not resolvable to a node
	SelfLinks  int // both ends resolved to the same node
	Suppressed int // edge-edge or edge-remote pairs
	Matched    int // records applied to a canonical link
	Merged     int // of Matched, folded into a link already seen this cycle

	Drawn int // links (re)drawn this cycle
	Stale int // links currently past StaleAfter
}

// Dropped is every record that did not reach the link table.
func (r UpdateResult) Dropped() int {
	return r.Skipped + r.Unmatched + r.SelfLinks + r.Suppressed
}

// Registry owns the canonical link table. It is not safe for concurrent use:
// a single owner (the driver loop) performs every call, which makes the cycle
// timestamp captured by Update the only ordering the table relies on.
type Registry struct {
	space   Space
	surface Surface
	solver  *RouteSolver
	variant variant

	aggregates *AggregateView
	sink       LinkSink
	metrics    MetricsRecorder
	log        logging.Logger
	now        func() time.Time

	links map[string]*Link
	edge  map[string]struct{}
}

// RegistryOption customises Registry construction.
type RegistryOption func(*Registry)

// WithDatatype selects the initial datatype (utilization by default).
func WithDatatype(dt model.Datatype) RegistryOption {
	return func(r *Registry) {
		r.variant = variantFor(dt)
	}
}

// WithAggregates attaches the aggregate view refreshed after every cycle.
func WithAggregates(v *AggregateView) RegistryOption {
	return func(r *Registry) {
		r.aggregates = v
	}
}

// WithLinkSink attaches the simulation's link-force input.
func WithLinkSink(s LinkSink) RegistryOption {
	return func(r *Registry) {
		r.sink = s
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithLogger sets the registry logger.
func WithLogger(l logging.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides the clock used to stamp live cycles.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRouteSolver replaces the default route solver.
func WithRouteSolver(s *RouteSolver) RegistryOption {
	return func(r *Registry) {
		if s != nil {
			r.solver = s
		}
	}
}

// NewRegistry builds an empty registry resolving names against space and
// drawing on surface.
func NewRegistry(space Space, surface Surface, opts ...RegistryOption) *Registry {
	r := &Registry{
		space:   space,
		surface: surface,
		solver:  NewRouteSolver(),
		variant: variantFor(model.Utilization),
		log:     logging.Noop(),
		now:     time.Now,
		links:   make(map[string]*Link),
		edge:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Datatype returns the active datatype.
func (r *Registry) Datatype() model.Datatype { return r.variant.datatype() }

// SetDatatype switches the active datatype and clears the table; entries of
// different datatypes are never mixed.
func (r *Registry) SetDatatype(dt model.Datatype) {
	r.variant = variantFor(dt)
	r.Clear()
	if r.aggregates != nil {
		r.aggregates.Refresh(r, dt)
	}
}

// SetAggregates swaps the aggregate view after a map reload. Meters of the
// previous view are hidden.
func (r *Registry) SetAggregates(v *AggregateView) {
	if r.aggregates != nil && r.aggregates != v {
		r.aggregates.HideAll()
	}
	r.aggregates = v
	if v != nil {
		v.Refresh(r, r.variant.datatype())
	}
}

// SetEdgeNodes installs the edge-suppression set.
func (r *Registry) SetEdgeNodes(names []string) {
	r.edge = make(map[string]struct{}, len(names))
	for _, n := range names {
		r.edge[n] = struct{}{}
	}
}

// Clear removes every canonical link and its rendered elements.
func (r *Registry) Clear() {
	for id := range r.links {
		r.surface.RemoveLink(id)
	}
	r.links = make(map[string]*Link)
	if r.sink != nil {
		r.sink.SetLinks(nil)
	}
	if r.metrics != nil {
		r.metrics.SetLinkCounts(0, 0)
	}
}

// Update runs one live cycle stamped with the registry clock.
func (r *Registry) Update(ctx context.Context, batch []*model.Measurement) UpdateResult {
	return r.UpdateAt(ctx, batch, r.now())
}

// UpdateAt runs one cycle stamped with cycle. Records are canonicalized in
// place. Unresolvable records are dropped and counted, never returned as
// errors; an empty batch only ages existing links.
func (r *Registry) UpdateAt(ctx context.Context, batch []*model.Measurement, cycle time.Time) UpdateResult {
	start := time.Now()
	res := UpdateResult{Cycle: cycle, Records: len(batch)}
	idx := newNodeIndex(r.space.Nodes())
	touched := make(map[string]bool)

	for _, m := range batch {
		if m == nil {
			res.Skipped++
			continue
		}
		src, ok := idx.resolve(m.Source)
		dst, ok2 := idx.resolve(m.Far())
		if !ok || !ok2 {
			res.Unmatched++
			r.log.Debug(ctx, "measurement dropped: unresolved endpoint",
				logging.String("source", m.Source),
				logging.String("far", m.Far()),
			)
			continue
		}
		if src.Name == dst.Name {
			res.SelfLinks++
			continue
		}
		if r.suppressed(src, dst) {
			res.Suppressed++
			continue
		}

		id := r.canonicalize(m, src.Name, dst.Name)
		l, exists := r.links[id]
		if !exists {
			l = newLink(m.Source, m.Target)
			r.links[id] = l
		}
		if touched[id] && l.Timestamp.Equal(cycle) {
			r.merge(l, m)
			res.Merged++
		} else {
			r.replace(l, m, cycle)
		}
		l.Remote = src.Remote || dst.Remote
		touched[id] = true
		res.Matched++
	}

	for _, id := range r.ids() {
		l := r.links[id]
		if touched[id] {
			if r.draw(l) {
				res.Drawn++
			}
			continue
		}
		if l.isStaleAt(cycle) {
			if !l.Stale {
				l.Stale = true
				r.surface.MarkStale(id)
			}
			res.Stale++
		}
	}

	drawnAggregates := 0
	if r.aggregates != nil {
		drawnAggregates = len(r.aggregates.Refresh(r, r.variant.datatype()))
	}
	if r.sink != nil {
		r.sink.SetLinks(r.pairs())
	}
	if r.metrics != nil {
		r.metrics.ObserveUpdate(r.variant.datatype(), res, time.Since(start))
		r.metrics.SetLinkCounts(len(r.links), res.Stale)
		r.metrics.SetAggregateCount(drawnAggregates)
	}

	r.log.Debug(ctx, "update cycle applied",
		logging.String("datatype", r.variant.datatype().String()),
		logging.Int("records", res.Records),
		logging.Int("matched", res.Matched),
		logging.Int("dropped", res.Dropped()),
		logging.Int("stale", res.Stale),
	)
	return res
}

// Reroute recomputes the curves of every link from the current node
// positions. Called once per simulation tick.
func (r *Registry) Reroute() {
	for _, id := range r.ids() {
		l := r.links[id]
		fwd, rev, ok := r.solver.Solve(r.space, l.Source, l.Target)
		if !ok {
			continue
		}
		r.surface.MoveLink(id, fwd, rev)
	}
}

// Link returns a copy of the canonical link with id.
func (r *Registry) Link(id string) (Link, bool) {
	l, ok := r.links[id]
	if !ok {
		return Link{}, false
	}
	return l.clone(), true
}

// Lookup returns the canonical link between a and b, in either order.
func (r *Registry) Lookup(a, b string) (Link, error) {
	l, ok := r.Link(CanonicalID(a, b))
	if !ok {
		return Link{}, ErrLinkNotFound
	}
	return l, nil
}

// Links returns copies of every canonical link sorted by ID.
func (r *Registry) Links() []Link {
	out := make([]Link, 0, len(r.links))
	for _, id := range r.ids() {
		out = append(out, r.links[id].clone())
	}
	return out
}

// Len returns the number of canonical links.
func (r *Registry) Len() int { return len(r.links) }

// canonicalize rewrites m so Source sorts before Target, swapping the
// variant's directional fields when the report was reversed. The rewrite is
// stable: a record fed twice is only swapped the first time.
func (r *Registry) canonicalize(m *model.Measurement, src, dst string) string {
	first, second, swapped := Canonical(src, dst)
	if swapped {
		r.variant.swap(m)
	}
	m.Source, m.Target, m.Remote = first, second, ""
	return PairID(first, second)
}

func (r *Registry) replace(l *Link, m *model.Measurement, cycle time.Time) {
	r.variant.assign(l, m)
	l.NumPhysicalLinks = 1
	l.State = m.State
	l.DataSource = m.DataSource
	l.Datetime = m.Datetime
	l.Timestamp = cycle
	l.Stale = false
}

// merge folds a second circuit into l. A non-up state from any circuit wins.
func (r *Registry) merge(l *Link, m *model.Measurement) {
	r.variant.merge(l, m)
	l.NumPhysicalLinks++
	if _, down := stateBand(m.State); down {
		l.State = m.State
	}
}

func (r *Registry) draw(l *Link) bool {
	fwd, rev, ok := r.solver.Solve(r.space, l.Source, l.Target)
	if !ok {
		return false
	}
	fb, rb, fl, rl := r.variant.paint(l)
	r.surface.DrawLink(LinkView{
		ID:               l.ID,
		ForwardID:        l.ForwardID,
		ReverseID:        l.ReverseID,
		Source:           l.Source,
		Target:           l.Target,
		Forward:          fwd,
		Reverse:          rev,
		ForwardBand:      fb,
		ReverseBand:      rb,
		ForwardLabel:     fl,
		ReverseLabel:     rl,
		NumPhysicalLinks: l.NumPhysicalLinks,
		Timestamp:        l.Timestamp,
	})
	return true
}

func (r *Registry) suppressed(a, b model.Node) bool {
	_, edgeA := r.edge[a.Name]
	_, edgeB := r.edge[b.Name]
	switch {
	case edgeA && edgeB:
		return true
	case edgeA && b.Remote, edgeB && a.Remote:
		return true
	}
	return false
}

func (r *Registry) ids() []string {
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) pairs() [][2]string {
	out := make([][2]string, 0, len(r.links))
	for _, id := range r.ids() {
		l := r.links[id]
		out = append(out, [2]string{l.Source, l.Target})
	}
	return out
}

func (l *Link) clone() Link {
	c := *l
	c.SourceOptic = Optic{Receive: copyLevel(l.SourceOptic.Receive), Transmit: copyLevel(l.SourceOptic.Transmit), LBC: copyLevel(l.SourceOptic.LBC)}
	c.TargetOptic = Optic{Receive: copyLevel(l.TargetOptic.Receive), Transmit: copyLevel(l.TargetOptic.Transmit), LBC: copyLevel(l.TargetOptic.LBC)}
	return c
}

// nodeIndex resolves noisy interface descriptions to map nodes: exact name
// first, then the longest node name the description starts with.
type nodeIndex struct {
	exact map[string]model.Node
	byLen []model.Node
}

func newNodeIndex(nodes []model.Node) nodeIndex {
	idx := nodeIndex{exact: make(map[string]model.Node, len(nodes))}
	for _, n := range nodes {
		if n.Name == "" {
			continue
		}
		idx.exact[n.Name] = n
		idx.byLen = append(idx.byLen, n)
	}
	sort.Slice(idx.byLen, func(i, j int) bool {
		a, b := idx.byLen[i].Name, idx.byLen[j].Name
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return idx
}

func (idx nodeIndex) resolve(desc string) (model.Node, bool) {
	if desc == "" {
		return model.Node{}, false
	}
	if n, ok := idx.exact[desc]; ok {
		return n, true
	}
	for _, n := range idx.byLen {
		if strings.HasPrefix(desc, n.Name) {
			return n, true
		}
	}
	return model.Node{}, false
}
