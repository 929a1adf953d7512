package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/signalsfoundry/weathermap/model"
)

// ErrInvalidAggregate reports a malformed aggregate definition. It is a
// configuration failure and aborts building the view.
var ErrInvalidAggregate = errors.New("invalid aggregate")

// AggregateDef declares one virtual meter: the node pairs whose links it sums
// and where it is drawn. Pairs are ordered; In and Out are taken relative to
// the first node of each pair.
type AggregateDef struct {
	Up    string      `json:"up" yaml:"up"`
	Down  string      `json:"down" yaml:"down"`
	Pairs [][2]string `json:"links" yaml:"links"`
	X     float64     `json:"x" yaml:"x"`
	Y     float64     `json:"y" yaml:"y"`
}

// UnmarshalJSON decodes an aggregate and rejects link pairs that do not name
// exactly two nodes; a fixed-size array would drop the extras silently.
func (d *AggregateDef) UnmarshalJSON(data []byte) error {
	var raw struct {
		Up    string     `json:"up"`
		Down  string     `json:"down"`
		Pairs [][]string `json:"links"`
		X     float64    `json:"x"`
		Y     float64    `json:"y"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	pairs := make([][2]string, len(raw.Pairs))
	for i, p := range raw.Pairs {
		if len(p) != 2 {
			return fmt.Errorf("%w: %s/%s link %d names %d nodes, want 2", ErrInvalidAggregate, raw.Up, raw.Down, i, len(p))
		}
		pairs[i] = [2]string{p[0], p[1]}
	}
	*d = AggregateDef{Up: raw.Up, Down: raw.Down, Pairs: pairs, X: raw.X, Y: raw.Y}
	return nil
}

// ID is the name-derived identifier of the aggregate.
func (d AggregateDef) ID() string { return AggregateID(d.Up, d.Down) }

// Validate checks the required fields.
func (d AggregateDef) Validate() error {
	if d.Up == "" || d.Down == "" {
		return fmt.Errorf("%w: up and down labels are required", ErrInvalidAggregate)
	}
	if len(d.Pairs) == 0 {
		return fmt.Errorf("%w: %s/%s has no links", ErrInvalidAggregate, d.Up, d.Down)
	}
	for i, p := range d.Pairs {
		if p[0] == "" || p[1] == "" {
			return fmt.Errorf("%w: %s/%s link %d has an empty endpoint", ErrInvalidAggregate, d.Up, d.Down, i)
		}
		if p[0] == p[1] {
			return fmt.Errorf("%w: %s/%s link %d is a self-link", ErrInvalidAggregate, d.Up, d.Down, i)
		}
	}
	return nil
}

// AggregateID hashes the up and down labels (FNV-1a, hex) so the same
// aggregate keeps its identity across configuration reloads.
func AggregateID(up, down string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(up))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(down))
	return "agg_" + strconv.FormatUint(h.Sum64(), 16)
}

// AggregateMeter is the rendered state of one aggregate.
type AggregateMeter struct {
	ID   string  `json:"id"`
	Up   string  `json:"up"`
	Down string  `json:"down"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`

	Bandwidth  float64 `json:"bandwidth"`
	In         float64 `json:"in"`
	Out        float64 `json:"out"`
	AnyEndDown bool    `json:"any_end_down,omitempty"`
	Links      int     `json:"links"`

	UpBand    Band   `json:"up_band"`
	DownBand  Band   `json:"down_band"`
	UpLabel   string `json:"up_label,omitempty"`
	DownLabel string `json:"down_label,omitempty"`
}

// LinkTable is the read side of the canonical link table.
type LinkTable interface {
	Link(id string) (Link, bool)
}

// AggregateView sums configured node pairs into virtual up/down meters.
// Meters are materialized lazily: an aggregate is first drawn when one of its
// links shows up, and is refreshed in place afterwards.
type AggregateView struct {
	defs    []AggregateDef
	surface Surface
	colors  *ColorMapper

	drawn  map[string]bool
	hidden bool
}

// NewAggregateView validates defs and binds them to surface. Any invalid
// definition fails the whole view.
func NewAggregateView(surface Surface, defs []AggregateDef) (*AggregateView, error) {
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[d.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate aggregate %s/%s", ErrInvalidAggregate, d.Up, d.Down)
		}
		seen[d.ID()] = struct{}{}
	}
	return &AggregateView{
		defs:    append([]AggregateDef(nil), defs...),
		surface: surface,
		colors:  UtilizationColors(),
		drawn:   make(map[string]bool),
	}, nil
}

// Len returns the number of configured aggregates.
func (v *AggregateView) Len() int { return len(v.defs) }

// Drawn returns the number of aggregates materialized so far.
func (v *AggregateView) Drawn() int { return len(v.drawn) }

// Compute sums one definition against table without drawing it. ok is false
// when none of the pairs has a canonical link.
func (v *AggregateView) Compute(table LinkTable, d AggregateDef) (m AggregateMeter, ok bool) {
	m = AggregateMeter{ID: d.ID(), Up: d.Up, Down: d.Down, X: d.X, Y: d.Y}
	for _, p := range d.Pairs {
		l, found := table.Link(PairID(p[0], p[1]))
		if !found {
			l, found = table.Link(PairID(p[1], p[0]))
		}
		if !found {
			continue
		}
		m.Links++
		m.Bandwidth += l.Bandwidth
		m.In += l.InboundTo(p[0])
		m.Out += l.OutboundFrom(p[0])
		if !l.IsUp() {
			m.AnyEndDown = true
		}
	}
	if m.Links == 0 {
		m.UpBand, m.DownBand = BandUnknown, BandUnknown
		return m, false
	}

	state := model.StateUp
	if m.AnyEndDown {
		state = "down"
	}
	m.UpBand = v.colors.Band(Percent(m.Out, m.Bandwidth), state)
	m.DownBand = v.colors.Band(Percent(m.In, m.Bandwidth), state)
	m.UpLabel = Truncate(m.Out)
	m.DownLabel = Truncate(m.In)
	return m, true
}

// Refresh recomputes every aggregate for the active datatype. Datatypes that
// do not aggregate hide the meters instead of destroying them. Meters shown
// again after a datatype switch are redrawn from the table as it stands; the
// switch cleared it, so they read zero and unknown until the next poll lands.
func (v *AggregateView) Refresh(table LinkTable, dt model.Datatype) []AggregateMeter {
	if !variantFor(dt).aggregates() {
		if !v.hidden {
			for id := range v.drawn {
				v.surface.ShowAggregate(id, false)
			}
			v.hidden = true
		}
		return nil
	}
	if v.hidden {
		for id := range v.drawn {
			v.surface.ShowAggregate(id, true)
		}
		v.hidden = false
	}

	out := make([]AggregateMeter, 0, len(v.defs))
	for _, d := range v.defs {
		m, ok := v.Compute(table, d)
		if !ok && !v.drawn[m.ID] {
			continue
		}
		first := !v.drawn[m.ID]
		v.drawn[m.ID] = true
		v.surface.DrawAggregate(m, first)
		out = append(out, m)
	}
	return out
}

// HideAll hides every materialized meter. Used before the view is replaced
// by one built from a reloaded map.
func (v *AggregateView) HideAll() {
	for id := range v.drawn {
		v.surface.ShowAggregate(id, false)
	}
	v.hidden = true
}
