package core

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/signalsfoundry/weathermap/model"
)

// Space is the simulation handle routes are solved against: node lookup,
// current positions, and a radius-bounded nearest-node query.
type Space interface {
	Nodes() []model.Node
	Position(name string) (r2.Vec, bool)
	Nearest(p r2.Vec, radius float64) (name string, pos r2.Vec, ok bool)
}

// Curve is a quadratic Bézier segment.
type Curve struct {
	From    r2.Vec `json:"from"`
	Control r2.Vec `json:"control"`
	To      r2.Vec `json:"to"`
}

// Path renders the curve as an SVG path.
func (c Curve) Path() string {
	return fmt.Sprintf("M%.2f,%.2f Q%.2f,%.2f %.2f,%.2f",
		c.From.X, c.From.Y, c.Control.X, c.Control.Y, c.To.X, c.To.Y)
}

// Route is one directional half of a link: a curve from an endpoint to the
// (possibly displaced) midpoint plus the anchor its label sits on.
type Route struct {
	Curve  Curve  `json:"curve"`
	Anchor r2.Vec `json:"anchor"`
}

// RouteSolver bends links away from nodes sitting under their midpoint.
type RouteSolver struct {
	// K scales the inverse-square repulsion.
	K float64
	// SearchRadius bounds the nearest-node query around the midpoint.
	SearchRadius float64
	// MinDistance floors the neighbour distance to avoid singularities.
	MinDistance float64
}

// NewRouteSolver returns a solver with the default constants.
func NewRouteSolver() *RouteSolver {
	return &RouteSolver{K: 1000, SearchRadius: 100, MinDistance: 5}
}

// Solve routes the link between nodes a and b. ok is false when either
// endpoint has no position.
func (s *RouteSolver) Solve(space Space, a, b string) (forward, reverse Route, ok bool) {
	pa, okA := space.Position(a)
	pb, okB := space.Position(b)
	if !okA || !okB {
		return Route{}, Route{}, false
	}
	forward, reverse = s.Between(pa, pb, s.Offset(space, a, b, pa, pb))
	return forward, reverse, true
}

// Offset computes the repulsion vector for the midpoint of pa-pb. The
// nearest node counts only if it is not one of the endpoints.
func (s *RouteSolver) Offset(space Space, a, b string, pa, pb r2.Vec) r2.Vec {
	mid := r2.Scale(0.5, r2.Add(pa, pb))
	name, pos, found := space.Nearest(mid, s.SearchRadius)
	if !found || name == a || name == b {
		return r2.Vec{}
	}
	away := r2.Sub(mid, pos)
	dist := math.Max(r2.Norm(away), s.MinDistance)
	return r2.Scale(s.K/(dist*dist), away)
}

// Between builds both directional routes for endpoints pa and pb shifted by
// offset.
func (s *RouteSolver) Between(pa, pb, offset r2.Vec) (forward, reverse Route) {
	mid := r2.Add(r2.Scale(0.5, r2.Add(pa, pb)), offset)
	qa := r2.Add(lerp(pa, pb, 0.25), offset)
	qb := r2.Add(lerp(pa, pb, 0.75), offset)

	forward = Route{Curve: Curve{From: pa, Control: qa, To: mid}, Anchor: qa}
	reverse = Route{Curve: Curve{From: pb, Control: qb, To: mid}, Anchor: qb}
	return forward, reverse
}

func lerp(a, b r2.Vec, t float64) r2.Vec {
	return r2.Add(a, r2.Scale(t, r2.Sub(b, a)))
}
