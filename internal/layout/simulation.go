// Package layout runs the force-directed simulation that positions map nodes.
//
// The model follows d3-force: many-body repulsion between every node pair,
// spring forces along links, a centering correction that keeps the mean
// position in place, velocity decay, and an alpha that cools each tick until
// it drops below AlphaMin. Fixed nodes never move.
package layout

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/signalsfoundry/weathermap/core"
	"github.com/signalsfoundry/weathermap/internal/logging"
	"github.com/signalsfoundry/weathermap/kb"
	"github.com/signalsfoundry/weathermap/model"
)

// Store is where node positions are read from and written back to.
type Store interface {
	ListNodes() []model.Node
	UpdateNodePosition(name string, p r2.Vec) error
}

// notifier is a Store that announces node set swaps. The simulation reloads
// itself on each one.
type notifier interface {
	Subscribe(fn func(kb.Event)) (unsubscribe func())
}

// Config tunes the simulation.
type Config struct {
	ChargeStrength float64 // negative repels
	LinkDistance   float64
	VelocityDecay  float64
	AlphaDecay     float64
	AlphaMin       float64
	// ReheatAlpha is the alpha a link change restarts the cooling from.
	ReheatAlpha float64
}

// DefaultConfig returns d3-like defaults scaled for map coordinates.
func DefaultConfig() Config {
	return Config{
		ChargeStrength: -300,
		LinkDistance:   120,
		VelocityDecay:  0.4,
		AlphaDecay:     1 - math.Pow(0.001, 1.0/300),
		AlphaMin:       0.001,
		ReheatAlpha:    0.3,
	}
}

const distanceMin2 = 1.0

type body struct {
	name  string
	pos   r2.Vec
	vel   r2.Vec
	fixed bool
}

// Simulation is a force layout over the nodes of a Store.
type Simulation struct {
	mu     sync.Mutex
	store  Store
	cfg    Config
	alpha  float64
	bodies []*body
	index  map[string]int
	pairs  [][2]string
	links  [][2]int
	center r2.Vec

	log         logging.Logger
	unsubscribe func()
}

var _ core.LinkSink = (*Simulation)(nil)

// Option customizes a Simulation.
type Option func(*Simulation)

// WithLogger sets the simulation logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Simulation) {
		if log != nil {
			s.log = log
		}
	}
}

// New builds a simulation over store and loads its nodes. When the store
// announces node set swaps the simulation follows them until Close.
func New(store Store, cfg Config, opts ...Option) *Simulation {
	if cfg.AlphaDecay <= 0 {
		cfg.AlphaDecay = DefaultConfig().AlphaDecay
	}
	if cfg.ReheatAlpha <= 0 {
		cfg.ReheatAlpha = DefaultConfig().ReheatAlpha
	}
	s := &Simulation{store: store, cfg: cfg, alpha: 1, log: logging.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	s.Reload()
	if n, ok := store.(notifier); ok {
		s.unsubscribe = n.Subscribe(func(ev kb.Event) {
			if ev.Type == kb.EventNodesReplaced {
				s.Reload()
			}
		})
	}
	return s
}

// Close stops following the store.
func (s *Simulation) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Reload re-reads the node set from the store. Velocities of surviving nodes
// are kept and the simulation restarts hot.
func (s *Simulation) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]r2.Vec, len(s.bodies))
	for _, b := range s.bodies {
		prev[b.name] = b.vel
	}
	nodes := s.store.ListNodes()
	s.bodies = make([]*body, 0, len(nodes))
	s.index = make(map[string]int, len(nodes))
	var sum r2.Vec
	for _, n := range nodes {
		b := &body{name: n.Name, pos: r2.Vec{X: n.X, Y: n.Y}, vel: prev[n.Name], fixed: n.Fixed}
		s.index[n.Name] = len(s.bodies)
		s.bodies = append(s.bodies, b)
		sum = r2.Add(sum, b.pos)
	}
	if len(s.bodies) > 0 {
		s.center = r2.Scale(1/float64(len(s.bodies)), sum)
	}
	s.resolveLinks()
	s.alpha = 1
}

// SetLinks replaces the link springs; it satisfies core.LinkSink. A changed
// link set reheats the simulation.
func (s *Simulation) SetLinks(pairs [][2]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if samePairs(s.pairs, pairs) {
		return
	}
	s.pairs = append(s.pairs[:0:0], pairs...)
	s.resolveLinks()
	if s.alpha < s.cfg.ReheatAlpha {
		s.alpha = s.cfg.ReheatAlpha
	}
}

func (s *Simulation) resolveLinks() {
	s.links = s.links[:0]
	for _, p := range s.pairs {
		a, okA := s.index[p[0]]
		b, okB := s.index[p[1]]
		if okA && okB && a != b {
			s.links = append(s.links, [2]int{a, b})
		}
	}
}

// Reheat sets alpha to at least a.
func (s *Simulation) Reheat(a float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a > s.alpha {
		s.alpha = a
	}
}

// Alpha returns the current cooling parameter.
func (s *Simulation) Alpha() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alpha
}

// Settled reports whether alpha has cooled below AlphaMin.
func (s *Simulation) Settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alpha < s.cfg.AlphaMin
}

// Tick advances the simulation one step and writes the new positions to the
// store. It returns false without moving anything once settled.
func (s *Simulation) Tick() bool {
	s.mu.Lock()
	if s.alpha < s.cfg.AlphaMin || len(s.bodies) == 0 {
		s.mu.Unlock()
		return false
	}
	s.alpha += (0 - s.alpha) * s.cfg.AlphaDecay

	s.applyLinks()
	s.applyCharge()
	s.integrate()
	s.applyCenter()

	moved := make([]body, 0, len(s.bodies))
	for _, b := range s.bodies {
		if !b.fixed {
			moved = append(moved, *b)
		}
	}
	s.mu.Unlock()

	// a store reload calls back into Reload; keep the writes outside our lock
	for _, b := range moved {
		if err := s.store.UpdateNodePosition(b.name, b.pos); err != nil {
			s.log.Debug(context.Background(), "layout position not stored",
				logging.String("node", b.name),
				logging.Err(err),
			)
		}
	}
	return true
}

func (s *Simulation) applyLinks() {
	if len(s.links) == 0 {
		return
	}
	count := make([]int, len(s.bodies))
	for _, l := range s.links {
		count[l[0]]++
		count[l[1]]++
	}
	for i, l := range s.links {
		src, dst := s.bodies[l[0]], s.bodies[l[1]]
		d := r2.Sub(r2.Add(dst.pos, dst.vel), r2.Add(src.pos, src.vel))
		dist := r2.Norm(d)
		if dist == 0 {
			d = jiggle(i)
			dist = r2.Norm(d)
		}
		strength := 1 / float64(min(count[l[0]], count[l[1]]))
		k := (dist - s.cfg.LinkDistance) / dist * s.alpha * strength
		d = r2.Scale(k, d)
		bias := float64(count[l[0]]) / float64(count[l[0]]+count[l[1]])
		dst.vel = r2.Sub(dst.vel, r2.Scale(bias, d))
		src.vel = r2.Add(src.vel, r2.Scale(1-bias, d))
	}
}

func (s *Simulation) applyCharge() {
	if s.cfg.ChargeStrength == 0 {
		return
	}
	for i, bi := range s.bodies {
		for j, bj := range s.bodies {
			if i == j {
				continue
			}
			d := r2.Sub(bj.pos, bi.pos)
			l2 := r2.Norm2(d)
			if l2 == 0 {
				d = jiggle(i*len(s.bodies) + j)
				l2 = r2.Norm2(d)
			}
			if l2 < distanceMin2 {
				l2 = math.Sqrt(distanceMin2 * l2)
			}
			bi.vel = r2.Add(bi.vel, r2.Scale(s.cfg.ChargeStrength*s.alpha/l2, d))
		}
	}
}

func (s *Simulation) integrate() {
	keep := 1 - s.cfg.VelocityDecay
	for _, b := range s.bodies {
		if b.fixed {
			b.vel = r2.Vec{}
			continue
		}
		b.vel = r2.Scale(keep, b.vel)
		b.pos = r2.Add(b.pos, b.vel)
	}
}

// applyCenter shifts free nodes so the mean position stays where the map put
// it.
func (s *Simulation) applyCenter() {
	var sum r2.Vec
	free := 0
	for _, b := range s.bodies {
		sum = r2.Add(sum, b.pos)
		if !b.fixed {
			free++
		}
	}
	if free == 0 {
		return
	}
	mean := r2.Scale(1/float64(len(s.bodies)), sum)
	shift := r2.Scale(float64(len(s.bodies))/float64(free), r2.Sub(s.center, mean))
	for _, b := range s.bodies {
		if !b.fixed {
			b.pos = r2.Add(b.pos, shift)
		}
	}
}

// jiggle separates coincident points deterministically.
func jiggle(i int) r2.Vec {
	angle := float64(i%360) * math.Pi / 180
	return r2.Vec{X: 1e-6 * math.Cos(angle), Y: 1e-6 * math.Sin(angle)}
}

func samePairs(a, b [][2]string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
