// Package driver owns the live and replay loops of one loaded map.
//
// A Driver is created when a map is loaded and torn down when the caller
// leaves it. Run is the only goroutine that touches the link registry, the
// node positions and the timeline; fetches run on their own goroutines and
// hand their results back over a channel, and every public command is posted
// onto the loop.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/weathermap/core"
	"github.com/signalsfoundry/weathermap/internal/fetch"
	"github.com/signalsfoundry/weathermap/internal/layout"
	"github.com/signalsfoundry/weathermap/internal/logging"
	"github.com/signalsfoundry/weathermap/internal/mapwatch"
	"github.com/signalsfoundry/weathermap/internal/observability"
	"github.com/signalsfoundry/weathermap/kb"
	"github.com/signalsfoundry/weathermap/model"
	"github.com/signalsfoundry/weathermap/timectrl"
)

var (
	// ErrReplayOnly is returned by playback commands on a live driver.
	ErrReplayOnly = errors.New("only available in replay mode")
	// ErrClosed is returned by commands posted after teardown.
	ErrClosed = errors.New("driver closed")
)

// Mode distinguishes live polling from timeline replay.
type Mode int

const (
	Live Mode = iota
	Replay
)

func (m Mode) String() string {
	if m == Replay {
		return "replay"
	}
	return "live"
}

// Fetcher is the API surface the driver needs; *fetch.Client satisfies it.
type Fetcher interface {
	Poll(ctx context.Context, nodes, remotes []string, dt model.Datatype) ([]*model.Measurement, error)
	Timeline(ctx context.Context, nodes []string, dt model.Datatype, req fetch.TimelineRequest) ([][]*model.Measurement, error)
}

// PlaybackRecorder receives the replay position.
type PlaybackRecorder interface {
	SetPlaybackCursor(i int)
}

// LoopRecorder receives timer and frame metrics.
type LoopRecorder interface {
	ObserveTimerEvent(kind string, handled bool)
	ObserveFrame(d time.Duration, alpha float64)
}

// Config selects the map and the loop cadence.
type Config struct {
	MapPath       string
	Datatype      model.Datatype
	PollInterval  time.Duration
	FrameInterval time.Duration
	Speed         float64
	Layout        layout.Config
	Watch         bool
	// Replay, when set, replays the timeline it selects instead of polling.
	Replay *fetch.TimelineRequest
}

// Status is a copy of the loop state published after every cycle.
type Status struct {
	Mode      Mode
	Map       string
	Datatype  model.Datatype
	Nodes     int
	Links     int
	Cycle     uint64
	CycleTime time.Time
	Last      core.UpdateResult
	LastError string

	Frame   int
	Frames  int
	Playing bool
	Speed   float64
}

// Option customizes a Driver.
type Option func(*Driver)

// WithSurface sets where links are drawn; a fresh core.Scene by default.
func WithSurface(s core.Surface) Option {
	return func(d *Driver) {
		if s != nil {
			d.surface = s
		}
	}
}

// WithLogger sets the driver logger.
func WithLogger(log logging.Logger) Option {
	return func(d *Driver) {
		if log != nil {
			d.log = log
		}
	}
}

// WithMetrics attaches registry metrics.
func WithMetrics(m core.MetricsRecorder) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithPlaybackRecorder attaches the replay cursor gauge.
func WithPlaybackRecorder(r PlaybackRecorder) Option {
	return func(d *Driver) { d.playback = r }
}

// WithLoopRecorder attaches timer and frame metrics.
func WithLoopRecorder(r LoopRecorder) Option {
	return func(d *Driver) { d.loop = r }
}

// WithObserver registers fn to receive a Status after every cycle. fn runs on
// the loop goroutine and must not block.
func WithObserver(fn func(Status)) Option {
	return func(d *Driver) { d.observer = fn }
}

type fetchResult struct {
	dt    model.Datatype
	batch []*model.Measurement
	err   error
}

// Driver runs one map.
type Driver struct {
	cfg      Config
	fetcher  Fetcher
	surface  core.Surface
	log      logging.Logger
	metrics  core.MetricsRecorder
	playback PlaybackRecorder
	loop     LoopRecorder
	observer func(Status)
	tracer   trace.Tracer

	store    *kb.KnowledgeBase
	mapFile  *kb.MapFile
	sim      *layout.Simulation
	registry *core.Registry
	sched    *timectrl.Scheduler
	player   *timectrl.Player
	watcher  *mapwatch.Watcher

	results  chan fetchResult
	commands chan func(context.Context)
	done     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once

	mu        sync.RWMutex
	status    Status
	cycle     uint64
	lastError string
}

// New loads the map at cfg.MapPath and wires the engine around it.
func New(cfg Config, fetcher Fetcher, opts ...Option) (*Driver, error) {
	if fetcher == nil {
		return nil, errors.New("driver: nil fetcher")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 33 * time.Millisecond
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.Replay != nil && cfg.Datatype == model.Health {
		return nil, fmt.Errorf("%w: %s", fetch.ErrTimelineUnsupported, cfg.Datatype)
	}

	d := &Driver{
		cfg:      cfg,
		fetcher:  fetcher,
		surface:  core.NewScene(),
		log:      logging.Noop(),
		tracer:   observability.Tracer(),
		results:  make(chan fetchResult, 4),
		commands: make(chan func(context.Context), 16),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	mf, err := kb.LoadMap(cfg.MapPath)
	if err != nil {
		return nil, err
	}
	view, err := core.NewAggregateView(d.surface, mf.Aggregates)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", kb.ErrInvalidMap, cfg.MapPath, err)
	}
	d.store = kb.NewKnowledgeBase()
	if err := d.store.Load(mf); err != nil {
		return nil, err
	}
	d.mapFile = mf
	d.sim = layout.New(d.store, cfg.Layout, layout.WithLogger(d.log))
	d.registry = core.NewRegistry(d.store, d.surface,
		core.WithDatatype(cfg.Datatype),
		core.WithAggregates(view),
		core.WithLinkSink(d.sim),
		core.WithMetricsRecorder(d.metrics),
		core.WithLogger(d.log),
	)
	d.registry.SetEdgeNodes(mf.EdgeNodes)
	d.sched = timectrl.NewScheduler(4)

	if cfg.Watch {
		w, err := mapwatch.New(cfg.MapPath, mapwatch.WithLogger(d.log))
		if err != nil {
			d.sched.Close()
			return nil, fmt.Errorf("watch map: %w", err)
		}
		d.watcher = w
	}

	d.status = Status{
		Mode:     d.mode(),
		Map:      mf.Name,
		Datatype: cfg.Datatype,
		Nodes:    len(mf.Nodes),
		Speed:    cfg.Speed,
	}
	return d, nil
}

func (d *Driver) mode() Mode {
	if d.cfg.Replay != nil {
		return Replay
	}
	return Live
}

// Status returns the state published after the most recent cycle.
func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Surface returns the surface links are drawn on.
func (d *Driver) Surface() core.Surface { return d.surface }

// Run drives the map until ctx is cancelled or Close is called. In replay mode
// a failure to load the timeline is returned immediately.
func (d *Driver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer d.Close()

	d.log.Info(ctx, "driver started",
		logging.String("map", d.mapFile.Name),
		logging.String("mode", d.mode().String()),
		logging.String("datatype", d.registry.Datatype().String()),
	)

	if d.cfg.Replay != nil {
		series, err := d.fetchTimeline(ctx, d.registry.Datatype())
		if err != nil {
			return err
		}
		if err := d.installTimeline(ctx, series, true); err != nil {
			return err
		}
	} else {
		d.startFetch(ctx)
	}

	frames := time.NewTicker(d.cfg.FrameInterval)
	defer frames.Stop()
	var changes <-chan struct{}
	if d.watcher != nil {
		changes = d.watcher.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return nil
		case ev := <-d.sched.Events():
			d.handleTimer(ctx, ev)
		case res := <-d.results:
			d.applyFetch(ctx, res)
		case <-frames.C:
			d.frame()
		case <-changes:
			d.reload(ctx)
		case cmd := <-d.commands:
			cmd(ctx)
		}
	}
}

// Close tears the driver down: pending timers are invalidated, the map
// watcher is closed and in-flight fetches are abandoned.
func (d *Driver) Close() {
	d.once.Do(func() {
		close(d.done)
		d.mu.RLock()
		cancel := d.cancel
		d.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		d.sched.Close()
		if d.sim != nil {
			d.sim.Close()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		d.wg.Wait()
	})
}

// SetDatatype switches what the map shows. Live maps refetch immediately;
// replays load the timeline of the new datatype.
func (d *Driver) SetDatatype(dt model.Datatype) error {
	if d.cfg.Replay != nil && dt != model.Utilization && dt != model.Optical {
		return fmt.Errorf("%w: %s", fetch.ErrTimelineUnsupported, dt)
	}
	return d.post(func(ctx context.Context) {
		if dt == d.registry.Datatype() {
			return
		}
		d.registry.SetDatatype(dt)
		if d.cfg.Replay == nil {
			d.startFetch(ctx)
		} else {
			d.reloadTimeline(ctx, dt)
		}
		d.publish(core.UpdateResult{})
	})
}

// Refresh forces an immediate poll and invalidates the pending poll timer.
func (d *Driver) Refresh() error {
	if d.cfg.Replay != nil {
		return nil
	}
	return d.post(d.startFetch)
}

// Step moves the replay cursor by delta frames.
func (d *Driver) Step(delta int) error {
	if d.cfg.Replay == nil {
		return ErrReplayOnly
	}
	return d.post(func(ctx context.Context) {
		if d.player == nil {
			return
		}
		d.afterCycle(d.player.Step(ctx, delta))
	})
}

// Seek jumps the replay cursor to frame n.
func (d *Driver) Seek(n int) error {
	if d.cfg.Replay == nil {
		return ErrReplayOnly
	}
	return d.post(func(ctx context.Context) {
		if d.player == nil {
			return
		}
		res, applied, err := d.player.Timeline().SetStep(ctx, d.registry, n)
		if err != nil {
			d.log.Warn(ctx, "seek rejected", logging.Int("frame", n), logging.Err(err))
			return
		}
		if applied {
			d.afterCycle(res)
		}
	})
}

// TogglePlay starts or stops auto-play.
func (d *Driver) TogglePlay() error {
	if d.cfg.Replay == nil {
		return ErrReplayOnly
	}
	return d.post(func(context.Context) {
		if d.player == nil {
			return
		}
		d.player.Toggle()
		d.publish(core.UpdateResult{})
	})
}

// SetSpeed changes the auto-play speed multiplier.
func (d *Driver) SetSpeed(speed float64) error {
	if d.cfg.Replay == nil {
		return ErrReplayOnly
	}
	if speed <= 0 {
		return fmt.Errorf("%w: %v", timectrl.ErrInvalidSpeed, speed)
	}
	return d.post(func(context.Context) {
		d.cfg.Speed = speed
		if d.player != nil {
			_ = d.player.SetSpeed(speed)
		}
		d.publish(core.UpdateResult{})
	})
}

func (d *Driver) post(cmd func(context.Context)) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	select {
	case d.commands <- cmd:
		return nil
	case <-d.done:
		return ErrClosed
	}
}

func (d *Driver) handleTimer(ctx context.Context, ev timectrl.Event) {
	switch ev.Kind {
	case timectrl.Poll:
		valid := d.cfg.Replay == nil && d.sched.Valid(ev)
		if d.loop != nil {
			d.loop.ObserveTimerEvent(ev.Kind.String(), valid)
		}
		if valid {
			d.startFetch(ctx)
		}
	case timectrl.Playback:
		if d.player == nil {
			return
		}
		res, ok := d.player.Handle(ctx, ev)
		if d.loop != nil {
			d.loop.ObserveTimerEvent(ev.Kind.String(), ok)
		}
		if ok {
			d.afterCycle(res)
		}
	}
}

// startFetch cancels the pending poll timer and polls now. Fetches are not
// coalesced; whichever result arrives last becomes the newest cycle.
func (d *Driver) startFetch(ctx context.Context) {
	d.sched.Cancel(timectrl.Poll)
	dt := d.registry.Datatype()
	nodes, remotes := d.mapFile.NodeNames(), d.mapFile.RemoteNames()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		batch, err := d.fetcher.Poll(ctx, nodes, remotes, dt)
		select {
		case d.results <- fetchResult{dt: dt, batch: batch, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (d *Driver) applyFetch(ctx context.Context, res fetchResult) {
	if res.dt != d.registry.Datatype() {
		d.log.Debug(ctx, "discarding fetch for previous datatype",
			logging.String("datatype", res.dt.String()),
		)
		return
	}
	batch := res.batch
	if res.err != nil {
		d.log.Warn(ctx, "poll failed; aging links", logging.Err(res.err))
		d.setLastError(res.err)
		batch = nil
	} else {
		d.setLastError(nil)
	}

	d.cycle++
	cctx := logging.ContextWithCycle(ctx, d.cycle)
	cctx, span := d.tracer.Start(cctx, "registry.update", trace.WithAttributes(
		attribute.String("weathermap.datatype", res.dt.String()),
		attribute.Int("weathermap.records", len(batch)),
	))
	out := d.registry.Update(cctx, batch)
	span.SetAttributes(
		attribute.Int("weathermap.matched", out.Matched),
		attribute.Int("weathermap.dropped", out.Dropped()),
		attribute.Int("weathermap.stale", out.Stale),
	)
	span.End()

	d.sched.Schedule(timectrl.Poll, d.cfg.PollInterval)
	d.afterCycle(out)
}

func (d *Driver) frame() {
	start := time.Now()
	if !d.sim.Tick() {
		return
	}
	d.registry.Reroute()
	if d.loop != nil {
		d.loop.ObserveFrame(time.Since(start), d.sim.Alpha())
	}
}

func (d *Driver) fetchTimeline(ctx context.Context, dt model.Datatype) ([][]*model.Measurement, error) {
	req := *d.cfg.Replay
	req.Remotes = d.mapFile.RemoteNames()
	return d.fetcher.Timeline(ctx, d.mapFile.NodeNames(), dt, req)
}

// reloadTimeline fetches the timeline for dt off the loop and installs it
// through a command.
func (d *Driver) reloadTimeline(ctx context.Context, dt model.Datatype) {
	playing := d.player != nil && d.player.Playing()
	if d.player != nil {
		d.player.Stop()
	}
	d.player = nil
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		series, err := d.fetchTimeline(ctx, dt)
		install := func(ctx context.Context) {
			if dt != d.registry.Datatype() {
				return
			}
			if err == nil {
				err = d.installTimeline(ctx, series, playing)
			}
			if err != nil {
				d.log.Warn(ctx, "timeline load failed", logging.Err(err))
				d.setLastError(err)
				d.publish(core.UpdateResult{})
			}
		}
		select {
		case d.commands <- install:
		case <-ctx.Done():
		}
	}()
}

func (d *Driver) installTimeline(ctx context.Context, series [][]*model.Measurement, play bool) error {
	tl, err := timectrl.Load(series)
	if err != nil {
		return err
	}
	p := timectrl.NewPlayer(tl, d.registry, d.sched)
	if err := p.SetSpeed(d.cfg.Speed); err != nil {
		return err
	}
	d.player = p
	d.setLastError(nil)
	res := tl.Apply(ctx, d.registry)
	if play {
		p.Play()
	}
	d.log.Info(ctx, "timeline loaded",
		logging.Int("frames", tl.Len()),
		logging.Int("series", len(series)),
	)
	d.afterCycle(res)
	return nil
}

// reload rebuilds nodes and aggregates from the map file. A map that fails to
// parse leaves the current one in place.
func (d *Driver) reload(ctx context.Context) {
	mf, err := kb.LoadMap(d.cfg.MapPath)
	if err != nil {
		d.log.Warn(ctx, "map reload failed; keeping current map", logging.Err(err))
		return
	}
	view, err := core.NewAggregateView(d.surface, mf.Aggregates)
	if err != nil {
		d.log.Warn(ctx, "map reload failed; keeping current map", logging.Err(err))
		return
	}
	if err := d.store.Load(mf); err != nil {
		d.log.Warn(ctx, "map reload failed; keeping current map", logging.Err(err))
		return
	}
	d.mapFile = mf
	d.registry.Clear()
	d.registry.SetEdgeNodes(mf.EdgeNodes)
	d.registry.SetAggregates(view)

	d.mu.Lock()
	d.status.Map = mf.Name
	d.status.Nodes = len(mf.Nodes)
	d.mu.Unlock()
	d.log.Info(ctx, "map reloaded", logging.String("map", mf.Name), logging.Int("nodes", len(mf.Nodes)))

	if d.cfg.Replay == nil {
		d.startFetch(ctx)
		return
	}
	if d.player != nil {
		d.afterCycle(d.player.Timeline().Apply(ctx, d.registry))
	}
}

func (d *Driver) setLastError(err error) {
	if err == nil {
		d.lastError = ""
		return
	}
	d.lastError = err.Error()
}

func (d *Driver) afterCycle(res core.UpdateResult) {
	if d.player != nil && d.playback != nil {
		d.playback.SetPlaybackCursor(d.player.Timeline().Cursor())
	}
	d.publish(res)
}

// publish refreshes the shared Status. A zero res keeps the last cycle.
func (d *Driver) publish(res core.UpdateResult) {
	d.mu.Lock()
	st := d.status
	st.Datatype = d.registry.Datatype()
	st.Links = d.registry.Len()
	st.LastError = d.lastError
	st.Speed = d.cfg.Speed
	if !res.Cycle.IsZero() {
		st.Last = res
		st.CycleTime = res.Cycle
		st.Cycle++
	}
	if d.player != nil {
		tl := d.player.Timeline()
		st.Frame, st.Frames = tl.Cursor(), tl.Len()
		st.Playing = d.player.Playing()
	}
	d.status = st
	d.mu.Unlock()

	if d.observer != nil {
		d.observer(st)
	}
}
