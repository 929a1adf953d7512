package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/weathermap/core"
	"github.com/signalsfoundry/weathermap/internal/fetch"
	"github.com/signalsfoundry/weathermap/model"
	"github.com/signalsfoundry/weathermap/timectrl"
)

const backboneMap = `name: Backbone
nodes:
  - {name: core1, x: 0, y: 0, fixed: true}
  - {name: core2, x: 200, y: 0, fixed: true}
  - {name: isp, x: 400, y: 0, remote: true, fixed: true}
aggregates:
  - {up: upstream, down: downstream, links: [[core1, core2]], x: 0, y: 50}
`

type fakeFetcher struct {
	mu       sync.Mutex
	polls    []model.Datatype
	remotes  [][]string
	fail     bool
	timeline map[model.Datatype][][]*model.Measurement
	requests []fetch.TimelineRequest
}

func (f *fakeFetcher) Poll(_ context.Context, nodes, remotes []string, dt model.Datatype) ([]*model.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, dt)
	f.remotes = append(f.remotes, remotes)
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return []*model.Measurement{
		{Source: "core2", Target: "core1", In: 40, Out: 60, Bandwidth: 100, State: "up"},
		{Source: "core1", Remote: "isp transit 1", In: 5, Out: 5, Bandwidth: 10, State: "up"},
	}, nil
}

func (f *fakeFetcher) Timeline(_ context.Context, nodes []string, dt model.Datatype, req fetch.TimelineRequest) ([][]*model.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	series, ok := f.timeline[dt]
	if !ok {
		return nil, fetch.ErrTimelineUnsupported
	}
	// hand out copies: the engine canonicalizes records in place
	out := make([][]*model.Measurement, len(series))
	for i, s := range series {
		for _, m := range s {
			out[i] = append(out[i], m.Clone())
		}
	}
	return out, nil
}

func (f *fakeFetcher) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.polls)
}

func (f *fakeFetcher) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func writeMap(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backbone.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write map: %v", err)
	}
	return path
}

type harness struct {
	d       *Driver
	scene   *core.Scene
	updates chan Status
	cancel  context.CancelFunc
	errc    chan error
}

func start(t *testing.T, cfg Config, f Fetcher) *harness {
	t.Helper()
	h := &harness{scene: core.NewScene(), updates: make(chan Status, 256), errc: make(chan error, 1)}
	d, err := New(cfg, f, WithSurface(h.scene), WithObserver(func(s Status) {
		select {
		case h.updates <- s:
		default:
		}
	}))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	h.d = d
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.errc:
		case <-time.After(2 * time.Second):
			t.Errorf("Run did not return after cancel")
		}
	})
	return h
}

func (h *harness) wait(t *testing.T, what string, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.updates:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; last status %+v", what, h.d.Status())
			return Status{}
		}
	}
}

func TestLiveCycleDrawsLinksAndAggregates(t *testing.T) {
	f := &fakeFetcher{}
	h := start(t, Config{MapPath: writeMap(t, backboneMap), PollInterval: time.Hour}, f)

	st := h.wait(t, "first cycle", func(s Status) bool { return s.Cycle >= 1 })
	if st.Mode != Live || st.Map != "Backbone" || st.Nodes != 3 {
		t.Fatalf("status = %+v", st)
	}
	if st.Links != 2 || st.Last.Matched != 2 {
		t.Fatalf("links = %d matched = %d", st.Links, st.Last.Matched)
	}
	if _, ok := h.scene.Link(core.PairID("core1", "core2")); !ok {
		t.Fatalf("core1|core2 not drawn")
	}
	if _, ok := h.scene.Link(core.PairID("core1", "isp")); !ok {
		t.Fatalf("remote link not drawn")
	}
	agg := core.AggregateDef{Up: "upstream", Down: "downstream"}
	if m, visible, ok := h.scene.Aggregate(agg.ID()); !ok || !visible || m.Bandwidth != 100 {
		t.Fatalf("aggregate = %+v visible=%v ok=%v", m, visible, ok)
	}
	f.mu.Lock()
	remotes := f.remotes[0]
	f.mu.Unlock()
	if len(remotes) != 1 || remotes[0] != "isp" {
		t.Fatalf("remotes polled = %v", remotes)
	}
}

func TestPollTimerRearms(t *testing.T) {
	f := &fakeFetcher{}
	h := start(t, Config{MapPath: writeMap(t, backboneMap), PollInterval: 20 * time.Millisecond}, f)
	h.wait(t, "three cycles", func(s Status) bool { return s.Cycle >= 3 })
}

func TestRefreshForcesPoll(t *testing.T) {
	f := &fakeFetcher{}
	h := start(t, Config{MapPath: writeMap(t, backboneMap), PollInterval: time.Hour}, f)
	h.wait(t, "first cycle", func(s Status) bool { return s.Cycle >= 1 })

	if err := h.d.Refresh(); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	h.wait(t, "forced cycle", func(s Status) bool { return s.Cycle >= 2 })
	if f.pollCount() != 2 {
		t.Fatalf("polls = %d, want 2", f.pollCount())
	}
}

func TestFetchFailureAgesLinks(t *testing.T) {
	f := &fakeFetcher{}
	h := start(t, Config{MapPath: writeMap(t, backboneMap), PollInterval: time.Hour}, f)
	h.wait(t, "first cycle", func(s Status) bool { return s.Cycle >= 1 })

	f.setFail(true)
	if err := h.d.Refresh(); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	st := h.wait(t, "failed cycle", func(s Status) bool { return s.LastError != "" })
	if st.Links != 2 || st.Last.Records != 0 {
		t.Fatalf("failed poll should keep links and feed an empty batch: %+v", st)
	}

	f.setFail(false)
	if err := h.d.Refresh(); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	h.wait(t, "recovered cycle", func(s Status) bool { return s.LastError == "" && s.Last.Records == 2 })
}

func TestSetDatatypeRefetches(t *testing.T) {
	f := &fakeFetcher{}
	h := start(t, Config{MapPath: writeMap(t, backboneMap), PollInterval: time.Hour}, f)
	h.wait(t, "first cycle", func(s Status) bool { return s.Cycle >= 1 })

	if err := h.d.SetDatatype(model.Optical); err != nil {
		t.Fatalf("SetDatatype error: %v", err)
	}
	st := h.wait(t, "optic cycle", func(s Status) bool { return s.Datatype == model.Optical && s.Cycle >= 2 })
	if st.Links != 2 {
		t.Fatalf("links after switch = %d", st.Links)
	}
	f.mu.Lock()
	last := f.polls[len(f.polls)-1]
	f.mu.Unlock()
	if last != model.Optical {
		t.Fatalf("last poll datatype = %s", last)
	}
	// optics do not aggregate
	agg := core.AggregateDef{Up: "upstream", Down: "downstream"}
	if _, visible, _ := h.scene.Aggregate(agg.ID()); visible {
		t.Fatalf("aggregate visible for optic")
	}
}

func TestPlaybackCommandsRejectedLive(t *testing.T) {
	f := &fakeFetcher{}
	d, err := New(Config{MapPath: writeMap(t, backboneMap)}, f)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer d.Close()
	for name, call := range map[string]func() error{
		"step":   func() error { return d.Step(1) },
		"seek":   func() error { return d.Seek(0) },
		"toggle": d.TogglePlay,
		"speed":  func() error { return d.SetSpeed(2) },
	} {
		if err := call(); !errors.Is(err, ErrReplayOnly) {
			t.Fatalf("%s: expected ErrReplayOnly, got %v", name, err)
		}
	}
}

func TestClosedDriverRejectsCommands(t *testing.T) {
	d, err := New(Config{MapPath: writeMap(t, backboneMap)}, &fakeFetcher{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	d.Close()
	d.Close()
	if err := d.Refresh(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewRejectsInvalidMap(t *testing.T) {
	if _, err := New(Config{MapPath: writeMap(t, "name: x\nnodes: []\n")}, &fakeFetcher{}); err == nil {
		t.Fatalf("expected error for map without nodes")
	}
	if _, err := New(Config{MapPath: writeMap(t, backboneMap), Replay: &fetch.TimelineRequest{}, Datatype: model.Health}, &fakeFetcher{}); !errors.Is(err, fetch.ErrTimelineUnsupported) {
		t.Fatalf("expected ErrTimelineUnsupported, got %v", err)
	}
}

func replaySeries() map[model.Datatype][][]*model.Measurement {
	rec := func(minute int, in float64) *model.Measurement {
		return &model.Measurement{
			Source: "core1", Target: "core2", In: in, Out: 1, Bandwidth: 100, State: "up",
			Datetime: time.Date(2024, 3, 1, 12, minute, 0, 0, time.UTC).Format(time.RFC3339),
		}
	}
	return map[model.Datatype][][]*model.Measurement{
		model.Utilization: {{rec(0, 10), rec(1, 20), rec(2, 30)}},
		model.Optical:     {{{Source: "core1", Target: "core2", SourceReceive: model.Float(-3), TargetReceive: model.Float(-4)}}},
	}
}

func TestReplayStepsAndSeeks(t *testing.T) {
	f := &fakeFetcher{timeline: replaySeries()}
	h := start(t, Config{
		MapPath: writeMap(t, backboneMap),
		Replay:  &fetch.TimelineRequest{Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}, f)

	st := h.wait(t, "frame 0", func(s Status) bool { return s.Frames == 3 })
	if st.Mode != Replay || st.Frame != 0 || !st.Playing {
		t.Fatalf("status = %+v", st)
	}
	if err := h.d.TogglePlay(); err != nil {
		t.Fatalf("TogglePlay error: %v", err)
	}
	h.wait(t, "paused", func(s Status) bool { return !s.Playing })

	from := h.d.Status().Frame
	if err := h.d.Step(1); err != nil {
		t.Fatalf("Step error: %v", err)
	}
	h.wait(t, "stepped", func(s Status) bool { return s.Frame == (from+1)%3 })
	link, ok := h.scene.Link(core.PairID("core1", "core2"))
	if !ok || link.Stale {
		t.Fatalf("replayed link missing or stale: %+v", link)
	}

	target := (from + 2) % 3
	if err := h.d.Seek(target); err != nil {
		t.Fatalf("Seek error: %v", err)
	}
	st = h.wait(t, "seek", func(s Status) bool { return s.Frame == target })
	if !st.CycleTime.Equal(time.Date(2024, 3, 1, 12, target, 0, 0, time.UTC)) {
		t.Fatalf("cycle stamped %v, want the frame time", st.CycleTime)
	}
	f.mu.Lock()
	remotes := f.requests[0].Remotes
	f.mu.Unlock()
	if len(remotes) != 1 || remotes[0] != "isp" {
		t.Fatalf("timeline remotes = %v", remotes)
	}
}

func TestReplayAutoPlayAdvances(t *testing.T) {
	f := &fakeFetcher{timeline: replaySeries()}
	h := start(t, Config{
		MapPath: writeMap(t, backboneMap),
		Speed:   50,
		Replay:  &fetch.TimelineRequest{},
	}, f)
	h.wait(t, "auto-play step", func(s Status) bool { return s.Frame == 1 })

	if err := h.d.SetSpeed(0); !errors.Is(err, timectrl.ErrInvalidSpeed) {
		t.Fatalf("expected ErrInvalidSpeed, got %v", err)
	}
}

func TestReplaySetDatatypeLoadsNewTimeline(t *testing.T) {
	f := &fakeFetcher{timeline: replaySeries()}
	h := start(t, Config{MapPath: writeMap(t, backboneMap), Replay: &fetch.TimelineRequest{}}, f)
	h.wait(t, "utilization timeline", func(s Status) bool { return s.Frames == 3 })

	if err := h.d.SetDatatype(model.Health); !errors.Is(err, fetch.ErrTimelineUnsupported) {
		t.Fatalf("expected ErrTimelineUnsupported, got %v", err)
	}
	if err := h.d.SetDatatype(model.Optical); err != nil {
		t.Fatalf("SetDatatype error: %v", err)
	}
	st := h.wait(t, "optic timeline", func(s Status) bool { return s.Datatype == model.Optical && s.Frames == 1 })
	if st.Links != 1 {
		t.Fatalf("links = %d", st.Links)
	}
}

func TestReplayTimelineFailureIsFatal(t *testing.T) {
	f := &fakeFetcher{timeline: map[model.Datatype][][]*model.Measurement{}}
	d, err := New(Config{MapPath: writeMap(t, backboneMap), Replay: &fetch.TimelineRequest{}}, f)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := d.Run(context.Background()); !errors.Is(err, fetch.ErrTimelineUnsupported) {
		t.Fatalf("Run = %v, want ErrTimelineUnsupported", err)
	}
}

func TestMapReload(t *testing.T) {
	f := &fakeFetcher{}
	path := writeMap(t, backboneMap)
	h := start(t, Config{MapPath: path, PollInterval: time.Hour, Watch: true}, f)
	h.wait(t, "first cycle", func(s Status) bool { return s.Cycle >= 1 })

	grown := `name: Backbone v2
nodes:
  - {name: core1, x: 0, y: 0, fixed: true}
  - {name: core2, x: 200, y: 0, fixed: true}
  - {name: core3, x: 0, y: 200}
`
	if err := os.WriteFile(path, []byte(grown), 0o644); err != nil {
		t.Fatalf("rewrite map: %v", err)
	}
	st := h.wait(t, "reloaded map", func(s Status) bool { return s.Map == "Backbone v2" && s.Cycle >= 2 })
	if st.Nodes != 3 {
		t.Fatalf("nodes = %d", st.Nodes)
	}
	// isp is gone, so only the core link resolves
	if st.Links != 1 {
		t.Fatalf("links after reload = %d, want 1", st.Links)
	}
	agg := core.AggregateDef{Up: "upstream", Down: "downstream"}
	if _, visible, _ := h.scene.Aggregate(agg.ID()); visible {
		t.Fatalf("aggregate of the old map still visible")
	}
}
