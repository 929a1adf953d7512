package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/weathermap/core"
	"github.com/signalsfoundry/weathermap/internal/driver"
	"github.com/signalsfoundry/weathermap/internal/fetch"
	"github.com/signalsfoundry/weathermap/internal/layout"
	"github.com/signalsfoundry/weathermap/internal/logging"
	"github.com/signalsfoundry/weathermap/internal/termview"
	"github.com/signalsfoundry/weathermap/kb"
	"github.com/signalsfoundry/weathermap/model"
)

func liveCmd(flags *globalFlags) *cobra.Command {
	var (
		tui      bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Poll the API and render the map",
		Long: `Poll the API every poll.interval and render the consolidated links.
With --tui the map is shown in the terminal; otherwise one JSON scene is
written to stdout per cycle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.setup(cmd.Context(), logOutput(tui, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer s.close()
			if interval > 0 {
				s.cfg.Poll.Interval = interval
			}
			return s.runDriver(cmd.Context(), runOptions{tui: tui, out: cmd.OutOrStdout()})
		},
	}
	cmd.Flags().BoolVar(&tui, "tui", false, "show the interactive terminal view")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (overrides poll.interval)")
	return cmd
}

func replayCmd(flags *globalFlags) *cobra.Command {
	var (
		tui   bool
		once  bool
		date  string
		hour  int
		speed float64
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a past day from the timeline API",
		Long: `Fetch the timeline of a past day (or one hour of it) and play it back.
Only utilization and optic timelines exist.`,
		Example: `  weathermap replay --map core --date 2024-03-01
  weathermap replay --map core --date 03/01/2024 --hour 13 --speed 4 --tui`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := timelineRequest(date, hour)
			if err != nil {
				return err
			}
			s, err := flags.setup(cmd.Context(), logOutput(tui, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer s.close()
			if speed > 0 {
				s.cfg.Playback.Speed = speed
			}
			return s.runDriver(cmd.Context(), runOptions{
				tui:    tui,
				once:   once && !tui,
				replay: &req,
				out:    cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().BoolVar(&tui, "tui", false, "show the interactive terminal view")
	cmd.Flags().BoolVar(&once, "once", false, "exit after the last frame instead of looping (JSON output only)")
	cmd.Flags().StringVar(&date, "date", "", "day to replay, YYYY-MM-DD or MM/DD/YYYY")
	cmd.Flags().IntVar(&hour, "hour", -1, "hour of the day to replay (0-23); the whole day when unset")
	cmd.Flags().Float64Var(&speed, "speed", 0, "frames per second (overrides playback.speed)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func snapshotCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Poll once and print the scene as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.close()
			return s.snapshot(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func mapsCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "maps",
		Short: "List the maps in map.dir by group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			logCfg := cfg.Logging()
			logCfg.Output = cmd.ErrOrStderr()
			groups, err := kb.ListMaps(cmd.Context(), cfg.Map.Dir, logging.New(logCfg))
			if err != nil {
				return err
			}
			return printMaps(cmd.OutOrStdout(), groups, asJSON)
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func printMaps(w io.Writer, groups map[string][]kb.MapEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	}
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)
	for _, g := range names {
		title := g
		if title == "" {
			title = "(ungrouped)"
		}
		fmt.Fprintln(w, title)
		for _, e := range groups[g] {
			fmt.Fprintf(w, "  %-24s %s\n", e.Slug, e.Name)
		}
	}
	return nil
}

// timelineRequest parses the replay flags.
func timelineRequest(date string, hour int) (fetch.TimelineRequest, error) {
	var req fetch.TimelineRequest
	var err error
	for _, format := range []string{"2006-01-02", "01/02/2006"} {
		if req.Date, err = time.Parse(format, date); err == nil {
			break
		}
	}
	if err != nil {
		return req, fmt.Errorf("invalid --date %q: want YYYY-MM-DD or MM/DD/YYYY", date)
	}
	if hour >= 0 {
		if hour > 23 {
			return req, fmt.Errorf("invalid --hour %d: want 0-23", hour)
		}
		req.Hour = &hour
	}
	return req, nil
}

func logOutput(tui bool, stderr io.Writer) io.Writer {
	if tui {
		// the alternate screen owns the terminal
		return io.Discard
	}
	return stderr
}

// sceneDump is one JSON line of live or replay output, and the document the
// snapshot command prints.
type sceneDump struct {
	Map       string             `json:"map"`
	Mode      string             `json:"mode"`
	Datatype  model.Datatype     `json:"datatype"`
	Cycle     uint64             `json:"cycle"`
	CycleTime time.Time          `json:"cycle_time"`
	Frame     *int               `json:"frame,omitempty"`
	Frames    int                `json:"frames,omitempty"`
	Matched   int                `json:"matched"`
	Dropped   int                `json:"dropped"`
	Stale     int                `json:"stale"`
	Error     string             `json:"error,omitempty"`
	Scene     core.SceneSnapshot `json:"scene"`
}

type runOptions struct {
	tui    bool
	once   bool
	replay *fetch.TimelineRequest
	out    io.Writer
}

func (s *session) driverConfig(replay *fetch.TimelineRequest) driver.Config {
	return driver.Config{
		MapPath:       s.mapPath,
		Datatype:      s.cfg.Map.Datatype,
		PollInterval:  s.cfg.Poll.Interval,
		FrameInterval: s.cfg.Layout.FrameInterval,
		Speed:         s.cfg.Playback.Speed,
		Watch:         s.cfg.Map.Watch,
		Replay:        replay,
		Layout: layout.Config{
			ChargeStrength: s.cfg.Layout.ChargeStrength,
			LinkDistance:   s.cfg.Layout.LinkDistance,
			VelocityDecay:  s.cfg.Layout.VelocityDecay,
			AlphaDecay:     s.cfg.Layout.AlphaDecay,
			AlphaMin:       s.cfg.Layout.AlphaMin,
		},
	}
}

func (s *session) runDriver(ctx context.Context, opts runOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scene := core.NewScene()
	driverOpts := []driver.Option{
		driver.WithSurface(scene),
		driver.WithLogger(s.log),
		driver.WithMetrics(s.engine),
		driver.WithPlaybackRecorder(s.engine),
		driver.WithLoopRecorder(s.loop),
	}
	var feed *termview.Feed
	if opts.tui {
		feed = termview.NewFeed()
		driverOpts = append(driverOpts, driver.WithObserver(feed.Publish))
	} else {
		w := &dumpWriter{enc: json.NewEncoder(opts.out), scene: scene, once: opts.once, done: cancel}
		driverOpts = append(driverOpts, driver.WithObserver(w.write))
	}

	d, err := driver.New(s.driverConfig(opts.replay), s.client, driverOpts...)
	if err != nil {
		return err
	}

	if !opts.tui {
		return ignoreCanceled(d.Run(ctx))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	uiErr := termview.Run(ctx, d, scene, feed)
	cancel()
	if err := ignoreCanceled(<-errCh); err != nil {
		return err
	}
	return uiErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dumpWriter prints one sceneDump per published status. It runs on the
// driver loop.
type dumpWriter struct {
	mu    sync.Mutex
	enc   *json.Encoder
	scene *core.Scene
	once  bool
	done  context.CancelFunc
	seen  bool
	last  uint64
}

func (w *dumpWriter) write(st driver.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// commands republish without a new cycle
	if w.seen && st.Cycle == w.last {
		return
	}
	w.seen, w.last = true, st.Cycle

	dump := sceneDump{
		Map:       st.Map,
		Mode:      st.Mode.String(),
		Datatype:  st.Datatype,
		Cycle:     st.Cycle,
		CycleTime: st.CycleTime,
		Matched:   st.Last.Matched,
		Dropped:   st.Last.Dropped(),
		Stale:     st.Last.Stale,
		Error:     st.LastError,
		Scene:     w.scene.Snapshot(),
	}
	if st.Mode == driver.Replay {
		frame := st.Frame
		dump.Frame, dump.Frames = &frame, st.Frames
	}
	_ = w.enc.Encode(dump)

	if w.once && st.Mode == driver.Replay && st.Frames > 0 && st.Frame == st.Frames-1 {
		w.done()
	}
}

// snapshot polls once outside the driver loop and prints the scene.
func (s *session) snapshot(ctx context.Context, out io.Writer) error {
	mf, err := kb.LoadMap(s.mapPath)
	if err != nil {
		return err
	}
	store := kb.NewKnowledgeBase()
	if err := store.Load(mf); err != nil {
		return err
	}
	scene := core.NewScene()
	view, err := core.NewAggregateView(scene, mf.Aggregates)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", kb.ErrInvalidMap, s.mapPath, err)
	}
	dt := s.cfg.Map.Datatype
	registry := core.NewRegistry(store, scene,
		core.WithDatatype(dt),
		core.WithAggregates(view),
		core.WithMetricsRecorder(s.engine),
		core.WithLogger(s.log),
	)
	registry.SetEdgeNodes(mf.EdgeNodes)

	batch, err := s.client.Poll(ctx, mf.NodeNames(), mf.RemoteNames(), dt)
	if err != nil {
		return err
	}
	res := registry.Update(logging.ContextWithCycle(ctx, 1), batch)
	s.log.Info(ctx, "snapshot taken",
		logging.String("map", mf.Name),
		logging.String("datatype", dt.String()),
		logging.Int("records", res.Records),
		logging.Int("links", registry.Len()),
	)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(sceneDump{
		Map:       mf.Name,
		Mode:      "snapshot",
		Datatype:  dt,
		Cycle:     1,
		CycleTime: res.Cycle,
		Matched:   res.Matched,
		Dropped:   res.Dropped(),
		Stale:     res.Stale,
		Scene:     scene.Snapshot(),
	})
}
