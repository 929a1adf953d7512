// weathermap polls a network weathermap API, consolidates the per-interface
// records into one link per node pair and renders the result.
//
// Usage:
//
//	weathermap live --map core --tui        # poll and show the bubbletea view
//	weathermap live --map core              # poll and print scene JSON per cycle
//	weathermap replay --map core --date 2024-03-01 --hour 13
//	weathermap snapshot --map core          # one poll, print scene JSON, exit
//	weathermap maps                         # list maps by group
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/weathermap/internal/config"
	"github.com/signalsfoundry/weathermap/internal/fetch"
	"github.com/signalsfoundry/weathermap/internal/logging"
	"github.com/signalsfoundry/weathermap/internal/observability"
	"github.com/signalsfoundry/weathermap/kb"
	"github.com/signalsfoundry/weathermap/model"
)

var version = "dev"

// globalFlags are the persistent flags shared by every subcommand. Set
// values override the config file and the environment.
type globalFlags struct {
	configPath string
	mapName    string
	datatype   string
	apiURL     string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "weathermap",
		Short: "weathermap - network link consolidation and rendering",
		Long: `weathermap polls the weathermap API for the nodes of a map, merges the
per-interface records into one canonical link per node pair, colours each
direction by utilization, optical level or interface health, and renders
the result live, as a replay of a past day, or as JSON.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("weathermap {{ .Version }}\n")
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", os.Getenv("WEATHERMAP_CONFIG"), "path to a TOML config file")
	pf.StringVarP(&flags.mapName, "map", "m", "", "map file path, or slug inside map.dir")
	pf.StringVarP(&flags.datatype, "datatype", "d", "", "utilization, optic or health")
	pf.StringVar(&flags.apiURL, "api", "", "weathermap API base URL")

	root.AddCommand(
		liveCmd(flags),
		replayCmd(flags),
		snapshotCmd(flags),
		mapsCmd(flags),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "weathermap: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides on top.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.mapName != "" {
		cfg.Map.Path = f.mapName
	}
	if f.datatype != "" {
		dt, err := model.ParseDatatype(f.datatype)
		if err != nil {
			return nil, err
		}
		cfg.Map.Datatype = dt
	}
	if f.apiURL != "" {
		cfg.API.URL = f.apiURL
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// resolveMap turns a map argument into a file path. Anything that exists on
// disk is used as is; otherwise it is looked up as a slug in dir.
func resolveMap(name, dir string) (string, error) {
	if name == "" {
		return "", errors.New("no map selected (use --map or map.path)")
	}
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: map %q not found in %s", kb.ErrInvalidMap, name, dir)
}

// session is the ambient stack shared by the commands that talk to the API.
type session struct {
	cfg     *config.Config
	log     logging.Logger
	engine  *observability.EngineCollector
	loop    *observability.LoopCollector
	client  *fetch.Client
	mapPath string

	closers []func(context.Context)
}

func (f *globalFlags) setup(ctx context.Context, logOut io.Writer) (*session, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	logCfg := cfg.Logging()
	logCfg.Output = logOut
	log := logging.New(logCfg)
	s := &session{cfg: cfg, log: log}

	path, err := resolveMap(cfg.Map.Path, cfg.Map.Dir)
	if err != nil {
		return nil, err
	}
	s.mapPath = path

	shutdown, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.closers = append(s.closers, func(ctx context.Context) {
		observability.ShutdownWithTimeout(ctx, shutdown, log)
	})

	reg := prometheus.NewRegistry()
	if s.engine, err = observability.NewEngineCollector(reg); err != nil {
		s.close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if s.loop, err = observability.NewLoopCollector(reg); err != nil {
		s.close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if srv := serveMetrics(cfg.Metrics.Addr, s.engine, log); srv != nil {
		s.closers = append(s.closers, func(ctx context.Context) {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	s.client, err = fetch.New(cfg.API.URL,
		fetch.WithTimeout(cfg.API.Timeout),
		fetch.WithLogger(log),
		fetch.WithRecorder(s.engine),
	)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	ctx := context.Background()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i](ctx)
	}
	s.closers = nil
}

func serveMetrics(addr string, collector *observability.EngineCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
