package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/weathermap/core"
	"github.com/signalsfoundry/weathermap/model"
)

// Record outcomes used as the "result" label of weathermap_records_total.
const (
	ResultMatched    = "matched"
	ResultMerged     = "merged"
	ResultSkipped    = "skipped"
	ResultUnmatched  = "unmatched"
	ResultSelfLink   = "self_link"
	ResultSuppressed = "suppressed"
)

// EngineCollector bundles Prometheus metrics for the link registry and the
// fetch path, and provides the /metrics handler.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Records        *prometheus.CounterVec
	UpdateDuration *prometheus.HistogramVec
	Links          prometheus.Gauge
	StaleLinks     prometheus.Gauge
	Aggregates     prometheus.Gauge

	FetchFailures *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	PlaybackCursor prometheus.Gauge
}

var _ core.MetricsRecorder = (*EngineCollector)(nil)

// NewEngineCollector registers engine metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	records, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weathermap_records_total",
		Help: "Measurement records consumed by the link registry, labeled by datatype and outcome.",
	}, []string{"datatype", "result"}), "weathermap_records_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weathermap_update_duration_seconds",
		Help:    "Time spent applying one measurement batch.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"datatype"}), "weathermap_update_duration_seconds")
	if err != nil {
		return nil, err
	}

	links, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "weathermap_links",
		Help: "Current number of canonical links.",
	}), "weathermap_links")
	if err != nil {
		return nil, err
	}
	stale, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "weathermap_stale_links",
		Help: "Canonical links without a report inside the staleness window.",
	}), "weathermap_stale_links")
	if err != nil {
		return nil, err
	}
	aggregates, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "weathermap_aggregates",
		Help: "Aggregate meters drawn in the last cycle.",
	}), "weathermap_aggregates")
	if err != nil {
		return nil, err
	}

	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weathermap_fetch_failures_total",
		Help: "Failed API fetches, labeled by request kind.",
	}, []string{"kind"}), "weathermap_fetch_failures_total")
	if err != nil {
		return nil, err
	}
	fetchDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weathermap_fetch_duration_seconds",
		Help:    "API fetch latency in seconds.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"}), "weathermap_fetch_duration_seconds")
	if err != nil {
		return nil, err
	}

	cursor, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "weathermap_playback_cursor",
		Help: "Index of the timeline frame currently shown.",
	}), "weathermap_playback_cursor")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:       gatherer,
		Records:        records,
		UpdateDuration: durations,
		Links:          links,
		StaleLinks:     stale,
		Aggregates:     aggregates,
		FetchFailures:  failures,
		FetchDuration:  fetchDurations,
		PlaybackCursor: cursor,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveUpdate satisfies core.MetricsRecorder.
func (c *EngineCollector) ObserveUpdate(dt model.Datatype, res core.UpdateResult, elapsed time.Duration) {
	if c == nil {
		return
	}
	if c.Records != nil {
		label := dt.String()
		// merged records are a subset of matched ones
		c.Records.WithLabelValues(label, ResultMatched).Add(float64(res.Matched - res.Merged))
		c.Records.WithLabelValues(label, ResultMerged).Add(float64(res.Merged))
		c.Records.WithLabelValues(label, ResultSkipped).Add(float64(res.Skipped))
		c.Records.WithLabelValues(label, ResultUnmatched).Add(float64(res.Unmatched))
		c.Records.WithLabelValues(label, ResultSelfLink).Add(float64(res.SelfLinks))
		c.Records.WithLabelValues(label, ResultSuppressed).Add(float64(res.Suppressed))
	}
	if c.UpdateDuration != nil {
		c.UpdateDuration.WithLabelValues(dt.String()).Observe(elapsed.Seconds())
	}
}

// SetLinkCounts satisfies core.MetricsRecorder.
func (c *EngineCollector) SetLinkCounts(links, stale int) {
	if c == nil {
		return
	}
	if c.Links != nil {
		c.Links.Set(float64(links))
	}
	if c.StaleLinks != nil {
		c.StaleLinks.Set(float64(stale))
	}
}

// SetAggregateCount satisfies core.MetricsRecorder.
func (c *EngineCollector) SetAggregateCount(n int) {
	if c == nil || c.Aggregates == nil {
		return
	}
	c.Aggregates.Set(float64(n))
}

// ObserveFetch records one API fetch; a non-nil err counts as a failure.
func (c *EngineCollector) ObserveFetch(kind string, d time.Duration, err error) {
	if c == nil {
		return
	}
	if c.FetchDuration != nil {
		c.FetchDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
	if err != nil && c.FetchFailures != nil {
		c.FetchFailures.WithLabelValues(kind).Inc()
	}
}

// SetPlaybackCursor updates the timeline position gauge.
func (c *EngineCollector) SetPlaybackCursor(i int) {
	if c == nil || c.PlaybackCursor == nil {
		return
	}
	c.PlaybackCursor.Set(float64(i))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
