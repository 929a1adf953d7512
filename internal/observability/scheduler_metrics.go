package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoopCollector exposes metrics for the driver loop: timer events and
// simulation frames.
type LoopCollector struct {
	gatherer prometheus.Gatherer

	TimerEvents   *prometheus.CounterVec
	FrameDuration prometheus.Histogram
	Frames        prometheus.Counter
	LayoutAlpha   prometheus.Gauge
}

// NewLoopCollector registers loop metrics against the provided registerer.
func NewLoopCollector(reg prometheus.Registerer) (*LoopCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weathermap_timer_events_total",
		Help: "Scheduler events seen by the driver loop, labeled by timer kind and whether they were handled or dropped as stale.",
	}, []string{"kind", "outcome"}), "weathermap_timer_events_total")
	if err != nil {
		return nil, err
	}

	frameHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "weathermap_frame_duration_seconds",
		Help:    "Duration of one simulation frame: layout tick plus link rerouting.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})
	frameHistogram, err = registerHistogram(reg, frameHistogram, "weathermap_frame_duration_seconds")
	if err != nil {
		return nil, err
	}

	frames := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weathermap_frames_total",
		Help: "Cumulative number of simulation frames.",
	})
	frames, err = registerCounter(reg, frames, "weathermap_frames_total")
	if err != nil {
		return nil, err
	}

	alpha := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "weathermap_layout_alpha",
		Help: "Current cooling parameter of the force layout; 0 once it has settled.",
	})
	alpha, err = registerGauge(reg, alpha, "weathermap_layout_alpha")
	if err != nil {
		return nil, err
	}

	return &LoopCollector{
		gatherer:      gatherer,
		TimerEvents:   events,
		FrameDuration: frameHistogram,
		Frames:        frames,
		LayoutAlpha:   alpha,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *LoopCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTimerEvent counts a scheduler event.
func (c *LoopCollector) ObserveTimerEvent(kind string, handled bool) {
	if c == nil || c.TimerEvents == nil {
		return
	}
	outcome := "handled"
	if !handled {
		outcome = "dropped"
	}
	c.TimerEvents.WithLabelValues(kind, outcome).Inc()
}

// ObserveFrame records one simulation frame.
func (c *LoopCollector) ObserveFrame(d time.Duration, alpha float64) {
	if c == nil {
		return
	}
	if c.FrameDuration != nil {
		c.FrameDuration.Observe(d.Seconds())
	}
	if c.Frames != nil {
		c.Frames.Inc()
	}
	if c.LayoutAlpha != nil {
		if alpha < 0 {
			alpha = 0
		}
		c.LayoutAlpha.Set(alpha)
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
