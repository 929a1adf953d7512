package core

import (
	"sort"
	"strconv"
	"strings"

	"github.com/signalsfoundry/weathermap/model"
)

// Band is a discrete severity key a surface maps to a colour.
type Band string

// BandUnknown is drawn for links whose last report is stale.
const BandUnknown Band = "unknown"

// IsOverride reports whether the band came from an interface state rather
// than from the metric value.
func (b Band) IsOverride() bool { return strings.HasPrefix(string(b), "state-") }

// Threshold is one row of a colour table.
type Threshold struct {
	Value float64
	Band  Band
}

// ColorMapper converts a metric into a severity band using a fixed table of
// thresholds.
type ColorMapper struct {
	thresholds []Threshold
}

// NewColorMapper sorts a copy of thresholds numerically.
func NewColorMapper(thresholds []Threshold) *ColorMapper {
	sorted := append([]Threshold(nil), thresholds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })
	return &ColorMapper{thresholds: sorted}
}

// Thresholds returns the sorted table.
func (c *ColorMapper) Thresholds() []Threshold {
	return append([]Threshold(nil), c.thresholds...)
}

// Band picks the threshold closest to value. A strictly positive value that
// lands on a zero floor band is bumped to the next band so an active link
// never reads as idle. Any explicit state other than "up"
// overrides the computed band.
func (c *ColorMapper) Band(value float64, state string) Band {
	if b, ok := stateBand(state); ok {
		return b
	}
	if len(c.thresholds) == 0 {
		return BandUnknown
	}

	best := 0
	bestDist := abs(value - c.thresholds[0].Value)
	for i := 1; i < len(c.thresholds); i++ {
		if d := abs(value - c.thresholds[i].Value); d < bestDist {
			best, bestDist = i, d
		}
	}

	// The zero band is the idle band only when it is the floor of the table;
	// a dBm table has 0 in the middle.
	if best == 0 && c.thresholds[0].Value == 0 && value > 0 && len(c.thresholds) > 1 {
		return c.thresholds[1].Band
	}
	return c.thresholds[best].Band
}

func stateBand(state string) (Band, bool) {
	s := strings.ToLower(strings.TrimSpace(state))
	if s == "" || s == model.StateUp {
		return "", false
	}
	s = strings.NewReplacer(" ", "-", "_", "-").Replace(s)
	return Band("state-" + s), true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func percentBands(values ...float64) []Threshold {
	out := make([]Threshold, 0, len(values))
	for _, v := range values {
		out = append(out, Threshold{Value: v, Band: Band("util-" + strconv.FormatFloat(v, 'f', -1, 64))})
	}
	return out
}

// UtilizationColors maps link utilization in percent.
func UtilizationColors() *ColorMapper {
	return NewColorMapper(percentBands(0, 1, 10, 25, 40, 55, 70, 85, 100))
}

// OpticalColors maps receive power in dBm.
func OpticalColors() *ColorMapper {
	return NewColorMapper([]Threshold{
		{Value: -40, Band: "optic-dark"},
		{Value: -30, Band: "optic-critical"},
		{Value: -20, Band: "optic-low"},
		{Value: -15, Band: "optic-marginal"},
		{Value: -10, Band: "optic-fair"},
		{Value: -5, Band: "optic-good"},
		{Value: 0, Band: "optic-strong"},
		{Value: 5, Band: "optic-hot"},
	})
}

// HealthColors maps an error or loss ratio.
func HealthColors() *ColorMapper {
	return NewColorMapper([]Threshold{
		{Value: 0, Band: "health-clean"},
		{Value: 0.00001, Band: "health-trace"},
		{Value: 0.0001, Band: "health-minor"},
		{Value: 0.001, Band: "health-major"},
		{Value: 0.01, Band: "health-severe"},
		{Value: 0.1, Band: "health-critical"},
	})
}
