package core

import (
	"strconv"

	"github.com/signalsfoundry/weathermap/model"
)

// variant carries everything the registry does differently per datatype.
// The set is closed: one implementation per model.Datatype.
type variant interface {
	datatype() model.Datatype
	// swap flips a record reported from the non-canonical end, in place.
	swap(m *model.Measurement)
	// assign replaces the link's metrics with a single report.
	assign(l *Link, m *model.Measurement)
	// merge folds another physical circuit from the same cycle into l.
	merge(l *Link, m *model.Measurement)
	// paint returns the band and label for each direction. Forward is
	// Source -> Target.
	paint(l *Link) (fwd, rev Band, fwdLabel, revLabel string)
	// aggregates reports whether AggregateView meters make sense.
	aggregates() bool
}

func variantFor(dt model.Datatype) variant {
	switch dt {
	case model.Optical:
		return opticVariant{colors: OpticalColors()}
	case model.Health:
		return healthVariant{colors: HealthColors()}
	default:
		return utilizationVariant{colors: UtilizationColors()}
	}
}

// ---------- utilization ----------

type utilizationVariant struct {
	colors *ColorMapper
}

func (utilizationVariant) datatype() model.Datatype { return model.Utilization }
func (utilizationVariant) aggregates() bool         { return true }

func (utilizationVariant) swap(m *model.Measurement) {
	m.In, m.Out = m.Out, m.In
}

func (utilizationVariant) assign(l *Link, m *model.Measurement) {
	l.Bandwidth = m.Bandwidth
	l.MaxBandwidth = m.Bandwidth
	l.SourceIn = m.In
	l.SourceOut = m.Out
}

func (utilizationVariant) merge(l *Link, m *model.Measurement) {
	l.Bandwidth += m.Bandwidth
	if m.Bandwidth > l.MaxBandwidth {
		l.MaxBandwidth = m.Bandwidth
	}
	l.SourceIn += m.In
	l.SourceOut += m.Out
}

func (v utilizationVariant) paint(l *Link) (Band, Band, string, string) {
	fwd := v.colors.Band(Percent(l.SourceOut, l.Bandwidth), l.State)
	rev := v.colors.Band(Percent(l.SourceIn, l.Bandwidth), l.State)
	return fwd, rev, Truncate(l.SourceOut), Truncate(l.SourceIn)
}

// Percent returns rate as a percentage of capacity, 0 when capacity is
// unknown.
func Percent(rate, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return rate / capacity * 100
}

// ---------- optical ----------

type opticVariant struct {
	colors *ColorMapper
}

func (opticVariant) datatype() model.Datatype { return model.Optical }
func (opticVariant) aggregates() bool         { return false }

func (opticVariant) swap(m *model.Measurement) {
	m.SourceReceive, m.TargetReceive = m.TargetReceive, m.SourceReceive
	m.SourceTransmit, m.TargetTransmit = m.TargetTransmit, m.SourceTransmit
	m.SourceLBC, m.TargetLBC = m.TargetLBC, m.SourceLBC
}

func (opticVariant) assign(l *Link, m *model.Measurement) {
	l.SourceOptic = Optic{Receive: copyLevel(m.SourceReceive), Transmit: copyLevel(m.SourceTransmit), LBC: copyLevel(m.SourceLBC)}
	l.TargetOptic = Optic{Receive: copyLevel(m.TargetReceive), Transmit: copyLevel(m.TargetTransmit), LBC: copyLevel(m.TargetLBC)}
}

// merge keeps the weakest light level and the highest bias current seen on
// each side, so a bundle is painted by its worst member.
func (opticVariant) merge(l *Link, m *model.Measurement) {
	l.SourceOptic.Receive = minLevel(l.SourceOptic.Receive, m.SourceReceive)
	l.SourceOptic.Transmit = minLevel(l.SourceOptic.Transmit, m.SourceTransmit)
	l.SourceOptic.LBC = maxLevel(l.SourceOptic.LBC, m.SourceLBC)
	l.TargetOptic.Receive = minLevel(l.TargetOptic.Receive, m.TargetReceive)
	l.TargetOptic.Transmit = minLevel(l.TargetOptic.Transmit, m.TargetTransmit)
	l.TargetOptic.LBC = maxLevel(l.TargetOptic.LBC, m.TargetLBC)
}

// Light sent by the source is read at the target's receiver, so the forward
// half is painted with the target's receive level.
func (v opticVariant) paint(l *Link) (Band, Band, string, string) {
	return v.level(l.TargetOptic.Receive, l.State), v.level(l.SourceOptic.Receive, l.State),
		dbm(l.TargetOptic.Receive), dbm(l.SourceOptic.Receive)
}

func (v opticVariant) level(p *float64, state string) Band {
	if b, ok := stateBand(state); ok {
		return b
	}
	if p == nil {
		return BandUnknown
	}
	return v.colors.Band(*p, state)
}

func dbm(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', 1, 64)
}

func copyLevel(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func minLevel(cur, next *float64) *float64 {
	if next == nil {
		return cur
	}
	if cur == nil || *next < *cur {
		return copyLevel(next)
	}
	return cur
}

func maxLevel(cur, next *float64) *float64 {
	if next == nil {
		return cur
	}
	if cur == nil || *next > *cur {
		return copyLevel(next)
	}
	return cur
}

// ---------- health ----------

type healthVariant struct {
	colors *ColorMapper
}

func (healthVariant) datatype() model.Datatype { return model.Health }
func (healthVariant) aggregates() bool         { return false }

func (healthVariant) swap(m *model.Measurement) {
	m.CRCErrors, m.TargetCRCErrors = m.TargetCRCErrors, m.CRCErrors
	m.InputErrors, m.TargetInputErrors = m.TargetInputErrors, m.InputErrors
	m.PacketLoss, m.TargetPacketLoss = m.TargetPacketLoss, m.PacketLoss
	m.OutputDrops, m.TargetOutputDrops = m.TargetOutputDrops, m.OutputDrops
}

func (healthVariant) assign(l *Link, m *model.Measurement) {
	l.SourceHealth = Counters{CRCErrors: m.CRCErrors, InputErrors: m.InputErrors, PacketLoss: m.PacketLoss, OutputDrops: m.OutputDrops}
	l.TargetHealth = Counters{CRCErrors: m.TargetCRCErrors, InputErrors: m.TargetInputErrors, PacketLoss: m.TargetPacketLoss, OutputDrops: m.TargetOutputDrops}
}

// merge sums counters; loss is a ratio, so the worst circuit wins.
func (healthVariant) merge(l *Link, m *model.Measurement) {
	l.SourceHealth.add(Counters{CRCErrors: m.CRCErrors, InputErrors: m.InputErrors, PacketLoss: m.PacketLoss, OutputDrops: m.OutputDrops})
	l.TargetHealth.add(Counters{CRCErrors: m.TargetCRCErrors, InputErrors: m.TargetInputErrors, PacketLoss: m.TargetPacketLoss, OutputDrops: m.TargetOutputDrops})
}

// Errors on traffic toward the target show up on the target's input
// counters, so forward is painted from the target side.
func (v healthVariant) paint(l *Link) (Band, Band, string, string) {
	fwd := v.colors.Band(l.TargetHealth.PacketLoss, l.State)
	rev := v.colors.Band(l.SourceHealth.PacketLoss, l.State)
	return fwd, rev, Truncate(l.TargetHealth.errors()), Truncate(l.SourceHealth.errors())
}

func (c *Counters) add(o Counters) {
	c.CRCErrors += o.CRCErrors
	c.InputErrors += o.InputErrors
	c.OutputDrops += o.OutputDrops
	if o.PacketLoss > c.PacketLoss {
		c.PacketLoss = o.PacketLoss
	}
}

func (c Counters) errors() float64 {
	return c.CRCErrors + c.InputErrors
}
