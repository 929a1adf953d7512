package core

import (
	"strings"
	"time"
)

// StaleAfter is how long a link may go without a fresh report before it is
// drawn as unknown. It is part of the rendering contract, not configurable.
const StaleAfter = 300 * time.Second

// Optic is one end's transceiver reading.
type Optic struct {
	Receive  *float64 `json:"receive,omitempty"`
	Transmit *float64 `json:"transmit,omitempty"`
	LBC      *float64 `json:"lbc,omitempty"`
}

// Counters are one end's interface health counters.
type Counters struct {
	CRCErrors   float64 `json:"crc_errors"`
	InputErrors float64 `json:"input_errors"`
	PacketLoss  float64 `json:"packet_loss"`
	OutputDrops float64 `json:"output_drops"`
}

// Link is the canonical record for one node pair. Source sorts before Target,
// and every directional field is expressed relative to Source regardless of
// which end reported it.
type Link struct {
	ID        string `json:"id"`
	ForwardID string `json:"forward_id"`
	ReverseID string `json:"reverse_id"`

	Source string `json:"source"`
	Target string `json:"target"`
	Remote bool   `json:"remote,omitempty"`

	Timestamp        time.Time `json:"timestamp"`
	NumPhysicalLinks int       `json:"num_physical_links"`
	State            string    `json:"state,omitempty"`
	DataSource       string    `json:"datasource,omitempty"`
	Datetime         string    `json:"datetime,omitempty"`

	// utilization
	Bandwidth    float64 `json:"bandwidth,omitempty"`
	MaxBandwidth float64 `json:"max_bandwidth,omitempty"`
	SourceIn     float64 `json:"source_in,omitempty"`
	SourceOut    float64 `json:"source_out,omitempty"`

	// optical
	SourceOptic Optic `json:"source_optic"`
	TargetOptic Optic `json:"target_optic"`

	// health
	SourceHealth Counters `json:"source_health"`
	TargetHealth Counters `json:"target_health"`

	Stale bool `json:"stale,omitempty"`
}

// pairEscaper keeps the separator out of the names so distinct pairs never
// share an ID.
var pairEscaper = strings.NewReplacer("%", "%25", "|", "%7C")

// PairID is the canonical identifier for the pair a-b, "a|b". Callers are
// expected to pass a before b lexicographically; Canonical does the ordering.
func PairID(a, b string) string {
	return pairEscaper.Replace(a) + "|" + pairEscaper.Replace(b)
}

// Canonical orders two endpoint names and reports whether they were swapped.
func Canonical(a, b string) (first, second string, swapped bool) {
	if b < a {
		return b, a, true
	}
	return a, b, false
}

// CanonicalID returns the link ID for a and b in either order.
func CanonicalID(a, b string) string {
	first, second, _ := Canonical(a, b)
	return PairID(first, second)
}

// InboundTo returns the traffic flowing into node, which must be one of the
// link's endpoints.
func (l *Link) InboundTo(node string) float64 {
	if node == l.Source {
		return l.SourceIn
	}
	return l.SourceOut
}

// OutboundFrom returns the traffic leaving node toward the other end.
func (l *Link) OutboundFrom(node string) float64 {
	if node == l.Source {
		return l.SourceOut
	}
	return l.SourceIn
}

// IsUp reports whether the last reported state is up (or unreported).
func (l *Link) IsUp() bool {
	_, override := stateBand(l.State)
	return !override
}

func newLink(source, target string) *Link {
	id := PairID(source, target)
	return &Link{
		ID:        id,
		ForwardID: id + "_fwd",
		ReverseID: id + "_rev",
		Source:    source,
		Target:    target,
	}
}

func (l *Link) age(cycle time.Time) time.Duration {
	return cycle.Sub(l.Timestamp)
}

// isStaleAt uses >= so a link stamped at T is stale from exactly T+5m.
func (l *Link) isStaleAt(cycle time.Time) bool {
	return l.age(cycle) >= StaleAfter
}

// LinkView is everything a surface needs to draw one canonical link.
type LinkView struct {
	ID        string `json:"id"`
	ForwardID string `json:"forward_id"`
	ReverseID string `json:"reverse_id"`
	Source    string `json:"source"`
	Target    string `json:"target"`

	Forward Route `json:"forward"`
	Reverse Route `json:"reverse"`

	ForwardBand  Band   `json:"forward_band"`
	ReverseBand  Band   `json:"reverse_band"`
	ForwardLabel string `json:"forward_label,omitempty"`
	ReverseLabel string `json:"reverse_label,omitempty"`

	NumPhysicalLinks int       `json:"num_physical_links"`
	Timestamp        time.Time `json:"timestamp"`
	Stale            bool      `json:"stale,omitempty"`
}
