package model

// StateUp is the operational state of a healthy interface.
const StateUp = "up"

// Measurement is one polled record as returned by the weathermap API.
// A record names either a Target node or a Remote description, never both.
//
// Optical levels are pointers because 0 dBm is a valid reading and an
// absent reading must not be confused with it.
type Measurement struct {
	Source string `json:"source"`
	Target string `json:"target,omitempty"`
	Remote string `json:"remote,omitempty"`

	State      string `json:"state,omitempty"`
	DataSource string `json:"datasource,omitempty"`
	Datetime   string `json:"datetime,omitempty"`

	// utilization, bits/s as seen from Source
	In        float64 `json:"in,omitempty"`
	Out       float64 `json:"out,omitempty"`
	Bandwidth float64 `json:"bandwidth,omitempty"`

	// optics, dBm and mA
	SourceReceive  *float64 `json:"source_receive,omitempty"`
	SourceTransmit *float64 `json:"source_transmit,omitempty"`
	SourceLBC      *float64 `json:"source_lbc,omitempty"`
	TargetReceive  *float64 `json:"target_receive,omitempty"`
	TargetTransmit *float64 `json:"target_transmit,omitempty"`
	TargetLBC      *float64 `json:"target_lbc,omitempty"`

	// health counters for the Source side
	CRCErrors   float64 `json:"crc_error,omitempty"`
	InputErrors float64 `json:"input_error,omitempty"`
	PacketLoss  float64 `json:"packet_loss,omitempty"`
	OutputDrops float64 `json:"output_drop,omitempty"`

	// health counters for the Target side, when the far end was polled too
	TargetCRCErrors   float64 `json:"target_crc_error,omitempty"`
	TargetInputErrors float64 `json:"target_input_error,omitempty"`
	TargetPacketLoss  float64 `json:"target_packet_loss,omitempty"`
	TargetOutputDrops float64 `json:"target_output_drop,omitempty"`
}

// Far returns the far-end description of the record: Target, or Remote
// for remote links.
func (m *Measurement) Far() string {
	if m.Target != "" {
		return m.Target
	}
	return m.Remote
}

// Clone returns a deep copy, including the optical level pointers.
func (m *Measurement) Clone() *Measurement {
	if m == nil {
		return nil
	}
	c := *m
	c.SourceReceive = cloneFloat(m.SourceReceive)
	c.SourceTransmit = cloneFloat(m.SourceTransmit)
	c.SourceLBC = cloneFloat(m.SourceLBC)
	c.TargetReceive = cloneFloat(m.TargetReceive)
	c.TargetTransmit = cloneFloat(m.TargetTransmit)
	c.TargetLBC = cloneFloat(m.TargetLBC)
	return &c
}

// Float returns a pointer to v; handy for building optical records.
func Float(v float64) *float64 { return &v }

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
