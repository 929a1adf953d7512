package model

import (
	"fmt"
	"strings"
)

// Datatype is the measurement kind a map is currently showing.
type Datatype int

const (
	Utilization Datatype = iota
	Optical
	Health
)

// String returns the name used by the weathermap API in request paths.
func (d Datatype) String() string {
	switch d {
	case Utilization:
		return "utilization"
	case Optical:
		return "optic"
	case Health:
		return "health"
	default:
		return fmt.Sprintf("datatype(%d)", int(d))
	}
}

// Datatypes lists every supported datatype in display order.
func Datatypes() []Datatype {
	return []Datatype{Utilization, Optical, Health}
}

// ParseDatatype maps an API or CLI name to a Datatype.
func ParseDatatype(s string) (Datatype, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "utilization", "util", "":
		return Utilization, nil
	case "optic", "optics", "optical":
		return Optical, nil
	case "health":
		return Health, nil
	default:
		return 0, fmt.Errorf("unknown datatype %q (valid: utilization, optic, health)", s)
	}
}

// MarshalText implements encoding.TextMarshaler so datatypes read and
// write cleanly in TOML/JSON config.
func (d Datatype) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Datatype) UnmarshalText(text []byte) error {
	parsed, err := ParseDatatype(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
