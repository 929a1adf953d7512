package model

// NodeType is a free-form display category taken from the map file,
// e.g. "router", "switch", "pop".
type NodeType string

// Node is one vertex of a weathermap. Everything except the position is
// owned by the map configuration; the layout simulation moves X/Y.
type Node struct {
	Name string
	Type NodeType

	X float64
	Y float64

	// Remote marks an unmanaged far-end device that is only reachable
	// through one matched interface description.
	Remote bool

	// Fixed pins the node at X/Y; the layout never moves it.
	Fixed bool
}
