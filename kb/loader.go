package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/weathermap/core"
	"github.com/signalsfoundry/weathermap/internal/logging"
	"github.com/signalsfoundry/weathermap/model"
)

// ErrInvalidMap reports a map file that cannot be used. Building the view is
// aborted; the caller decides whether that is fatal.
var ErrInvalidMap = errors.New("invalid map")

// NodeSpec is one node as written in a map file.
type NodeSpec struct {
	Name   string  `json:"name" yaml:"name"`
	Type   string  `json:"type,omitempty" yaml:"type,omitempty"`
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Fixed  bool    `json:"fixed,omitempty" yaml:"fixed,omitempty"`
	Remote bool    `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// MapFile is the on-disk description of a weathermap.
type MapFile struct {
	Name       string              `json:"name" yaml:"name"`
	Group      string              `json:"group,omitempty" yaml:"group,omitempty"`
	Nodes      []NodeSpec          `json:"nodes" yaml:"nodes"`
	EdgeNodes  []string            `json:"edge_nodes,omitempty" yaml:"edge_nodes,omitempty"`
	Aggregates []core.AggregateDef `json:"aggregates,omitempty" yaml:"aggregates,omitempty"`
}

// ModelNodes converts the node specs.
func (m *MapFile) ModelNodes() []model.Node {
	out := make([]model.Node, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		out = append(out, model.Node{
			Name:   n.Name,
			Type:   model.NodeType(n.Type),
			X:      n.X,
			Y:      n.Y,
			Fixed:  n.Fixed,
			Remote: n.Remote,
		})
	}
	return out
}

// NodeNames returns the names of managed (non-remote) nodes, which is what the
// link API is queried for.
func (m *MapFile) NodeNames() []string {
	var out []string
	for _, n := range m.Nodes {
		if !n.Remote {
			out = append(out, n.Name)
		}
	}
	return out
}

// RemoteNames returns the names of remote nodes.
func (m *MapFile) RemoteNames() []string {
	var out []string
	for _, n := range m.Nodes {
		if n.Remote {
			out = append(out, n.Name)
		}
	}
	return out
}

// Validate checks the required fields and cross references.
func (m *MapFile) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidMap)
	}
	if len(m.Nodes) == 0 {
		return fmt.Errorf("%w: %s has no nodes", ErrInvalidMap, m.Name)
	}
	seen := make(map[string]struct{}, len(m.Nodes))
	for i, n := range m.Nodes {
		if n.Name == "" {
			return fmt.Errorf("%w: %s node %d has no name", ErrInvalidMap, m.Name, i)
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("%w: %s declares node %q twice", ErrInvalidMap, m.Name, n.Name)
		}
		seen[n.Name] = struct{}{}
	}
	for _, e := range m.EdgeNodes {
		if _, ok := seen[e]; !ok {
			return fmt.Errorf("%w: %s edge node %q is not a map node", ErrInvalidMap, m.Name, e)
		}
	}
	for _, a := range m.Aggregates {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidMap, m.Name, err)
		}
	}
	return nil
}

// LoadMap reads a map file; the extension selects JSON or YAML.
func LoadMap(path string) (*MapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseMap(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseMap decodes and validates a map. ext is ".json", ".yaml" or ".yml".
func ParseMap(data []byte, ext string) (*MapFile, error) {
	var m MapFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMap, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMap, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrInvalidMap, ext)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load replaces the KB's nodes with the map's.
func (kb *KnowledgeBase) Load(m *MapFile) error {
	return kb.Replace(m.ModelNodes())
}

// MapEntry is one listed map.
type MapEntry struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
	Path string `json:"-"`
}

// IsMapFile reports whether path has a map extension.
func IsMapFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// ListMaps reads every map in dir and groups them. Invalid files are skipped
// with a warning so one broken map does not hide the others. Entries are
// sorted by slug within each group.
func ListMaps(ctx context.Context, dir string, log logging.Logger) (map[string][]MapEntry, error) {
	if log == nil {
		log = logging.Noop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]MapEntry)
	for _, e := range entries {
		if e.IsDir() || !IsMapFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		m, err := LoadMap(path)
		if err != nil {
			log.Warn(ctx, "skipping map", logging.String("path", path), logging.Err(err))
			continue
		}
		slug := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		groups[m.Group] = append(groups[m.Group], MapEntry{Slug: slug, Name: m.Name, Path: path})
	}
	for g := range groups {
		sort.Slice(groups[g], func(i, j int) bool { return groups[g][i].Slug < groups[g][j].Slug })
	}
	return groups, nil
}
