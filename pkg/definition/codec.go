package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the serialized form of a definition.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// wireGraph accepts "relationships" as an alias of "edges", the name used by
// the graph visualization tooling.
type wireGraph struct {
	Nodes         []Node `json:"nodes" yaml:"nodes"`
	Edges         []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
	Relationships []Edge `json:"relationships,omitempty" yaml:"relationships,omitempty"`
}

// Decode reads a definition in the given format.
func Decode(r io.Reader, format Format) (*Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}

	var wire wireGraph
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &wire)
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(&wire)
	default:
		return nil, fmt.Errorf("unsupported definition format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s definition: %w", format, err)
	}

	g := &Graph{Nodes: wire.Nodes, Edges: append(wire.Edges, wire.Relationships...)}
	for i := range g.Nodes {
		if g.Nodes[i].Properties == nil {
			g.Nodes[i].Properties = map[string]any{}
		}
		normalizeNumbers(g.Nodes[i].Properties)
	}
	for i := range g.Edges {
		normalizeNumbers(g.Edges[i].Properties)
	}
	return g, nil
}

// Encode writes g in the given format.
func Encode(w io.Writer, g *Graph, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(g); err != nil {
			return fmt.Errorf("failed to encode yaml definition: %w", err)
		}
		return enc.Close()
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(g); err != nil {
			return fmt.Errorf("failed to encode json definition: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported definition format %q", format)
	}
}

// normalizeNumbers turns json.Number values into int64 or float64 so params
// compare the same whichever codec produced them.
func normalizeNumbers(props map[string]any) {
	for k, v := range props {
		props[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return int64(t)
	case map[string]any:
		normalizeNumbers(t)
		return t
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
