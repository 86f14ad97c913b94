package graph

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/internal/canon"
	"github.com/weftworks/weft/internal/ledger"
)

// Node is one node of the execution graph topology.
type Node struct {
	ID   string          `yaml:"id" json:"id"`
	Kind ledger.NodeKind `yaml:"kind" json:"kind"`
}

// Edge is one directed edge of the topology.
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Graph is a read-only description of the pipeline topology. The ledger
// core consults it to validate checkpoint compatibility and never
// mutates it.
type Graph struct {
	Nodes []Node `yaml:"nodes" json:"nodes"`
	Edges []Edge `yaml:"edges" json:"edges"`
}

// Fingerprint computes the canonical topology hash. Node and edge order
// in the source description does not affect the result.
func (g Graph) Fingerprint() (string, error) {
	nodes := make([]Node, len(g.Nodes))
	copy(nodes, g.Nodes)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]Edge, len(g.Edges))
	copy(edges, g.Edges)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	nodeVals := make(canon.Array, len(nodes))
	for i, n := range nodes {
		nodeVals[i] = canon.Object{
			"id":   canon.String(n.ID),
			"kind": canon.String(string(n.Kind)),
		}
	}
	edgeVals := make(canon.Array, len(edges))
	for i, e := range edges {
		edgeVals[i] = canon.Object{
			"from": canon.String(e.From),
			"to":   canon.String(e.To),
		}
	}

	return canon.HashValue(canon.DomainTopology, canon.Object{
		"nodes": nodeVals,
		"edges": edgeVals,
	})
}

// Diff describes, in human-readable form, how other differs from g.
// Returns "" when the topologies are identical.
func (g Graph) Diff(other Graph) string {
	var lines []string

	gNodes := nodeSet(g)
	oNodes := nodeSet(other)
	for _, id := range sortedKeys(gNodes) {
		if kind, ok := oNodes[id]; !ok {
			lines = append(lines, fmt.Sprintf("node %q removed", id))
		} else if kind != gNodes[id] {
			lines = append(lines, fmt.Sprintf("node %q changed kind %s -> %s", id, gNodes[id], kind))
		}
	}
	for _, id := range sortedKeys(oNodes) {
		if _, ok := gNodes[id]; !ok {
			lines = append(lines, fmt.Sprintf("node %q added", id))
		}
	}

	gEdges := edgeSet(g)
	oEdges := edgeSet(other)
	for _, e := range sortedKeys(gEdges) {
		if !oEdges[e] {
			lines = append(lines, fmt.Sprintf("edge %s removed", e))
		}
	}
	for _, e := range sortedKeys(oEdges) {
		if !gEdges[e] {
			lines = append(lines, fmt.Sprintf("edge %s added", e))
		}
	}

	return strings.Join(lines, "; ")
}

func nodeSet(g Graph) map[string]ledger.NodeKind {
	m := make(map[string]ledger.NodeKind, len(g.Nodes))
	for _, n := range g.Nodes {
		m[n.ID] = n.Kind
	}
	return m
}

func edgeSet(g Graph) map[string]bool {
	m := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		m[e.From+"->"+e.To] = true
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadFile reads a topology description from a YAML file. Used by the
// operator tooling; the engine passes its graph in directly.
func LoadFile(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Graph{}, fmt.Errorf("load graph: %w", err)
	}
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return Graph{}, fmt.Errorf("load graph %s: %w", path, err)
	}
	for _, n := range g.Nodes {
		if n.ID == "" {
			return Graph{}, fmt.Errorf("load graph %s: node with empty id", path)
		}
		if !n.Kind.Valid() {
			return Graph{}, fmt.Errorf("load graph %s: node %q has unknown kind %q", path, n.ID, n.Kind)
		}
	}
	return g, nil
}
