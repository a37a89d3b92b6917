// Package ggraph is the abstract "graph" collaborator the inference core
// consumes (spec section 6): vertex/edge iteration, endpoint extraction,
// degree query, and vertex/edge weight lookup. It does not own graph I/O,
// filtered/reversed views, or property-map dispatch -- those stay external,
// exactly as spec section 1 rules them out of the core's scope.
package ggraph

import (
	"gonum.org/v1/gonum/graph"
)

// Graph is the minimal read-only view BlockState and OverlapBlockState need.
// Vertex and edge identifiers are plain ints so the core never has to import
// a particular graph library's node type; FromWeighted below adapts any
// gonum/graph.Weighted into this shape.
type Graph interface {
	// Directed reports whether the graph should be treated as directed.
	Directed() bool
	// NumVertices returns the number of vertices, indexed [0, NumVertices()).
	NumVertices() int
	// VertexWeight returns vweight[v] (spec section 3), default 1.
	VertexWeight(v int) float64
	// OutEdges returns every edge with v as its source. For an undirected
	// graph it returns every edge incident to v with Src == v, so each edge
	// is listed once from each of its two endpoints.
	OutEdges(v int) []Edge
	// InEdges returns every edge with v as its destination. For an
	// undirected graph this is identical in content to OutEdges(v).
	InEdges(v int) []Edge
}

// Edge is one (possibly weighted) edge, identified by its two endpoints and
// a caller-opaque Index used to key per-edge covariate slices (spec's
// rec/drec, section 4.7, 4.9).
type Edge struct {
	Src, Dst int
	Weight   float64
	Index    int
	Rec      []float64 // per-covariate-dimension value on this edge, nil if none
}

// Weighted is implemented by Graph adapters that additionally expose direct
// weight lookups between two known endpoints, mirroring gonum/graph.Weighted.
type Weighted interface {
	Graph
	EdgeWeight(src, dst int) (w float64, ok bool)
}

// adapter wraps a gonum/graph.Weighted (e.g. simple.WeightedDirectedGraph or
// simple.WeightedUndirectedGraph, as built by cmd/sbm-mcmc and the sbm test
// suite, the same way ScottSallinen-lollipop/cmd/lp-sssp/rand-graph.go builds
// test graphs with gonum/graph/simple) into the Graph interface above.
type adapter struct {
	g        graph.Weighted
	directed bool
	vweight  map[int64]float64
	nodes    []int64
	idOf     map[int64]int // gonum node ID -> dense [0,n) index
}

// FromWeighted builds a Graph adapter over g. vweight may be nil, in which
// case every vertex has weight 1. Node IDs in g need not be contiguous or
// start at zero; they are assigned dense indices in Nodes() iteration order,
// the way the teacher's io.go builds a VertexMap from sparse raw IDs.
func FromWeighted(g graph.Weighted, directed bool, vweight map[int64]float64) Weighted {
	a := &adapter{g: g, directed: directed, vweight: vweight}
	it := g.Nodes()
	a.idOf = make(map[int64]int, it.Len())
	for it.Next() {
		id := it.Node().ID()
		a.idOf[id] = len(a.nodes)
		a.nodes = append(a.nodes, id)
	}
	return a
}

func (a *adapter) Directed() bool    { return a.directed }
func (a *adapter) NumVertices() int  { return len(a.nodes) }

func (a *adapter) VertexWeight(v int) float64 {
	if a.vweight == nil {
		return 1
	}
	if w, ok := a.vweight[a.nodes[v]]; ok {
		return w
	}
	return 1
}

func (a *adapter) OutEdges(v int) []Edge {
	id := a.nodes[v]
	to := a.g.(graph.Graph).From(id)
	out := make([]Edge, 0, to.Len())
	for to.Next() {
		dst := to.Node().ID()
		w, _ := a.g.Weight(id, dst)
		out = append(out, Edge{Src: v, Dst: a.idOf[dst], Weight: w})
	}
	return out
}

func (a *adapter) InEdges(v int) []Edge {
	if !a.directed {
		return a.OutEdges(v)
	}
	id := a.nodes[v]
	in := make([]Edge, 0)
	for _, src := range a.nodes {
		if d, ok := a.g.(graph.Directed); ok {
			if !d.HasEdgeFromTo(src, id) {
				continue
			}
		} else if !a.g.(graph.Graph).HasEdgeBetween(src, id) {
			continue
		}
		w, _ := a.g.Weight(src, id)
		in = append(in, Edge{Src: a.idOf[src], Dst: v, Weight: w})
	}
	return in
}

func (a *adapter) EdgeWeight(src, dst int) (float64, bool) {
	return a.g.Weight(a.nodes[src], a.nodes[dst])
}
