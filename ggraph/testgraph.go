package ggraph

import (
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// NewUndirectedWeighted builds a simple.WeightedUndirectedGraph from an edge
// list, the way ScottSallinen-lollipop/cmd/lp-sssp/rand-graph.go builds
// gonum/graph/simple graphs for test fixtures. Every edge gets weight 1
// unless a matching entry is present in weights (keyed by the unordered
// pair, smaller id first).
func NewUndirectedWeighted(numVertices int, edges [][2]int64, weights map[[2]int64]float64) *simple.WeightedUndirectedGraph {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := int64(0); i < int64(numVertices); i++ {
		g.AddNode(simple.Node(i))
	}
	for _, e := range edges {
		u, v := e[0], e[1]
		key := [2]int64{u, v}
		if u > v {
			key = [2]int64{v, u}
		}
		w := 1.0
		if weights != nil {
			if ww, ok := weights[key]; ok {
				w = ww
			}
		}
		g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(u), T: simple.Node(v), W: w})
	}
	return g
}

// ErdosRenyi builds a simple undirected Erdos-Renyi graph G(n, p), retrying
// the draw if the result is disconnected, exactly the kind of sanity check
// the teacher's cmd/lp-cc fixtures perform on component structure before
// trusting a downstream result (here via gonum/graph/topo.ConnectedComponents
// instead of a bespoke check).
func ErdosRenyi(n int, p float64, rng RNG) *simple.WeightedUndirectedGraph {
	for {
		g := simple.NewWeightedUndirectedGraph(0, 0)
		for i := int64(0); i < int64(n); i++ {
			g.AddNode(simple.Node(i))
		}
		for i := int64(0); i < int64(n); i++ {
			for j := i + 1; j < int64(n); j++ {
				if rng.Float64() < p {
					g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(i), T: simple.Node(j), W: 1})
				}
			}
		}
		if len(topo.ConnectedComponents(g)) == 1 {
			return g
		}
	}
}
