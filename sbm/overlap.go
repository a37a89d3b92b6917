package sbm

import (
	"math"

	"github.com/graphblocks/sbmcore/ggraph"
)

// OverlapBlockState is spec 4.6's overlapping variant: every original graph
// node owns a set of half-edge vertices, one per incident edge, and `b`
// labels half-edges rather than nodes. Re-uses BlockState's numeric
// primitives and MEntries machinery but swaps in overlap-aware size/move
// accounting, since w_r must count *distinct original nodes* represented in
// r rather than half-edge count.
//
// Grounded on BlockState above for the move/virtual-move contract, and on
// ScottSallinen-lollipop/graph/graph-edge.go's "one vertex struct, a trait
// interface the algorithm type-switches on" pattern for how the half-edge
// vertex layer wraps an ordinary vertex id.
type OverlapBlockState struct {
	*BlockState

	// halfEdges[u] lists the half-edge vertex ids representing original
	// node u, one per incident edge (spec 4.6: H(u)).
	halfEdges [][]int
	// owner[h] maps a half-edge vertex id back to its original node.
	owner []int

	// present[u] counts, per original node u, how many of its half-edges
	// currently sit in each block -- a nested multiset keyed by block id,
	// used to derive w_r (distinct-node count) and virtual_remove_size.
	present []map[int]int
}

// NewOverlapBlockState builds an OverlapBlockState over a half-edge graph
// cfg.Graph, where halfEdges[u] lists the half-edge vertex ids owned by
// original node u (so cfg.Graph.NumVertices() == total half-edge count, not
// original node count).
func NewOverlapBlockState(arena *StateArena, cfg BlockStateConfig, halfEdges [][]int) *OverlapBlockState {
	base := NewBlockState(arena, cfg)
	o := &OverlapBlockState{
		BlockState: base,
		halfEdges:  halfEdges,
		owner:      make([]int, base.g.NumVertices()),
		present:    make([]map[int]int, len(halfEdges)),
	}
	for u, hs := range halfEdges {
		o.present[u] = make(map[int]int)
		for _, h := range hs {
			o.owner[h] = u
			o.present[u][base.B(h)]++
		}
	}
	return o
}

// NumOriginalNodes returns the count of distinct original nodes (len of the
// half-edge ownership table), as opposed to BlockState.g.NumVertices(),
// which counts half-edges.
func (o *OverlapBlockState) NumOriginalNodes() int { return len(o.halfEdges) }

// WR returns w_r for the overlap variant: the number of distinct original
// nodes with at least one half-edge labelled r (invariant I6), computed by
// scanning the present[] multisets -- O(number of original nodes) per
// call, acceptable since
// sample_block/virtual_move call it at most a constant number of times per
// proposal.
func (o *OverlapBlockState) WR(r int) int {
	count := 0
	for _, p := range o.present {
		if p[r] > 0 {
			count++
		}
	}
	return count
}

// VirtualRemoveSize reports whether removing half-edge h would leave its
// owning original node still represented in h's current block (i.e. the
// node has another half-edge in the same block).
func (o *OverlapBlockState) VirtualRemoveSize(h int) bool {
	u := o.owner[h]
	r := o.B(h)
	return o.present[u][r] > 1
}

// MoveHalfEdge moves half-edge h from its current block to nr, updating the
// per-node presence multisets that back WR, then delegates to the
// underlying BlockState's MoveVertex for the ordinary counters.
func (o *OverlapBlockState) MoveHalfEdge(h, nr int) error {
	u := o.owner[h]
	r := o.B(h)
	if r == nr {
		return nil
	}
	if err := o.BlockState.MoveVertex(h, nr); err != nil {
		return err
	}
	o.present[u][r]--
	if o.present[u][r] <= 0 {
		delete(o.present[u], r)
	}
	o.present[u][nr]++
	return nil
}

// RandomNeighbor is spec 4.6's random_neighbor: samples by first
// uniformising over h's owning node's half-edges, then crossing the
// underlying graph edge from the chosen half-edge.
func (o *OverlapBlockState) RandomNeighbor(h int, rng ggraph.RNG) (int, bool) {
	u := o.owner[h]
	hs := o.halfEdges[u]
	if len(hs) == 0 {
		return -1, false
	}
	pick := hs[rng.Intn(len(hs))]
	out := o.g.OutEdges(pick)
	in := o.g.InEdges(pick)
	total := len(out) + len(in)
	if total == 0 {
		return -1, false
	}
	idx := rng.Intn(total)
	if idx < len(out) {
		return out[idx].Dst, true
	}
	return in[idx-len(out)].Src, true
}

// partitionDL is the overlap variant's own static partition description
// length (invariant I6): unlike the inherited PartitionStats.sizes, which
// counts half-edge weight per block, this counts *distinct original nodes*
// per block via WR, the same stars-and-bars/multinomial formula
// PartitionStats.GetPartitionDL uses but driven by WR's occupancy instead.
func (o *OverlapBlockState) partitionDL() float64 {
	nTotal := o.NumOriginalNodes()
	if nTotal == 0 {
		return 0
	}
	nb := o.bg.NumBlocks()
	var sizes []int
	for r := 0; r < nb; r++ {
		if w := o.WR(r); w > 0 {
			sizes = append(sizes, w)
		}
	}
	b := len(sizes)
	if b == 0 {
		return 0
	}
	dl := logBinomialInt(o.n, nTotal-1, b-1)
	dl += o.n.logGammaReal(float64(nTotal) + 1)
	for _, w := range sizes {
		dl -= o.n.logGammaReal(float64(w) + 1)
	}
	return dl
}

// deltaPartitionDL is partitionDL's before/after delta for moving half-edge
// h from r to nr, by the same mutate-measure-revert pattern
// PartitionStats.GetDeltaPartitionDL uses, applied to the present[] multiset
// that WR reads instead of to sizes.
func (o *OverlapBlockState) deltaPartitionDL(h, r, nr int) float64 {
	before := o.partitionDL()
	u := o.owner[h]
	o.present[u][r]--
	o.present[u][nr]++
	after := o.partitionDL()
	o.present[u][r]++
	o.present[u][nr]--
	return after - before
}

// VirtualMoveHalfEdge is the overlap variant's virtual_move: it delegates
// every term except PartitionDL to the inherited BlockState.VirtualMove (half-
// edge weighted, correct for adjacency/degree/edges-DL), then replaces the
// PartitionDL contribution with deltaPartitionDL's distinct-node accounting.
func (o *OverlapBlockState) VirtualMoveHalfEdge(h, r, nr int, ea EntropyArgs) (float64, error) {
	baseEA := ea
	baseEA.PartitionDL = false
	dS, err := o.BlockState.VirtualMove(h, r, nr, baseEA)
	if err != nil {
		return math.NaN(), err
	}
	if ea.PartitionDL && !math.IsInf(dS, 1) {
		dS += ea.BetaDL * o.deltaPartitionDL(h, r, nr)
	}
	return dS, nil
}

// Entropy overrides BlockState.Entropy to reject the dense formulation,
// which spec 4.6 declares unavailable for overlapping states ("Dense
// entropy is unavailable and throws NotSupported"), and to replace the
// inherited half-edge-weighted PartitionDL term with partitionDL's
// distinct-original-node accounting (invariant I6).
func (o *OverlapBlockState) Entropy(ea EntropyArgs, propagate bool) (float64, error) {
	if ea.Dense {
		return math.NaN(), ErrNotSupported
	}
	baseEA := ea
	baseEA.PartitionDL = false
	total, err := o.BlockState.Entropy(baseEA, propagate)
	if err != nil {
		return math.NaN(), err
	}
	if ea.PartitionDL {
		total += ea.BetaDL * o.partitionDL()
	}
	return total, nil
}
