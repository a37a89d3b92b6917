package sbm

// EGroups is the per-block weighted neighbour-block sampler of spec section
// 4.4: for each block r it maintains a cumulative-weight table over the
// blocks s with m_rs > 0 (or m_sr > 0, directed), r itself included when it
// has a self-loop, so that sample_edge(r, rng) can pick a random half-edge
// incident to block r, weighted by edge multiplicity, and report the block
// on its far end -- exactly graph-tool's `s = _egroups->sample_edge(t, rng)`,
// where the returned value is a block id (t itself when a self-loop
// half-edge is drawn), not a vertex sitting inside t.
//
// Grounded on the teacher's adjacency-list-plus-parallel-weight-slice
// pattern (ScottSallinen-lollipop/graph/graph-edge.go keeps, for each
// vertex, a slice of out-edges and relies on index-aligned slices rather
// than a tree structure); EGroups generalises that to a per-block
// alias-table-free cumulative-weight array, rebuilt lazily rather than kept
// incrementally balanced, which is simpler to get right without a compiler
// than a Fenwick tree and is still amortised O(log n) per sample via binary
// search over a sorted cumulative-weight slice.
type EGroups struct {
	directed bool

	// groups[r] is block r's sample set: every (otherBlock, weight) pair
	// with a half-edge bundle between r and otherBlock, weight == m_{r,other}
	// (plus m_{other,r} for a directed graph), and 2*m_rr for the self-loop.
	groups []egroup

	// dirty marks a block whose sample set needs to be rebuilt from the
	// block-multigraph before the next sample_edge call; init_egroups and
	// clear_egroups flip this lazily rather than rebuilding eagerly.
	dirty []bool
}

type egroup struct {
	others []int
	weights []float64
	cum     []float64 // cumulative weights, cum[len-1] == total weight
	total   float64
}

// NewEGroups allocates an (initially empty, all-dirty) sampler for
// numBlocks blocks.
func NewEGroups(numBlocks int, directed bool) *EGroups {
	eg := &EGroups{
		directed: directed,
		groups:   make([]egroup, numBlocks),
		dirty:    make([]bool, numBlocks),
	}
	for r := range eg.dirty {
		eg.dirty[r] = true
	}
	return eg
}

// AddBlock grows the sampler to accommodate one additional, initially dirty
// block id.
func (eg *EGroups) AddBlock() {
	eg.groups = append(eg.groups, egroup{})
	eg.dirty = append(eg.dirty, true)
}

// InitEGroups marks block r for lazy rebuild the next time it is sampled
// (spec 4.4's "lazy init_egroups/clear_egroups lifecycle"). No code path in
// this package calls it; NewEGroups and AddBlock already start every block
// dirty.
func (eg *EGroups) InitEGroups(r int) {
	if r < len(eg.dirty) {
		eg.dirty[r] = true
	}
}

// ClearEGroups discards block r's sample set immediately, freeing its
// backing slices. BlockState calls it for a vertex's old block on every
// removal and for both ends of every block pair whose edge count a move
// changes.
func (eg *EGroups) ClearEGroups(r int) {
	if r >= len(eg.groups) {
		return
	}
	eg.groups[r] = egroup{}
	eg.dirty[r] = true
}

// rebuild scans bg's edges incident to block r and builds its cumulative
// neighbour-block weight table via IncidentEdges.
func (eg *EGroups) rebuild(r int, bg *BlockMultigraph) {
	g := egroup{}
	var total float64
	bg.IncidentEdges(r, func(s int, w float64) {
		if w <= 0 {
			return
		}
		g.others = append(g.others, s)
		g.weights = append(g.weights, w)
		total += w
		g.cum = append(g.cum, total)
	})
	g.total = total
	eg.groups[r] = g
	eg.dirty[r] = false
}

// SampleEdge draws a neighbouring block of r, weighted by incident edge
// multiplicity (m_{r,s}, plus m_{s,r} on a directed graph), rebuilding the
// set first from bg if block r is dirty. Returns (-1, false) if block r has
// no incident edges.
func (eg *EGroups) SampleEdge(r int, bg *BlockMultigraph, rng RNGLike) (int, bool) {
	if r >= len(eg.groups) {
		return -1, false
	}
	if eg.dirty[r] {
		eg.rebuild(r, bg)
	}
	g := &eg.groups[r]
	if g.total <= 0 || len(g.cum) == 0 {
		return -1, false
	}
	target := rng.Float64() * g.total
	idx := searchCumulative(g.cum, target)
	return g.others[idx], true
}

// RNGLike is the minimal draw capability EGroups needs; satisfied by
// ggraph.RNG, kept as its own tiny interface here so the sbm package does
// not need to import ggraph just for sampling.
type RNGLike interface {
	Float64() float64
}

// searchCumulative returns the smallest index i such that cum[i] > target,
// via binary search (cum is sorted ascending by construction).
func searchCumulative(cum []float64, target float64) int {
	lo, hi := 0, len(cum)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if cum[mid] > target {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// Check validates, for debug/test use, that every block's recorded total
// weight matches the sum the block-multigraph reports for it via mrs --
// spec 4.4's "check(bg, mrs)" consistency check. Returns the first
// mismatched block id and the observed/expected totals, or ok==true if all
// clean blocks agree within tolerance.
func (eg *EGroups) Check(expected func(r int) float64) (ok bool, badBlock int, got, want float64) {
	for r := range eg.groups {
		if eg.dirty[r] {
			continue
		}
		w := expected(r)
		if diffAbs(eg.groups[r].total, w) > 1e-6 {
			return false, r, eg.groups[r].total, w
		}
	}
	return true, -1, 0, 0
}

func diffAbs(a, b float64) float64 {
	if a < b {
		return b - a
	}
	return a - b
}
