package sbm

// BlockMultigraph ("bg" in spec section 3/4.1) is the block-contracted
// multigraph: its vertices are block ids, its edges are the inter- and
// intra-block edge bundles m_rs maintained through an EdgeIndex. It also
// carries the per-block bookkeeping (size w_r, in/out degree mass) that the
// adjacency-term formulas and EGroups both need.
//
// Grounded on ScottSallinen-lollipop/graph/graph-edge.go's split between "the
// graph's edge list" and "per-vertex incident bookkeeping updated alongside
// it": here the edge list is the EdgeIndex, and the incident bookkeeping is
// the wr/mrp/mrm slices below, kept in lock-step by AddEdge/RemoveEdge.
type BlockMultigraph struct {
	directed bool
	idx      EdgeIndex

	wr  []float64 // block size (sum of vertex weight assigned to each block)
	mrp []float64 // out-degree mass per block (sum of out-edge weight)
	mrm []float64 // in-degree mass per block (sum of in-edge weight); equals mrp when undirected

	numBlocks int // capacity (including empty slots); == len(wr)
}

// NewBlockMultigraph allocates an empty bg for numBlocks block ids.
func NewBlockMultigraph(numBlocks int, directed bool) *BlockMultigraph {
	return &BlockMultigraph{
		directed:  directed,
		idx:       NewEdgeIndex(numBlocks, directed),
		wr:        make([]float64, numBlocks),
		mrp:       make([]float64, numBlocks),
		mrm:       make([]float64, numBlocks),
		numBlocks: numBlocks,
	}
}

// AddBlock grows bg by one block id and returns it.
func (bg *BlockMultigraph) AddBlock() int {
	bg.idx.AddBlock()
	bg.wr = append(bg.wr, 0)
	bg.mrp = append(bg.mrp, 0)
	bg.mrm = append(bg.mrm, 0)
	bg.numBlocks++
	return bg.numBlocks - 1
}

// NumBlocks returns the current block-id capacity.
func (bg *BlockMultigraph) NumBlocks() int { return bg.numBlocks }

// Idx exposes the underlying EdgeIndex for callers (MEntries.EntriesOp) that
// need to resolve edge handles directly.
func (bg *BlockMultigraph) Idx() EdgeIndex { return bg.idx }

// GetM returns the edge weight between r and s (0 if no edge exists).
func (bg *BlockMultigraph) GetM(r, s int) float64 {
	if e := bg.idx.GetME(r, s); e != nil {
		return e.M
	}
	return 0
}

// Wr, Mrp, Mrm are read accessors for the per-block bookkeeping.
func (bg *BlockMultigraph) Wr(r int) float64  { return bg.wr[r] }
func (bg *BlockMultigraph) Mrp(r int) float64 { return bg.mrp[r] }
func (bg *BlockMultigraph) Mrm(r int) float64 { return bg.mrm[r] }

// AddVertexWeight adjusts block r's size by dw (positive on a vertex
// joining the block, negative on leaving).
func (bg *BlockMultigraph) AddVertexWeight(r int, dw float64) { bg.wr[r] += dw }

// ModifyEdge applies a weighted edge addition (dm > 0) or removal
// (dm < 0, |dm| <= current weight) between r and s, creating or retiring the
// BlockEdge as needed, and keeps mrp/mrm in step (invariant I3/I4: an edge
// exists in the index iff M > 0; per-block degree mass equals the sum of its
// incident edge weights).
func (bg *BlockMultigraph) ModifyEdge(r, s int, dm float64, recDelta, drecDelta []float64) {
	if dm == 0 {
		return
	}
	e := bg.idx.GetME(r, s)
	if e == nil {
		e = &BlockEdge{R: r, S: s}
		bg.idx.PutME(r, s, e)
	}
	e.M += dm
	accumulateInto(&e.Rec, recDelta)
	accumulateInto(&e.Drec, drecDelta)

	switch {
	case bg.directed:
		bg.mrp[r] += dm
		bg.mrm[s] += dm
	case r == s:
		// Undirected self-loop: both half-edges land on the same block.
		bg.mrp[r] += 2 * dm
		bg.mrm[r] += 2 * dm
	default:
		bg.mrp[r] += dm
		bg.mrm[r] += dm
		bg.mrp[s] += dm
		bg.mrm[s] += dm
	}

	if e.M <= 0 {
		bg.idx.RemoveME(e)
	}
}

// AddEdge is ModifyEdge with dm > 0, the common case of committing a newly
// observed edge.
func (bg *BlockMultigraph) AddEdge(r, s int, m float64, rec, drec []float64) {
	bg.ModifyEdge(r, s, m, rec, drec)
}

// RemoveEdge is ModifyEdge with dm < 0.
func (bg *BlockMultigraph) RemoveEdge(r, s int, m float64) {
	bg.ModifyEdge(r, s, -m, nil, nil)
}

// NeighborsOf calls f once per block edge incident to r (including the
// self-loop, if any), passing the neighbouring block id and the edge.
// It probes every block id with GetME, so it works with either EdgeIndex
// implementation at O(B) cost per call.
func (bg *BlockMultigraph) NeighborsOf(r int, f func(s int, e *BlockEdge)) {
	for s := 0; s < bg.numBlocks; s++ {
		if e := bg.idx.GetME(r, s); e != nil {
			f(s, e)
		}
	}
}

// IncidentEdges calls f once per half-edge-bundle incident to block r: every
// out-neighbour s with m_rs > 0, and (directed graphs only) every
// in-neighbour s with m_sr > 0. The self-loop is reported once, with weight
// 2*m_rr, since it contributes two half-edges to block r. This is the
// m_{t,.} distribution spec 4.4's sample_edge draws from -- distinct from
// NeighborsOf, which only walks the out direction and is not enough to
// reproduce sample_edge's weighting on a directed graph.
func (bg *BlockMultigraph) IncidentEdges(r int, f func(s int, w float64)) {
	for s := 0; s < bg.numBlocks; s++ {
		if e := bg.idx.GetME(r, s); e != nil && e.M > 0 {
			if s == r {
				f(s, 2*e.M)
				continue
			}
			f(s, e.M)
		}
	}
	if bg.directed {
		for s := 0; s < bg.numBlocks; s++ {
			if s == r {
				continue // self-loop already reported by the out-direction loop above
			}
			if e := bg.idx.GetME(s, r); e != nil && e.M > 0 {
				f(s, e.M)
			}
		}
	}
}

// deepCopy returns an independent BlockMultigraph with the same block
// bookkeeping and edge set, backed by a freshly allocated EdgeIndex.
func (bg *BlockMultigraph) deepCopy() *BlockMultigraph {
	cp := NewBlockMultigraph(bg.numBlocks, bg.directed)
	copy(cp.wr, bg.wr)
	copy(cp.mrp, bg.mrp)
	copy(cp.mrm, bg.mrm)
	for r := 0; r < bg.numBlocks; r++ {
		for s := 0; s < bg.numBlocks; s++ {
			if !bg.directed && s < r {
				continue
			}
			if e := bg.idx.GetME(r, s); e != nil && e.M > 0 {
				ne := &BlockEdge{R: r, S: s, M: e.M,
					Rec:  append([]float64(nil), e.Rec...),
					Drec: append([]float64(nil), e.Drec...)}
				cp.idx.PutME(r, s, ne)
			}
		}
	}
	return cp
}

// CheckEdgeCounts is the InvariantFailure-guarded consistency check of spec
// section 7: for every occupied block pair, the index's M must equal the sum
// of half-edge weights the caller's authoritative source (expected) reports.
// Returns ok=false and the first offending pair on mismatch.
func (bg *BlockMultigraph) CheckEdgeCounts(expected func(r, s int) float64) (ok bool, r, s int) {
	for i := 0; i < bg.numBlocks; i++ {
		for j := 0; j < bg.numBlocks; j++ {
			got := bg.GetM(i, j)
			want := expected(i, j)
			if diffAbs(got, want) > 1e-6 {
				return false, i, j
			}
		}
	}
	return true, -1, -1
}
