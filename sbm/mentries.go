package sbm

// MEntries is the sparse move-delta accumulator of spec section 4.2: the
// change δm_rs (and, when covariates are present, per-covariate deltas)
// induced by tentatively moving one vertex from block r to block nr. It
// never touches the authoritative counters (BlockState.m, w, ...); it only
// records what *would* change.
//
// Grounded on the same "compute a delta without mutating, then maybe
// commit" split as other_examples/openshift-origin__louvain_undirected.go's
// deltaQ/move pair, generalised here to carry a whole sparse set of (r,s)
// deltas rather than a single scalar, since the SBM objective needs the
// per-block-pair edge count changes to evaluate multiple description-length
// terms afterwards.
type MEntries struct {
	directed bool

	moveV     int // vertex being (virtually) moved; -1 if unset
	moveR     int
	moveNR    int
	numBlocks int // block count B at the time set_move was called, used by get_move_prob

	entries []meEntry
	index   map[[2]int]int // canonical (r,s) -> index into entries
}

type meEntry struct {
	R, S     int
	Delta    float64
	RecDelta []float64 // per-covariate-dimension delta on the rec sum
	DrecDelta []float64 // per-covariate-dimension delta on the drec sum
}

// NewMEntries allocates a reusable accumulator. Entries' RecDelta/DrecDelta
// slices are not pre-sized; they take the length of the first covariate
// delta inserted for that pair.
func NewMEntries(directed bool) *MEntries {
	return &MEntries{directed: directed, moveV: -1, index: make(map[[2]int]int)}
}

// SetMove resets the accumulator and declares the proposal (v moving from r
// to nr, with numBlocks occupied+empty blocks currently in the partition).
// Safe to call repeatedly on the same *MEntries without reallocating the
// backing entries slice.
func (me *MEntries) SetMove(v, r, nr, numBlocks int) {
	me.moveV, me.moveR, me.moveNR, me.numBlocks = v, r, nr, numBlocks
	me.entries = me.entries[:0]
	for k := range me.index {
		delete(me.index, k)
	}
}

// Move returns the vertex, source and destination block of the current
// proposal, as declared by the last SetMove.
func (me *MEntries) Move() (v, r, nr int) { return me.moveV, me.moveR, me.moveNR }

// NumBlocks returns the block count B captured at SetMove time.
func (me *MEntries) NumBlocks() int { return me.numBlocks }

func (me *MEntries) canonical(r, s int) (int, int) {
	if !me.directed && r > s {
		return s, r
	}
	return r, s
}

// InsertDelta accumulates a (r,s) -> delta entry; entries are keyed sparsely
// (undirected graphs canonicalise to (min,max) per spec 4.2), so repeated
// insertions for the same pair add up rather than overwrite.
func (me *MEntries) InsertDelta(r, s int, delta float64) {
	me.insert(r, s, delta, nil, nil)
}

// InsertDeltaRec is InsertDelta plus per-covariate-dimension deltas on the
// rec and drec sums, for the weighted-edge layer (spec 4.9).
func (me *MEntries) InsertDeltaRec(r, s int, delta float64, recDelta, drecDelta []float64) {
	me.insert(r, s, delta, recDelta, drecDelta)
}

func (me *MEntries) insert(r, s int, delta float64, recDelta, drecDelta []float64) {
	cr, cs := me.canonical(r, s)
	key := [2]int{cr, cs}
	if idx, ok := me.index[key]; ok {
		me.entries[idx].Delta += delta
		accumulateInto(&me.entries[idx].RecDelta, recDelta)
		accumulateInto(&me.entries[idx].DrecDelta, drecDelta)
		return
	}
	e := meEntry{R: cr, S: cs, Delta: delta}
	if recDelta != nil {
		e.RecDelta = append([]float64(nil), recDelta...)
	}
	if drecDelta != nil {
		e.DrecDelta = append([]float64(nil), drecDelta...)
	}
	me.index[key] = len(me.entries)
	me.entries = append(me.entries, e)
}

func accumulateInto(dst *[]float64, src []float64) {
	if src == nil {
		return
	}
	if *dst == nil {
		*dst = make([]float64, len(src))
	}
	for i, v := range src {
		(*dst)[i] += v
	}
}

// GetDelta returns the accumulated delta recorded for (r,s), or 0 if no
// entry exists for that pair -- get_move_prob's "m_entries.get_delta(t, s)".
func (me *MEntries) GetDelta(r, s int) float64 {
	cr, cs := me.canonical(r, s)
	if idx, ok := me.index[[2]int{cr, cs}]; ok {
		return me.entries[idx].Delta
	}
	return 0
}

// Len returns the number of distinct (r,s) pairs currently accumulated.
func (me *MEntries) Len() int { return len(me.entries) }

// EntriesOp calls f once per accumulated entry, resolving the (possibly
// nil, if the edge does not yet exist in bg) edge handle via idx. This is
// "entries_op" of spec 4.2; "wentries_op" is the same operation when
// covariates are present, which here is simply the case where f inspects
// a non-nil recDelta/drecDelta -- Go doesn't need a second method to convey
// that, since the slices are nil when no covariates were recorded.
func (me *MEntries) EntriesOp(idx EdgeIndex, f func(r, s int, e *BlockEdge, delta float64, recDelta, drecDelta []float64)) {
	for i := range me.entries {
		en := &me.entries[i]
		e := idx.GetME(en.R, en.S)
		f(en.R, en.S, e, en.Delta, en.RecDelta, en.DrecDelta)
	}
}
