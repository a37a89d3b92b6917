package sbm

import "math"

// recEntriesDS is the weighted-edge layer's contribution to VirtualMove
// (spec 4.9, "rec_entries_dS"): the change in description length of the
// per-block-pair covariate ("rec"/"drec") sums induced by the same move that
// me already describes, using the same mutate-measure-revert strategy as
// adjacencyDelta so it stays consistent with the static recTerm by
// construction.
//
// Grounded on the same deltaQ/move split as adjacencyDelta; the covariate
// model itself (sum and sum-of-squares sufficient statistics per block
// pair, normal log-likelihood under the per-pair maximum-likelihood
// variance) is the standard normal-weighted SBM formulation named in the
// glossary ("rec / drec ... normal-weighted SBM variants").
func (s *BlockState) recEntriesDS(me *MEntries, ea EntropyArgs) float64 {
	idx := s.bg.Idx()

	type touched struct {
		r, s int
		m    float64
		rec  []float64
		drec []float64
	}
	var snaps []touched
	before := 0.0
	me.EntriesOp(idx, func(a, b int, e *BlockEdge, delta float64, recDelta, drecDelta []float64) {
		if recDelta == nil {
			return
		}
		m, rec, drec := 0.0, []float64(nil), []float64(nil)
		if e != nil {
			m, rec, drec = e.M, e.Rec, e.Drec
		}
		before += s.recTerm(m, rec, drec)
		snaps = append(snaps, touched{a, b, m,
			append([]float64(nil), rec...), append([]float64(nil), drec...)})
	})
	if len(snaps) == 0 {
		return 0
	}

	me.EntriesOp(idx, func(a, b int, e *BlockEdge, delta float64, recDelta, drecDelta []float64) {
		if recDelta == nil {
			return
		}
		s.bg.ModifyEdge(a, b, delta, recDelta, drecDelta)
	})

	after := 0.0
	for _, sn := range snaps {
		e := idx.GetME(sn.r, sn.s)
		m, rec, drec := 0.0, []float64(nil), []float64(nil)
		if e != nil {
			m, rec, drec = e.M, e.Rec, e.Drec
		}
		after += s.recTerm(m, rec, drec)
	}

	me.EntriesOp(idx, func(a, b int, e *BlockEdge, delta float64, recDelta, drecDelta []float64) {
		if recDelta == nil {
			return
		}
		s.bg.ModifyEdge(a, b, -delta, negateSlice(recDelta), negateSlice(drecDelta))
	})

	return after - before
}

// recTerm is the static per-block-pair covariate description length: a
// normal log-likelihood under the maximum-likelihood variance implied by
// the sufficient statistics (sum, sum-of-squares) recorded in rec/drec.
func (s *BlockState) recTerm(m float64, rec, drec []float64) float64 {
	if m <= 0 || rec == nil {
		return 0
	}
	total := 0.0
	for i, sum := range rec {
		mean := sum / m
		sumSq := 0.0
		if drec != nil && i < len(drec) {
			sumSq = drec[i]
		}
		variance := sumSq/m - mean*mean
		if variance < 1e-9 {
			variance = 1e-9
		}
		total += 0.5*m*math.Log(2*math.Pi*variance) + 0.5*m
	}
	return total
}

func negateSlice(s []float64) []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = -v
	}
	return out
}
