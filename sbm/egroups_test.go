package sbm

import "testing"

type fixedRNG struct{ f float64 }

func (r fixedRNG) Float64() float64 { return r.f }

// weightedBG builds an undirected bg with block 0 connected to block 1
// (weight 1), block 2 (weight 1), and block 3 (weight 8).
func weightedBG(t *testing.T) *BlockMultigraph {
	t.Helper()
	bg := NewBlockMultigraph(4, false)
	bg.ModifyEdge(0, 1, 1, nil, nil)
	bg.ModifyEdge(0, 2, 1, nil, nil)
	bg.ModifyEdge(0, 3, 8, nil, nil)
	return bg
}

func TestEGroupsSampleEdgeWeighted(t *testing.T) {
	eg := NewEGroups(4, false)
	bg := weightedBG(t)
	// total weight incident to block 0 is 10; target 0.95*10=9.5 should land
	// past neighbours 1,2 (cum 1,2) into neighbour 3 (cum 10).
	s, ok := eg.SampleEdge(0, bg, fixedRNG{0.95})
	if !ok {
		t.Fatal("SampleEdge returned ok=false")
	}
	if s != 3 {
		t.Fatalf("SampleEdge at target 9.5 = %d, want 3 (the heaviest neighbour)", s)
	}
	if s == 0 {
		t.Fatal("SampleEdge must return a block distinct from the block sampled, not a resample of it")
	}
}

func TestEGroupsSampleEdgeDirectedCombinesInAndOut(t *testing.T) {
	bg := NewBlockMultigraph(2, true)
	bg.ModifyEdge(0, 1, 3, nil, nil) // out-edge 0->1
	bg.ModifyEdge(1, 0, 2, nil, nil) // in-edge 1->0
	eg := NewEGroups(2, true)
	// total incident weight to block 0 is 3 (out to 1) + 2 (in from 1) = 5.
	s, ok := eg.SampleEdge(0, bg, fixedRNG{0})
	if !ok || s != 1 {
		t.Fatalf("SampleEdge(0) = (%d,%v), want (1,true)", s, ok)
	}
	if chkOK, _, got, want := eg.Check(func(int) float64 { return 5 }); !chkOK {
		t.Fatalf("Check after directed sample: got=%v want=%v", got, want)
	}
}

func TestEGroupsEmptyBlock(t *testing.T) {
	eg := NewEGroups(1, false)
	bg := NewBlockMultigraph(1, false)
	_, ok := eg.SampleEdge(0, bg, fixedRNG{0.5})
	if ok {
		t.Fatal("SampleEdge on an empty block should report ok=false")
	}
}

func TestEGroupsClearMarksDirty(t *testing.T) {
	eg := NewEGroups(2, false)
	bg := NewBlockMultigraph(2, false)
	bg.ModifyEdge(0, 1, 1, nil, nil)
	eg.SampleEdge(0, bg, fixedRNG{0})
	if eg.dirty[0] {
		t.Fatal("block should be clean after a successful sample")
	}
	eg.ClearEGroups(0)
	if !eg.dirty[0] {
		t.Fatal("block should be dirty again after ClearEGroups")
	}
}

func TestEGroupsCheck(t *testing.T) {
	eg := NewEGroups(3, false)
	bg := NewBlockMultigraph(3, false)
	bg.ModifyEdge(0, 1, 3, nil, nil)
	bg.ModifyEdge(0, 2, 3, nil, nil)
	eg.SampleEdge(0, bg, fixedRNG{0})
	ok, _, _, _ := eg.Check(func(r int) float64 { return 6 })
	if !ok {
		t.Fatal("Check should pass when expected total matches")
	}
	ok, bad, got, want := eg.Check(func(r int) float64 { return 99 })
	if ok {
		t.Fatalf("Check should fail on mismatch; got block %d total=%v want=%v", bad, got, want)
	}
}
