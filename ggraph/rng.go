package ggraph

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// RNG is the abstract random-number collaborator of spec section 6:
// a source able to answer uniform-real, bernoulli, and normal draws. The
// vendored gonum/graph/community Louvain implementation
// (other_examples/openshift-origin__louvain_undirected.go) takes exactly this
// kind of source (golang.org/x/exp/rand.Source) as a constructor argument,
// which is why DistuvRNG below is built the same way rather than wrapping
// math/rand.
type RNG interface {
	// Float64 returns a uniform draw from [0, 1).
	Float64() float64
	// Intn returns a uniform draw from [0, n).
	Intn(n int) int
	// Bernoulli returns true with probability p.
	Bernoulli(p float64) bool
	// Normal returns a draw from Normal(mean, stddev).
	Normal(mean, stddev float64) float64
}

// DistuvRNG implements RNG on top of gonum.org/v1/gonum/stat/distuv,
// sharing one golang.org/x/exp/rand.Source across all three distributions so
// a single seed fully determines a run, the way the teacher's test suite
// seeds graph.THREADS-dependent randomized repeats deterministically.
type DistuvRNG struct {
	Src rand.Source
	rnd *rand.Rand
}

// NewDistuvRNG seeds a new DistuvRNG from seed.
func NewDistuvRNG(seed uint64) *DistuvRNG {
	src := rand.NewSource(seed)
	return &DistuvRNG{Src: src, rnd: rand.New(src)}
}

func (r *DistuvRNG) Float64() float64 {
	u := distuv.Uniform{Min: 0, Max: 1, Src: r.Src}
	return u.Rand()
}

func (r *DistuvRNG) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return r.rnd.Intn(n)
}

func (r *DistuvRNG) Bernoulli(p float64) bool {
	b := distuv.Bernoulli{P: p, Src: r.Src}
	return b.Rand() == 1
}

func (r *DistuvRNG) Normal(mean, stddev float64) float64 {
	n := distuv.Normal{Mu: mean, Sigma: stddev, Src: r.Src}
	return n.Rand()
}
