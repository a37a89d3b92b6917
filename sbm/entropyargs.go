package sbm

// DegreeDLKind selects the functional form of the degree-sequence
// description length term (spec section 6, field degree_dl_kind).
type DegreeDLKind int

const (
	// DegreeDLUniform assumes each block's degree sequence is drawn
	// uniformly from all sequences with the same sum.
	DegreeDLUniform DegreeDLKind = iota
	// DegreeDLDistributed uses the per-block empirical degree distribution
	// (a discrete distribution description length per block).
	DegreeDLDistributed
	// DegreeDLEntropy uses the continuous entropy approximation.
	DegreeDLEntropy
)

// EntropyArgs is the configuration object of spec section 6 ("entropy_args"):
// a flat struct of booleans/enums passed by value, the way the teacher's
// graph.GraphOptions is a flat struct rather than a builder.
type EntropyArgs struct {
	// Adjacency includes the data-likelihood (adjacency) term.
	Adjacency bool
	// Dense uses the dense (Poisson) formulation instead of the sparse one.
	Dense bool
	// Multigraph selects the Poisson (true) or Bernoulli (false) form of the
	// dense adjacency term; it has no effect on the sparse term.
	Multigraph bool
	// Exact uses lgamma directly rather than the Stirling/x*log(x)
	// approximation.
	Exact bool
	// DegEntropy includes the per-vertex degree entropy term.
	DegEntropy bool
	// PartitionDL includes the partition description length.
	PartitionDL bool
	// DegreeDL includes the degree-sequence description length. Only
	// meaningful when the state is degree-corrected.
	DegreeDL bool
	// DegreeDLKind selects which degree-sequence DL functional form to use.
	DegreeDLKind DegreeDLKind
	// EdgesDL includes the number-of-edges description length.
	EdgesDL bool
	// Recs includes the edge-covariate ("rec") description length.
	Recs bool
	// Bfield includes the per-block-count prior contribution.
	Bfield bool
	// BetaDL scales every description-length contribution relative to the
	// data term. Zero value of an EntropyArgs leaves this at 0, which is
	// almost never what a caller wants; DefaultEntropyArgs sets it to 1.
	BetaDL float64
}

// DefaultEntropyArgs returns the conventional configuration: adjacency,
// partition DL, degree DL, edges DL and Bfield included, sparse + exact
// adjacency, uniform degree DL, beta_dl = 1. DegEntropy, Recs, Dense and
// Multigraph are left off.
func DefaultEntropyArgs() EntropyArgs {
	return EntropyArgs{
		Adjacency:    true,
		Exact:        true,
		PartitionDL:  true,
		DegreeDL:     true,
		DegreeDLKind: DegreeDLUniform,
		EdgesDL:      true,
		Bfield:       true,
		BetaDL:       1,
	}
}
