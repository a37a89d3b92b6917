// Command sbm-mcmc runs Metropolis-Hastings block-assignment inference over
// an Erdos-Renyi test graph (or, with -g, an edge-list file) and reports the
// entropy trajectory, the way the teacher's cmd/lp-cc/main.go is a thin flag
// parser in front of a library call.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/graphblocks/sbmcore/ggraph"
	"github.com/graphblocks/sbmcore/mathutils"
	"github.com/graphblocks/sbmcore/sbm"
)

func main() {
	graphPtr := flag.String("g", "", "Edge-list file (one \"src dst\" pair per line, whitespace separated). If empty, generates an Erdos-Renyi test graph.")
	nPtr := flag.Int("n", 200, "Number of vertices for the generated test graph (ignored with -g).")
	pPtr := flag.Float64("p", 0.02, "Edge probability for the generated test graph (ignored with -g).")
	bPtr := flag.Int("b", 10, "Initial number of blocks.")
	sweepsPtr := flag.Int("sweeps", 100, "Number of full-graph sweeps to run.")
	cPtr := flag.Float64("c", 1.0, "Proposal temperature parameter (sample_block's c).")
	dPtr := flag.Float64("d", 0.01, "Probability of proposing an empty block (sample_block's d).")
	degCorrPtr := flag.Bool("deg-corr", false, "Use the degree-corrected model.")
	seedPtr := flag.Uint64("seed", 42, "RNG seed.")
	debugPtr := flag.Bool("debug", false, "Abort on the first invariant violation instead of logging and continuing.")
	quietPtr := flag.Bool("q", false, "Suppress per-sweep progress logging.")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debugPtr {
		sbm.Debug = true
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	rng := ggraph.NewDistuvRNG(*seedPtr)

	var g ggraph.Weighted
	var numVertices int
	if *graphPtr != "" {
		gg, n, err := loadEdgeList(*graphPtr)
		if err != nil {
			log.Fatal().Err(err).Str("file", *graphPtr).Msg("failed to load graph")
		}
		g = gg
		numVertices = n
	} else {
		raw := ggraph.ErdosRenyi(*nPtr, *pPtr, rng)
		g = ggraph.FromWeighted(raw, false, nil)
		numVertices = *nPtr
	}

	numBlocks := *bPtr
	if numBlocks < 1 {
		numBlocks = 1
	}
	initialB := make([]int, numVertices)
	for v := range initialB {
		initialB[v] = v % numBlocks
	}

	arena := sbm.NewStateArena()
	state := sbm.NewBlockState(arena, sbm.BlockStateConfig{
		Graph:     g,
		InitialB:  initialB,
		DegCorr:   *degCorrPtr,
		NumBlocks: numBlocks,
	})

	ea := sbm.DefaultEntropyArgs()
	if *degCorrPtr {
		ea.DegreeDL = true
	}

	startEntropy, err := state.Entropy(ea, false)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to evaluate starting entropy")
	}
	log.Info().Int("vertices", numVertices).Int("blocks", numBlocks).
		Float64("entropy", startEntropy).Msg("starting state")

	runSweeps(state, g, ea, *sweepsPtr, *cPtr, *dPtr, rng, *quietPtr)

	finalEntropy, err := state.Entropy(ea, false)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to evaluate final entropy")
	}
	log.Info().Int("actual_blocks", state.ActualB()).
		Float64("entropy", finalEntropy).Msg("final state")

	if !state.CheckNodeCounts() || !state.CheckEdgeCounts() {
		log.Warn().Msg("invariant check failed after run -- counters have drifted from ground truth")
		os.Exit(1)
	}
}

// runSweeps performs numSweeps passes over every vertex, proposing a move
// via SampleBlock and accepting it with Metropolis-Hastings probability
// derived from VirtualMove's entropy delta and GetMoveProb's asymmetric
// proposal correction.
func runSweeps(state *sbm.BlockState, g ggraph.Weighted, ea sbm.EntropyArgs, numSweeps int, c, d float64, rng *ggraph.DistuvRNG, quiet bool) {
	nv := g.NumVertices()

	watch := &mathutils.Watch{}
	watch.Start()

	for sweep := 0; sweep < numSweeps; sweep++ {
		accepted := 0
		for v := 0; v < nv; v++ {
			r := state.B(v)
			nr := state.SampleBlock(v, c, d, rng)
			if nr == r {
				continue
			}

			dS, err := state.VirtualMove(v, r, nr, ea)
			if err != nil {
				log.Warn().Err(err).Msg("virtual move rejected by model configuration")
				continue
			}
			if math.IsInf(dS, 1) {
				continue
			}

			me := state.PrepareMoveEntries(v, r, nr)
			logPFwd := state.GetMoveProb(v, r, nr, c, d, false, me)
			logPRev := state.GetMoveProb(v, nr, r, c, d, true, me)
			logAccept := -dS + (logPRev - logPFwd)

			if logAccept >= 0 || math.Log(rng.Float64()) < logAccept {
				if err := state.MoveVertex(v, nr); err == nil {
					accepted++
				}
			}
		}
		state.AssertInvariants()
		if !quiet {
			sweepEntropy, err := state.Entropy(ea, false)
			if err != nil {
				log.Warn().Err(err).Msg("failed to evaluate sweep entropy")
			}
			log.Debug().Int("sweep", sweep).Int("accepted", accepted).
				Float64("entropy", sweepEntropy).
				Dur("elapsed", watch.Elapsed()).Msg("sweep complete")
		}
	}

	log.Info().Dur("total_sweep_time", watch.AbsoluteElapsed()).Msg("sweeps finished")
}

// loadEdgeList builds an undirected weighted graph from a whitespace
// separated "src dst" edge list, the way the teacher's graph.go loader
// reads its own edge-list format, minus the timestamp/weight column
// handling this core doesn't need.
func loadEdgeList(path string) (ggraph.Weighted, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var edges [][2]int64
	maxID := int64(-1)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		src, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("parsing src %q: %w", fields[0], err)
		}
		dst, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("parsing dst %q: %w", fields[1], err)
		}
		edges = append(edges, [2]int64{src, dst})
		if src > maxID {
			maxID = src
		}
		if dst > maxID {
			maxID = dst
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}

	numVertices := int(maxID + 1)
	raw := ggraph.NewUndirectedWeighted(numVertices, edges, nil)
	return ggraph.FromWeighted(raw, false, nil), numVertices, nil
}
