// Package keydiscovery implements KeyDiscovery: from a column pool and
// per-column promise scores, propose a bounded, deterministically ordered
// sequence of column combinations to test as candidate keys.
//
// KeyDiscovery never touches file data directly — it only sees the
// promise scores its caller supplies (internal/stages passes the
// ColumnScorer scores of the side being analyzed, computed over that
// side's full file). Combinations it proposes are handed to UniquenessAnalyzer, which
// is the component that actually counts keys against real rows:
// KeyDiscovery's job is to propose and order candidates under a
// combinatorial-explosion guard, not to do I/O.
package keydiscovery

import (
	"fmt"
	"sort"

	"github.com/ivoronin/reconcile/internal/combinatorics"
	"github.com/ivoronin/reconcile/internal/types"
)

// Tunables bounding how many combinations a single run may propose and
// test before the combinatorial-explosion guard kicks in.
const (
	MaxCombinationsPerRun   = 50
	MaxEnumeration          = 1_000_000
	IntelligentPoolThreshold = 50
	IntelligentPoolDefault  = 30
	IntelligentMaxTested    = 2000
	IntelligentDefaultMaxSize = 10
	intelligentSurvivorsPerSize = 20
)

// Label distinguishes combinations the caller pinned from ones this
// package discovered.
type Label string

const (
	LabelUserPinned Label = "user-pinned"
	LabelDiscovered Label = "discovered"
)

// Labeled pairs a combination with its provenance label.
type Labeled struct {
	Combination types.Combination
	Label       Label
}

// Input is everything KeyDiscovery needs to propose combinations.
type Input struct {
	Pool          []string
	Promise       map[string]float64 // promise score per column, as supplied by the caller
	Mode          types.DiscoveryMode
	RequestedSize int // k, for Heuristic/Explicit sizing
	Pinned        []types.Combination
	Excluded      []types.Combination
	Base          types.Combination // Intelligent mode only; may be zero value
	MaxSize       int               // Intelligent mode upper bound; 0 = IntelligentDefaultMaxSize
	TopP          int               // Intelligent pool reduction; 0 = IntelligentPoolDefault
}

// Result is the bounded, ordered sequence of combinations to score, plus
// the mode actually used (which may differ from Input.Mode if the
// combinatorial guard forced Intelligent discovery).
type Result struct {
	Combinations []Labeled
	ModeUsed     types.DiscoveryMode
}

// Discover proposes combinations per Input.Mode, applying the
// combinatorial-explosion guard and the always-included/always-excluded
// pinning rules.
func Discover(in Input) (Result, error) {
	excluded := hashSet(in.Excluded)

	out := make([]Labeled, 0, len(in.Pinned))
	seen := make(map[string]bool, len(in.Pinned))
	addUnique := func(c types.Combination, label Label) {
		h := c.Hash()
		if excluded[h] || seen[h] {
			return
		}
		seen[h] = true
		out = append(out, Labeled{Combination: c, Label: label})
	}
	for _, c := range in.Pinned {
		addUnique(c, LabelUserPinned)
	}

	if in.Mode == types.DiscoveryExplicit {
		return Result{Combinations: out, ModeUsed: types.DiscoveryExplicit}, nil
	}

	poolSize := len(in.Pool)
	k := in.RequestedSize
	if k > poolSize {
		return Result{}, fmt.Errorf("keydiscovery: requested size %d exceeds pool size %d", k, poolSize)
	}
	if k <= 0 {
		k = 1
	}

	mode := in.Mode
	guardExceeded := combinatorics.Exceeds(poolSize, k, MaxEnumeration)
	switch {
	case poolSize > IntelligentPoolThreshold, guardExceeded, mode == types.DiscoveryIntelligent:
		mode = types.DiscoveryIntelligent
	default:
		mode = types.DiscoveryHeuristic
	}

	var discovered []types.Combination
	if mode == types.DiscoveryIntelligent {
		discovered = intelligent(in)
	} else {
		discovered = heuristic(in.Pool, in.Promise, k)
	}

	for _, c := range discovered {
		addUnique(c, LabelDiscovered)
	}

	orderCombinations(out, in.Promise)

	return Result{Combinations: out, ModeUsed: mode}, nil
}

// heuristic enumerates all k-subsets of pool, ranks by the sum of their
// columns' promise scores, and caps at MaxCombinationsPerRun.
func heuristic(pool []string, promise map[string]float64, k int) []types.Combination {
	type scored struct {
		combo types.Combination
		score float64
	}
	var all []scored
	combinatorics.KSubsets(len(pool), k, func(idx []int) bool {
		cols := make([]string, k)
		sum := 0.0
		for i, p := range idx {
			cols[i] = pool[p]
			sum += promise[pool[p]]
		}
		all = append(all, scored{combo: types.NewCombination(cols...), score: sum})
		return true
	})

	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > MaxCombinationsPerRun {
		all = all[:MaxCombinationsPerRun]
	}
	out := make([]types.Combination, len(all))
	for i, s := range all {
		out[i] = s.combo
	}
	return out
}

// thresholdForSize is the size-dependent uniqueness-proxy bar a survivor
// must clear to advance to the next size, rising from 50% at size 2 to
// 80% at size 5 and beyond.
func thresholdForSize(size int) float64 {
	switch {
	case size <= 2:
		return 0.50
	case size == 3:
		return 0.60
	case size == 4:
		return 0.70
	default:
		return 0.80
	}
}

// intelligent builds combinations incrementally by size without ever
// enumerating all k-subsets of the full pool.
//
// A full uniqueness-on-the-sample check is approximated here by a proxy:
// the mean promise score of the combination's columns. KeyDiscovery has
// no row data of its own (see package doc) — the real uniqueness check
// happens downstream in UniquenessAnalyzer, so this proxy only needs to
// rank and prune candidates, not certify them.
func intelligent(in Input) []types.Combination {
	topP := in.TopP
	if topP <= 0 {
		topP = IntelligentPoolDefault
	}
	maxSize := in.MaxSize
	if maxSize <= 0 {
		maxSize = IntelligentDefaultMaxSize
	}

	reduced := topColumns(in.Pool, in.Promise, topP)
	baseCols := in.Base.Columns

	type candidate struct {
		cols  []string
		score float64
	}

	startSize := 2
	if len(baseCols) >= 2 {
		startSize = len(baseCols) + 1
	}

	var survivors []candidate
	tested := 0
	var emitted []types.Combination

	if len(baseCols) > 0 {
		survivors = []candidate{{cols: append([]string{}, baseCols...), score: meanPromise(baseCols, in.Promise)}}
	}

	for size := startSize; size <= maxSize && tested < IntelligentMaxTested; size++ {
		var generation []candidate
		if size == startSize && len(baseCols) == 0 {
			// seed at the starting size directly from the reduced pool
			combinatorics.KSubsets(len(reduced), size, func(idx []int) bool {
				cols := make([]string, size)
				for i, p := range idx {
					cols[i] = reduced[p]
				}
				generation = append(generation, candidate{cols: cols, score: meanPromise(cols, in.Promise)})
				tested++
				return tested < IntelligentMaxTested
			})
		} else {
			for _, s := range survivors {
				for _, col := range reduced {
					if containsCol(s.cols, col) {
						continue
					}
					cols := append(append([]string{}, s.cols...), col)
					generation = append(generation, candidate{cols: cols, score: meanPromise(cols, in.Promise)})
					tested++
					if tested >= IntelligentMaxTested {
						break
					}
				}
				if tested >= IntelligentMaxTested {
					break
				}
			}
		}

		threshold := thresholdForSize(size)
		var kept []candidate
		for _, g := range generation {
			if g.score >= threshold {
				kept = append(kept, g)
			}
		}
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
		if len(kept) > intelligentSurvivorsPerSize {
			kept = kept[:intelligentSurvivorsPerSize]
		}

		for _, k := range kept {
			emitted = append(emitted, types.NewCombination(k.cols...))
		}

		perfect := false
		for _, k := range kept {
			if k.score >= 0.999 {
				perfect = true
				break
			}
		}
		survivors = kept
		if perfect || len(survivors) == 0 {
			break
		}
	}

	return emitted
}

func containsCol(cols []string, col string) bool {
	for _, c := range cols {
		if c == col {
			return true
		}
	}
	return false
}

func meanPromise(cols []string, promise map[string]float64) float64 {
	if len(cols) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range cols {
		sum += promise[c]
	}
	return sum / float64(len(cols))
}

// topColumns returns the P columns with the highest promise score,
// preserving the pool's original relative order on ties.
func topColumns(pool []string, promise map[string]float64, p int) []string {
	if p >= len(pool) {
		cp := make([]string, len(pool))
		copy(cp, pool)
		return cp
	}
	type ranked struct {
		name  string
		score float64
		pos   int
	}
	rs := make([]ranked, len(pool))
	for i, name := range pool {
		rs[i] = ranked{name: name, score: promise[name], pos: i}
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].score > rs[j].score })
	rs = rs[:p]
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].pos < rs[j].pos })
	out := make([]string, p)
	for i, r := range rs {
		out[i] = r.name
	}
	return out
}

// orderCombinations sorts in place by (descending proxy score, ascending
// size, lexicographic column names) for a deterministic ordering.
func orderCombinations(combos []Labeled, promise map[string]float64) {
	sort.SliceStable(combos, func(i, j int) bool {
		a, b := combos[i].Combination, combos[j].Combination
		sa, sb := sumPromise(a.Columns, promise), sumPromise(b.Columns, promise)
		if sa != sb {
			return sa > sb
		}
		if a.Size() != b.Size() {
			return a.Size() < b.Size()
		}
		return a.String() < b.String()
	})
}

func sumPromise(cols []string, promise map[string]float64) float64 {
	sum := 0.0
	for _, c := range cols {
		sum += promise[c]
	}
	return sum
}

func hashSet(combos []types.Combination) map[string]bool {
	m := make(map[string]bool, len(combos))
	for _, c := range combos {
		m[c.Hash()] = true
	}
	return m
}
