// Package colscore implements ColumnScorer: per-column cardinality,
// null rate, ID-likeness, date-likeness, and a combined promise score,
// computed deterministically over a sample or streamed exactly over a
// full pass.
package colscore

import (
	"regexp"
	"strings"

	"github.com/ivoronin/reconcile/internal/reader"
)

// idLikeName matches column names that read as identifiers.
var idLikeName = regexp.MustCompile(`(?i)(id|key|code|identifier|guid|uuid)`)

// datePatterns cover the common literal date shapes seen in tabular data.
var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`),
	regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`),
	regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`),
}

// Scores combine to a promise_score by these fixed weights.
const (
	weightCardinality = 0.5
	weightIDLike      = 0.2
	weightDateLike    = 0.1
	weightLowNull     = 0.2
)

// ColumnScore is the per-column result ColumnScorer produces.
type ColumnScore struct {
	Name              string
	CardinalityExact  bool
	Cardinality       int64
	NullRate          float64
	IsIDLike          bool
	IsDateLike        bool
	PromiseScore      float64
	NonNullCount      int64
	TotalCount        int64
}

// columnAccumulator tracks one column's running statistics across a pass.
type columnAccumulator struct {
	name        string
	exact       map[string]struct{} // used only on sample passes (bounded size)
	hll         *sketch              // used on streamed passes
	total       int64
	nonNull     int64
	dateMatches int64
}

// Score computes ColumnScore for every column given full rows (sample mode:
// cardinality is exact over the given rows). Use ScoreStream for a single
// streamed pass with a sketch-based cardinality estimate.
func Score(header []string, rows []reader.Row) []ColumnScore {
	accs := newAccumulators(header, false)
	for _, row := range rows {
		accumulate(accs, row.Values)
	}
	return finalize(header, accs)
}

// ScoreStream computes ColumnScore for every column from a RowStream in a
// single pass, using a HyperLogLog-class sketch for cardinality (spec
// §4.2: "exact on sample; HyperLogLog-class sketch on stream").
func ScoreStream(stream *reader.RowStream) ([]ColumnScore, error) {
	header := stream.Header()
	accs := newAccumulators(header, true)
	for stream.Next() {
		accumulate(accs, stream.Row().Values)
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return finalize(header, accs), nil
}

func newAccumulators(header []string, streamed bool) []*columnAccumulator {
	accs := make([]*columnAccumulator, len(header))
	for i, name := range header {
		a := &columnAccumulator{name: name}
		if streamed {
			a.hll = newSketch()
		} else {
			a.exact = make(map[string]struct{})
		}
		accs[i] = a
	}
	return accs
}

func accumulate(accs []*columnAccumulator, values []string) {
	for i, a := range accs {
		if i >= len(values) {
			continue
		}
		v := values[i]
		a.total++
		if v == "" {
			continue
		}
		a.nonNull++
		if a.exact != nil {
			a.exact[v] = struct{}{}
		} else {
			a.hll.Add(v)
		}
		if matchesAnyDatePattern(v) {
			a.dateMatches++
		}
	}
}

func matchesAnyDatePattern(v string) bool {
	for _, p := range datePatterns {
		if p.MatchString(v) {
			return true
		}
	}
	return false
}

func finalize(header []string, accs []*columnAccumulator) []ColumnScore {
	scores := make([]ColumnScore, len(header))
	for i, a := range accs {
		var cardinality int64
		exact := a.exact != nil
		if exact {
			cardinality = int64(len(a.exact))
		} else {
			cardinality = int64(a.hll.Estimate())
		}

		nullRate := 0.0
		if a.total > 0 {
			nullRate = 1 - float64(a.nonNull)/float64(a.total)
		}

		idLike := idLikeName.MatchString(a.name) && ratio(cardinality, a.nonNull) >= 0.8
		dateLike := a.nonNull > 0 && float64(a.dateMatches)/float64(a.nonNull) >= 0.9

		cardinalityScore := 0.0
		if a.nonNull > 0 {
			cardinalityScore = ratio(cardinality, a.nonNull)
			if cardinalityScore > 1 {
				cardinalityScore = 1
			}
		}

		promise := weightCardinality*cardinalityScore +
			weightIDLike*boolToFloat(idLike) +
			weightDateLike*boolToFloat(dateLike) +
			weightLowNull*(1-nullRate)

		scores[i] = ColumnScore{
			Name:             a.name,
			CardinalityExact: exact,
			Cardinality:      cardinality,
			NullRate:         nullRate,
			IsIDLike:         idLike,
			IsDateLike:       dateLike,
			PromiseScore:     promise,
			NonNullCount:     a.nonNull,
			TotalCount:       a.total,
		}
	}
	return scores
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ByName indexes a score slice by column name for fast lookup during
// KeyDiscovery ranking.
func ByName(scores []ColumnScore) map[string]ColumnScore {
	m := make(map[string]ColumnScore, len(scores))
	for _, s := range scores {
		m[strings.ToLower(s.Name)] = s
	}
	return m
}
