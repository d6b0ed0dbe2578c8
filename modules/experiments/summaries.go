package experiments

import (
	"math"

	"github.com/weftlabs/weft/pkg/metadb"
)

// Summary aggregates one score key across all result rows.
type Summary struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Summarize recomputes per-score summaries over the experiment's result rows.
func Summarize(results []metadb.ExperimentResult) map[string]Summary {
	sums := map[string]float64{}
	out := map[string]Summary{}

	for _, row := range results {
		for key, value := range row.Scores {
			s, ok := out[key]
			if !ok {
				s = Summary{Min: math.Inf(1), Max: math.Inf(-1)}
			}
			s.Count++
			s.Min = math.Min(s.Min, value)
			s.Max = math.Max(s.Max, value)
			out[key] = s
			sums[key] += value
		}
	}

	for key, s := range out {
		s.Mean = sums[key] / float64(s.Count)
		out[key] = s
	}
	return out
}
