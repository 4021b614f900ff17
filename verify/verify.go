// Package verify scores ensemble-member rankings against observed outcomes:
// it aggregates per-member error fields to scalar scores, ranks members, and
// compares candidate rankings to the verification ranking.
package verify

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/ensnet/ensnet/datasets"
	"github.com/ensnet/ensnet/selector"
)

// Agg reduces one member's error field over (station, variable) to a scalar
// score; lower is better.
type Agg func(field []float64) float64

// StdMean aggregates an error field as mean plus one standard deviation of
// the absolute values, penalizing both bias and spread.
func StdMean(field []float64) float64 {
	abs := make([]float64, 0, len(field))
	for _, x := range field {
		if math.IsNaN(x) {
			continue
		}
		abs = append(abs, math.Abs(x))
	}
	if len(abs) == 0 {
		return math.NaN()
	}
	m, sd := stat.MeanStdDev(abs, nil)
	if math.IsNaN(sd) {
		sd = 0
	}
	return m + sd
}

// RankScore compares a candidate ranking to the verification ranking as the
// Spearman correlation of the two rank vectors: 1.0 means identical order,
// 0 means no relationship, negative means inverted order.
func RankScore(candidate, truth []float64) float64 {
	if len(candidate) != len(truth) || len(candidate) < 2 {
		return math.NaN()
	}
	return stat.Correlation(candidate, truth, nil)
}

// ScoreMSE is the mean squared difference between two score vectors, used to
// compare how close a candidate's member scores come to verification.
func ScoreMSE(candidate, truth []float64) float64 {
	if len(candidate) != len(truth) || len(candidate) == 0 {
		return math.NaN()
	}
	var sum float64
	for i := range candidate {
		d := candidate[i] - truth[i]
		sum += d * d
	}
	return sum / float64(len(candidate))
}

// SelectVerification ranks members for one day of the view from the observed
// error targets.
func SelectVerification(v *datasets.View, agg Agg) ([]selector.MemberRank, error) {
	return rankFromFields(v, agg, func(m int) []float64 { return v.MemberTargetField(0, m) })
}

// LastTimeEstimate ranks members for one day from the error predictors at
// the most recent forecast lead time, the naive baseline.
func LastTimeEstimate(v *datasets.View, agg Agg) ([]selector.MemberRank, error) {
	return rankFromFields(v, agg, func(m int) []float64 { return v.MemberLastLeadField(0, m) })
}

func rankFromFields(v *datasets.View, agg Agg, field func(m int) []float64) ([]selector.MemberRank, error) {
	if v.NumTimes() != 1 {
		return nil, fmt.Errorf("verify: member ranking requires exactly one day, got %d", v.NumTimes())
	}
	shape := v.Shape()
	scores := make([]float64, shape.Members)
	for m := 0; m < shape.Members; m++ {
		scores[m] = agg(field(m))
	}
	return selector.RankMembers(scores), nil
}

func scoresAndRanks(ranks []selector.MemberRank) (scores, order []float64) {
	scores = make([]float64, len(ranks))
	order = make([]float64, len(ranks))
	for i, r := range ranks {
		scores[i] = r.Score
		order[i] = r.Rank
	}
	return scores, order
}
