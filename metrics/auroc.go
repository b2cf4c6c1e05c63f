// Package metrics implements the evaluation metrics reported during
// training. Scores arrive as plain Go slices so the package stays free of
// any tensor backend.
package metrics

import (
	"math"
	"sort"
)

// ClassAUROC computes the one-vs-rest area under the ROC curve for every
// class. scores holds one row of per-class scores (e.g. softmax outputs) per
// sample; labels holds the true class id of each sample, in [0, len(row)).
// A class with no positive or no negative samples yields NaN.
func ClassAUROC(scores [][]float32, labels []int64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	if len(scores) != len(labels) {
		panic("metrics: score and label counts differ")
	}
	nClasses := len(scores[0])

	out := make([]float64, nClasses)
	for k := 0; k < nClasses; k++ {
		col := make([]float64, len(scores))
		pos := make([]bool, len(scores))
		nPos := 0
		for i, row := range scores {
			col[i] = float64(row[k])
			if labels[i] == int64(k) {
				pos[i] = true
				nPos++
			}
		}
		out[k] = binaryAUROC(col, pos, nPos)
	}
	return out
}

// binaryAUROC is the Mann-Whitney rank statistic with midranks for ties.
func binaryAUROC(scores []float64, pos []bool, nPos int) float64 {
	n := len(scores)
	nNeg := n - nPos
	if nPos == 0 || nNeg == 0 {
		return math.NaN()
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return scores[order[a]] < scores[order[b]]
	})

	// Assign midranks across runs of equal scores, summing ranks of positives.
	var posRankSum float64
	for i := 0; i < n; {
		j := i
		for j < n && scores[order[j]] == scores[order[i]] {
			j++
		}
		// Ranks are 1-based; all of [i, j) share the average rank.
		rank := float64(i+j+1) / 2.0
		for t := i; t < j; t++ {
			if pos[order[t]] {
				posRankSum += rank
			}
		}
		i = j
	}

	u := posRankSum - float64(nPos)*float64(nPos+1)/2.0
	return u / (float64(nPos) * float64(nNeg))
}
