package metrics

import (
	"math"
	"testing"
)

func TestClassAUROCPerfectSeparation(t *testing.T) {
	scores := [][]float32{
		{0.9, 0.1},
		{0.8, 0.2},
		{0.2, 0.8},
		{0.1, 0.9},
	}
	labels := []int64{0, 0, 1, 1}

	auroc := ClassAUROC(scores, labels)
	for k, v := range auroc {
		if v != 1.0 {
			t.Errorf("class %d AUROC %v, want 1.0", k, v)
		}
	}
}

func TestClassAUROCReversedRanking(t *testing.T) {
	scores := [][]float32{
		{0.1, 0.9},
		{0.2, 0.8},
		{0.8, 0.2},
		{0.9, 0.1},
	}
	labels := []int64{0, 0, 1, 1}

	auroc := ClassAUROC(scores, labels)
	for k, v := range auroc {
		if v != 0.0 {
			t.Errorf("class %d AUROC %v, want 0.0", k, v)
		}
	}
}

func TestClassAUROCTiesScoreHalf(t *testing.T) {
	scores := [][]float32{
		{0.5, 0.5},
		{0.5, 0.5},
		{0.5, 0.5},
		{0.5, 0.5},
	}
	labels := []int64{0, 0, 1, 1}

	auroc := ClassAUROC(scores, labels)
	for k, v := range auroc {
		if v != 0.5 {
			t.Errorf("class %d AUROC %v, want 0.5 under total ties", k, v)
		}
	}
}

func TestClassAUROCKnownValue(t *testing.T) {
	// One positive outranked by one of three negatives:
	// U = 2 hits of 3 comparisons.
	scores := [][]float32{
		{0.7},
		{0.4},
		{0.6},
		{0.9},
	}
	// Single-class one-vs-rest degenerates unless labels vary, so use two
	// columns with the second constant.
	scores2 := make([][]float32, len(scores))
	for i, row := range scores {
		scores2[i] = []float32{row[0], 0}
	}
	labels := []int64{0, 1, 1, 1}

	auroc := ClassAUROC(scores2, labels)
	want := 2.0 / 3.0
	if math.Abs(auroc[0]-want) > 1e-9 {
		t.Errorf("class 0 AUROC %v, want %v", auroc[0], want)
	}
}

func TestClassAUROCDegenerateClassIsNaN(t *testing.T) {
	scores := [][]float32{
		{0.9, 0.1},
		{0.8, 0.2},
	}
	labels := []int64{0, 0} // class 1 has no positives

	auroc := ClassAUROC(scores, labels)
	if !math.IsNaN(auroc[1]) {
		t.Errorf("class 1 AUROC %v, want NaN with no positives", auroc[1])
	}
}

func TestClassAUROCEmptyInput(t *testing.T) {
	if got := ClassAUROC(nil, nil); got != nil {
		t.Errorf("got %v for empty input, want nil", got)
	}
}
