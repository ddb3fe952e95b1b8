package training

import (
	"fmt"
	"strings"
)

// ConfusionMatrix accumulates predictions for a fixed set of classes.
// Rows are true classes, columns predicted.
type ConfusionMatrix struct {
	numClasses int
	counts     [][]int64
	total      int64
}

// NewConfusionMatrix creates an empty matrix over numClasses classes.
func NewConfusionMatrix(numClasses int) (*ConfusionMatrix, error) {
	if numClasses < 2 {
		return nil, &ConfigError{Field: "numClasses", Reason: fmt.Sprintf("must be >= 2, got %d", numClasses)}
	}
	counts := make([][]int64, numClasses)
	for i := range counts {
		counts[i] = make([]int64, numClasses)
	}
	return &ConfusionMatrix{numClasses: numClasses, counts: counts}, nil
}

// Add records one prediction. Out-of-range labels are an error.
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.numClasses {
		return fmt.Errorf("true class %d out of range [0, %d)", trueClass, cm.numClasses)
	}
	if predClass < 0 || predClass >= cm.numClasses {
		return fmt.Errorf("predicted class %d out of range [0, %d)", predClass, cm.numClasses)
	}
	cm.counts[trueClass][predClass]++
	cm.total++
	return nil
}

// AddBatch records a batch of predictions.
func (cm *ConfusionMatrix) AddBatch(trueClasses, predClasses []int32) error {
	if len(trueClasses) != len(predClasses) {
		return fmt.Errorf("label count mismatch: %d true vs %d predicted", len(trueClasses), len(predClasses))
	}
	for i := range trueClasses {
		if err := cm.Add(int(trueClasses[i]), int(predClasses[i])); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears all accumulated counts.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.counts {
		for j := range cm.counts[i] {
			cm.counts[i][j] = 0
		}
	}
	cm.total = 0
}

// Total returns the number of recorded predictions.
func (cm *ConfusionMatrix) Total() int64 {
	return cm.total
}

// Accuracy is the fraction of correct predictions.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.total == 0 {
		return 0
	}
	var correct int64
	for i := 0; i < cm.numClasses; i++ {
		correct += cm.counts[i][i]
	}
	return float64(correct) / float64(cm.total)
}

// ClassStats holds per-class precision, recall, and F1. A class with
// no support has zero recall; a class never predicted has zero
// precision.
type ClassStats struct {
	Precision float64
	Recall    float64
	F1        float64
	Support   int64
}

// PerClass computes stats for every class.
func (cm *ConfusionMatrix) PerClass() []ClassStats {
	stats := make([]ClassStats, cm.numClasses)
	for c := 0; c < cm.numClasses; c++ {
		var tp, fp, fn int64
		tp = cm.counts[c][c]
		for o := 0; o < cm.numClasses; o++ {
			if o == c {
				continue
			}
			fn += cm.counts[c][o]
			fp += cm.counts[o][c]
		}
		s := ClassStats{Support: tp + fn}
		if tp+fp > 0 {
			s.Precision = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			s.Recall = float64(tp) / float64(tp+fn)
		}
		if s.Precision+s.Recall > 0 {
			s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
		}
		stats[c] = s
	}
	return stats
}

// BalancedAccuracy is the mean per-class recall over classes with
// support, so rare classes count as much as common ones.
func (cm *ConfusionMatrix) BalancedAccuracy() float64 {
	stats := cm.PerClass()
	var sum float64
	var n int
	for _, s := range stats {
		if s.Support > 0 {
			sum += s.Recall
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MacroF1 is the unweighted mean F1 over classes with support.
func (cm *ConfusionMatrix) MacroF1() float64 {
	stats := cm.PerClass()
	var sum float64
	var n int
	for _, s := range stats {
		if s.Support > 0 {
			sum += s.F1
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// String renders the matrix with row and column class indices.
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	sb.WriteString("true\\pred")
	for c := 0; c < cm.numClasses; c++ {
		fmt.Fprintf(&sb, "\t%d", c)
	}
	sb.WriteByte('\n')
	for r := 0; r < cm.numClasses; r++ {
		fmt.Fprintf(&sb, "%d", r)
		for c := 0; c < cm.numClasses; c++ {
			fmt.Fprintf(&sb, "\t%d", cm.counts[r][c])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
