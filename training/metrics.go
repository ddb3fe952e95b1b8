package training

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"go.uber.org/zap"
)

// MetricMode states whether lower or higher values of the monitored
// metric are better.
type MetricMode int

const (
	ModeMin MetricMode = iota
	ModeMax
)

func (m MetricMode) String() string {
	if m == ModeMax {
		return "max"
	}
	return "min"
}

// EpochMetrics is one finalized epoch: the batch-weighted averages of
// every metric reported during the epoch.
type EpochMetrics struct {
	Epoch      int
	Validation bool
	Values     map[string]float64
}

// BestState records the best monitored value observed so far and the
// epoch that produced it.
type BestState struct {
	Epoch int
	Value float64
	Seen  bool
}

// MetricsTracker accumulates per-batch metrics into epoch averages,
// tracks the running best of a monitored metric, and drives early
// stopping. It is used from the training goroutine only.
type MetricsTracker struct {
	monitored string
	mode      MetricMode
	patience  int
	minDelta  float64
	logger    *zap.Logger

	epoch      int
	sums       map[string]float64
	weights    map[string]float64
	train      []EpochMetrics
	validation []EpochMetrics

	best        BestState
	sinceImprov int
	diverged    bool
	divergedAt  int
	divergedVal float64
}

// NewMetricsTracker monitors one metric for improvement. ModeMin
// treats decreases as improvement (losses); ModeMax increases
// (accuracies). Improvement must beat the best by more than minDelta.
func NewMetricsTracker(monitored string, mode MetricMode, patience int, minDelta float64, logger *zap.Logger) (*MetricsTracker, error) {
	if monitored == "" {
		return nil, &ConfigError{Field: "monitored", Reason: "monitored metric name is empty"}
	}
	if patience < 1 {
		return nil, &ConfigError{Field: "patience", Reason: fmt.Sprintf("must be >= 1, got %d", patience)}
	}
	if minDelta < 0 {
		return nil, &ConfigError{Field: "minDelta", Reason: "must be non-negative"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsTracker{
		monitored: monitored,
		mode:      mode,
		patience:  patience,
		minDelta:  minDelta,
		logger:    logger,
		sums:      make(map[string]float64),
		weights:   make(map[string]float64),
	}, nil
}

// ResetEpoch clears the per-batch accumulators for a new epoch pass.
func (mt *MetricsTracker) ResetEpoch(epoch int) {
	mt.epoch = epoch
	mt.sums = make(map[string]float64)
	mt.weights = make(map[string]float64)
}

// UpdateBatch folds one batch's metrics in, weighted by batch size so
// a partial final batch does not skew the epoch average. A NaN or Inf
// value marks the run as diverged.
func (mt *MetricsTracker) UpdateBatch(values map[string]float64, batchSize int) {
	w := float64(batchSize)
	if w <= 0 {
		w = 1
	}
	for name, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			if !mt.diverged {
				mt.diverged = true
				mt.divergedAt = mt.epoch
				mt.divergedVal = v
				mt.logger.Error("non-finite metric value, run diverged",
					zap.String("metric", name),
					zap.Int("epoch", mt.epoch),
					zap.Float64("value", v))
			}
			continue
		}
		mt.sums[name] += v * w
		mt.weights[name] += w
	}
}

// FinalizeEpoch computes the epoch averages, appends them to the
// relevant history, and for validation epochs updates the best state
// and the early stopping counter.
func (mt *MetricsTracker) FinalizeEpoch(isValidation bool) EpochMetrics {
	em := EpochMetrics{Epoch: mt.epoch, Validation: isValidation, Values: make(map[string]float64, len(mt.sums))}
	for name, sum := range mt.sums {
		if w := mt.weights[name]; w > 0 {
			em.Values[name] = sum / w
		}
	}
	if isValidation {
		mt.validation = append(mt.validation, em)
		mt.observe(em)
	} else {
		mt.train = append(mt.train, em)
	}
	return em
}

func (mt *MetricsTracker) observe(em EpochMetrics) {
	v, ok := em.Values[mt.monitored]
	if !ok {
		return
	}
	improved := false
	if !mt.best.Seen {
		improved = true
	} else if mt.mode == ModeMin {
		improved = v < mt.best.Value-mt.minDelta
	} else {
		improved = v > mt.best.Value+mt.minDelta
	}
	if improved {
		mt.best = BestState{Epoch: em.Epoch, Value: v, Seen: true}
		mt.sinceImprov = 0
		mt.logger.Info("monitored metric improved",
			zap.String("metric", mt.monitored),
			zap.Int("epoch", em.Epoch),
			zap.Float64("value", v))
	} else {
		mt.sinceImprov++
	}
}

// Improved reports whether the most recent validation epoch set a new
// best for the monitored metric.
func (mt *MetricsTracker) Improved() bool {
	return mt.best.Seen && mt.sinceImprov == 0
}

// ShouldStop reports whether patience validation epochs have elapsed
// without improvement.
func (mt *MetricsTracker) ShouldStop() bool {
	return mt.sinceImprov >= mt.patience
}

// Diverged reports whether any metric went NaN or Inf, with the epoch
// it first happened.
func (mt *MetricsTracker) Diverged() (bool, int) {
	return mt.diverged, mt.divergedAt
}

// DivergenceError returns a typed error describing the first
// non-finite metric, or nil if the run never diverged.
func (mt *MetricsTracker) DivergenceError() *DivergenceError {
	if !mt.diverged {
		return nil
	}
	return &DivergenceError{Epoch: mt.divergedAt, Loss: mt.divergedVal}
}

// ObserveTraining feeds a training epoch's averages into the best
// state and patience tracking. Runs without a validation split rank
// checkpoints and stop early on the training metrics instead.
func (mt *MetricsTracker) ObserveTraining(em EpochMetrics) {
	mt.observe(em)
}

// Monitored returns the name of the monitored metric.
func (mt *MetricsTracker) Monitored() string {
	return mt.monitored
}

// Best returns the best monitored state observed so far.
func (mt *MetricsTracker) Best() BestState {
	return mt.best
}

// TrainHistory returns the finalized training epochs in order.
func (mt *MetricsTracker) TrainHistory() []EpochMetrics {
	return mt.train
}

// ValidationHistory returns the finalized validation epochs in order.
func (mt *MetricsTracker) ValidationHistory() []EpochMetrics {
	return mt.validation
}

// WriteCSV streams the full history as rows of
// epoch,split,metric_name,value with metric names sorted within each
// epoch so output is deterministic.
func (mt *MetricsTracker) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"epoch", "split", "metric_name", "value"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	write := func(split string, history []EpochMetrics) error {
		for _, em := range history {
			names := make([]string, 0, len(em.Values))
			for name := range em.Values {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				row := []string{
					strconv.Itoa(em.Epoch),
					split,
					name,
					strconv.FormatFloat(em.Values[name], 'g', -1, 64),
				}
				if err := cw.Write(row); err != nil {
					return fmt.Errorf("failed to write CSV row: %w", err)
				}
			}
		}
		return nil
	}
	if err := write("train", mt.train); err != nil {
		return err
	}
	if err := write("validation", mt.validation); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV writes the history to a file.
func (mt *MetricsTracker) ExportCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	if err := mt.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Summary reports first-to-last improvement of the monitored metric
// across validation epochs, as a percentage.
func (mt *MetricsTracker) Summary() string {
	if len(mt.validation) == 0 {
		return "no validation epochs recorded"
	}
	first, firstOK := mt.validation[0].Values[mt.monitored]
	last, lastOK := mt.validation[len(mt.validation)-1].Values[mt.monitored]
	if !firstOK || !lastOK || first == 0 {
		return fmt.Sprintf("best %s %.6f at epoch %d", mt.monitored, mt.best.Value, mt.best.Epoch)
	}
	change := (last - first) / math.Abs(first) * 100
	return fmt.Sprintf("%s: %.6f -> %.6f (%+.1f%%), best %.6f at epoch %d",
		mt.monitored, first, last, change, mt.best.Value, mt.best.Epoch)
}
