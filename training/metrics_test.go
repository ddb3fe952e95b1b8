package training

import (
	"math"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTracker(t *testing.T, mode MetricMode, patience int, minDelta float64) *MetricsTracker {
	t.Helper()
	mt, err := NewMetricsTracker("loss", mode, patience, minDelta, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMetricsTracker failed: %v", err)
	}
	return mt
}

func recordValEpoch(mt *MetricsTracker, epoch int, loss float64) {
	mt.ResetEpoch(epoch)
	mt.UpdateBatch(map[string]float64{"loss": loss}, 1)
	mt.FinalizeEpoch(true)
}

func TestTrackerValidation(t *testing.T) {
	if _, err := NewMetricsTracker("", ModeMin, 1, 0, nil); err == nil {
		t.Error("expected error for empty metric name")
	}
	if _, err := NewMetricsTracker("loss", ModeMin, 0, 0, nil); err == nil {
		t.Error("expected error for zero patience")
	}
	if _, err := NewMetricsTracker("loss", ModeMin, 1, -0.1, nil); err == nil {
		t.Error("expected error for negative minDelta")
	}
}

func TestBatchWeightedAverage(t *testing.T) {
	mt := newTracker(t, ModeMin, 5, 0)
	mt.ResetEpoch(0)
	mt.UpdateBatch(map[string]float64{"loss": 2.0}, 10)
	mt.UpdateBatch(map[string]float64{"loss": 4.0}, 5)
	em := mt.FinalizeEpoch(false)

	// (2*10 + 4*5) / 15
	want := 40.0 / 15.0
	if math.Abs(em.Values["loss"]-want) > 1e-12 {
		t.Errorf("epoch average = %v, want %v", em.Values["loss"], want)
	}
}

func TestBestStateMonotonic(t *testing.T) {
	mt := newTracker(t, ModeMin, 10, 0)
	losses := []float64{1.0, 0.8, 0.9, 0.7, 0.75}
	for i, l := range losses {
		recordValEpoch(mt, i, l)
	}
	best := mt.Best()
	if !best.Seen {
		t.Fatal("best state never set")
	}
	if best.Epoch != 3 || best.Value != 0.7 {
		t.Errorf("best = epoch %d value %v, want epoch 3 value 0.7", best.Epoch, best.Value)
	}
}

func TestModeMaxImprovement(t *testing.T) {
	mt, err := NewMetricsTracker("accuracy", ModeMax, 3, 0, nil)
	if err != nil {
		t.Fatalf("NewMetricsTracker failed: %v", err)
	}
	for i, acc := range []float64{0.5, 0.6, 0.55} {
		mt.ResetEpoch(i)
		mt.UpdateBatch(map[string]float64{"accuracy": acc}, 1)
		mt.FinalizeEpoch(true)
	}
	best := mt.Best()
	if best.Epoch != 1 || best.Value != 0.6 {
		t.Errorf("best = epoch %d value %v, want epoch 1 value 0.6", best.Epoch, best.Value)
	}
}

func TestEarlyStoppingExactPatience(t *testing.T) {
	mt := newTracker(t, ModeMin, 3, 0)
	recordValEpoch(mt, 0, 1.0)
	if mt.ShouldStop() {
		t.Fatal("stopped after first improvement")
	}
	// Three non-improving epochs in a row trips patience 3 exactly.
	for i := 1; i <= 3; i++ {
		recordValEpoch(mt, i, 1.0)
		if i < 3 && mt.ShouldStop() {
			t.Fatalf("stopped after %d stale epochs, patience is 3", i)
		}
	}
	if !mt.ShouldStop() {
		t.Error("did not stop after patience stale epochs")
	}
}

func TestMinDeltaThreshold(t *testing.T) {
	mt := newTracker(t, ModeMin, 2, 0.05)
	recordValEpoch(mt, 0, 1.0)
	// An improvement smaller than minDelta does not count.
	recordValEpoch(mt, 1, 0.97)
	recordValEpoch(mt, 2, 0.96)
	if !mt.ShouldStop() {
		t.Error("sub-threshold improvements should not reset patience")
	}
	if mt.Best().Epoch != 0 {
		t.Errorf("best epoch = %d, want 0", mt.Best().Epoch)
	}
}

func TestDivergenceDetection(t *testing.T) {
	mt := newTracker(t, ModeMin, 5, 0)
	mt.ResetEpoch(2)
	mt.UpdateBatch(map[string]float64{"loss": math.NaN()}, 4)
	if d, at := mt.Diverged(); !d || at != 2 {
		t.Errorf("Diverged = (%v, %d), want (true, 2)", d, at)
	}

	derr := mt.DivergenceError()
	if derr == nil {
		t.Fatal("expected a DivergenceError after a NaN metric")
	}
	if derr.Epoch != 2 || !math.IsNaN(derr.Loss) {
		t.Errorf("DivergenceError = %+v, want epoch 2 with NaN loss", derr)
	}

	mt2 := newTracker(t, ModeMin, 5, 0)
	mt2.ResetEpoch(0)
	if mt2.DivergenceError() != nil {
		t.Error("expected nil DivergenceError before any divergence")
	}
	mt2.UpdateBatch(map[string]float64{"loss": math.Inf(1)}, 1)
	if d, _ := mt2.Diverged(); !d {
		t.Error("Inf loss not detected as divergence")
	}
}

func TestObserveTrainingDrivesBestState(t *testing.T) {
	mt := newTracker(t, ModeMin, 2, 0)
	for epoch, v := range []float64{1.0, 1.0, 1.0} {
		mt.ResetEpoch(epoch)
		mt.UpdateBatch(map[string]float64{"loss": v}, 4)
		em := mt.FinalizeEpoch(false)
		mt.ObserveTraining(em)
	}
	if best := mt.Best(); !best.Seen || best.Epoch != 0 || best.Value != 1.0 {
		t.Errorf("best = %+v, want seen at epoch 0 value 1", mt.Best())
	}
	if !mt.ShouldStop() {
		t.Error("expected ShouldStop after two stale training epochs")
	}
}

func TestWriteCSV(t *testing.T) {
	mt := newTracker(t, ModeMin, 5, 0)
	mt.ResetEpoch(0)
	mt.UpdateBatch(map[string]float64{"loss": 0.5, "kl_loss": 0.1}, 2)
	mt.FinalizeEpoch(false)
	recordValEpoch(mt, 0, 0.6)

	var sb strings.Builder
	if err := mt.WriteCSV(&sb); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	out := sb.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if lines[0] != "epoch,split,metric_name,value" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	// One header, two train metrics, one validation metric.
	if len(lines) != 4 {
		t.Errorf("got %d lines, want 4:\n%s", len(lines), out)
	}
	if !strings.Contains(out, "0,train,kl_loss,0.1") {
		t.Errorf("missing train kl_loss row:\n%s", out)
	}
	if !strings.Contains(out, "0,validation,loss,0.6") {
		t.Errorf("missing validation loss row:\n%s", out)
	}
}

func TestSummary(t *testing.T) {
	mt := newTracker(t, ModeMin, 5, 0)
	recordValEpoch(mt, 0, 1.0)
	recordValEpoch(mt, 1, 0.5)
	s := mt.Summary()
	if !strings.Contains(s, "-50.0%") {
		t.Errorf("summary missing improvement percentage: %q", s)
	}
}
