package training

import (
	"math"
	"testing"
)

func TestConfusionMatrixValidation(t *testing.T) {
	if _, err := NewConfusionMatrix(1); err == nil {
		t.Error("expected error for fewer than 2 classes")
	}
	cm, err := NewConfusionMatrix(3)
	if err != nil {
		t.Fatalf("NewConfusionMatrix failed: %v", err)
	}
	if err := cm.Add(3, 0); err == nil {
		t.Error("expected error for out of range true class")
	}
	if err := cm.Add(0, -1); err == nil {
		t.Error("expected error for out of range predicted class")
	}
}

func TestConfusionMatrixAccuracy(t *testing.T) {
	cm, _ := NewConfusionMatrix(2)
	preds := []struct{ tr, pr int }{
		{0, 0}, {0, 0}, {0, 1},
		{1, 1}, {1, 0},
	}
	for _, p := range preds {
		if err := cm.Add(p.tr, p.pr); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if got := cm.Accuracy(); math.Abs(got-0.6) > 1e-12 {
		t.Errorf("accuracy = %v, want 0.6", got)
	}
	if cm.Total() != 5 {
		t.Errorf("total = %d, want 5", cm.Total())
	}
}

func TestBalancedAccuracyWithImbalance(t *testing.T) {
	cm, _ := NewConfusionMatrix(2)
	// 90 of class 0 all correct, 10 of class 1 half correct.
	for i := 0; i < 90; i++ {
		cm.Add(0, 0)
	}
	for i := 0; i < 5; i++ {
		cm.Add(1, 1)
	}
	for i := 0; i < 5; i++ {
		cm.Add(1, 0)
	}

	// Plain accuracy is dominated by the majority class.
	if got := cm.Accuracy(); math.Abs(got-0.95) > 1e-12 {
		t.Errorf("accuracy = %v, want 0.95", got)
	}
	// Balanced accuracy averages recalls: (1.0 + 0.5) / 2.
	if got := cm.BalancedAccuracy(); math.Abs(got-0.75) > 1e-12 {
		t.Errorf("balanced accuracy = %v, want 0.75", got)
	}
}

func TestPerClassStats(t *testing.T) {
	cm, _ := NewConfusionMatrix(3)
	// Class 2 never appears; its stats must not poison the macro
	// averages.
	cm.Add(0, 0)
	cm.Add(0, 1)
	cm.Add(1, 1)

	stats := cm.PerClass()
	if stats[0].Recall != 0.5 {
		t.Errorf("class 0 recall = %v, want 0.5", stats[0].Recall)
	}
	if stats[0].Precision != 1.0 {
		t.Errorf("class 0 precision = %v, want 1.0", stats[0].Precision)
	}
	if stats[1].Precision != 0.5 {
		t.Errorf("class 1 precision = %v, want 0.5", stats[1].Precision)
	}
	if stats[2].Support != 0 {
		t.Errorf("class 2 support = %d, want 0", stats[2].Support)
	}

	// Macro F1 averages only classes with support.
	f1_0 := 2 * 1.0 * 0.5 / 1.5
	f1_1 := 2 * 0.5 * 1.0 / 1.5
	want := (f1_0 + f1_1) / 2
	if got := cm.MacroF1(); math.Abs(got-want) > 1e-12 {
		t.Errorf("macro F1 = %v, want %v", got, want)
	}
}

func TestAddBatchAndReset(t *testing.T) {
	cm, _ := NewConfusionMatrix(2)
	if err := cm.AddBatch([]int32{0, 1}, []int32{0, 1, 1}); err == nil {
		t.Error("expected error for length mismatch")
	}
	if err := cm.AddBatch([]int32{0, 1, 1}, []int32{0, 1, 0}); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}
	if cm.Total() != 3 {
		t.Errorf("total = %d, want 3", cm.Total())
	}
	cm.Reset()
	if cm.Total() != 0 {
		t.Errorf("total after reset = %d, want 0", cm.Total())
	}
}
