package training

import (
	"math"
	"testing"

	"github.com/voxtea/voxtrain/tensor"
)

func scalarBatch(t *testing.T, values []float32, shape []int) *Batch {
	t.Helper()
	data, err := tensor.NewTensor(shape, tensor.Float32, values)
	if err != nil {
		t.Fatalf("failed to build batch: %v", err)
	}
	return &Batch{Data: data, Size: shape[0]}
}

func TestVAELossWarmupSchedule(t *testing.T) {
	loss := NewVAELoss(1.0, 10)

	cases := []struct {
		epoch int
		want  float64
	}{
		{0, 0},
		{4, 0.4},
		{5, 0.5},
		{10, 1.0},
		{20, 1.0},
	}
	for _, tc := range cases {
		loss.SetEpoch(tc.epoch)
		if got := loss.CurrentBeta(); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("epoch %d: beta = %v, want %v", tc.epoch, got, tc.want)
		}
	}

	// No warmup applies beta immediately.
	instant := NewVAELoss(0.5, 0)
	instant.SetEpoch(0)
	if got := instant.CurrentBeta(); got != 0.5 {
		t.Errorf("beta without warmup = %v, want 0.5", got)
	}
}

func TestVAELossPerfectReconstruction(t *testing.T) {
	batch := scalarBatch(t, []float32{0.5, 0.5, 0.5, 0.5}, []int{1, 1, 1, 2, 2})
	defer batch.Release()

	recon, _ := tensor.NewTensor([]int{1, 1, 1, 2, 2}, tensor.Float32, []float32{0.5, 0.5, 0.5, 0.5})
	mu, _ := tensor.Zeros([]int{1, 2}, tensor.Float32)
	logVar, _ := tensor.Zeros([]int{1, 2}, tensor.Float32)
	out := &Output{Recon: recon, Mu: mu, LogVar: logVar}
	defer out.Release()

	loss := NewVAELoss(1.0, 0)
	res, err := loss.Compute(out, batch)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	defer res.Release()

	// Perfect reconstruction and a standard normal posterior give
	// zero for both terms.
	if res.Components["recon_loss"] != 0 {
		t.Errorf("recon_loss = %v, want 0", res.Components["recon_loss"])
	}
	if math.Abs(res.Components["kl_loss"]) > 1e-9 {
		t.Errorf("kl_loss = %v, want 0", res.Components["kl_loss"])
	}
	if res.Loss != 0 {
		t.Errorf("loss = %v, want 0", res.Loss)
	}

	// Gradients vanish at the optimum.
	dr, _ := res.Grad.DRecon.Float32Slice()
	for i, v := range dr {
		if v != 0 {
			t.Errorf("DRecon[%d] = %v, want 0", i, v)
		}
	}
}

func TestVAELossKLGradients(t *testing.T) {
	batch := scalarBatch(t, []float32{0}, []int{1, 1, 1, 1, 1})
	defer batch.Release()

	recon, _ := tensor.Zeros([]int{1, 1, 1, 1, 1}, tensor.Float32)
	mu, _ := tensor.NewTensor([]int{1, 1}, tensor.Float32, []float32{2})
	logVar, _ := tensor.Zeros([]int{1, 1}, tensor.Float32)
	out := &Output{Recon: recon, Mu: mu, LogVar: logVar}
	defer out.Release()

	loss := NewVAELoss(1.0, 0)
	res, err := loss.Compute(out, batch)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	defer res.Release()

	// KL for mu=2, logVar=0 is -(1 + 0 - 4 - 1)/2 = 2.
	if math.Abs(res.Components["kl_loss"]-2) > 1e-6 {
		t.Errorf("kl_loss = %v, want 2", res.Components["kl_loss"])
	}
	// d(KL)/d(mu) = mu.
	dm, _ := res.Grad.DMu.Float32Slice()
	if math.Abs(float64(dm[0])-2) > 1e-6 {
		t.Errorf("DMu = %v, want 2", dm[0])
	}
	// d(KL)/d(logVar) = (exp(logVar) - 1)/2 = 0 at logVar=0.
	dlv, _ := res.Grad.DLogVar.Float32Slice()
	if math.Abs(float64(dlv[0])) > 1e-6 {
		t.Errorf("DLogVar = %v, want 0", dlv[0])
	}
}

func TestVAELossELBOComponent(t *testing.T) {
	batch := scalarBatch(t, []float32{1}, []int{1, 1, 1, 1, 1})
	defer batch.Release()

	recon, _ := tensor.Zeros([]int{1, 1, 1, 1, 1}, tensor.Float32)
	mu, _ := tensor.NewTensor([]int{1, 1}, tensor.Float32, []float32{1})
	logVar, _ := tensor.Zeros([]int{1, 1}, tensor.Float32)
	out := &Output{Recon: recon, Mu: mu, LogVar: logVar}
	defer out.Release()

	loss := NewVAELoss(1.0, 0)
	res, err := loss.Compute(out, batch)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	defer res.Release()

	wantELBO := -(res.Components["recon_loss"] + res.Components["kl_loss"])
	if math.Abs(res.Components["elbo"]-wantELBO) > 1e-12 {
		t.Errorf("elbo = %v, want %v", res.Components["elbo"], wantELBO)
	}
}

func TestCrossEntropyLoss(t *testing.T) {
	logits, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, []float32{
		5, 0, 0,
		0, 0, 5,
	})
	out := &Output{Logits: logits}
	defer out.Release()

	labels, _ := tensor.NewTensor([]int{2}, tensor.Int32, []int32{0, 2})
	data, _ := tensor.Zeros([]int{2, 1}, tensor.Float32)
	batch := &Batch{Data: data, Labels: labels, Size: 2}
	defer batch.Release()

	loss := NewCrossEntropyLoss()
	res, err := loss.Compute(out, batch)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	defer res.Release()

	if res.Components["accuracy"] != 1.0 {
		t.Errorf("accuracy = %v, want 1.0", res.Components["accuracy"])
	}
	if res.Loss > 0.02 {
		t.Errorf("confident correct predictions gave loss %v", res.Loss)
	}

	// Gradient rows must sum to zero: softmax sums to one and the
	// one-hot subtracts one.
	dl, _ := res.Grad.DLogits.Float32Slice()
	for row := 0; row < 2; row++ {
		var sum float64
		for c := 0; c < 3; c++ {
			sum += float64(dl[row*3+c])
		}
		if math.Abs(sum) > 1e-6 {
			t.Errorf("gradient row %d sums to %v, want 0", row, sum)
		}
	}
}

func TestCrossEntropyLossErrors(t *testing.T) {
	loss := NewCrossEntropyLoss()

	data, _ := tensor.Zeros([]int{1, 1}, tensor.Float32)
	unlabeled := &Batch{Data: data, Size: 1}
	defer unlabeled.Release()

	logits, _ := tensor.Zeros([]int{1, 3}, tensor.Float32)
	out := &Output{Logits: logits}
	defer out.Release()

	if _, err := loss.Compute(out, unlabeled); err == nil {
		t.Error("expected error for unlabeled batch")
	}

	badLabels, _ := tensor.NewTensor([]int{1}, tensor.Int32, []int32{7})
	data2, _ := tensor.Zeros([]int{1, 1}, tensor.Float32)
	labeled := &Batch{Data: data2, Labels: badLabels, Size: 1}
	defer labeled.Release()
	if _, err := loss.Compute(out, labeled); err == nil {
		t.Error("expected error for out of range label")
	}
}
