package training

import (
	"math"
	"testing"

	"github.com/voxtea/voxtrain/tensor"
)

func paramWithGrad(t *testing.T, value, grad float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.Full([]int{2}, value)
	if err != nil {
		t.Fatalf("Full failed: %v", err)
	}
	p.SetRequiresGrad(true)
	g, err := tensor.Full([]int{2}, grad)
	if err != nil {
		t.Fatalf("Full failed: %v", err)
	}
	if err := p.AccumulateGrad(g); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	g.Release()
	return p
}

func TestNewOptimizerKinds(t *testing.T) {
	cfg := DefaultConfig()
	p := paramWithGrad(t, 1, 0)
	defer p.Release()
	params := []*tensor.Tensor{p}

	for _, kind := range []OptimizerKind{OptimizerSGD, OptimizerAdam, OptimizerAdamW, OptimizerRMSProp} {
		opt, err := NewOptimizer(kind, params, cfg)
		if err != nil {
			t.Errorf("kind %s: %v", kind, err)
			continue
		}
		if opt.Name() != string(kind) {
			t.Errorf("kind %s reported name %s", kind, opt.Name())
		}
	}

	if _, err := NewOptimizer("nope", params, cfg); err == nil {
		t.Error("expected error for unknown optimizer kind")
	}
	if _, err := NewOptimizer(OptimizerSGD, nil, cfg); err == nil {
		t.Error("expected error for empty parameter set")
	}
}

func TestSGDStep(t *testing.T) {
	p := paramWithGrad(t, 1.0, 0.5)
	defer p.Release()

	opt := NewSGD([]*tensor.Tensor{p}, 0.1, 0, 0)
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	w, _ := p.Float32Slice()
	want := float32(1.0 - 0.1*0.5)
	if math.Abs(float64(w[0]-want)) > 1e-6 {
		t.Errorf("weight after step = %v, want %v", w[0], want)
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	p := paramWithGrad(t, 0, 1)
	defer p.Release()

	opt := NewSGD([]*tensor.Tensor{p}, 0.1, 0.9, 0)
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	w, _ := p.Float32Slice()
	first := w[0]

	// With the gradient held constant the momentum step grows.
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	second := w[0] - first
	if -second <= -first {
		t.Errorf("momentum step %v not larger than first step %v", -second, -first)
	}
}

func TestAdamStepDirection(t *testing.T) {
	p := paramWithGrad(t, 1.0, 2.0)
	defer p.Release()

	opt := NewAdam([]*tensor.Tensor{p}, 0.01, 0.9, 0.999, 1e-8, 0, false)
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	w, _ := p.Float32Slice()
	if w[0] >= 1.0 {
		t.Errorf("positive gradient did not decrease weight: %v", w[0])
	}
	// The bias-corrected first step magnitude is close to the
	// learning rate.
	if math.Abs(float64(1.0-w[0])-0.01) > 1e-3 {
		t.Errorf("first Adam step magnitude %v, want about 0.01", 1.0-w[0])
	}
}

func TestAdamWDecoupledDecay(t *testing.T) {
	// Zero gradient isolates the decay term.
	p := paramWithGrad(t, 1.0, 0)
	defer p.Release()

	opt := NewAdam([]*tensor.Tensor{p}, 0.1, 0.9, 0.999, 1e-8, 0.5, true)
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	w, _ := p.Float32Slice()
	want := float32(1.0 - 0.1*0.5*1.0)
	if math.Abs(float64(w[0]-want)) > 1e-5 {
		t.Errorf("weight after decoupled decay = %v, want %v", w[0], want)
	}
}

func TestRMSPropStep(t *testing.T) {
	p := paramWithGrad(t, 1.0, 1.0)
	defer p.Release()

	opt := NewRMSProp([]*tensor.Tensor{p}, 0.01, 0.99, 1e-8, 0, 0)
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	w, _ := p.Float32Slice()
	if w[0] >= 1.0 {
		t.Errorf("positive gradient did not decrease weight: %v", w[0])
	}
}

func TestZeroGrad(t *testing.T) {
	p := paramWithGrad(t, 1, 3)
	defer p.Release()
	opt := NewSGD([]*tensor.Tensor{p}, 0.1, 0, 0)
	opt.ZeroGrad()
	gd, _ := p.Grad().Float32Slice()
	if gd[0] != 0 {
		t.Errorf("gradient after ZeroGrad = %v, want 0", gd[0])
	}
}

func TestClipGradNorm(t *testing.T) {
	p := paramWithGrad(t, 0, 3)
	defer p.Release()
	// Two elements of 3 give norm sqrt(18).
	preNorm := math.Sqrt(18)

	norm, err := ClipGradNorm([]*tensor.Tensor{p}, 1.0)
	if err != nil {
		t.Fatalf("ClipGradNorm failed: %v", err)
	}
	if math.Abs(norm-preNorm) > 1e-9 {
		t.Errorf("reported norm %v, want %v", norm, preNorm)
	}

	gd, _ := p.Grad().Float32Slice()
	var sumSq float64
	for _, v := range gd {
		sumSq += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(sumSq)-1.0) > 1e-4 {
		t.Errorf("post-clip norm = %v, want 1.0", math.Sqrt(sumSq))
	}

	// Below the bound nothing changes.
	p2 := paramWithGrad(t, 0, 0.1)
	defer p2.Release()
	if _, err := ClipGradNorm([]*tensor.Tensor{p2}, 10); err != nil {
		t.Fatalf("ClipGradNorm failed: %v", err)
	}
	g2, _ := p2.Grad().Float32Slice()
	if g2[0] != 0.1 {
		t.Errorf("gradient below bound was modified: %v", g2[0])
	}
}

func TestStepLRSchedule(t *testing.T) {
	p := paramWithGrad(t, 1, 0)
	defer p.Release()
	opt := NewSGD([]*tensor.Tensor{p}, 1.0, 0, 0)

	sched, err := NewStepLR(opt, 2, 0.5)
	if err != nil {
		t.Fatalf("NewStepLR failed: %v", err)
	}

	sched.EpochEnd(0)
	if opt.GetLR() != 1.0 {
		t.Errorf("lr after epoch 0 = %v, want 1.0", opt.GetLR())
	}
	sched.EpochEnd(1)
	if opt.GetLR() != 0.5 {
		t.Errorf("lr after epoch 1 = %v, want 0.5", opt.GetLR())
	}
	sched.EpochEnd(3)
	if opt.GetLR() != 0.25 {
		t.Errorf("lr after epoch 3 = %v, want 0.25", opt.GetLR())
	}
}

func TestExponentialLRSchedule(t *testing.T) {
	p := paramWithGrad(t, 1, 0)
	defer p.Release()
	opt := NewSGD([]*tensor.Tensor{p}, 1.0, 0, 0)

	sched, err := NewExponentialLR(opt, 0.9)
	if err != nil {
		t.Fatalf("NewExponentialLR failed: %v", err)
	}
	sched.EpochEnd(0)
	if math.Abs(opt.GetLR()-0.9) > 1e-12 {
		t.Errorf("lr after epoch 0 = %v, want 0.9", opt.GetLR())
	}
	sched.EpochEnd(1)
	if math.Abs(opt.GetLR()-0.81) > 1e-12 {
		t.Errorf("lr after epoch 1 = %v, want 0.81", opt.GetLR())
	}
}

func TestSchedulerValidation(t *testing.T) {
	p := paramWithGrad(t, 1, 0)
	defer p.Release()
	opt := NewSGD([]*tensor.Tensor{p}, 1.0, 0, 0)

	if _, err := NewStepLR(opt, 0, 0.5); err == nil {
		t.Error("expected error for zero step size")
	}
	if _, err := NewStepLR(opt, 2, 1.5); err == nil {
		t.Error("expected error for gamma above 1")
	}
	if _, err := NewExponentialLR(opt, 0); err == nil {
		t.Error("expected error for zero gamma")
	}
}
