package training

import (
	"fmt"
	"math"

	"github.com/voxtea/voxtrain/tensor"
)

// Optimizer applies one gradient update step to a fixed parameter
// set. Implementations keep per-parameter state indexed by position,
// so the parameter slice must not change between steps.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
	Name() string
}

// NewOptimizer builds an optimizer of the configured kind.
func NewOptimizer(kind OptimizerKind, params []*tensor.Tensor, cfg *TrainingConfig) (Optimizer, error) {
	if len(params) == 0 {
		return nil, &ConfigError{Field: "params", Reason: "no parameters to optimize"}
	}
	switch kind {
	case OptimizerSGD:
		return NewSGD(params, cfg.LearningRate, cfg.Momentum, cfg.WeightDecay), nil
	case OptimizerAdam:
		return NewAdam(params, cfg.LearningRate, 0.9, 0.999, 1e-8, cfg.WeightDecay, false), nil
	case OptimizerAdamW:
		return NewAdam(params, cfg.LearningRate, 0.9, 0.999, 1e-8, cfg.WeightDecay, true), nil
	case OptimizerRMSProp:
		return NewRMSProp(params, cfg.LearningRate, 0.99, 1e-8, cfg.Momentum, cfg.WeightDecay), nil
	default:
		return nil, &ConfigError{Field: "optimizerKind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
}

// ClipGradNorm scales all gradients down so their global L2 norm does
// not exceed maxNorm. A maxNorm of zero disables clipping. Returns
// the pre-clip norm.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) (float64, error) {
	var sumSq float64
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		data, err := g.Float32Slice()
		if err != nil {
			return 0, fmt.Errorf("failed to read gradient: %w", err)
		}
		for _, v := range data {
			sumSq += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(sumSq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm, nil
	}
	scale := float32(maxNorm / (norm + 1e-12))
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		if err := g.Scale(scale); err != nil {
			return norm, err
		}
	}
	return norm, nil
}

// SGD is stochastic gradient descent with classical momentum and L2
// weight decay folded into the gradient.
type SGD struct {
	params      []*tensor.Tensor
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    [][]float32
}

// NewSGD builds the optimizer. Momentum of zero gives plain SGD.
func NewSGD(params []*tensor.Tensor, lr, momentum, weightDecay float64) *SGD {
	return &SGD{params: params, lr: lr, momentum: momentum, weightDecay: weightDecay}
}

func (o *SGD) Name() string     { return string(OptimizerSGD) }
func (o *SGD) GetLR() float64   { return o.lr }
func (o *SGD) SetLR(lr float64) { o.lr = lr }

func (o *SGD) ZeroGrad() {
	tensor.ZeroGradAll(o.params)
}

func (o *SGD) Step() error {
	if o.momentum > 0 && o.velocity == nil {
		o.velocity = make([][]float32, len(o.params))
		for i, p := range o.params {
			o.velocity[i] = make([]float32, p.NumElems)
		}
	}
	for i, p := range o.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		w, err := p.Float32Slice()
		if err != nil {
			return fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
		gd, err := g.Float32Slice()
		if err != nil {
			return fmt.Errorf("failed to read gradient %d: %w", i, err)
		}
		for j := range w {
			grad := float64(gd[j]) + o.weightDecay*float64(w[j])
			if o.momentum > 0 {
				v := o.momentum*float64(o.velocity[i][j]) + grad
				o.velocity[i][j] = float32(v)
				grad = v
			}
			w[j] -= float32(o.lr * grad)
		}
	}
	return nil
}

// Adam is the adaptive moment estimation optimizer. With decoupled
// set, weight decay is applied directly to the weights (AdamW) rather
// than folded into the gradient.
type Adam struct {
	params      []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	decoupled   bool

	step int
	m    [][]float32
	v    [][]float32
}

// NewAdam builds the optimizer with explicit moment coefficients.
func NewAdam(params []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64, decoupled bool) *Adam {
	return &Adam{
		params:      params,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		decoupled:   decoupled,
	}
}

func (o *Adam) Name() string {
	if o.decoupled {
		return string(OptimizerAdamW)
	}
	return string(OptimizerAdam)
}
func (o *Adam) GetLR() float64   { return o.lr }
func (o *Adam) SetLR(lr float64) { o.lr = lr }

func (o *Adam) ZeroGrad() {
	tensor.ZeroGradAll(o.params)
}

func (o *Adam) Step() error {
	if o.m == nil {
		o.m = make([][]float32, len(o.params))
		o.v = make([][]float32, len(o.params))
		for i, p := range o.params {
			o.m[i] = make([]float32, p.NumElems)
			o.v[i] = make([]float32, p.NumElems)
		}
	}
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))

	for i, p := range o.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		w, err := p.Float32Slice()
		if err != nil {
			return fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
		gd, err := g.Float32Slice()
		if err != nil {
			return fmt.Errorf("failed to read gradient %d: %w", i, err)
		}
		for j := range w {
			grad := float64(gd[j])
			if !o.decoupled && o.weightDecay > 0 {
				grad += o.weightDecay * float64(w[j])
			}
			m := o.beta1*float64(o.m[i][j]) + (1-o.beta1)*grad
			v := o.beta2*float64(o.v[i][j]) + (1-o.beta2)*grad*grad
			o.m[i][j] = float32(m)
			o.v[i][j] = float32(v)
			mHat := m / bc1
			vHat := v / bc2
			update := o.lr * mHat / (math.Sqrt(vHat) + o.eps)
			if o.decoupled && o.weightDecay > 0 {
				update += o.lr * o.weightDecay * float64(w[j])
			}
			w[j] -= float32(update)
		}
	}
	return nil
}

// RMSProp keeps a running average of squared gradients and divides
// the step by its root, with optional momentum.
type RMSProp struct {
	params      []*tensor.Tensor
	lr          float64
	alpha       float64
	eps         float64
	momentum    float64
	weightDecay float64

	sq  [][]float32
	buf [][]float32
}

// NewRMSProp builds the optimizer with smoothing constant alpha.
func NewRMSProp(params []*tensor.Tensor, lr, alpha, eps, momentum, weightDecay float64) *RMSProp {
	return &RMSProp{
		params:      params,
		lr:          lr,
		alpha:       alpha,
		eps:         eps,
		momentum:    momentum,
		weightDecay: weightDecay,
	}
}

func (o *RMSProp) Name() string     { return string(OptimizerRMSProp) }
func (o *RMSProp) GetLR() float64   { return o.lr }
func (o *RMSProp) SetLR(lr float64) { o.lr = lr }

func (o *RMSProp) ZeroGrad() {
	tensor.ZeroGradAll(o.params)
}

func (o *RMSProp) Step() error {
	if o.sq == nil {
		o.sq = make([][]float32, len(o.params))
		o.buf = make([][]float32, len(o.params))
		for i, p := range o.params {
			o.sq[i] = make([]float32, p.NumElems)
			o.buf[i] = make([]float32, p.NumElems)
		}
	}
	for i, p := range o.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		w, err := p.Float32Slice()
		if err != nil {
			return fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
		gd, err := g.Float32Slice()
		if err != nil {
			return fmt.Errorf("failed to read gradient %d: %w", i, err)
		}
		for j := range w {
			grad := float64(gd[j]) + o.weightDecay*float64(w[j])
			sq := o.alpha*float64(o.sq[i][j]) + (1-o.alpha)*grad*grad
			o.sq[i][j] = float32(sq)
			step := grad / (math.Sqrt(sq) + o.eps)
			if o.momentum > 0 {
				b := o.momentum*float64(o.buf[i][j]) + step
				o.buf[i][j] = float32(b)
				step = b
			}
			w[j] -= float32(o.lr * step)
		}
	}
	return nil
}
