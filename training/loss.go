package training

import (
	"fmt"
	"math"

	"github.com/voxtea/voxtrain/tensor"
)

// Output is a model forward pass result. Reconstruction models fill
// Recon/Mu/LogVar; classifiers fill Logits. The caller releases via
// Release once the loss gradients have been computed.
type Output struct {
	Recon  *tensor.Tensor
	Mu     *tensor.Tensor
	LogVar *tensor.Tensor
	Logits *tensor.Tensor
}

// Release returns all held tensors to the pool.
func (o *Output) Release() {
	if o == nil {
		return
	}
	for _, t := range []*tensor.Tensor{o.Recon, o.Mu, o.LogVar, o.Logits} {
		if t != nil {
			t.Release()
		}
	}
	o.Recon, o.Mu, o.LogVar, o.Logits = nil, nil, nil, nil
}

// OutputGrad carries the loss gradients with respect to each output
// head, shaped like the corresponding output tensors.
type OutputGrad struct {
	DRecon  *tensor.Tensor
	DMu     *tensor.Tensor
	DLogVar *tensor.Tensor
	DLogits *tensor.Tensor
}

// Release returns all held tensors to the pool.
func (g *OutputGrad) Release() {
	if g == nil {
		return
	}
	for _, t := range []*tensor.Tensor{g.DRecon, g.DMu, g.DLogVar, g.DLogits} {
		if t != nil {
			t.Release()
		}
	}
	g.DRecon, g.DMu, g.DLogVar, g.DLogits = nil, nil, nil, nil
}

// LossResult is the scalar loss with its named components, plus the
// gradients needed for the backward pass.
type LossResult struct {
	Loss       float64
	Components map[string]float64
	Grad       *OutputGrad
}

// Release frees the gradient tensors.
func (r *LossResult) Release() {
	if r == nil {
		return
	}
	r.Grad.Release()
	r.Grad = nil
}

// LossFunction computes a scalar objective and its output-side
// gradients. SetEpoch lets schedules like KL warmup track training
// progress.
type LossFunction interface {
	Compute(out *Output, batch *Batch) (*LossResult, error)
	SetEpoch(epoch int)
	Name() string
}

// VAELoss is mean squared reconstruction error plus a KL divergence
// term weighted by beta. The weight ramps linearly from zero over the
// warmup epochs so the decoder learns to reconstruct before the
// latent space is squeezed toward the prior.
type VAELoss struct {
	beta         float64
	warmupEpochs int
	epoch        int
}

// NewVAELoss builds the loss with the target beta and warmup length.
// warmupEpochs of zero means beta applies from the first epoch.
func NewVAELoss(beta float64, warmupEpochs int) *VAELoss {
	return &VAELoss{beta: beta, warmupEpochs: warmupEpochs}
}

func (l *VAELoss) Name() string { return "vae" }

// SetEpoch records the zero-based current epoch for the warmup ramp.
func (l *VAELoss) SetEpoch(epoch int) { l.epoch = epoch }

// CurrentBeta returns the effective KL weight for the current epoch.
func (l *VAELoss) CurrentBeta() float64 {
	if l.warmupEpochs <= 0 {
		return l.beta
	}
	frac := float64(l.epoch) / float64(l.warmupEpochs)
	if frac > 1 {
		frac = 1
	}
	return l.beta * frac
}

// Compute evaluates the loss on one batch. Components report the raw
// reconstruction and KL terms, the effective beta, and the ELBO.
func (l *VAELoss) Compute(out *Output, batch *Batch) (*LossResult, error) {
	if out.Recon == nil || out.Mu == nil || out.LogVar == nil {
		return nil, fmt.Errorf("vae loss requires recon, mu, and logVar outputs")
	}
	target, err := batch.Data.Float32Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to read batch data: %w", err)
	}
	recon, err := out.Recon.Float32Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to read reconstruction: %w", err)
	}
	if len(recon) != len(target) {
		return nil, fmt.Errorf("reconstruction size %d does not match input size %d", len(recon), len(target))
	}
	mu, err := out.Mu.Float32Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to read mu: %w", err)
	}
	logVar, err := out.LogVar.Float32Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to read logVar: %w", err)
	}
	if len(mu) != len(logVar) {
		return nil, fmt.Errorf("mu size %d does not match logVar size %d", len(mu), len(logVar))
	}

	batchN := float64(batch.Size)
	if batchN <= 0 {
		batchN = 1
	}

	// Reconstruction term: sum of squared error averaged per sample.
	var reconSum float64
	for i := range recon {
		d := float64(recon[i]) - float64(target[i])
		reconSum += d * d
	}
	reconLoss := reconSum / batchN

	// KL(q(z|x) || N(0, I)) in closed form, averaged per sample.
	var klSum float64
	for i := range mu {
		m := float64(mu[i])
		lv := float64(logVar[i])
		klSum += -0.5 * (1 + lv - m*m - math.Exp(lv))
	}
	klLoss := klSum / batchN

	beta := l.CurrentBeta()
	total := reconLoss + beta*klLoss

	dRecon, err := tensor.Zeros(out.Recon.Shape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate recon gradient: %w", err)
	}
	dMu, err := tensor.Zeros(out.Mu.Shape, tensor.Float32)
	if err != nil {
		dRecon.Release()
		return nil, fmt.Errorf("failed to allocate mu gradient: %w", err)
	}
	dLogVar, err := tensor.Zeros(out.LogVar.Shape, tensor.Float32)
	if err != nil {
		dRecon.Release()
		dMu.Release()
		return nil, fmt.Errorf("failed to allocate logVar gradient: %w", err)
	}

	dr, _ := dRecon.Float32Slice()
	for i := range recon {
		dr[i] = float32(2 * (float64(recon[i]) - float64(target[i])) / batchN)
	}
	dm, _ := dMu.Float32Slice()
	dlv, _ := dLogVar.Float32Slice()
	for i := range mu {
		m := float64(mu[i])
		lv := float64(logVar[i])
		dm[i] = float32(beta * m / batchN)
		dlv[i] = float32(beta * 0.5 * (math.Exp(lv) - 1) / batchN)
	}

	return &LossResult{
		Loss: total,
		Components: map[string]float64{
			"loss":       total,
			"recon_loss": reconLoss,
			"kl_loss":    klLoss,
			"beta":       beta,
			"elbo":       -(reconLoss + klLoss),
		},
		Grad: &OutputGrad{DRecon: dRecon, DMu: dMu, DLogVar: dLogVar},
	}, nil
}

// CrossEntropyLoss is softmax cross entropy over logits with integer
// class labels, averaged over the batch.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss builds the loss.
func NewCrossEntropyLoss() *CrossEntropyLoss { return &CrossEntropyLoss{} }

func (l *CrossEntropyLoss) Name() string       { return "cross_entropy" }
func (l *CrossEntropyLoss) SetEpoch(epoch int) {}

// Compute evaluates the loss. Components include accuracy over the
// batch. The gradient is softmax(logits) minus the one-hot target,
// scaled by 1/batch.
func (l *CrossEntropyLoss) Compute(out *Output, batch *Batch) (*LossResult, error) {
	if out.Logits == nil {
		return nil, fmt.Errorf("cross entropy requires logits output")
	}
	if batch.Labels == nil {
		return nil, fmt.Errorf("cross entropy requires a labeled batch")
	}
	if len(out.Logits.Shape) != 2 {
		return nil, fmt.Errorf("logits must be 2D [batch, classes], got %v", out.Logits.Shape)
	}
	n := out.Logits.Shape[0]
	classes := out.Logits.Shape[1]
	logits, err := out.Logits.Float32Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to read logits: %w", err)
	}
	labels, err := batch.Labels.Int32Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	if len(labels) != n {
		return nil, fmt.Errorf("label count %d does not match logit rows %d", len(labels), n)
	}

	dLogits, err := tensor.Zeros(out.Logits.Shape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate logit gradient: %w", err)
	}
	dl, _ := dLogits.Float32Slice()

	var total float64
	var correct int
	for i := 0; i < n; i++ {
		row := logits[i*classes : (i+1)*classes]
		label := int(labels[i])
		if label < 0 || label >= classes {
			dLogits.Release()
			return nil, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}

		maxLogit := row[0]
		argmax := 0
		for c, v := range row {
			if v > maxLogit {
				maxLogit = v
				argmax = c
			}
		}
		if argmax == label {
			correct++
		}

		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - maxLogit))
		}
		logSumExp := float64(maxLogit) + math.Log(sumExp)
		total += logSumExp - float64(row[label])

		grad := dl[i*classes : (i+1)*classes]
		for c, v := range row {
			p := math.Exp(float64(v-maxLogit)) / sumExp
			grad[c] = float32(p / float64(n))
		}
		grad[label] -= float32(1.0 / float64(n))
	}

	loss := total / float64(n)
	return &LossResult{
		Loss: loss,
		Components: map[string]float64{
			"loss":     loss,
			"accuracy": float64(correct) / float64(n),
		},
		Grad: &OutputGrad{DLogits: dLogits},
	}, nil
}
