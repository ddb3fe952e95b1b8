package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/voxtea/voxtrain/checkpoints"
	"github.com/voxtea/voxtrain/tensor"
)

// Model is a trainable network. Forward caches whatever the
// subsequent Backward needs, so the two must be called in pairs from
// one goroutine. Parameters and ParameterNames are parallel slices
// stable across the model's lifetime.
type Model interface {
	Forward(batch *Batch) (*Output, error)
	Backward(grad *OutputGrad) error
	Parameters() []*tensor.Tensor
	ParameterNames() []string
	Train()
	Eval()
	IsTraining() bool
	Kind() string
	SaveWeights(path string) error
	LoadWeights(path string) error
}

// linear is a fully connected layer, y = xW + b, with weight [in, out]
// and bias [out]. It caches its input for the backward pass.
type linear struct {
	name   string
	weight *tensor.Tensor
	bias   *tensor.Tensor
	input  *tensor.Tensor
}

func newLinear(name string, in, out int, rng *rand.Rand) (*linear, error) {
	// He initialization scaled for the fan-in.
	std := float32(math.Sqrt(2.0 / float64(in)))
	w, err := tensor.RandomNormal([]int{in, out}, 0, std, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s weight: %w", name, err)
	}
	b, err := tensor.Zeros([]int{out}, tensor.Float32)
	if err != nil {
		w.Release()
		return nil, fmt.Errorf("failed to initialize %s bias: %w", name, err)
	}
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)
	return &linear{name: name, weight: w, bias: b}, nil
}

func (l *linear) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.MatMul(x, l.weight)
	if err != nil {
		return nil, fmt.Errorf("%s forward: %w", l.name, err)
	}
	yd, err := y.Float32Slice()
	if err != nil {
		y.Release()
		return nil, err
	}
	bd, err := l.bias.Float32Slice()
	if err != nil {
		y.Release()
		return nil, err
	}
	out := y.Shape[1]
	for i := 0; i < y.Shape[0]; i++ {
		row := yd[i*out : (i+1)*out]
		for j := range row {
			row[j] += bd[j]
		}
	}
	if l.input != nil {
		l.input.Release()
	}
	l.input = x.Retain()
	return y, nil
}

func (l *linear) backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("%s backward called before forward", l.name)
	}
	xT, err := tensor.Transpose(l.input)
	if err != nil {
		return nil, fmt.Errorf("%s backward: %w", l.name, err)
	}
	dW, err := tensor.MatMul(xT, dy)
	xT.Release()
	if err != nil {
		return nil, fmt.Errorf("%s backward: %w", l.name, err)
	}
	if err := l.weight.AccumulateGrad(dW); err != nil {
		dW.Release()
		return nil, err
	}
	dW.Release()

	db, err := tensor.Zeros([]int{dy.Shape[1]}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	dbd, _ := db.Float32Slice()
	dyd, _ := dy.Float32Slice()
	out := dy.Shape[1]
	for i := 0; i < dy.Shape[0]; i++ {
		row := dyd[i*out : (i+1)*out]
		for j := range row {
			dbd[j] += row[j]
		}
	}
	if err := l.bias.AccumulateGrad(db); err != nil {
		db.Release()
		return nil, err
	}
	db.Release()

	wT, err := tensor.Transpose(l.weight)
	if err != nil {
		return nil, fmt.Errorf("%s backward: %w", l.name, err)
	}
	dx, err := tensor.MatMul(dy, wT)
	wT.Release()
	if err != nil {
		return nil, fmt.Errorf("%s backward: %w", l.name, err)
	}
	l.input.Release()
	l.input = nil
	return dx, nil
}

// relu caches the activation mask from its last forward.
type relu struct {
	mask []bool
}

func (r *relu) forward(x *tensor.Tensor) error {
	data, err := x.Float32Slice()
	if err != nil {
		return err
	}
	if cap(r.mask) < len(data) {
		r.mask = make([]bool, len(data))
	}
	r.mask = r.mask[:len(data)]
	for i, v := range data {
		if v > 0 {
			r.mask[i] = true
		} else {
			r.mask[i] = false
			data[i] = 0
		}
	}
	return nil
}

func (r *relu) backward(dy *tensor.Tensor) error {
	data, err := dy.Float32Slice()
	if err != nil {
		return err
	}
	if len(data) != len(r.mask) {
		return fmt.Errorf("relu backward size %d does not match forward size %d", len(data), len(r.mask))
	}
	for i := range data {
		if !r.mask[i] {
			data[i] = 0
		}
	}
	return nil
}

// sigmoid caches its output for the backward pass.
type sigmoid struct {
	out []float32
}

func (s *sigmoid) forward(x *tensor.Tensor) error {
	data, err := x.Float32Slice()
	if err != nil {
		return err
	}
	if cap(s.out) < len(data) {
		s.out = make([]float32, len(data))
	}
	s.out = s.out[:len(data)]
	for i, v := range data {
		y := float32(1.0 / (1.0 + math.Exp(-float64(v))))
		data[i] = y
		s.out[i] = y
	}
	return nil
}

func (s *sigmoid) backward(dy *tensor.Tensor) error {
	data, err := dy.Float32Slice()
	if err != nil {
		return err
	}
	if len(data) != len(s.out) {
		return fmt.Errorf("sigmoid backward size %d does not match forward size %d", len(data), len(s.out))
	}
	for i := range data {
		y := s.out[i]
		data[i] *= y * (1 - y)
	}
	return nil
}

// DenseVAE is a fully connected variational autoencoder over
// flattened volumes. The encoder maps [B, C*D*H*W] to latent mean and
// log-variance; sampling uses the reparameterization trick during
// training and the mean directly during evaluation.
type DenseVAE struct {
	inputShape []int
	flat       int
	latentDim  int

	enc    *linear
	encAct relu
	muHead *linear
	lvHead *linear
	dec    *linear
	decAct relu
	out    *linear
	outAct sigmoid

	training bool
	rng      *rand.Rand

	// Cached per forward for the reparameterization backward.
	eps   []float32
	sigma []float32
}

// NewDenseVAE builds a VAE for volumes shaped [C, D, H, W].
func NewDenseVAE(inputShape []int, hiddenDim, latentDim int, rng *rand.Rand) (*DenseVAE, error) {
	if len(inputShape) != 4 {
		return nil, &ConfigError{Field: "inputShape", Reason: fmt.Sprintf("expected [C D H W], got %v", inputShape)}
	}
	if hiddenDim <= 0 || latentDim <= 0 {
		return nil, &ConfigError{Field: "dims", Reason: fmt.Sprintf("hidden and latent dims must be positive, got %d and %d", hiddenDim, latentDim)}
	}
	flat := 1
	for _, d := range inputShape {
		if d <= 0 {
			return nil, &ConfigError{Field: "inputShape", Reason: fmt.Sprintf("dimensions must be positive, got %v", inputShape)}
		}
		flat *= d
	}
	m := &DenseVAE{
		inputShape: append([]int(nil), inputShape...),
		flat:       flat,
		latentDim:  latentDim,
		training:   true,
		rng:        rng,
	}
	var err error
	if m.enc, err = newLinear("encoder", flat, hiddenDim, rng); err != nil {
		return nil, err
	}
	if m.muHead, err = newLinear("mu_head", hiddenDim, latentDim, rng); err != nil {
		return nil, err
	}
	if m.lvHead, err = newLinear("logvar_head", hiddenDim, latentDim, rng); err != nil {
		return nil, err
	}
	if m.dec, err = newLinear("decoder", latentDim, hiddenDim, rng); err != nil {
		return nil, err
	}
	if m.out, err = newLinear("output", hiddenDim, flat, rng); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DenseVAE) Kind() string     { return "dense_vae" }
func (m *DenseVAE) Train()           { m.training = true }
func (m *DenseVAE) Eval()            { m.training = false }
func (m *DenseVAE) IsTraining() bool { return m.training }

// LatentDim returns the size of the latent space.
func (m *DenseVAE) LatentDim() int { return m.latentDim }

// InputShape returns the per-sample volume shape [C, D, H, W].
func (m *DenseVAE) InputShape() []int {
	return append([]int(nil), m.inputShape...)
}

func (m *DenseVAE) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{
		m.enc.weight, m.enc.bias,
		m.muHead.weight, m.muHead.bias,
		m.lvHead.weight, m.lvHead.bias,
		m.dec.weight, m.dec.bias,
		m.out.weight, m.out.bias,
	}
}

func (m *DenseVAE) ParameterNames() []string {
	return []string{
		"encoder.weight", "encoder.bias",
		"mu_head.weight", "mu_head.bias",
		"logvar_head.weight", "logvar_head.bias",
		"decoder.weight", "decoder.bias",
		"output.weight", "output.bias",
	}
}

// SaveWeights writes the parameters as a standalone weights file.
func (m *DenseVAE) SaveWeights(path string) error {
	return checkpoints.WriteWeightsFile(path, m.ParameterNames(), m.Parameters())
}

// LoadWeights restores parameters from a weights file by name.
func (m *DenseVAE) LoadWeights(path string) error {
	return checkpoints.RestoreWeights(path, m)
}

func (m *DenseVAE) Forward(batch *Batch) (*Output, error) {
	b := batch.Data.Shape[0]
	x, err := batch.Data.Reshape([]int{b, m.flat})
	if err != nil {
		return nil, fmt.Errorf("input does not match model shape %v: %w", m.inputShape, err)
	}

	h, err := m.enc.forward(x)
	x.Release()
	if err != nil {
		return nil, err
	}
	if err := m.encAct.forward(h); err != nil {
		h.Release()
		return nil, err
	}

	mu, err := m.muHead.forward(h)
	if err != nil {
		h.Release()
		return nil, err
	}
	logVar, err := m.lvHead.forward(h)
	h.Release()
	if err != nil {
		mu.Release()
		return nil, err
	}

	z, err := m.sample(mu, logVar)
	if err != nil {
		mu.Release()
		logVar.Release()
		return nil, err
	}

	d, err := m.dec.forward(z)
	z.Release()
	if err != nil {
		mu.Release()
		logVar.Release()
		return nil, err
	}
	if err := m.decAct.forward(d); err != nil {
		d.Release()
		mu.Release()
		logVar.Release()
		return nil, err
	}
	flat, err := m.out.forward(d)
	d.Release()
	if err != nil {
		mu.Release()
		logVar.Release()
		return nil, err
	}
	if err := m.outAct.forward(flat); err != nil {
		flat.Release()
		mu.Release()
		logVar.Release()
		return nil, err
	}

	reconShape := append([]int{b}, m.inputShape...)
	recon, err := flat.Reshape(reconShape)
	flat.Release()
	if err != nil {
		mu.Release()
		logVar.Release()
		return nil, err
	}
	return &Output{Recon: recon, Mu: mu, LogVar: logVar}, nil
}

// sample draws z = mu + sigma*eps during training and z = mu during
// evaluation, caching eps and sigma for the backward pass.
func (m *DenseVAE) sample(mu, logVar *tensor.Tensor) (*tensor.Tensor, error) {
	z, err := mu.Clone()
	if err != nil {
		return nil, err
	}
	if !m.training {
		m.eps = nil
		m.sigma = nil
		return z, nil
	}
	zd, err := z.Float32Slice()
	if err != nil {
		z.Release()
		return nil, err
	}
	lvd, err := logVar.Float32Slice()
	if err != nil {
		z.Release()
		return nil, err
	}
	if cap(m.eps) < len(zd) {
		m.eps = make([]float32, len(zd))
		m.sigma = make([]float32, len(zd))
	}
	m.eps = m.eps[:len(zd)]
	m.sigma = m.sigma[:len(zd)]
	for i := range zd {
		sigma := float32(math.Exp(0.5 * float64(lvd[i])))
		eps := float32(m.rng.NormFloat64())
		m.eps[i] = eps
		m.sigma[i] = sigma
		zd[i] += sigma * eps
	}
	return z, nil
}

func (m *DenseVAE) Backward(grad *OutputGrad) error {
	if grad.DRecon == nil || grad.DMu == nil || grad.DLogVar == nil {
		return fmt.Errorf("vae backward requires recon, mu, and logVar gradients")
	}
	b := grad.DRecon.Shape[0]
	dFlat, err := grad.DRecon.Reshape([]int{b, m.flat})
	if err != nil {
		return err
	}
	if err := m.outAct.backward(dFlat); err != nil {
		dFlat.Release()
		return err
	}
	dd, err := m.out.backward(dFlat)
	dFlat.Release()
	if err != nil {
		return err
	}
	if err := m.decAct.backward(dd); err != nil {
		dd.Release()
		return err
	}
	dz, err := m.dec.backward(dd)
	dd.Release()
	if err != nil {
		return err
	}

	// Reparameterization: dz contributes to both heads. The mean path
	// is identity; the log-variance path picks up eps * sigma / 2.
	dMu, err := grad.DMu.Clone()
	if err != nil {
		dz.Release()
		return err
	}
	dLogVar, err := grad.DLogVar.Clone()
	if err != nil {
		dz.Release()
		dMu.Release()
		return err
	}
	dzd, _ := dz.Float32Slice()
	dmd, _ := dMu.Float32Slice()
	dlvd, _ := dLogVar.Float32Slice()
	for i := range dzd {
		dmd[i] += dzd[i]
		if m.training && i < len(m.eps) {
			dlvd[i] += dzd[i] * m.eps[i] * m.sigma[i] * 0.5
		}
	}
	dz.Release()

	dhMu, err := m.muHead.backward(dMu)
	dMu.Release()
	if err != nil {
		dLogVar.Release()
		return err
	}
	dhLv, err := m.lvHead.backward(dLogVar)
	dLogVar.Release()
	if err != nil {
		dhMu.Release()
		return err
	}
	if err := dhMu.AddScaled(dhLv, 1); err != nil {
		dhMu.Release()
		dhLv.Release()
		return err
	}
	dhLv.Release()

	if err := m.encAct.backward(dhMu); err != nil {
		dhMu.Release()
		return err
	}
	dx, err := m.enc.backward(dhMu)
	dhMu.Release()
	if err != nil {
		return err
	}
	dx.Release()
	return nil
}

// LinearClassifier is a two layer classifier over flattened volumes,
// used to probe labeled datasets and as the supervised counterpart to
// the autoencoder path.
type LinearClassifier struct {
	inputShape []int
	flat       int
	numClasses int

	hidden    *linear
	hiddenAct relu
	logits    *linear

	training bool
}

// NewLinearClassifier builds a classifier for volumes shaped
// [C, D, H, W] over numClasses classes.
func NewLinearClassifier(inputShape []int, hiddenDim, numClasses int, rng *rand.Rand) (*LinearClassifier, error) {
	if len(inputShape) != 4 {
		return nil, &ConfigError{Field: "inputShape", Reason: fmt.Sprintf("expected [C D H W], got %v", inputShape)}
	}
	if numClasses < 2 {
		return nil, &ConfigError{Field: "numClasses", Reason: fmt.Sprintf("must be >= 2, got %d", numClasses)}
	}
	flat := 1
	for _, d := range inputShape {
		if d <= 0 {
			return nil, &ConfigError{Field: "inputShape", Reason: fmt.Sprintf("dimensions must be positive, got %v", inputShape)}
		}
		flat *= d
	}
	m := &LinearClassifier{
		inputShape: append([]int(nil), inputShape...),
		flat:       flat,
		numClasses: numClasses,
		training:   true,
	}
	var err error
	if m.hidden, err = newLinear("hidden", flat, hiddenDim, rng); err != nil {
		return nil, err
	}
	if m.logits, err = newLinear("logits", hiddenDim, numClasses, rng); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *LinearClassifier) Kind() string     { return "linear_classifier" }
func (m *LinearClassifier) Train()           { m.training = true }
func (m *LinearClassifier) Eval()            { m.training = false }
func (m *LinearClassifier) IsTraining() bool { return m.training }

func (m *LinearClassifier) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.hidden.weight, m.hidden.bias, m.logits.weight, m.logits.bias}
}

func (m *LinearClassifier) ParameterNames() []string {
	return []string{"hidden.weight", "hidden.bias", "logits.weight", "logits.bias"}
}

// SaveWeights writes the parameters as a standalone weights file.
func (m *LinearClassifier) SaveWeights(path string) error {
	return checkpoints.WriteWeightsFile(path, m.ParameterNames(), m.Parameters())
}

// LoadWeights restores parameters from a weights file by name.
func (m *LinearClassifier) LoadWeights(path string) error {
	return checkpoints.RestoreWeights(path, m)
}

func (m *LinearClassifier) Forward(batch *Batch) (*Output, error) {
	b := batch.Data.Shape[0]
	x, err := batch.Data.Reshape([]int{b, m.flat})
	if err != nil {
		return nil, fmt.Errorf("input does not match model shape %v: %w", m.inputShape, err)
	}
	h, err := m.hidden.forward(x)
	x.Release()
	if err != nil {
		return nil, err
	}
	if err := m.hiddenAct.forward(h); err != nil {
		h.Release()
		return nil, err
	}
	logits, err := m.logits.forward(h)
	h.Release()
	if err != nil {
		return nil, err
	}
	return &Output{Logits: logits}, nil
}

func (m *LinearClassifier) Backward(grad *OutputGrad) error {
	if grad.DLogits == nil {
		return fmt.Errorf("classifier backward requires logit gradients")
	}
	dh, err := m.logits.backward(grad.DLogits)
	if err != nil {
		return err
	}
	if err := m.hiddenAct.backward(dh); err != nil {
		dh.Release()
		return err
	}
	dx, err := m.hidden.backward(dh)
	dh.Release()
	if err != nil {
		return err
	}
	dx.Release()
	return nil
}
