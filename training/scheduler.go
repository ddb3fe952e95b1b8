package training

import (
	"fmt"
	"math"
)

// LRScheduler adjusts an optimizer's learning rate at epoch
// boundaries. EpochEnd is called after each training epoch with the
// zero-based epoch just finished.
type LRScheduler interface {
	EpochEnd(epoch int)
	Name() string
}

// NewScheduler builds a scheduler of the configured kind driving opt.
func NewScheduler(kind SchedulerKind, opt Optimizer, cfg *TrainingConfig) (LRScheduler, error) {
	switch kind {
	case SchedulerNone:
		return &noOpScheduler{}, nil
	case SchedulerStep:
		return NewStepLR(opt, cfg.LRDecayEpochs, cfg.LRDecayFactor)
	case SchedulerExponential:
		return NewExponentialLR(opt, cfg.LRDecayFactor)
	default:
		return nil, &ConfigError{Field: "lrSchedulerType", Reason: fmt.Sprintf("unknown scheduler %q", kind)}
	}
}

type noOpScheduler struct{}

func (s *noOpScheduler) EpochEnd(epoch int) {}
func (s *noOpScheduler) Name() string       { return string(SchedulerNone) }

// StepLR multiplies the learning rate by gamma every stepSize epochs.
type StepLR struct {
	opt      Optimizer
	stepSize int
	gamma    float64
	baseLR   float64
}

// NewStepLR decays by gamma each stepSize epochs from the optimizer's
// current rate.
func NewStepLR(opt Optimizer, stepSize int, gamma float64) (*StepLR, error) {
	if stepSize < 1 {
		return nil, &ConfigError{Field: "lrDecayEpochs", Reason: fmt.Sprintf("must be >= 1, got %d", stepSize)}
	}
	if gamma <= 0 || gamma > 1 {
		return nil, &ConfigError{Field: "lrDecayFactor", Reason: fmt.Sprintf("must be in (0, 1], got %v", gamma)}
	}
	return &StepLR{opt: opt, stepSize: stepSize, gamma: gamma, baseLR: opt.GetLR()}, nil
}

func (s *StepLR) Name() string { return string(SchedulerStep) }

func (s *StepLR) EpochEnd(epoch int) {
	decays := (epoch + 1) / s.stepSize
	s.opt.SetLR(s.baseLR * math.Pow(s.gamma, float64(decays)))
}

// ExponentialLR multiplies the learning rate by gamma every epoch.
type ExponentialLR struct {
	opt    Optimizer
	gamma  float64
	baseLR float64
}

// NewExponentialLR decays every epoch by gamma from the optimizer's
// current rate.
func NewExponentialLR(opt Optimizer, gamma float64) (*ExponentialLR, error) {
	if gamma <= 0 || gamma > 1 {
		return nil, &ConfigError{Field: "lrDecayFactor", Reason: fmt.Sprintf("must be in (0, 1], got %v", gamma)}
	}
	return &ExponentialLR{opt: opt, gamma: gamma, baseLR: opt.GetLR()}, nil
}

func (s *ExponentialLR) Name() string { return string(SchedulerExponential) }

func (s *ExponentialLR) EpochEnd(epoch int) {
	s.opt.SetLR(s.baseLR * math.Pow(s.gamma, float64(epoch+1)))
}
