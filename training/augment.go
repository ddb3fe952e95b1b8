package training

import (
	"math/rand"

	"github.com/voxtea/voxtrain/tensor"
)

// AugmentConfig holds the per-transform application probabilities.
// All transforms operate on [C, D, H, W] volumes and are applied
// independently per sample, training split only.
type AugmentConfig struct {
	Rot90Prob      float64
	FlipXProb      float64
	FlipYProb      float64
	FlipZProb      float64
	NoiseProb      float64
	NoiseStd       float64
	IntensityProb  float64
	IntensityRange float64
}

// DefaultAugmentConfig mirrors the standard volumetric recipe:
// axis-aligned rotations and flips at 0.5, sparse Gaussian noise,
// and a mild multiplicative intensity jitter.
func DefaultAugmentConfig() AugmentConfig {
	return AugmentConfig{
		Rot90Prob:      0.5,
		FlipXProb:      0.5,
		FlipYProb:      0.5,
		FlipZProb:      0.5,
		NoiseProb:      0.1,
		NoiseStd:       0.01,
		IntensityProb:  0.2,
		IntensityRange: 0.1,
	}
}

// Augmenter applies randomized volume transforms. It is not safe for
// concurrent use; the batcher owns one per epoch stream.
type Augmenter struct {
	cfg AugmentConfig
	rng *rand.Rand
}

// NewAugmenter builds an augmenter seeded for reproducible epochs.
func NewAugmenter(cfg AugmentConfig, rng *rand.Rand) *Augmenter {
	return &Augmenter{cfg: cfg, rng: rng}
}

// Apply transforms vol in place where possible and returns the result.
// Rot90 allocates a new tensor; when it fires, the input is released
// and the caller owns the returned tensor either way.
func (a *Augmenter) Apply(vol *tensor.Tensor) (*tensor.Tensor, error) {
	if a.rng.Float64() < a.cfg.Rot90Prob {
		rotated, err := tensor.Rot90XY(vol)
		if err == nil {
			vol.Release()
			vol = rotated
		}
		// Non-square XY planes skip the rotation silently; the other
		// transforms still apply.
	}
	if a.rng.Float64() < a.cfg.FlipXProb {
		flipped, err := tensor.Flip(vol, tensor.AxisX)
		if err != nil {
			return vol, err
		}
		vol.Release()
		vol = flipped
	}
	if a.rng.Float64() < a.cfg.FlipYProb {
		flipped, err := tensor.Flip(vol, tensor.AxisY)
		if err != nil {
			return vol, err
		}
		vol.Release()
		vol = flipped
	}
	if a.rng.Float64() < a.cfg.FlipZProb {
		flipped, err := tensor.Flip(vol, tensor.AxisZ)
		if err != nil {
			return vol, err
		}
		vol.Release()
		vol = flipped
	}
	if a.rng.Float64() < a.cfg.NoiseProb {
		if err := vol.AddGaussianNoise(float32(a.cfg.NoiseStd), a.rng); err != nil {
			return vol, err
		}
	}
	if a.rng.Float64() < a.cfg.IntensityProb {
		scale := 1.0 + (a.rng.Float64()*2-1)*a.cfg.IntensityRange
		if err := vol.Scale(float32(scale)); err != nil {
			return vol, err
		}
	}
	return vol, nil
}
