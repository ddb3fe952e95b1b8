package training

import (
	"fmt"
	"math/rand"

	"github.com/voxtea/voxtrain/tensor"
)

// Sample pairs a volume with an optional class label. Volumes are
// [C, D, H, W]; the batcher clones before mutating. Owned marks a
// volume freshly allocated for this Get call. The consumer releases
// owned volumes after copying; unowned volumes stay with the dataset.
type Sample struct {
	Volume  *tensor.Tensor
	Label   int32
	Labeled bool
	Owned   bool
}

// Dataset provides indexed access to samples. Get may fail for an
// individual index (unreadable file, corrupt record); the batcher
// skips such samples rather than aborting the epoch.
type Dataset interface {
	Len() int
	Get(index int) (*Sample, error)
}

// SliceDataset serves samples from an in-memory slice.
type SliceDataset struct {
	samples []*Sample
}

// NewSliceDataset wraps pre-loaded samples. The dataset does not copy
// the slice.
func NewSliceDataset(samples []*Sample) *SliceDataset {
	return &SliceDataset{samples: samples}
}

func (d *SliceDataset) Len() int {
	return len(d.samples)
}

func (d *SliceDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(d.samples) {
		return nil, &DataError{Index: index, Err: fmt.Errorf("index out of range [0, %d)", len(d.samples))}
	}
	s := d.samples[index]
	if s == nil || s.Volume == nil {
		return nil, &DataError{Index: index, Err: fmt.Errorf("sample has no volume")}
	}
	return s, nil
}

// SyntheticVolumeDataset generates deterministic random volumes for
// smoke tests and the demo CLI. Each index always yields the same
// sample because the generator is reseeded per Get.
type SyntheticVolumeDataset struct {
	count      int
	channels   int
	depth      int
	height     int
	width      int
	numClasses int
	seed       int64
}

// NewSyntheticVolumeDataset builds a dataset of count volumes shaped
// [channels, depth, height, width]. If numClasses > 0 each sample
// carries a label in [0, numClasses).
func NewSyntheticVolumeDataset(count, channels, depth, height, width, numClasses int, seed int64) (*SyntheticVolumeDataset, error) {
	if count <= 0 {
		return nil, &ConfigError{Field: "count", Reason: fmt.Sprintf("must be positive, got %d", count)}
	}
	if channels <= 0 || depth <= 0 || height <= 0 || width <= 0 {
		return nil, &ConfigError{Field: "shape", Reason: fmt.Sprintf("dimensions must be positive, got [%d %d %d %d]", channels, depth, height, width)}
	}
	return &SyntheticVolumeDataset{
		count:      count,
		channels:   channels,
		depth:      depth,
		height:     height,
		width:      width,
		numClasses: numClasses,
		seed:       seed,
	}, nil
}

func (d *SyntheticVolumeDataset) Len() int {
	return d.count
}

func (d *SyntheticVolumeDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= d.count {
		return nil, &DataError{Index: index, Err: fmt.Errorf("index out of range [0, %d)", d.count)}
	}
	rng := rand.New(rand.NewSource(d.seed + int64(index)))
	vol, err := tensor.RandomUniform([]int{d.channels, d.depth, d.height, d.width}, 0, 1, rng)
	if err != nil {
		return nil, &DataError{Index: index, Err: err}
	}
	s := &Sample{Volume: vol, Owned: true}
	if d.numClasses > 0 {
		s.Label = int32(rng.Intn(d.numClasses))
		s.Labeled = true
	}
	return s, nil
}

// SplitDataset partitions a dataset into train and validation views by
// a fraction of indices assigned to validation, shuffled with seed.
func SplitDataset(ds Dataset, valFraction float64, seed int64) (Dataset, Dataset, error) {
	if valFraction < 0 || valFraction >= 1 {
		return nil, nil, &ConfigError{Field: "valFraction", Reason: fmt.Sprintf("must be in [0, 1), got %v", valFraction)}
	}
	n := ds.Len()
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	valN := int(float64(n) * valFraction)
	return &subsetDataset{base: ds, indices: perm[valN:]},
		&subsetDataset{base: ds, indices: perm[:valN]}, nil
}

type subsetDataset struct {
	base    Dataset
	indices []int
}

func (d *subsetDataset) Len() int {
	return len(d.indices)
}

func (d *subsetDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(d.indices) {
		return nil, &DataError{Index: index, Err: fmt.Errorf("index out of range [0, %d)", len(d.indices))}
	}
	return d.base.Get(d.indices[index])
}
