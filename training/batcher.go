package training

import (
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/voxtea/voxtrain/tensor"
)

// Batch is one mini-batch of stacked volumes. Data is [B, C, D, H, W];
// Labels is [B] int32 and nil for unlabeled datasets. The consumer
// must call Release when done so the buffers return to the pool.
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
	Size   int
}

// Release returns the batch tensors to the pool. Safe on a nil batch.
func (b *Batch) Release() {
	if b == nil {
		return
	}
	if b.Data != nil {
		b.Data.Release()
		b.Data = nil
	}
	if b.Labels != nil {
		b.Labels.Release()
		b.Labels = nil
	}
}

// Batcher streams shuffled, optionally augmented mini-batches from a
// dataset. One epoch is a full pass: Reset, then NextBatch until
// HasNext reports false. Bad samples are skipped with a warning, so a
// batch may be smaller than the configured size; the final batch is
// partial when the dataset size is not a multiple of the batch size.
type Batcher struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	augment   *Augmenter
	rng       *rand.Rand
	logger    *zap.Logger

	order     []int
	cursor    int
	epoch     int
	skipped   int
	exhausted bool
}

// BatcherOption customizes construction.
type BatcherOption func(*Batcher)

// WithShuffle controls per-epoch order randomization.
func WithShuffle(shuffle bool) BatcherOption {
	return func(b *Batcher) { b.shuffle = shuffle }
}

// WithAugmentation enables per-sample transforms for training streams.
func WithAugmentation(cfg AugmentConfig) BatcherOption {
	return func(b *Batcher) { b.augment = NewAugmenter(cfg, b.rng) }
}

// WithBatcherLogger replaces the default no-op logger.
func WithBatcherLogger(logger *zap.Logger) BatcherOption {
	return func(b *Batcher) { b.logger = logger }
}

// NewBatcher validates inputs and prepares the first epoch. An empty
// dataset or non-positive batch size is a configuration error.
func NewBatcher(dataset Dataset, batchSize int, seed int64, opts ...BatcherOption) (*Batcher, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, &ConfigError{Field: "dataset", Reason: "dataset is empty"}
	}
	if batchSize <= 0 {
		return nil, &ConfigError{Field: "batchSize", Reason: fmt.Sprintf("must be positive, got %d", batchSize)}
	}
	b := &Batcher{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   true,
		rng:       rand.New(rand.NewSource(seed)),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.order = make([]int, dataset.Len())
	b.prepareEpoch()
	return b, nil
}

// prepareEpoch rebuilds the index order for the next pass.
func (b *Batcher) prepareEpoch() {
	for i := range b.order {
		b.order[i] = i
	}
	if b.shuffle {
		b.rng.Shuffle(len(b.order), func(i, j int) {
			b.order[i], b.order[j] = b.order[j], b.order[i]
		})
	}
	b.cursor = 0
	b.skipped = 0
	b.exhausted = false
}

// Reset starts a new epoch. With shuffling enabled the order is
// re-randomized from the batcher's own RNG stream, so a fixed seed
// yields the same sequence of epochs every run.
func (b *Batcher) Reset() {
	b.epoch++
	b.prepareEpoch()
}

// HasNext reports whether another batch remains in the current epoch.
func (b *Batcher) HasNext() bool {
	return b.cursor < len(b.order)
}

// NumBatches returns the batch count for a full epoch assuming no
// skipped samples: ceil(len / batchSize).
func (b *Batcher) NumBatches() int {
	return (b.dataset.Len() + b.batchSize - 1) / b.batchSize
}

// Skipped returns how many samples were dropped this epoch.
func (b *Batcher) Skipped() int {
	return b.skipped
}

// NextBatch assembles the next mini-batch. After the epoch is
// consumed it returns ErrExhausted until Reset. If every remaining
// sample fails to load, the error from the last failure is returned
// wrapped in a DataError.
func (b *Batcher) NextBatch() (*Batch, error) {
	if b.exhausted || b.cursor >= len(b.order) {
		b.exhausted = true
		return nil, ErrExhausted
	}

	volumes := make([]*tensor.Tensor, 0, b.batchSize)
	labels := make([]int32, 0, b.batchSize)
	labeled := false
	var lastErr error

	releaseAll := func() {
		for _, v := range volumes {
			v.Release()
		}
	}

	for len(volumes) < b.batchSize && b.cursor < len(b.order) {
		idx := b.order[b.cursor]
		b.cursor++

		sample, err := b.dataset.Get(idx)
		if err != nil {
			b.skipped++
			lastErr = err
			b.logger.Warn("skipping unreadable sample",
				zap.Int("index", idx),
				zap.Int("epoch", b.epoch),
				zap.Error(err))
			continue
		}

		vol, err := sample.Volume.Clone()
		if sample.Owned {
			sample.Volume.Release()
		}
		if err != nil {
			b.skipped++
			lastErr = err
			b.logger.Warn("skipping sample that failed to copy",
				zap.Int("index", idx),
				zap.Error(err))
			continue
		}
		if b.augment != nil {
			vol, err = b.augment.Apply(vol)
			if err != nil {
				vol.Release()
				b.skipped++
				lastErr = err
				b.logger.Warn("skipping sample after failed transform",
					zap.Int("index", idx),
					zap.Error(err))
				continue
			}
		}
		volumes = append(volumes, vol)
		labels = append(labels, sample.Label)
		if sample.Labeled {
			labeled = true
		}
	}

	if len(volumes) == 0 {
		if b.cursor >= len(b.order) {
			b.exhausted = true
			if lastErr != nil {
				return nil, fmt.Errorf("no readable samples remained in epoch: %w", lastErr)
			}
			return nil, ErrExhausted
		}
		return nil, fmt.Errorf("failed to assemble batch: %w", lastErr)
	}

	data, err := tensor.Stack(volumes)
	releaseAll()
	if err != nil {
		return nil, fmt.Errorf("failed to stack batch: %w", err)
	}

	batch := &Batch{Data: data, Size: len(volumes)}
	if labeled {
		lt, err := tensor.NewTensor([]int{len(labels)}, tensor.Int32, labels)
		if err != nil {
			data.Release()
			return nil, fmt.Errorf("failed to build label tensor: %w", err)
		}
		batch.Labels = lt
	}
	return batch, nil
}
