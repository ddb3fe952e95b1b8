package training

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/voxtea/voxtrain/tensor"
)

func makeSamples(t *testing.T, n int) []*Sample {
	t.Helper()
	samples := make([]*Sample, n)
	for i := 0; i < n; i++ {
		vol, err := tensor.Full([]int{1, 2, 2, 2}, float32(i))
		if err != nil {
			t.Fatalf("failed to build sample %d: %v", i, err)
		}
		samples[i] = &Sample{Volume: vol, Label: int32(i % 3), Labeled: true}
	}
	return samples
}

// failingDataset fails Get for a fixed set of indices.
type failingDataset struct {
	base Dataset
	bad  map[int]bool
}

func (d *failingDataset) Len() int { return d.base.Len() }

func (d *failingDataset) Get(index int) (*Sample, error) {
	if d.bad[index] {
		return nil, &DataError{Index: index, Err: fmt.Errorf("simulated read failure")}
	}
	return d.base.Get(index)
}

// generatingDataset allocates a fresh owned volume per Get and records
// every tensor it handed out.
type generatingDataset struct {
	n      int
	handed []*tensor.Tensor
}

func (d *generatingDataset) Len() int { return d.n }

func (d *generatingDataset) Get(index int) (*Sample, error) {
	vol, err := tensor.Full([]int{1, 2, 2, 2}, float32(index))
	if err != nil {
		return nil, &DataError{Index: index, Err: err}
	}
	d.handed = append(d.handed, vol)
	return &Sample{Volume: vol, Owned: true}, nil
}

func TestBatcherReleasesOwnedVolumes(t *testing.T) {
	ds := &generatingDataset{n: 6}
	b, err := NewBatcher(ds, 2, 1)
	if err != nil {
		t.Fatalf("NewBatcher failed: %v", err)
	}
	for b.HasNext() {
		batch, err := b.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch failed: %v", err)
		}
		batch.Release()
	}
	if len(ds.handed) != 6 {
		t.Fatalf("dataset handed out %d volumes, want 6", len(ds.handed))
	}
	for i, vol := range ds.handed {
		if got := vol.RefCount(); got != 0 {
			t.Errorf("handed volume %d refcount = %d, want 0", i, got)
		}
	}
}

func TestBatcherValidation(t *testing.T) {
	ds := NewSliceDataset(makeSamples(t, 4))

	if _, err := NewBatcher(nil, 2, 1); err == nil {
		t.Error("expected error for nil dataset")
	}
	var cfgErr *ConfigError
	_, err := NewBatcher(NewSliceDataset(nil), 2, 1)
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError for empty dataset, got %v", err)
	}
	if _, err := NewBatcher(ds, 0, 1); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := NewBatcher(ds, -3, 1); err == nil {
		t.Error("expected error for negative batch size")
	}
}

func TestBatcherFullEpoch(t *testing.T) {
	const n, bs = 10, 3
	ds := NewSliceDataset(makeSamples(t, n))
	b, err := NewBatcher(ds, bs, 42)
	if err != nil {
		t.Fatalf("NewBatcher failed: %v", err)
	}
	if got, want := b.NumBatches(), 4; got != want {
		t.Errorf("NumBatches = %d, want %d", got, want)
	}

	var total, batches int
	for b.HasNext() {
		batch, err := b.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch failed: %v", err)
		}
		total += batch.Size
		batches++
		if batch.Data.Shape[0] != batch.Size {
			t.Errorf("batch shape %v does not match size %d", batch.Data.Shape, batch.Size)
		}
		if batch.Labels == nil {
			t.Error("labeled dataset produced unlabeled batch")
		}
		batch.Release()
	}
	if total != n {
		t.Errorf("epoch yielded %d samples, want %d", total, n)
	}
	if batches != 4 {
		t.Errorf("epoch yielded %d batches, want 4", batches)
	}

	// The exhausted epoch keeps returning ErrExhausted until Reset.
	if _, err := b.NextBatch(); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if _, err := b.NextBatch(); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted on repeat, got %v", err)
	}

	b.Reset()
	if !b.HasNext() {
		t.Error("expected HasNext after Reset")
	}
}

func TestBatcherSeedDeterminism(t *testing.T) {
	collect := func(seed int64) [][]float32 {
		ds := NewSliceDataset(makeSamples(t, 12))
		b, err := NewBatcher(ds, 4, seed)
		if err != nil {
			t.Fatalf("NewBatcher failed: %v", err)
		}
		var out [][]float32
		for epoch := 0; epoch < 2; epoch++ {
			if epoch > 0 {
				b.Reset()
			}
			for b.HasNext() {
				batch, err := b.NextBatch()
				if err != nil {
					t.Fatalf("NextBatch failed: %v", err)
				}
				data, _ := batch.Data.Float32Slice()
				cp := make([]float32, len(data))
				copy(cp, data)
				out = append(out, cp)
				batch.Release()
			}
		}
		return out
	}

	a := collect(7)
	b := collect(7)
	if len(a) != len(b) {
		t.Fatalf("runs produced %d vs %d batches", len(a), len(b))
	}
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatalf("batch %d diverged between identical seeds", i)
			}
		}
	}
}

func TestBatcherSkipsBadSamples(t *testing.T) {
	base := NewSliceDataset(makeSamples(t, 10))
	ds := &failingDataset{base: base, bad: map[int]bool{2: true, 5: true}}
	b, err := NewBatcher(ds, 4, 1, WithShuffle(false))
	if err != nil {
		t.Fatalf("NewBatcher failed: %v", err)
	}

	var total int
	for b.HasNext() {
		batch, err := b.NextBatch()
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			t.Fatalf("NextBatch failed: %v", err)
		}
		total += batch.Size
		batch.Release()
	}
	if total != 8 {
		t.Errorf("epoch yielded %d samples, want 8 with 2 skipped", total)
	}
	if got := b.Skipped(); got != 2 {
		t.Errorf("Skipped = %d, want 2", got)
	}
}

func TestBatcherAllSamplesBad(t *testing.T) {
	base := NewSliceDataset(makeSamples(t, 3))
	bad := map[int]bool{0: true, 1: true, 2: true}
	b, err := NewBatcher(&failingDataset{base: base, bad: bad}, 2, 1)
	if err != nil {
		t.Fatalf("NewBatcher failed: %v", err)
	}
	if _, err := b.NextBatch(); err == nil {
		t.Error("expected error when every sample fails to load")
	}
}

func TestBatcherAugmentationDoesNotMutateDataset(t *testing.T) {
	samples := makeSamples(t, 6)
	originals := make([]*tensor.Tensor, len(samples))
	for i, s := range samples {
		cp, err := s.Volume.Clone()
		if err != nil {
			t.Fatalf("clone failed: %v", err)
		}
		originals[i] = cp
	}

	ds := NewSliceDataset(samples)
	cfg := DefaultAugmentConfig()
	cfg.NoiseProb = 1.0
	b, err := NewBatcher(ds, 2, 99, WithAugmentation(cfg))
	if err != nil {
		t.Fatalf("NewBatcher failed: %v", err)
	}
	for b.HasNext() {
		batch, err := b.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch failed: %v", err)
		}
		batch.Release()
	}

	for i, s := range samples {
		if !tensor.Equal(s.Volume, originals[i]) {
			t.Errorf("augmentation mutated dataset sample %d", i)
		}
		originals[i].Release()
	}
}

func TestAugmenterDeterministic(t *testing.T) {
	run := func(seed int64) []float32 {
		vol, err := tensor.RandomUniform([]int{1, 2, 4, 4}, 0, 1, rand.New(rand.NewSource(3)))
		if err != nil {
			t.Fatalf("RandomUniform failed: %v", err)
		}
		aug := NewAugmenter(DefaultAugmentConfig(), rand.New(rand.NewSource(seed)))
		out, err := aug.Apply(vol)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		defer out.Release()
		data, _ := out.Float32Slice()
		cp := make([]float32, len(data))
		copy(cp, data)
		return cp
	}

	a := run(11)
	b := run(11)
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same augmentation seed produced different volumes")
		}
	}
}
