package tensor

import (
	"fmt"
	"math/rand"
)

// Axis identifies a spatial axis of a volumetric [C, D, H, W] tensor.
type Axis int

const (
	AxisX Axis = iota // width, innermost
	AxisY             // height
	AxisZ             // depth
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "X"
	case AxisY:
		return "Y"
	case AxisZ:
		return "Z"
	default:
		return "Unknown"
	}
}

func volumeDims(t *Tensor) (c, d, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected volumetric [C, D, H, W] tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// Stack combines sample tensors of identical shape into one batch
// tensor with a leading batch dimension. Samples keep their references;
// the caller releases them independently of the batch.
func Stack(samples []*Tensor) (*Tensor, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	first := samples[0]
	for i, s := range samples[1:] {
		if s.DType != first.DType || s.NumElems != first.NumElems {
			return nil, fmt.Errorf("sample %d shape %v does not match %v", i+1, s.Shape, first.Shape)
		}
	}

	batchShape := append([]int{len(samples)}, first.Shape...)
	out, err := Zeros(batchShape, first.DType)
	if err != nil {
		return nil, err
	}

	stride := first.NumElems
	switch first.DType {
	case Float32:
		od := out.Data.([]float32)
		for i, s := range samples {
			copy(od[i*stride:(i+1)*stride], s.Data.([]float32))
		}
	case Int32:
		od := out.Data.([]int32)
		for i, s := range samples {
			copy(od[i*stride:(i+1)*stride], s.Data.([]int32))
		}
	}
	return out, nil
}

// Rot90XY rotates a [C, D, H, W] volume 90 degrees in the XY plane.
// Requires H == W (cubic regions).
func Rot90XY(t *Tensor) (*Tensor, error) {
	c, d, h, w, err := volumeDims(t)
	if err != nil {
		return nil, err
	}
	if h != w {
		return nil, fmt.Errorf("Rot90XY requires square XY plane, got H=%d W=%d", h, w)
	}

	out, err := Zeros(t.Shape, Float32)
	if err != nil {
		return nil, err
	}
	in := t.Data.([]float32)
	od := out.Data.([]float32)

	for ci := 0; ci < c; ci++ {
		for di := 0; di < d; di++ {
			plane := (ci*d + di) * h * w
			for hi := 0; hi < h; hi++ {
				for wi := 0; wi < w; wi++ {
					// (h, w) <- (w, H-1-h)
					od[plane+hi*w+wi] = in[plane+wi*w+(h-1-hi)]
				}
			}
		}
	}
	return out, nil
}

// Flip mirrors a [C, D, H, W] volume along the given spatial axis.
func Flip(t *Tensor, axis Axis) (*Tensor, error) {
	c, d, h, w, err := volumeDims(t)
	if err != nil {
		return nil, err
	}

	out, err := Zeros(t.Shape, Float32)
	if err != nil {
		return nil, err
	}
	in := t.Data.([]float32)
	od := out.Data.([]float32)

	for ci := 0; ci < c; ci++ {
		for di := 0; di < d; di++ {
			for hi := 0; hi < h; hi++ {
				for wi := 0; wi < w; wi++ {
					var si, sh, sw int
					si, sh, sw = di, hi, wi
					switch axis {
					case AxisX:
						sw = w - 1 - wi
					case AxisY:
						sh = h - 1 - hi
					case AxisZ:
						si = d - 1 - di
					}
					dst := ((ci*d+di)*h+hi)*w + wi
					src := ((ci*d+si)*h+sh)*w + sw
					od[dst] = in[src]
				}
			}
		}
	}
	return out, nil
}

// AddGaussianNoise adds N(0, std) noise to every element in place.
func (t *Tensor) AddGaussianNoise(std float32, rng *rand.Rand) error {
	data, err := t.Float32Slice()
	if err != nil {
		return err
	}
	for i := range data {
		data[i] += float32(rng.NormFloat64()) * std
	}
	return nil
}
