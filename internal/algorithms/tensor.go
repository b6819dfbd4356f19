package algorithms

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Normalization holds per-channel statistics applied after scaling to [0,1].
type Normalization struct {
	Mean []float64
	Std  []float64
}

// ImageNet is the normalization used by the validation variant.
var ImageNet = Normalization{
	Mean: []float64{0.485, 0.456, 0.406},
	Std:  []float64{0.229, 0.224, 0.225},
}

// ToTensor converts the final pair into model-ready tensors.
//
// The image becomes float32 (C, H, W) in [0, 1], optionally normalized.
// The mask becomes float32 (H, W) divided by 255, or int64 (H, W) holding the
// raw label values when LongMask is set.
type ToTensor struct {
	Normalize *Normalization
	LongMask  bool
}

func (t ToTensor) Kind() Kind { return KindToTensor }

// Convert builds the tensors. mask is nil when the pair has no mask.
func (t ToTensor) Convert(in Pair) (image, mask *tensors.Tensor, err error) {
	if err = checkInput(t.Kind(), in); err != nil {
		return nil, nil, err
	}
	if in.Image.Type() != gocv.MatTypeCV8UC1 && in.Image.Type() != gocv.MatTypeCV8UC3 {
		return nil, nil, errors.Errorf("to_tensor: unsupported image type %v", in.Image.Type())
	}
	rows, cols, channels := in.Image.Rows(), in.Image.Cols(), in.Image.Channels()
	if t.Normalize != nil {
		if len(t.Normalize.Mean) != channels || len(t.Normalize.Std) != channels {
			return nil, nil, errors.Errorf("to_tensor: normalization has %d/%d entries for %d channels",
				len(t.Normalize.Mean), len(t.Normalize.Std), channels)
		}
		for c, s := range t.Normalize.Std {
			if s == 0 {
				return nil, nil, errors.Errorf("to_tensor: zero std for channel %d", c)
			}
		}
	}

	image = tensors.FromFlatDataAndDimensions(hwcToCHW(in.Image.ToBytes(), rows, cols, channels, t.Normalize), channels, rows, cols)
	if !in.HasMask() {
		return image, nil, nil
	}
	if in.Mask.Rows() != rows || in.Mask.Cols() != cols {
		return nil, nil, errors.Errorf("to_tensor: mask %dx%d does not match image %dx%d",
			in.Mask.Rows(), in.Mask.Cols(), rows, cols)
	}
	labels := in.Mask.ToBytes()
	if t.LongMask {
		flat := make([]int64, len(labels))
		for i, v := range labels {
			flat[i] = int64(v)
		}
		return image, tensors.FromFlatDataAndDimensions(flat, rows, cols), nil
	}
	flat := make([]float32, len(labels))
	for i, v := range labels {
		flat[i] = float32(v) / 255
	}
	return image, tensors.FromFlatDataAndDimensions(flat, rows, cols), nil
}

func hwcToCHW(pix []byte, rows, cols, channels int, norm *Normalization) []float32 {
	plane := rows * cols
	out := make([]float32, plane*channels)
	for c := 0; c < channels; c++ {
		mean, std := 0.0, 1.0
		if norm != nil {
			mean, std = norm.Mean[c], norm.Std[c]
		}
		dst := out[c*plane : (c+1)*plane]
		for i := range dst {
			v := float64(pix[i*channels+c]) / 255
			dst[i] = float32((v - mean) / std)
		}
	}
	return out
}
