// Samples entering the pipeline and the tensors leaving it
package core

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"joint-augmentation/internal/algorithms"
)

var (
	// ErrShapeMismatch is returned when image and mask extents differ or a
	// buffer does not match its declared shape.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrUnsupportedInput is returned for input layouts or dtypes the
	// pipeline cannot consume.
	ErrUnsupportedInput = errors.New("unsupported input")
)

// maxDimension bounds either side of an input image.
const maxDimension = 16384

// Sample is one image with an optional label mask. The image is stored HWC
// 8-bit with 1 or 3 channels, the mask single channel 8-bit.
//
// A Sample owns its Mats and must be closed.
type Sample struct {
	Image gocv.Mat
	Mask  gocv.Mat
}

// NewSample builds a sample from a channel-first (C,H,W) image buffer and an
// optional (H,W) mask buffer. A nil mask yields an image-only sample.
func NewSample(img []uint8, channels, height, width int, mask []uint8) (*Sample, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Wrapf(ErrUnsupportedInput, "%d channels", channels)
	}
	if height <= 0 || width <= 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "invalid extent %dx%d", height, width)
	}
	if len(img) != channels*height*width {
		return nil, errors.Wrapf(ErrShapeMismatch, "image buffer has %d values, want %d", len(img), channels*height*width)
	}
	if mask != nil && len(mask) != height*width {
		return nil, errors.Wrapf(ErrShapeMismatch, "mask buffer has %d values, want %d", len(mask), height*width)
	}

	mt := gocv.MatTypeCV8UC1
	if channels == 3 {
		mt = gocv.MatTypeCV8UC3
	}
	image, err := gocv.NewMatFromBytes(height, width, mt, chwToHWC(img, channels, height, width))
	if err != nil {
		return nil, errors.Wrap(err, "build image mat")
	}
	s := &Sample{Image: image}
	if mask != nil {
		m, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC1, append([]byte(nil), mask...))
		if err != nil {
			s.Close()
			return nil, errors.Wrap(err, "build mask mat")
		}
		s.Mask = m
	}
	return s, nil
}

// SampleFromTensors builds a sample from a uint8 image tensor shaped (C,H,W)
// and an optional uint8 mask tensor shaped (H,W) or (1,H,W).
func SampleFromTensors(img, mask *tensors.Tensor) (*Sample, error) {
	if img == nil {
		return nil, errors.Wrap(ErrUnsupportedInput, "nil image tensor")
	}
	if img.DType() != dtypes.Uint8 {
		return nil, errors.Wrapf(ErrUnsupportedInput, "image dtype %s", img.DType())
	}
	dims := img.Shape().Dimensions
	if len(dims) != 3 {
		return nil, errors.Wrapf(ErrUnsupportedInput, "image rank %d, want (C,H,W)", len(dims))
	}
	var maskData []uint8
	if mask != nil {
		if mask.DType() != dtypes.Uint8 {
			return nil, errors.Wrapf(ErrUnsupportedInput, "mask dtype %s", mask.DType())
		}
		md := mask.Shape().Dimensions
		if len(md) == 3 && md[0] == 1 {
			md = md[1:]
		}
		if len(md) != 2 {
			return nil, errors.Wrapf(ErrUnsupportedInput, "mask dimensions %v, want (H,W)", mask.Shape().Dimensions)
		}
		if md[0] != dims[1] || md[1] != dims[2] {
			return nil, errors.Wrapf(ErrShapeMismatch, "mask %dx%d, image %dx%d", md[0], md[1], dims[1], dims[2])
		}
		maskData = tensors.CopyFlatData[uint8](mask)
	}
	return NewSample(tensors.CopyFlatData[uint8](img), dims[0], dims[1], dims[2], maskData)
}

// SampleFromMats wraps clones of HWC image and mask Mats. mask may be empty.
func SampleFromMats(img, mask gocv.Mat) (*Sample, error) {
	if err := ValidateImage(img); err != nil {
		return nil, err
	}
	s := &Sample{Image: img.Clone()}
	if mask.Ptr() != nil && !mask.Empty() {
		if mask.Channels() != 1 {
			s.Close()
			return nil, errors.Wrapf(ErrUnsupportedInput, "mask has %d channels", mask.Channels())
		}
		s.Mask = mask.Clone()
	}
	if err := s.validate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// HasMask reports whether the sample carries labels.
func (s *Sample) HasMask() bool {
	return s.pair().HasMask()
}

// Height and Width return the spatial extent of the image.
func (s *Sample) Height() int { return s.Image.Rows() }
func (s *Sample) Width() int  { return s.Image.Cols() }

// Close releases the Mats.
func (s *Sample) Close() {
	s.pair().Release()
	s.Image = gocv.Mat{}
	s.Mask = gocv.Mat{}
}

func (s *Sample) pair() algorithms.Pair {
	return algorithms.Pair{Image: s.Image, Mask: s.Mask}
}

func (s *Sample) validate() error {
	if err := ValidateImage(s.Image); err != nil {
		return err
	}
	if !s.HasMask() {
		return nil
	}
	if s.Mask.Type() != gocv.MatTypeCV8UC1 {
		return errors.Wrapf(ErrUnsupportedInput, "mask type %v", s.Mask.Type())
	}
	if s.Mask.Rows() != s.Image.Rows() || s.Mask.Cols() != s.Image.Cols() {
		return errors.Wrapf(ErrShapeMismatch, "mask %dx%d, image %dx%d",
			s.Mask.Rows(), s.Mask.Cols(), s.Image.Rows(), s.Image.Cols())
	}
	return nil
}

// ValidateImage checks that mat is a non-empty 8-bit image with 1 or 3
// channels and a sane extent.
func ValidateImage(mat gocv.Mat) error {
	if mat.Ptr() == nil || mat.Empty() {
		return errors.Wrap(algorithms.ErrEmptyInput, "validate image")
	}
	if mat.Type() != gocv.MatTypeCV8UC1 && mat.Type() != gocv.MatTypeCV8UC3 {
		return errors.Wrapf(ErrUnsupportedInput, "image type %v", mat.Type())
	}
	if mat.Cols() > maxDimension || mat.Rows() > maxDimension {
		return errors.Wrapf(ErrUnsupportedInput, "image too large: %dx%d (max: %d)", mat.Rows(), mat.Cols(), maxDimension)
	}
	return nil
}

func chwToHWC(src []uint8, channels, height, width int) []byte {
	if channels == 1 {
		return append([]byte(nil), src...)
	}
	plane := height * width
	out := make([]byte, len(src))
	for c := 0; c < channels; c++ {
		for i, v := range src[c*plane : (c+1)*plane] {
			out[i*channels+c] = v
		}
	}
	return out
}

// Output is the result of one pipeline invocation. Mask is nil for the
// image-only variant.
type Output struct {
	Image *tensors.Tensor
	Mask  *tensors.Tensor
	Trace Trace
}
