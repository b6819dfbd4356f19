// Augmentation steps applied jointly to an image and its label mask
package algorithms

import (
	"math/rand"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var (
	// ErrCropTooLarge is returned when a crop window does not fit the image.
	ErrCropTooLarge = errors.New("crop size exceeds image extent")
	// ErrEmptyInput is returned when a step receives an empty image.
	ErrEmptyInput = errors.New("input image is empty")
)

// Kind tags the variant of a Step.
type Kind int

const (
	KindGamma Kind = iota
	KindCrop
	KindFlip
	KindRotate
	KindScale
	KindNoise
	KindContrast
	KindDistortion
	KindColorJitter
	KindAffine
	KindResize
	KindToTensor
)

var kindNames = map[Kind]string{
	KindGamma:       "gamma",
	KindCrop:        "crop",
	KindFlip:        "flip",
	KindRotate:      "rotate",
	KindScale:       "scale",
	KindNoise:       "noise",
	KindContrast:    "contrast",
	KindDistortion:  "distortion",
	KindColorJitter: "color_jitter",
	KindAffine:      "affine",
	KindResize:      "resize",
	KindToTensor:    "to_tensor",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Pair is an image with its optional mask. Mask is an empty Mat when the
// sample carries no labels. Image is 8-bit HWC with 1 or 3 channels, Mask is
// 8-bit single channel of the same extent.
type Pair struct {
	Image gocv.Mat
	Mask  gocv.Mat
}

// HasMask reports whether the pair carries a mask.
func (p Pair) HasMask() bool {
	return !isEmpty(p.Mask)
}

// Release closes the Mats of p that are not shared with any of keep.
func (p Pair) Release(keep ...Pair) {
	if p.Image.Ptr() != nil && !shared(p.Image, keep, func(k Pair) gocv.Mat { return k.Image }) {
		p.Image.Close()
	}
	if p.Mask.Ptr() != nil && !shared(p.Mask, keep, func(k Pair) gocv.Mat { return k.Mask }) {
		p.Mask.Close()
	}
}

func shared(m gocv.Mat, keep []Pair, field func(Pair) gocv.Mat) bool {
	for _, k := range keep {
		if other := field(k); other.Ptr() == m.Ptr() {
			return true
		}
	}
	return false
}

// Params are the values drawn by a step for one invocation.
type Params map[string]float64

// Step is one stage of the augmentation sequence.
//
// Apply never closes its input. It returns either the input Mats unchanged
// or newly allocated ones; callers release replaced Mats by comparing Ptr().
type Step interface {
	Kind() Kind
	Apply(rng *rand.Rand, in Pair) (Pair, Params, error)
}

// isEmpty also covers the zero Mat, which has no native handle.
func isEmpty(m gocv.Mat) bool {
	return m.Ptr() == nil || m.Empty()
}

func checkInput(kind Kind, in Pair) error {
	if isEmpty(in.Image) {
		return errors.Wrap(ErrEmptyInput, kind.String())
	}
	return nil
}

// uniform draws from [lo, hi).
func uniform(rng *rand.Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Float64()*(hi-lo)
}

// randint draws from [lo, hi).
func randint(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo)
}
