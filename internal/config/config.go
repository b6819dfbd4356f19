// Augmentation parameters shared by every pipeline variant
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// ErrInvalidConfig is returned when an Augmentation violates its invariants.
var ErrInvalidConfig = errors.New("invalid augmentation config")

// Size is a (height, width) pair in pixels.
type Size struct {
	Height int `koanf:"height" yaml:"height" validate:"gte=0"`
	Width  int `koanf:"width" yaml:"width" validate:"gte=0"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Height, s.Width)
}

// IsZero reports whether both extents are zero.
func (s Size) IsZero() bool {
	return s.Height == 0 && s.Width == 0
}

// ColorJitter holds the brightness/contrast/saturation/hue magnitudes.
// A jitter with all magnitudes zero is disabled.
type ColorJitter struct {
	Brightness float64 `koanf:"brightness" yaml:"brightness" validate:"gte=0"`
	Contrast   float64 `koanf:"contrast" yaml:"contrast" validate:"gte=0"`
	Saturation float64 `koanf:"saturation" yaml:"saturation" validate:"gte=0"`
	Hue        float64 `koanf:"hue" yaml:"hue" validate:"gte=0,lte=0.5"`
}

func (c ColorJitter) Enabled() bool {
	return c.Brightness != 0 || c.Contrast != 0 || c.Saturation != 0 || c.Hue != 0
}

// Probabilities of the gated steps. Each is an independent Bernoulli draw.
type Probabilities struct {
	Flip         float64 `koanf:"flip" yaml:"flip" validate:"gte=0,lte=1"`
	Rotate       float64 `koanf:"rotate" yaml:"rotate" validate:"gte=0,lte=1"`
	Scale        float64 `koanf:"scale" yaml:"scale" validate:"gte=0,lte=1"`
	GaussNoise   float64 `koanf:"gauss_noise" yaml:"gauss_noise" validate:"gte=0,lte=1"`
	Contrast     float64 `koanf:"contrast" yaml:"contrast" validate:"gte=0,lte=1"`
	Gamma        float64 `koanf:"gamma" yaml:"gamma" validate:"gte=0,lte=1"`
	Distortion   float64 `koanf:"distortion" yaml:"distortion" validate:"gte=0,lte=1"`
	RandomAffine float64 `koanf:"random_affine" yaml:"random_affine" validate:"gte=0,lte=1"`
}

// Augmentation is the immutable configuration of a pipeline.
type Augmentation struct {
	ImageSize   Size          `koanf:"image_size" yaml:"image_size"`
	Crop        Size          `koanf:"crop" yaml:"crop"`
	Prob        Probabilities `koanf:"prob" yaml:"prob"`
	ColorJitter ColorJitter   `koanf:"color_jitter" yaml:"color_jitter"`
	LongMask    bool          `koanf:"long_mask" yaml:"long_mask"`
}

// Default returns the training defaults: 336x544 output, 32x32 crop,
// every probability zero and a 0.1 colour jitter.
func Default() Augmentation {
	return Augmentation{
		ImageSize: Size{Height: 336, Width: 544},
		Crop:      Size{Height: 32, Width: 32},
		ColorJitter: ColorJitter{
			Brightness: 0.1,
			Contrast:   0.1,
			Saturation: 0.1,
			Hue:        0.1,
		},
	}
}

// DefaultValidation returns the validation defaults: same output size,
// no randomized steps and integer masks.
func DefaultValidation() Augmentation {
	return Augmentation{
		ImageSize: Size{Height: 336, Width: 544},
		LongMask:  true,
	}
}

// HasCrop reports whether the fixed-size random crop is configured.
func (a Augmentation) HasCrop() bool {
	return a.Crop.Height > 0 && a.Crop.Width > 0
}

var validate = validator.New()

// Validate checks the configuration invariants. The returned error wraps
// ErrInvalidConfig.
func (a Augmentation) Validate() error {
	if a.ImageSize.Height <= 0 || a.ImageSize.Width <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "image size must be positive, got %s", a.ImageSize)
	}
	if (a.Crop.Height == 0) != (a.Crop.Width == 0) {
		return errors.Wrapf(ErrInvalidConfig, "crop must set both extents or neither, got %s", a.Crop)
	}
	if err := validate.Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.Wrapf(ErrInvalidConfig, "%s: %v violates %s=%s", fe.Namespace(), fe.Value(), fe.Tag(), fe.Param())
		}
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}
