package algorithms

import (
	"math"
	"math/rand"

	"gocv.io/x/gocv"
)

// Gamma remaps intensities by (v/255)^(1/g)*255 with g = n/10 for n drawn
// from [MinTenths, MaxTenths). Image only.
type Gamma struct {
	MinTenths, MaxTenths int
}

func (g Gamma) Kind() Kind { return KindGamma }

func (g Gamma) Apply(rng *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(g.Kind(), in); err != nil {
		return in, nil, err
	}
	gamma := float64(randint(rng, g.MinTenths, g.MaxTenths)) / 10
	img, err := applyGamma(in.Image, gamma)
	if err != nil {
		return in, nil, err
	}
	return Pair{Image: img, Mask: in.Mask}, Params{"gamma": gamma}, nil
}

// GaussianNoise adds zero-mean noise whose standard deviation is an integer
// drawn from [Min, Max). Image only.
type GaussianNoise struct {
	Min, Max int
}

func (n GaussianNoise) Kind() Kind { return KindNoise }

func (n GaussianNoise) Apply(rng *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(n.Kind(), in); err != nil {
		return in, nil, err
	}
	sigma := float64(randint(rng, n.Min, n.Max))
	img, err := withPixels(in.Image, func(pix []byte, channels int) {
		addGaussianNoise(rng, pix, channels, sigma)
	})
	if err != nil {
		return in, nil, err
	}
	return Pair{Image: img, Mask: in.Mask}, Params{"sigma": sigma}, nil
}

// Contrast blends the image against its mean luminance with a factor drawn
// from [Min, Max). Image only.
type Contrast struct {
	Min, Max float64
}

func (c Contrast) Kind() Kind { return KindContrast }

func (c Contrast) Apply(rng *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(c.Kind(), in); err != nil {
		return in, nil, err
	}
	factor := uniform(rng, c.Min, c.Max)
	img, err := adjustContrast(in.Image, factor)
	if err != nil {
		return in, nil, err
	}
	return Pair{Image: img, Mask: in.Mask}, Params{"factor": factor}, nil
}

// ColorJitter perturbs brightness, contrast, saturation and hue in a random
// order. Magnitudes of zero disable the corresponding adjustment. Image only.
type ColorJitter struct {
	Brightness, Contrast, Saturation, Hue float64
}

func (j ColorJitter) Kind() Kind { return KindColorJitter }

// factorRange is [max(0, 1-m), 1+m).
func factorRange(rng *rand.Rand, m float64) float64 {
	return uniform(rng, math.Max(0, 1-m), 1+m)
}

func (j ColorJitter) Apply(rng *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(j.Kind(), in); err != nil {
		return in, nil, err
	}
	order := rng.Perm(4)
	params := Params{}
	var brightness, contrast, saturation, hue float64
	if j.Brightness > 0 {
		brightness = factorRange(rng, j.Brightness)
		params["brightness"] = brightness
	}
	if j.Contrast > 0 {
		contrast = factorRange(rng, j.Contrast)
		params["contrast"] = contrast
	}
	if j.Saturation > 0 {
		saturation = factorRange(rng, j.Saturation)
		params["saturation"] = saturation
	}
	if j.Hue > 0 {
		hue = uniform(rng, -j.Hue, j.Hue)
		params["hue"] = hue
	}

	img := in.Image
	for _, op := range order {
		var next gocv.Mat
		var err error
		switch {
		case op == 0 && j.Brightness > 0:
			next, err = adjustBrightness(img, brightness)
		case op == 1 && j.Contrast > 0:
			next, err = adjustContrast(img, contrast)
		case op == 2 && j.Saturation > 0:
			next, err = adjustSaturation(img, saturation)
		case op == 3 && j.Hue > 0:
			next, err = adjustHue(img, hue)
		default:
			continue
		}
		if img.Ptr() != in.Image.Ptr() {
			img.Close()
		}
		if err != nil {
			return in, nil, err
		}
		img = next
	}
	if img.Ptr() == in.Image.Ptr() {
		img = in.Image.Clone()
	}
	return Pair{Image: img, Mask: in.Mask}, params, nil
}
