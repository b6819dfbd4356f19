package algorithms

import (
	"image"
	"math"
	"math/rand"

	"gocv.io/x/gocv"
)

// Crop cuts a fixed-size window at a uniformly drawn origin.
type Crop struct {
	Size image.Point // X = width, Y = height
}

func (c Crop) Kind() Kind { return KindCrop }

func (c Crop) Apply(rng *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(c.Kind(), in); err != nil {
		return in, nil, err
	}
	i, j, err := cropParams(rng, in.Image.Rows(), in.Image.Cols(), c.Size)
	if err != nil {
		return in, nil, err
	}
	out := cropPair(in, image.Rect(j, i, j+c.Size.X, i+c.Size.Y))
	return out, Params{"top": float64(i), "left": float64(j)}, nil
}

// Flip mirrors image and mask horizontally.
type Flip struct{}

func (Flip) Kind() Kind { return KindFlip }

func (f Flip) Apply(_ *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(f.Kind(), in); err != nil {
		return in, nil, err
	}
	img := gocv.NewMat()
	gocv.Flip(in.Image, &img, 1)
	out := Pair{Image: img, Mask: in.Mask}
	if in.HasMask() {
		mask := gocv.NewMat()
		gocv.Flip(in.Mask, &mask, 1)
		out.Mask = mask
	}
	return out, nil, nil
}

// Rotate turns image and mask about the centre by an angle drawn from
// [-MaxDegrees, MaxDegrees). The image is sampled bilinearly, the mask with
// nearest neighbour.
type Rotate struct {
	MaxDegrees float64
}

func (r Rotate) Kind() Kind { return KindRotate }

func (r Rotate) Apply(rng *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(r.Kind(), in); err != nil {
		return in, nil, err
	}
	angle := uniform(rng, -r.MaxDegrees, r.MaxDegrees)
	coeffs := affineMatrix(imageCenter(in.Image), angle, [2]float64{}, 1, [2]float64{})
	out, err := warpPair(in, coeffs, gocv.InterpolationLinear)
	if err != nil {
		return in, nil, err
	}
	return out, Params{"angle": angle}, nil
}

// Scale enlarges image and mask to a random multiple of Target and crops
// back to Target at a random origin.
type Scale struct {
	Target   image.Point
	Min, Max float64
}

func (s Scale) Kind() Kind { return KindScale }

func (s Scale) Apply(rng *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(s.Kind(), in); err != nil {
		return in, nil, err
	}
	factor := uniform(rng, s.Min, s.Max)
	scaled := image.Pt(int(float64(s.Target.X)*factor), int(float64(s.Target.Y)*factor))
	resized, err := resizePair(in, scaled, gocv.InterpolationLinear)
	if err != nil {
		return in, nil, err
	}
	defer resized.Release(in)

	i, j, err := cropParams(rng, scaled.Y, scaled.X, s.Target)
	if err != nil {
		return in, nil, err
	}
	out := cropPair(resized, image.Rect(j, i, j+s.Target.X, i+s.Target.Y))
	return out, Params{"factor": factor, "top": float64(i), "left": float64(j)}, nil
}

// Distortion shears the image only, along x by an angle drawn from
// [ShearMin, ShearMax) degrees.
type Distortion struct {
	ShearMin, ShearMax float64
}

func (d Distortion) Kind() Kind { return KindDistortion }

func (d Distortion) Apply(rng *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(d.Kind(), in); err != nil {
		return in, nil, err
	}
	shear := uniform(rng, d.ShearMin, d.ShearMax)
	coeffs := affineMatrix(imageCenter(in.Image), 0, [2]float64{}, 1, [2]float64{shear, 0})
	img, err := warp(in.Image, coeffs, gocv.InterpolationNearestNeighbor)
	if err != nil {
		return in, nil, err
	}
	return Pair{Image: img, Mask: in.Mask}, Params{"shear_x": shear}, nil
}

// Affine applies one random rotation, translation, scale and x-shear to
// image and mask, both with nearest-neighbour sampling.
type Affine struct {
	Degrees   float64     // angle drawn from [-Degrees, Degrees)
	Translate float64     // max shift as a fraction of Target width / height
	Target    image.Point // zero means the current image extent
	Scale     float64
	Shear     float64 // x-shear drawn from [-Shear, Shear)
}

func (a Affine) Kind() Kind { return KindAffine }

func (a Affine) Apply(rng *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(a.Kind(), in); err != nil {
		return in, nil, err
	}
	angle := uniform(rng, -a.Degrees, a.Degrees)
	bound := a.Target
	if bound.X <= 0 || bound.Y <= 0 {
		bound = image.Pt(in.Image.Cols(), in.Image.Rows())
	}
	maxDx := a.Translate * float64(bound.X)
	maxDy := a.Translate * float64(bound.Y)
	tx := math.Round(uniform(rng, -maxDx, maxDx))
	ty := math.Round(uniform(rng, -maxDy, maxDy))
	shear := uniform(rng, -a.Shear, a.Shear)

	coeffs := affineMatrix(imageCenter(in.Image), angle, [2]float64{tx, ty}, a.Scale, [2]float64{shear, 0})
	out, err := warpPair(in, coeffs, gocv.InterpolationNearestNeighbor)
	if err != nil {
		return in, nil, err
	}
	return out, Params{"angle": angle, "translate_x": tx, "translate_y": ty, "scale": a.Scale, "shear_x": shear}, nil
}

// Resize brings image (bilinear, area when shrinking) and mask (nearest) to a
// fixed size.
type Resize struct {
	Size image.Point
}

func (r Resize) Kind() Kind { return KindResize }

func (r Resize) Apply(_ *rand.Rand, in Pair) (Pair, Params, error) {
	if err := checkInput(r.Kind(), in); err != nil {
		return in, nil, err
	}
	out, err := resizePair(in, r.Size, gocv.InterpolationLinear)
	if err != nil {
		return in, nil, err
	}
	return out, Params{"height": float64(r.Size.Y), "width": float64(r.Size.X)}, nil
}
