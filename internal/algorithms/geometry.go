package algorithms

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// affineMatrix returns the forward 2x3 matrix (row major) that scales,
// shears and rotates counter-clockwise by angle degrees about center, then
// translates. Shear angles are in degrees along x and y; a positive x-shear
// moves rows below the centre to the left.
func affineMatrix(center [2]float64, angle float64, translate [2]float64, scale float64, shear [2]float64) [6]float64 {
	rot := angle * math.Pi / 180
	cos, sin := math.Cos(rot), math.Sin(rot)
	shx := -math.Tan(shear[0] * math.Pi / 180)
	shy := math.Tan(shear[1] * math.Pi / 180)

	a := scale * (cos + sin*shy)
	b := scale * (cos*shx + sin)
	c := scale * (-sin + cos*shy)
	d := scale * (-sin*shx + cos)

	cx, cy := center[0], center[1]
	return [6]float64{
		a, b, cx + translate[0] - (a*cx + b*cy),
		c, d, cy + translate[1] - (c*cx + d*cy),
	}
}

// imageCenter is the pixel centre of a cols x rows raster.
func imageCenter(m gocv.Mat) [2]float64 {
	return [2]float64{float64(m.Cols()-1) / 2, float64(m.Rows()-1) / 2}
}

// warp applies the affine matrix keeping the source extent, filling
// uncovered pixels with zero.
func warp(src gocv.Mat, coeffs [6]float64, interp gocv.InterpolationFlags) (gocv.Mat, error) {
	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	defer m.Close()
	for i, v := range coeffs {
		m.SetDoubleAt(i/3, i%3, v)
	}

	dst := gocv.NewMat()
	gocv.WarpAffineWithParams(src, &dst, m, image.Pt(src.Cols(), src.Rows()), interp, gocv.BorderConstant, color.RGBA{})
	if dst.Empty() {
		dst.Close()
		return gocv.NewMat(), errors.New("warp affine produced an empty result")
	}
	return dst, nil
}

// warpPair warps the image and, when present, the mask with the same matrix.
// The mask always uses nearest-neighbour sampling.
func warpPair(in Pair, coeffs [6]float64, imageInterp gocv.InterpolationFlags) (Pair, error) {
	img, err := warp(in.Image, coeffs, imageInterp)
	if err != nil {
		return in, err
	}
	out := Pair{Image: img, Mask: in.Mask}
	if in.HasMask() {
		mask, err := warp(in.Mask, coeffs, gocv.InterpolationNearestNeighbor)
		if err != nil {
			img.Close()
			return in, err
		}
		out.Mask = mask
	}
	return out, nil
}

func resize(src gocv.Mat, size image.Point, interp gocv.InterpolationFlags) (gocv.Mat, error) {
	dst := gocv.NewMat()
	if err := gocv.Resize(src, &dst, size, 0, 0, interp); err != nil {
		dst.Close()
		return gocv.NewMat(), errors.Wrapf(err, "resize to %dx%d", size.Y, size.X)
	}
	return dst, nil
}

// shrinkInterp switches bilinear sampling to area averaging when size is
// smaller than src along either axis.
func shrinkInterp(src gocv.Mat, size image.Point, interp gocv.InterpolationFlags) gocv.InterpolationFlags {
	if interp == gocv.InterpolationLinear && (size.X < src.Cols() || size.Y < src.Rows()) {
		return gocv.InterpolationArea
	}
	return interp
}

// resizePair resizes the image with imageInterp, or area averaging when
// shrinking, and the mask with nearest-neighbour sampling.
func resizePair(in Pair, size image.Point, imageInterp gocv.InterpolationFlags) (Pair, error) {
	img, err := resize(in.Image, size, shrinkInterp(in.Image, size, imageInterp))
	if err != nil {
		return in, err
	}
	out := Pair{Image: img, Mask: in.Mask}
	if in.HasMask() {
		mask, err := resize(in.Mask, size, gocv.InterpolationNearestNeighbor)
		if err != nil {
			img.Close()
			return in, err
		}
		out.Mask = mask
	}
	return out, nil
}

// cropParams draws a window origin (row, col) such that a size window fits
// inside a rows x cols raster.
func cropParams(rng randSource, rows, cols int, size image.Point) (int, int, error) {
	if size.Y > rows || size.X > cols {
		return 0, 0, errors.Wrapf(ErrCropTooLarge, "crop %dx%d from %dx%d", size.Y, size.X, rows, cols)
	}
	if size.Y == rows && size.X == cols {
		return 0, 0, nil
	}
	i := rng.Intn(rows - size.Y + 1)
	j := rng.Intn(cols - size.X + 1)
	return i, j, nil
}

type randSource interface {
	Intn(n int) int
}

func cropMat(src gocv.Mat, rect image.Rectangle) gocv.Mat {
	region := src.Region(rect)
	defer region.Close()
	return region.Clone()
}

// cropPair cuts the same window out of image and mask.
func cropPair(in Pair, rect image.Rectangle) Pair {
	out := Pair{Image: cropMat(in.Image, rect), Mask: in.Mask}
	if in.HasMask() {
		out.Mask = cropMat(in.Mask, rect)
	}
	return out
}

// withPixels runs fn over a copy of the image bytes and rebuilds a Mat of
// the same type from the result.
func withPixels(src gocv.Mat, fn func(pix []byte, channels int)) (gocv.Mat, error) {
	pix := src.ToBytes()
	fn(pix, src.Channels())
	dst, err := gocv.NewMatFromBytes(src.Rows(), src.Cols(), src.Type(), pix)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "rebuild mat from pixels")
	}
	return dst, nil
}
