package algorithms

import (
	"math"
	"math/rand"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Photometric kernels over 8-bit RGB or single-channel Mats. Each returns a
// new Mat and leaves src untouched.

func clamp8(v float64) byte {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return byte(v)
}

func gammaTable(g float64) [256]byte {
	var lut [256]byte
	for v := range lut {
		lut[v] = clamp8(math.Pow(float64(v)/255, 1/g) * 255)
	}
	return lut
}

func nonEmpty(dst gocv.Mat, op string) (gocv.Mat, error) {
	if dst.Empty() {
		dst.Close()
		return gocv.NewMat(), errors.Errorf("%s produced an empty result", op)
	}
	return dst, nil
}

// applyGamma maps every channel through the gamma lookup table.
func applyGamma(src gocv.Mat, g float64) (gocv.Mat, error) {
	table := gammaTable(g)
	lut, err := gocv.NewMatFromBytes(1, 256, gocv.MatTypeCV8U, table[:])
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "gamma lookup table")
	}
	defer lut.Close()

	dst := gocv.NewMat()
	gocv.LUT(src, lut, &dst)
	return nonEmpty(dst, "gamma lookup")
}

// grayOf returns the luminance plane of src.
func grayOf(src gocv.Mat) (gocv.Mat, error) {
	if src.Channels() == 1 {
		return src.Clone(), nil
	}
	gray := gocv.NewMat()
	gocv.CvtColor(src, &gray, gocv.ColorRGBToGray)
	return nonEmpty(gray, "rgb to gray")
}

// meanLuma is the mean luminance rounded to an integer level.
func meanLuma(src gocv.Mat) (float64, error) {
	gray, err := grayOf(src)
	if err != nil {
		return 0, err
	}
	defer gray.Close()
	return math.Floor(gray.Mean().Val1 + 0.5), nil
}

// scaleShift computes saturate(alpha*v + beta) per element.
func scaleShift(src gocv.Mat, alpha, beta float64) (gocv.Mat, error) {
	dst := gocv.NewMat()
	src.ConvertToWithParams(&dst, src.Type(), float32(alpha), float32(beta))
	return nonEmpty(dst, "scale and shift")
}

func adjustBrightness(src gocv.Mat, factor float64) (gocv.Mat, error) {
	return scaleShift(src, factor, 0)
}

// adjustContrast blends src against its mean luminance.
func adjustContrast(src gocv.Mat, factor float64) (gocv.Mat, error) {
	mean, err := meanLuma(src)
	if err != nil {
		return gocv.NewMat(), err
	}
	return scaleShift(src, factor, (1-factor)*mean)
}

// adjustSaturation blends src against its grayscale version. Single-channel
// input is returned unchanged.
func adjustSaturation(src gocv.Mat, factor float64) (gocv.Mat, error) {
	if src.Channels() < 3 {
		return src.Clone(), nil
	}
	gray, err := grayOf(src)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer gray.Close()
	gray3 := gocv.NewMat()
	defer gray3.Close()
	gocv.CvtColor(gray, &gray3, gocv.ColorGrayToRGB)

	dst := gocv.NewMat()
	gocv.AddWeighted(src, factor, gray3, 1-factor, 0, &dst)
	return nonEmpty(dst, "saturation blend")
}

// adjustHue rotates the hue of every pixel by factor of a full turn,
// factor in [-0.5, 0.5].
func adjustHue(src gocv.Mat, factor float64) (gocv.Mat, error) {
	if src.Channels() < 3 || factor == 0 {
		return src.Clone(), nil
	}
	return withPixels(src, func(pix []byte, channels int) { shiftHue(pix, channels, factor) })
}

func shiftHue(pix []byte, channels int, factor float64) {
	shift := factor * 360
	for i := 0; i+2 < len(pix); i += channels {
		c := colorful.Color{R: float64(pix[i]) / 255, G: float64(pix[i+1]) / 255, B: float64(pix[i+2]) / 255}
		h, s, v := c.Hsv()
		h = math.Mod(h+shift, 360)
		if h < 0 {
			h += 360
		}
		r, g, b := colorful.Hsv(h, s, v).Clamped().RGB255()
		pix[i], pix[i+1], pix[i+2] = r, g, b
	}
}

// addGaussianNoise adds one truncated N(0, sigma) sample per pixel position,
// shared by all channels, and clips to the 8-bit range.
func addGaussianNoise(rng *rand.Rand, pix []byte, channels int, sigma float64) {
	for i := 0; i < len(pix); i += channels {
		n := math.Trunc(rng.NormFloat64() * sigma)
		for c := 0; c < channels; c++ {
			pix[i+c] = clamp8(float64(pix[i+c]) + n)
		}
	}
}
