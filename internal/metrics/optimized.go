// Quality metrics between an augmented image and its reference, using GoCV
package metrics

import (
	"math"
	"sort"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"joint-augmentation/internal/algorithms"
)

// ErrDimensionMismatch is returned when the compared images differ in extent.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Metric compares two 8-bit images of equal extent.
type Metric interface {
	Calculate(reference, augmented gocv.Mat) (float64, error)
	Name() string
	IsHigherBetter() bool
}

// Evaluator manages and calculates multiple metrics
type Evaluator struct {
	metrics map[string]Metric
}

func NewEvaluator() *Evaluator {
	e := &Evaluator{metrics: make(map[string]Metric)}
	e.Register("psnr", PSNR{})
	e.Register("ssim", SSIM{})
	e.Register("mse", MSE{})
	return e
}

func (e *Evaluator) Register(name string, metric Metric) {
	e.metrics[name] = metric
}

// Names lists the registered metrics in sorted order.
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Evaluator) Calculate(name string, reference, augmented gocv.Mat) (float64, error) {
	metric, exists := e.metrics[name]
	if !exists {
		return 0, errors.Errorf("metric not found: %s", name)
	}
	return metric.Calculate(reference, augmented)
}

// CalculateAll returns every metric that could be computed.
func (e *Evaluator) CalculateAll(reference, augmented gocv.Mat) map[string]float64 {
	results := make(map[string]float64)
	for name, metric := range e.metrics {
		if value, err := metric.Calculate(reference, augmented); err == nil {
			results[name] = value
		}
	}
	return results
}

// grayPair converts both inputs to single-channel float32 Mats.
func grayPair(reference, augmented gocv.Mat) (gocv.Mat, gocv.Mat, error) {
	if reference.Empty() || augmented.Empty() {
		return gocv.Mat{}, gocv.Mat{}, errors.Wrap(algorithms.ErrEmptyInput, "metric input")
	}
	if reference.Rows() != augmented.Rows() || reference.Cols() != augmented.Cols() {
		return gocv.Mat{}, gocv.Mat{}, errors.Wrapf(ErrDimensionMismatch, "%dx%d vs %dx%d",
			reference.Rows(), reference.Cols(), augmented.Rows(), augmented.Cols())
	}
	a, err := grayFloat(reference)
	if err != nil {
		return gocv.Mat{}, gocv.Mat{}, err
	}
	b, err := grayFloat(augmented)
	if err != nil {
		a.Close()
		return gocv.Mat{}, gocv.Mat{}, err
	}
	return a, b, nil
}

func grayFloat(m gocv.Mat) (gocv.Mat, error) {
	gray := m
	if m.Channels() == 3 {
		gray = gocv.NewMat()
		defer gray.Close()
		if err := gocv.CvtColor(m, &gray, gocv.ColorRGBToGray); err != nil {
			return gocv.Mat{}, errors.Wrap(err, "convert to gray")
		}
	}
	f := gocv.NewMat()
	gray.ConvertTo(&f, gocv.MatTypeCV32F)
	return f, nil
}

// PSNR is the peak signal-to-noise ratio in dB, capped at 100.
type PSNR struct{}

func (PSNR) Calculate(reference, augmented gocv.Mat) (float64, error) {
	mse, err := MSE{}.Calculate(reference, augmented)
	if err != nil {
		return 0, err
	}
	if mse == 0 {
		return 100, nil
	}
	return math.Min(100, 10*math.Log10(255*255/mse)), nil
}

func (PSNR) Name() string         { return "PSNR" }
func (PSNR) IsHigherBetter() bool { return true }

// SSIM is the global structural similarity of the grayscale images.
type SSIM struct{}

func (SSIM) Calculate(reference, augmented gocv.Mat) (float64, error) {
	f1, f2, err := grayPair(reference, augmented)
	if err != nil {
		return 0, err
	}
	defer f1.Close()
	defer f2.Close()

	const c1, c2 = 6.5025, 58.5225

	mu1 := f1.Mean().Val1
	mu2 := f2.Mean().Val1

	f1Sq, f2Sq, f1f2 := gocv.NewMat(), gocv.NewMat(), gocv.NewMat()
	defer f1Sq.Close()
	defer f2Sq.Close()
	defer f1f2.Close()
	gocv.Multiply(f1, f1, &f1Sq)
	gocv.Multiply(f2, f2, &f2Sq)
	gocv.Multiply(f1, f2, &f1f2)

	sigma1Sq := f1Sq.Mean().Val1 - mu1*mu1
	sigma2Sq := f2Sq.Mean().Val1 - mu2*mu2
	sigma12 := f1f2.Mean().Val1 - mu1*mu2

	num := (2*mu1*mu2 + c1) * (2*sigma12 + c2)
	den := (mu1*mu1 + mu2*mu2 + c1) * (sigma1Sq + sigma2Sq + c2)
	if den == 0 {
		return 1, nil
	}
	return num / den, nil
}

func (SSIM) Name() string         { return "SSIM" }
func (SSIM) IsHigherBetter() bool { return true }

// MSE is the mean squared grayscale difference.
type MSE struct{}

func (MSE) Calculate(reference, augmented gocv.Mat) (float64, error) {
	f1, f2, err := grayPair(reference, augmented)
	if err != nil {
		return 0, err
	}
	defer f1.Close()
	defer f2.Close()

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.Subtract(f1, f2, &diff)
	diffSq := gocv.NewMat()
	defer diffSq.Close()
	gocv.Multiply(diff, diff, &diffSq)
	return diffSq.Mean().Val1, nil
}

func (MSE) Name() string         { return "MSE" }
func (MSE) IsHigherBetter() bool { return false }

// MatFromTensor turns a float32 (C,H,W) image tensor back into an 8-bit HWC
// Mat, undoing norm when set. Callers close the result.
func MatFromTensor(t *tensors.Tensor, norm *algorithms.Normalization) (gocv.Mat, error) {
	if t == nil || t.DType() != dtypes.Float32 {
		return gocv.Mat{}, errors.New("metrics: want a float32 image tensor")
	}
	dims := t.Shape().Dimensions
	if len(dims) != 3 || (dims[0] != 1 && dims[0] != 3) {
		return gocv.Mat{}, errors.Errorf("metrics: image tensor dimensions %v", dims)
	}
	channels, h, w := dims[0], dims[1], dims[2]
	if norm != nil && (len(norm.Mean) != channels || len(norm.Std) != channels) {
		return gocv.Mat{}, errors.Errorf("metrics: normalization does not match %d channels", channels)
	}

	flat := tensors.CopyFlatData[float32](t)
	plane := h * w
	pix := make([]byte, len(flat))
	for c := 0; c < channels; c++ {
		for i := 0; i < plane; i++ {
			v := float64(flat[c*plane+i])
			if norm != nil {
				v = v*norm.Std[c] + norm.Mean[c]
			}
			pix[i*channels+c] = byte(math.Max(0, math.Min(255, math.Round(v*255))))
		}
	}
	mt := gocv.MatTypeCV8UC1
	if channels == 3 {
		mt = gocv.MatTypeCV8UC3
	}
	m, err := gocv.NewMatFromBytes(h, w, mt, pix)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "metrics: build mat")
	}
	return m, nil
}
