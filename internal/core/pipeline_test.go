package core

import (
	"image"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"joint-augmentation/internal/algorithms"
	"joint-augmentation/internal/config"
)

func noiseSample(t *testing.T, channels, height, width int, seed int64) *Sample {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := make([]uint8, channels*height*width)
	for i := range img {
		img[i] = uint8(rng.Intn(256))
	}
	mask := make([]uint8, height*width)
	for i := range mask {
		mask[i] = uint8(rng.Intn(4))
	}
	s, err := NewSample(img, channels, height, width, mask)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func quietConfig(h, w int) config.Augmentation {
	return config.Augmentation{ImageSize: config.Size{Height: h, Width: w}}
}

func allOn(cfg config.Augmentation) config.Augmentation {
	cfg.Prob = config.Probabilities{
		Flip: 1, Rotate: 1, Scale: 1, GaussNoise: 1,
		Contrast: 1, Gamma: 1, Distortion: 1, RandomAffine: 1,
	}
	cfg.ColorJitter = config.ColorJitter{Brightness: 0.2, Contrast: 0.2, Saturation: 0.2, Hue: 0.1}
	return cfg
}

func TestZeroProbabilitiesMatchValidationGeometry(t *testing.T) {
	s := noiseSample(t, 3, 60, 80, 1)

	train, err := NewTrainPipeline(quietConfig(48, 64))
	require.NoError(t, err)
	val, err := NewValidationPipeline(quietConfig(48, 64), WithNormalization(nil))
	require.NoError(t, err)

	got, err := train.Apply(rand.New(rand.NewSource(3)), s)
	require.NoError(t, err)
	want, err := val.Apply(nil, s)
	require.NoError(t, err)

	assert.Equal(t, tensors.CopyFlatData[float32](want.Image), tensors.CopyFlatData[float32](got.Image))
	assert.Equal(t, tensors.CopyFlatData[float32](want.Mask), tensors.CopyFlatData[float32](got.Mask))
	assert.Equal(t, []algorithms.Kind{algorithms.KindResize, algorithms.KindToTensor}, got.Trace.Applied())
}

func TestFixedSeedIsReproducible(t *testing.T) {
	s := noiseSample(t, 3, 90, 120, 2)
	cfg := allOn(quietConfig(40, 56))
	cfg.Crop = config.Size{Height: 64, Width: 80}

	p, err := NewTrainPipeline(cfg)
	require.NoError(t, err)

	a, err := p.Apply(rand.New(rand.NewSource(42)), s)
	require.NoError(t, err)
	b, err := p.Apply(rand.New(rand.NewSource(42)), s)
	require.NoError(t, err)

	assert.Equal(t, tensors.CopyFlatData[float32](a.Image), tensors.CopyFlatData[float32](b.Image))
	assert.Equal(t, tensors.CopyFlatData[float32](a.Mask), tensors.CopyFlatData[float32](b.Mask))
	require.Len(t, b.Trace, len(a.Trace))
	for i := range a.Trace {
		assert.Equal(t, a.Trace[i].Kind, b.Trace[i].Kind)
		assert.Equal(t, a.Trace[i].Params, b.Trace[i].Params)
	}
	assert.Equal(t, p.Steps(), a.Trace.Applied())
}

func TestSampleIsNotModified(t *testing.T) {
	s := noiseSample(t, 3, 50, 50, 3)
	before, beforeMask := s.Image.ToBytes(), s.Mask.ToBytes()

	cfg := allOn(quietConfig(32, 32))
	cfg.Crop = config.Size{Height: 40, Width: 40}
	p, err := NewTrainPipeline(cfg)
	require.NoError(t, err)
	_, err = p.Apply(rand.New(rand.NewSource(7)), s)
	require.NoError(t, err)

	assert.Equal(t, before, s.Image.ToBytes())
	assert.Equal(t, beforeMask, s.Mask.ToBytes())
}

// The image is a copy of the mask, so any geometric step that treats them
// differently shows up as a pixel difference.
func TestGeometryIsShared(t *testing.T) {
	const h, w = 64, 96
	mask := make([]uint8, h*w)
	for y := 20; y < 30; y++ {
		for x := 40; x < 52; x++ {
			mask[y*w+x] = 255
		}
	}
	mask[5*w+7] = 255

	cfg := quietConfig(48, 48)
	cfg.Crop = config.Size{Height: 48, Width: 48}
	cfg.Prob.Flip = 1
	cfg.Prob.RandomAffine = 1
	p, err := NewTrainPipeline(cfg)
	require.NoError(t, err)

	for seed := int64(0); seed < 5; seed++ {
		s, err := NewSample(mask, 1, h, w, mask)
		require.NoError(t, err)
		out, err := p.Apply(rand.New(rand.NewSource(seed)), s)
		s.Close()
		require.NoError(t, err)

		assert.Equal(t, []int{1, 48, 48}, out.Image.Shape().Dimensions)
		assert.Equal(t, tensors.CopyFlatData[float32](out.Mask), tensors.CopyFlatData[float32](out.Image), "seed %d", seed)

		crop, ok := out.Trace.Find(algorithms.KindCrop)
		require.True(t, ok)
		assert.Contains(t, crop.Params, "top")
		assert.Contains(t, crop.Params, "left")
	}
}

func TestOutputShapesFollowTarget(t *testing.T) {
	cfg := allOn(quietConfig(36, 52))
	cfg.LongMask = true
	p, err := NewTrainPipeline(cfg)
	require.NoError(t, err)

	for i, extent := range []image.Point{{X: 30, Y: 20}, {X: 52, Y: 36}, {X: 200, Y: 75}} {
		s := noiseSample(t, 3, extent.Y, extent.X, int64(i))
		out, err := p.Apply(rand.New(rand.NewSource(int64(i))), s)
		require.NoError(t, err)

		assert.Equal(t, []int{3, 36, 52}, out.Image.Shape().Dimensions)
		assert.Equal(t, []int{36, 52}, out.Mask.Shape().Dimensions)
		assert.Equal(t, dtypes.Int64, out.Mask.DType())
		for _, v := range tensors.CopyFlatData[float32](out.Image) {
			require.True(t, v >= 0 && v <= 1)
		}
		for _, v := range tensors.CopyFlatData[int64](out.Mask) {
			require.True(t, v >= 0 && v < 4)
		}
	}
}

func TestFloatMaskInUnitRange(t *testing.T) {
	s := noiseSample(t, 3, 40, 40, 4)
	p, err := NewTrainPipeline(allOn(quietConfig(24, 24)))
	require.NoError(t, err)
	out, err := p.Apply(rand.New(rand.NewSource(1)), s)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, out.Mask.DType())
	for _, v := range tensors.CopyFlatData[float32](out.Mask) {
		require.True(t, v >= 0 && v <= 1)
	}
}

func TestValidationNormalizes(t *testing.T) {
	s := noiseSample(t, 3, 45, 70, 5)
	cfg := config.DefaultValidation()
	cfg.ImageSize = config.Size{Height: 30, Width: 40}
	p, err := NewValidationPipeline(cfg)
	require.NoError(t, err)

	out, err := p.Apply(nil, s)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int64, out.Mask.DType())

	ref, refMask, err := ReferencePair(s, image.Pt(40, 30))
	require.NoError(t, err)
	defer ref.Close()
	defer refMask.Close()

	pix := ref.ToBytes()
	got := tensors.CopyFlatData[float32](out.Image)
	plane := 30 * 40
	for c := 0; c < 3; c++ {
		for i := 0; i < plane; i++ {
			x := float64(pix[i*3+c]) / 255
			want := (x - algorithms.ImageNet.Mean[c]) / algorithms.ImageNet.Std[c]
			require.InDelta(t, want, got[c*plane+i], 1e-5)
		}
	}
	labels := refMask.ToBytes()
	for i, v := range tensors.CopyFlatData[int64](out.Mask) {
		require.Equal(t, int64(labels[i]), v)
	}
}

func TestResizedBlockStaysSingleRegion(t *testing.T) {
	const h, w = 400, 600
	s := noiseSample(t, 3, h, w, 6)
	block := make([]byte, h*w)
	for y := 50; y < 60; y++ {
		for x := 50; x < 60; x++ {
			block[y*w+x] = 5
		}
	}
	mask, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, block)
	require.NoError(t, err)
	s.Mask.Close()
	s.Mask = mask

	cfg := quietConfig(336, 544)
	cfg.LongMask = true
	p, err := NewTrainPipeline(cfg)
	require.NoError(t, err)
	out, err := p.Apply(rand.New(rand.NewSource(8)), s)
	require.NoError(t, err)

	labels := tensors.CopyFlatData[int64](out.Mask)
	top, left, bottom, right, count := 336, 544, -1, -1, 0
	for i, v := range labels {
		if v == 0 {
			continue
		}
		require.Equal(t, int64(5), v)
		y, x := i/544, i%544
		top, left = min(top, y), min(left, x)
		bottom, right = max(bottom, y), max(right, x)
		count++
	}
	require.Positive(t, count)
	assert.Equal(t, (bottom-top+1)*(right-left+1), count, "non-zero labels form one rectangle")
	assert.InDelta(t, 50*336.0/400, top, 1)
	assert.InDelta(t, 50*544.0/600, left, 1)
	assert.InDelta(t, 60*336.0/400, bottom+1, 1)
	assert.InDelta(t, 60*544.0/600, right+1, 1)
}

func TestImageOnlyVariant(t *testing.T) {
	s := noiseSample(t, 3, 40, 60, 9)
	p, err := NewImageOnlyPipeline(allOn(quietConfig(32, 32)))
	require.NoError(t, err)
	assert.Equal(t, Capabilities{}, p.Capabilities())

	out, err := p.Apply(rand.New(rand.NewSource(1)), s)
	require.NoError(t, err)
	assert.Nil(t, out.Mask)
	assert.Equal(t, []int{3, 32, 32}, out.Image.Shape().Dimensions)

	img, err := NewSample(make([]uint8, 3*40*60), 3, 40, 60, nil)
	require.NoError(t, err)
	defer img.Close()
	_, err = p.Apply(rand.New(rand.NewSource(1)), img)
	assert.NoError(t, err)
}

func TestColorJitterIsUngated(t *testing.T) {
	s := noiseSample(t, 3, 40, 40, 10)
	cfg := quietConfig(32, 32)
	cfg.ColorJitter = config.ColorJitter{Brightness: 0.3}
	p, err := NewTrainPipeline(cfg)
	require.NoError(t, err)

	for seed := int64(0); seed < 10; seed++ {
		out, err := p.Apply(rand.New(rand.NewSource(seed)), s)
		require.NoError(t, err)
		rec, ok := out.Trace.Find(algorithms.KindColorJitter)
		require.True(t, ok)
		assert.True(t, rec.Applied)
		assert.Contains(t, rec.Params, "brightness")
		flip, _ := out.Trace.Find(algorithms.KindFlip)
		assert.False(t, flip.Applied)
	}
}

func TestApplyErrors(t *testing.T) {
	s := noiseSample(t, 3, 20, 20, 11)

	cfg := quietConfig(16, 16)
	cfg.Crop = config.Size{Height: 32, Width: 8}
	p, err := NewTrainPipeline(cfg)
	require.NoError(t, err)
	_, err = p.Apply(rand.New(rand.NewSource(1)), s)
	assert.True(t, errors.Is(err, algorithms.ErrCropTooLarge))

	p, err = NewTrainPipeline(quietConfig(16, 16))
	require.NoError(t, err)
	_, err = p.Apply(nil, s)
	assert.Error(t, err)

	noMask, err := NewSample(make([]uint8, 20*20), 1, 20, 20, nil)
	require.NoError(t, err)
	defer noMask.Close()
	_, err = p.Apply(rand.New(rand.NewSource(1)), noMask)
	assert.True(t, errors.Is(err, ErrUnsupportedInput))

	img := gocv.NewMatWithSize(20, 20, gocv.MatTypeCV8UC3)
	mask := gocv.NewMatWithSize(10, 20, gocv.MatTypeCV8UC1)
	bad := &Sample{Image: img, Mask: mask}
	defer bad.Close()
	_, err = p.Apply(rand.New(rand.NewSource(1)), bad)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = NewTrainPipeline(quietConfig(0, 16))
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestSampleFromTensors(t *testing.T) {
	img := tensors.FromFlatDataAndDimensions([]uint8{1, 2, 10, 20, 100, 200}, 3, 1, 2)
	mask := tensors.FromFlatDataAndDimensions([]uint8{0, 1}, 1, 2)
	s, err := SampleFromTensors(img, mask)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []byte{1, 10, 100, 2, 20, 200}, s.Image.ToBytes())
	assert.Equal(t, []byte{0, 1}, s.Mask.ToBytes())
	assert.Equal(t, 1, s.Height())
	assert.Equal(t, 2, s.Width())

	_, err = SampleFromTensors(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 1, 2), nil)
	assert.True(t, errors.Is(err, ErrUnsupportedInput))

	wrong := tensors.FromFlatDataAndDimensions([]uint8{0, 1, 2}, 1, 3)
	_, err = SampleFromTensors(img, wrong)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = NewSample([]uint8{1, 2, 3}, 3, 1, 2, nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = NewSample([]uint8{1, 2, 3, 4}, 4, 1, 1, nil)
	assert.True(t, errors.Is(err, ErrUnsupportedInput))
}

type countingRecorder struct {
	mu      sync.Mutex
	steps   map[string]int
	applied map[string]int
	samples int
}

func (r *countingRecorder) ObserveStep(_, step string, applied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step]++
	if applied {
		r.applied[step]++
	}
}

func (r *countingRecorder) ObserveSample(string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples++
}

func TestApplyBatchMatchesSequential(t *testing.T) {
	samples := []*Sample{
		noiseSample(t, 3, 50, 50, 20),
		noiseSample(t, 3, 60, 40, 21),
		noiseSample(t, 3, 45, 70, 22),
		noiseSample(t, 3, 32, 32, 23),
	}
	rec := &countingRecorder{steps: map[string]int{}, applied: map[string]int{}}
	cfg := allOn(quietConfig(24, 24))
	cfg.Prob.Flip = 0.5
	p, err := NewTrainPipeline(cfg, WithRecorder(rec))
	require.NoError(t, err)

	outs, err := p.ApplyBatch(t.Context(), 100, samples, 2)
	require.NoError(t, err)
	require.Len(t, outs, len(samples))

	for i, s := range samples {
		want, err := p.Apply(rand.New(rand.NewSource(100+int64(i))), s)
		require.NoError(t, err)
		assert.Equal(t, tensors.CopyFlatData[float32](want.Image), tensors.CopyFlatData[float32](outs[i].Image))
		assert.Equal(t, tensors.CopyFlatData[float32](want.Mask), tensors.CopyFlatData[float32](outs[i].Mask))
	}

	assert.Equal(t, 2*len(samples), rec.samples)
	assert.Equal(t, 2*len(samples), rec.steps["gamma"])
	assert.Equal(t, 2*len(samples), rec.applied["resize"])
	assert.Zero(t, rec.steps["crop"])
}

func TestApplyBatchStopsOnError(t *testing.T) {
	cfg := quietConfig(16, 16)
	cfg.Crop = config.Size{Height: 40, Width: 40}
	p, err := NewTrainPipeline(cfg)
	require.NoError(t, err)

	samples := []*Sample{noiseSample(t, 3, 50, 50, 1), noiseSample(t, 3, 20, 20, 2)}
	_, err = p.ApplyBatch(t.Context(), 1, samples, 1)
	assert.True(t, errors.Is(err, algorithms.ErrCropTooLarge))
}

func TestParseVariant(t *testing.T) {
	for _, v := range []Variant{VariantTrain, VariantImageOnly, VariantValidation} {
		got, err := ParseVariant(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := ParseVariant("test")
	assert.Error(t, err)
}

type cloneStep struct{}

func (cloneStep) Kind() algorithms.Kind { return algorithms.KindGamma }

func (cloneStep) Apply(_ *rand.Rand, in algorithms.Pair) (algorithms.Pair, algorithms.Params, error) {
	return algorithms.Pair{Image: in.Image.Clone(), Mask: in.Mask.Clone()}, nil, nil
}

type panicStep struct{}

func (panicStep) Kind() algorithms.Kind { return algorithms.KindFlip }

func (panicStep) Apply(_ *rand.Rand, in algorithms.Pair) (algorithms.Pair, algorithms.Params, error) {
	panic("primitive failed")
}

func TestApplyRecoversStepPanic(t *testing.T) {
	s := noiseSample(t, 3, 12, 12, 21)
	before, beforeMask := s.Image.ToBytes(), s.Mask.ToBytes()

	p, err := NewTrainPipeline(quietConfig(8, 8))
	require.NoError(t, err)
	p.stages = []stage{{step: cloneStep{}}, {step: panicStep{}}}

	out, err := p.Apply(rand.New(rand.NewSource(1)), s)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "primitive failed")

	assert.Equal(t, before, s.Image.ToBytes())
	assert.Equal(t, beforeMask, s.Mask.ToBytes())

	p.stages = []stage{{step: cloneStep{}}, {step: algorithms.Resize{Size: image.Pt(8, 8)}}}
	out, err = p.Apply(rand.New(rand.NewSource(1)), s)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 8}, out.Image.Shape().Dimensions)
}
