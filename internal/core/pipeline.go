// internal/core/pipeline.go
// Joint augmentation pipeline shared by the train, image-only and validation variants
package core

import (
	"image"
	"io"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"joint-augmentation/internal/algorithms"
	"joint-augmentation/internal/config"
)

// Variant names the three pipeline configurations.
type Variant int

const (
	VariantTrain Variant = iota
	VariantImageOnly
	VariantValidation
)

func (v Variant) String() string {
	switch v {
	case VariantTrain:
		return "train"
	case VariantImageOnly:
		return "train_image_only"
	case VariantValidation:
		return "validation"
	}
	return "unknown"
}

// ParseVariant maps a variant name back to its value.
func ParseVariant(name string) (Variant, error) {
	for _, v := range []Variant{VariantTrain, VariantImageOnly, VariantValidation} {
		if v.String() == name {
			return v, nil
		}
	}
	return 0, errors.Errorf("unknown variant %q", name)
}

// Capabilities distinguish the variants.
type Capabilities struct {
	HasMask       bool
	Deterministic bool
}

func (v Variant) capabilities() Capabilities {
	switch v {
	case VariantImageOnly:
		return Capabilities{}
	case VariantValidation:
		return Capabilities{HasMask: true, Deterministic: true}
	}
	return Capabilities{HasMask: true}
}

// Recorder receives per-step and per-sample observations.
type Recorder interface {
	ObserveStep(variant, step string, applied bool)
	ObserveSample(variant string, d time.Duration)
}

// stage is a step plus its firing rule. Gated stages draw once per
// invocation whether or not prob is zero.
type stage struct {
	step  algorithms.Step
	prob  float64
	gated bool
}

// Pipeline is immutable after construction and safe for concurrent use as
// long as each goroutine passes its own *rand.Rand.
type Pipeline struct {
	variant  Variant
	caps     Capabilities
	stages   []stage
	final    algorithms.ToTensor
	logger   logrus.FieldLogger
	recorder Recorder
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger routes step traces to logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder reports step and sample observations to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithNormalization overrides the channel normalization of the final tensor.
// A nil value disables normalization.
func WithNormalization(n *algorithms.Normalization) Option {
	return func(p *Pipeline) { p.final.Normalize = n }
}

// NewTrainPipeline builds the randomized image+mask variant.
func NewTrainPipeline(cfg config.Augmentation, opts ...Option) (*Pipeline, error) {
	return New(VariantTrain, cfg, opts...)
}

// NewImageOnlyPipeline builds the randomized variant without mask handling.
func NewImageOnlyPipeline(cfg config.Augmentation, opts ...Option) (*Pipeline, error) {
	return New(VariantImageOnly, cfg, opts...)
}

// NewValidationPipeline builds the deterministic resize-and-normalize variant.
// Only ImageSize and LongMask of cfg are used.
func NewValidationPipeline(cfg config.Augmentation, opts ...Option) (*Pipeline, error) {
	return New(VariantValidation, cfg, opts...)
}

// New validates cfg and assembles the step list for variant.
func New(variant Variant, cfg config.Augmentation, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	caps := variant.capabilities()
	p := &Pipeline{
		variant: variant,
		caps:    caps,
		logger:  discardLogger(),
		final:   algorithms.ToTensor{LongMask: cfg.LongMask && caps.HasMask},
	}

	target := image.Pt(cfg.ImageSize.Width, cfg.ImageSize.Height)
	if caps.Deterministic {
		p.stages = []stage{{step: algorithms.Resize{Size: target}}}
		p.final.Normalize = &algorithms.ImageNet
	} else {
		p.stages = randomStages(cfg, target)
	}

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func randomStages(cfg config.Augmentation, target image.Point) []stage {
	gated := func(s algorithms.Step, prob float64) stage {
		return stage{step: s, prob: prob, gated: true}
	}
	stages := []stage{gated(algorithms.Gamma{MinTenths: 10, MaxTenths: 25}, cfg.Prob.Gamma)}
	if cfg.HasCrop() {
		stages = append(stages, stage{step: algorithms.Crop{Size: image.Pt(cfg.Crop.Width, cfg.Crop.Height)}})
	}
	stages = append(stages,
		gated(algorithms.Flip{}, cfg.Prob.Flip),
		gated(algorithms.Rotate{MaxDegrees: 30}, cfg.Prob.Rotate),
		gated(algorithms.Scale{Target: target, Min: 1, Max: 1.3}, cfg.Prob.Scale),
		gated(algorithms.GaussianNoise{Min: 3, Max: 15}, cfg.Prob.GaussNoise),
		gated(algorithms.Contrast{Min: 0.8, Max: 2.0}, cfg.Prob.Contrast),
		gated(algorithms.Distortion{ShearMin: 5, ShearMax: 30}, cfg.Prob.Distortion),
	)
	if j := cfg.ColorJitter; j.Enabled() {
		stages = append(stages, stage{step: algorithms.ColorJitter{
			Brightness: j.Brightness,
			Contrast:   j.Contrast,
			Saturation: j.Saturation,
			Hue:        j.Hue,
		}})
	}
	return append(stages,
		gated(algorithms.Affine{Degrees: 90, Translate: 0.1, Target: target, Scale: 2, Shear: 45}, cfg.Prob.RandomAffine),
		stage{step: algorithms.Resize{Size: target}},
	)
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Variant reports which configuration p was built for.
func (p *Pipeline) Variant() Variant { return p.variant }

// Capabilities reports the mask and determinism flags of p.
func (p *Pipeline) Capabilities() Capabilities { return p.caps }

// Normalization reports the channel normalization of the image tensor, nil
// when the image is only scaled to [0,1].
func (p *Pipeline) Normalization() *algorithms.Normalization { return p.final.Normalize }

// Steps lists the configured step kinds in execution order, ending with the
// tensor conversion.
func (p *Pipeline) Steps() []algorithms.Kind {
	kinds := make([]algorithms.Kind, 0, len(p.stages)+1)
	for _, s := range p.stages {
		kinds = append(kinds, s.step.Kind())
	}
	return append(kinds, p.final.Kind())
}

// Apply runs the pipeline over one sample. The sample is not modified.
// rng may be nil for the deterministic variant only.
func (p *Pipeline) Apply(rng *rand.Rand, s *Sample) (out *Output, err error) {
	var input, cur algorithms.Pair
	defer func() {
		if r := recover(); r != nil {
			cur.Release(input)
			out = nil
			err = errors.Errorf("%s pipeline panicked: %v", p.variant, r)
		}
	}()

	if rng == nil && !p.caps.Deterministic {
		return nil, errors.Errorf("%s pipeline requires a random source", p.variant)
	}
	if s == nil {
		return nil, errors.Wrap(ErrUnsupportedInput, "nil sample")
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	if p.caps.HasMask && !s.HasMask() {
		return nil, errors.Wrapf(ErrUnsupportedInput, "%s pipeline requires a mask", p.variant)
	}

	start := time.Now()
	input = algorithms.Pair{Image: s.Image}
	if p.caps.HasMask {
		input.Mask = s.Mask
	}

	cur = input
	trace := make(Trace, 0, len(p.stages)+1)
	for _, st := range p.stages {
		fire := true
		if st.gated {
			fire = rng.Float64() < st.prob
		}
		rec := StepRecord{Kind: st.step.Kind(), Applied: fire}
		if fire {
			t0 := time.Now()
			next, params, err := st.step.Apply(rng, cur)
			if err != nil {
				cur.Release(input)
				return nil, errors.WithMessagef(err, "%s step %s", p.variant, st.step.Kind())
			}
			cur.Release(next, input)
			cur = next
			rec.Params = params
			rec.Duration = time.Since(t0)
		}
		trace = append(trace, rec)
		p.observeStep(rec)
	}

	t0 := time.Now()
	img, mask, err := p.final.Convert(cur)
	cur.Release(input)
	cur = input
	if err != nil {
		return nil, errors.WithMessagef(err, "%s step %s", p.variant, p.final.Kind())
	}
	rec := StepRecord{Kind: p.final.Kind(), Applied: true, Duration: time.Since(t0)}
	trace = append(trace, rec)
	p.observeStep(rec)

	elapsed := time.Since(start)
	if p.recorder != nil {
		p.recorder.ObserveSample(p.variant.String(), elapsed)
	}
	logTrace(p.logger, p.variant, trace)
	p.logger.WithFields(logrus.Fields{
		"variant":    p.variant.String(),
		"applied":    len(trace.Applied()),
		"elapsed_ms": elapsed.Milliseconds(),
	}).Debug("PIPELINE: sample processed")

	return &Output{Image: img, Mask: mask, Trace: trace}, nil
}

func (p *Pipeline) observeStep(rec StepRecord) {
	if p.recorder != nil {
		p.recorder.ObserveStep(p.variant.String(), rec.Kind.String(), rec.Applied)
	}
}

// ReferencePair resizes the sample to size with the validation geometry and
// no normalization. The mask Mat is empty when s has no mask. Callers close
// the returned Mats.
func ReferencePair(s *Sample, size image.Point) (gocv.Mat, gocv.Mat, error) {
	if err := s.validate(); err != nil {
		return gocv.Mat{}, gocv.Mat{}, err
	}
	out, _, err := algorithms.Resize{Size: size}.Apply(nil, s.pair())
	if err != nil {
		return gocv.Mat{}, gocv.Mat{}, err
	}
	if !out.HasMask() {
		return out.Image, gocv.NewMat(), nil
	}
	return out.Image, out.Mask, nil
}
