package io

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"joint-augmentation/internal/algorithms"
	"joint-augmentation/internal/core"
)

// overlayColor marks labelled pixels in previews.
var overlayColor = color.NRGBA{R: 255, G: 32, B: 32, A: 255}

// Exporter writes pipeline outputs below a directory.
type Exporter struct {
	Dir string
	// Normalization applied to the image tensor, undone for previews.
	Normalization *algorithms.Normalization
	// PreviewMax bounds the preview width and height; zero keeps the
	// tensor size.
	PreviewMax int

	logger logrus.FieldLogger
}

func NewExporter(dir string, logger logrus.FieldLogger) *Exporter {
	return &Exporter{Dir: dir, logger: logger}
}

// Written lists the files produced for one output.
type Written struct {
	Image   string
	Mask    string
	Preview string
	Bytes   int64
}

// Save writes the image and mask tensors as gomlx tensor files and a PNG
// preview with the mask overlaid.
func (e *Exporter) Save(index int, out *core.Output) (Written, error) {
	if out == nil || out.Image == nil {
		return Written{}, errors.New("nothing to export")
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return Written{}, errors.Wrapf(err, "create %s", e.Dir)
	}

	base := filepath.Join(e.Dir, fmt.Sprintf("sample_%05d", index))
	w := Written{Image: base + "_image.tensor", Preview: base + "_preview.png"}
	if err := out.Image.Save(w.Image); err != nil {
		return w, err
	}
	if out.Mask != nil {
		w.Mask = base + "_mask.tensor"
		if err := out.Mask.Save(w.Mask); err != nil {
			return w, err
		}
	}

	preview, err := Preview(out, e.Normalization)
	if err != nil {
		return w, err
	}
	if e.PreviewMax > 0 {
		preview = imaging.Fit(preview, e.PreviewMax, e.PreviewMax, imaging.Lanczos)
	}
	if err := imaging.Save(preview, w.Preview); err != nil {
		return w, errors.Wrapf(err, "save preview %s", w.Preview)
	}

	for _, p := range []string{w.Image, w.Mask, w.Preview} {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil {
			w.Bytes += info.Size()
		}
	}
	e.logger.WithFields(logrus.Fields{
		"index": index,
		"dir":   e.Dir,
		"size":  humanize.Bytes(uint64(w.Bytes)),
	}).Debug("Output written")
	return w, nil
}

// Preview renders the image tensor back to 8-bit and tints labelled mask
// pixels. norm, when set, is undone first.
func Preview(out *core.Output, norm *algorithms.Normalization) (*image.NRGBA, error) {
	img, err := TensorImage(out.Image, norm)
	if err != nil {
		return nil, err
	}
	if out.Mask == nil {
		return img, nil
	}
	labels, err := maskLabels(out.Mask)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if len(labels) != bounds.Dx()*bounds.Dy() {
		return nil, errors.Wrapf(core.ErrShapeMismatch, "mask has %d pixels, image %dx%d", len(labels), bounds.Dy(), bounds.Dx())
	}

	layer := imaging.New(bounds.Dx(), bounds.Dy(), color.Transparent)
	for i, labelled := range labels {
		if labelled {
			layer.SetNRGBA(i%bounds.Dx(), i/bounds.Dx(), overlayColor)
		}
	}
	return imaging.Overlay(img, layer, image.Pt(0, 0), 0.5), nil
}

// TensorImage converts a float32 (C,H,W) tensor with C of 1 or 3 into an
// 8-bit image.
func TensorImage(t *tensors.Tensor, norm *algorithms.Normalization) (*image.NRGBA, error) {
	if t.DType() != dtypes.Float32 {
		return nil, errors.Wrapf(core.ErrUnsupportedInput, "image tensor dtype %s", t.DType())
	}
	dims := t.Shape().Dimensions
	if len(dims) != 3 || (dims[0] != 1 && dims[0] != 3) {
		return nil, errors.Wrapf(core.ErrUnsupportedInput, "image tensor dimensions %v", dims)
	}
	channels, h, w := dims[0], dims[1], dims[2]
	if norm != nil && (len(norm.Mean) != channels || len(norm.Std) != channels) {
		return nil, errors.Errorf("normalization has %d/%d entries for %d channels", len(norm.Mean), len(norm.Std), channels)
	}

	flat := tensors.CopyFlatData[float32](t)
	plane := h * w
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < plane; i++ {
		var rgb [3]uint8
		for c := 0; c < 3; c++ {
			src := c
			if channels == 1 {
				src = 0
			}
			v := float64(flat[src*plane+i])
			if norm != nil {
				v = v*norm.Std[src] + norm.Mean[src]
			}
			rgb[c] = toByte(v)
		}
		img.SetNRGBA(i%w, i/w, color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255})
	}
	return img, nil
}

func toByte(v float64) uint8 {
	v = v*255 + 0.5
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

func maskLabels(t *tensors.Tensor) ([]bool, error) {
	var labels []bool
	switch t.DType() {
	case dtypes.Float32:
		for _, v := range tensors.CopyFlatData[float32](t) {
			labels = append(labels, v != 0)
		}
	case dtypes.Int64:
		for _, v := range tensors.CopyFlatData[int64](t) {
			labels = append(labels, v != 0)
		}
	default:
		return nil, errors.Wrapf(core.ErrUnsupportedInput, "mask tensor dtype %s", t.DType())
	}
	return labels, nil
}
