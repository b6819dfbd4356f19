// Image and mask loading for the augmentation CLI
package io

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"joint-augmentation/internal/core"
)

var supportedFormats = []string{".jpg", ".jpeg", ".png", ".tiff", ".tif", ".bmp"}

// ImageLoader reads images and label masks from disk.
type ImageLoader struct {
	logger logrus.FieldLogger
}

func NewImageLoader(logger logrus.FieldLogger) *ImageLoader {
	return &ImageLoader{logger: logger}
}

// LoadImage reads a colour image and converts it to RGB channel order.
func (il *ImageLoader) LoadImage(path string) (gocv.Mat, error) {
	il.logger.WithField("filepath", path).Debug("Loading image")

	bgr, err := il.read(path, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer bgr.Close()

	rgb := gocv.NewMat()
	if err := gocv.CvtColor(bgr, &rgb, gocv.ColorBGRToRGB); err != nil {
		rgb.Close()
		return gocv.NewMat(), errors.Wrapf(err, "convert %s to RGB", path)
	}

	il.logger.WithFields(logrus.Fields{
		"filepath": path,
		"width":    rgb.Cols(),
		"height":   rgb.Rows(),
		"channels": rgb.Channels(),
	}).Info("Image loaded successfully")
	return rgb, nil
}

// LoadMask reads a single-channel label mask. Pixel values are kept as is.
func (il *ImageLoader) LoadMask(path string) (gocv.Mat, error) {
	il.logger.WithField("filepath", path).Debug("Loading mask")

	mask, err := il.read(path, gocv.IMReadGrayScale)
	if err != nil {
		return gocv.NewMat(), err
	}
	il.logger.WithFields(logrus.Fields{
		"filepath": path,
		"width":    mask.Cols(),
		"height":   mask.Rows(),
	}).Info("Mask loaded successfully")
	return mask, nil
}

// LoadSample reads an image and, when maskPath is not empty, its mask.
func (il *ImageLoader) LoadSample(imagePath, maskPath string) (*core.Sample, error) {
	img, err := il.LoadImage(imagePath)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	if maskPath != "" {
		m, err := il.LoadMask(maskPath)
		if err != nil {
			return nil, err
		}
		mask.Close()
		mask = m
	}

	s, err := core.SampleFromMats(img, mask)
	if err != nil {
		return nil, errors.WithMessagef(err, "sample %s", imagePath)
	}
	return s, nil
}

func (il *ImageLoader) read(path string, flags gocv.IMReadFlag) (gocv.Mat, error) {
	if !IsSupportedFormat(path) {
		return gocv.NewMat(), errors.Errorf("unsupported image format: %s", path)
	}
	mat := gocv.IMRead(path, flags)
	if mat.Empty() {
		mat.Close()
		return gocv.NewMat(), errors.Errorf("failed to load image: %s", path)
	}
	return mat, nil
}

// SaveImage writes an RGB or single-channel Mat.
func (il *ImageLoader) SaveImage(mat gocv.Mat, path string) error {
	il.logger.WithField("filepath", path).Debug("Saving image")

	if mat.Empty() {
		return errors.New("cannot save empty image")
	}
	if !IsSupportedFormat(path) {
		return errors.Errorf("unsupported image format: %s", path)
	}

	out := mat
	if mat.Channels() == 3 {
		bgr := gocv.NewMat()
		defer bgr.Close()
		if err := gocv.CvtColor(mat, &bgr, gocv.ColorRGBToBGR); err != nil {
			return errors.Wrapf(err, "convert %s to BGR", path)
		}
		out = bgr
	}
	if !gocv.IMWrite(path, out) {
		return errors.Errorf("failed to save image: %s", path)
	}
	return nil
}

// IsSupportedFormat reports whether the extension of path is readable.
func IsSupportedFormat(path string) bool {
	return slices.Contains(supportedFormats, strings.ToLower(filepath.Ext(path)))
}
