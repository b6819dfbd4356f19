package main

import (
	"context"
	"image"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"joint-augmentation/internal/core"
	imgio "joint-augmentation/internal/io"
	"joint-augmentation/internal/metrics"
	"joint-augmentation/internal/telemetry"
)

var (
	imagePath   string
	maskPath    string
	outDir      string
	count       int
	seed        int64
	workers     int
	previewMax  int
	metricsAddr string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Augment one image (and mask) several times",
		Long: `Loads an image and optional mask, applies the selected pipeline variant --count times
with generators seeded --seed, --seed+1, ... and writes the image and mask tensors plus a PNG
preview of every result to --out.`,
		Args: cobra.NoArgs,
		RunE: runAugment,
	}
)

func init() {
	runCmd.Flags().StringVarP(&imagePath, "image", "i", "", "input image")
	runCmd.Flags().StringVarP(&maskPath, "mask", "m", "", "input label mask")
	runCmd.Flags().StringVarP(&outDir, "out", "o", "augmented", "output directory")
	runCmd.Flags().IntVarP(&count, "count", "n", 8, "number of augmented samples")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "seed of the first sample")
	runCmd.Flags().IntVar(&workers, "workers", 0, "concurrent samples (0: GOMAXPROCS)")
	runCmd.Flags().IntVar(&previewMax, "preview-max", 0, "bound preview width and height (0: tensor size)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	_ = runCmd.MarkFlagRequired("image")
}

func runAugment(cmd *cobra.Command, _ []string) error {
	logger := initLogger(debugMode)
	if count <= 0 {
		return errors.Errorf("--count must be positive, got %d", count)
	}
	v, err := core.ParseVariant(variant)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	recorder := telemetry.NewRecorder(reg)
	if metricsAddr != "" {
		srv := telemetry.Expose(metricsAddr, reg, logger)
		defer srv.Close()
		logger.WithField("addr", metricsAddr).Info("Serving metrics")
	}

	pipeline, err := core.New(v, cfg, core.WithLogger(logger), core.WithRecorder(recorder))
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"version":    AppVersion,
		"variant":    v.String(),
		"image_size": cfg.ImageSize.String(),
		"crop":       cfg.Crop.String(),
		"count":      count,
		"seed":       seed,
	}).Info("Starting augmentation")

	if pipeline.Capabilities().HasMask && maskPath == "" {
		return errors.Errorf("variant %s needs --mask", v)
	}
	loader := imgio.NewImageLoader(logger)
	sample, err := loader.LoadSample(imagePath, maskPath)
	if err != nil {
		return err
	}
	defer sample.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	samples := make([]*core.Sample, count)
	for i := range samples {
		samples[i] = sample
	}
	start := time.Now()
	outputs, err := pipeline.ApplyBatch(ctx, seed, samples, workers)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"count":      count,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}).Info("Augmentation finished")

	return export(ctx, logger, pipeline, sample, outputs)
}

func export(ctx context.Context, logger logrus.FieldLogger, pipeline *core.Pipeline, sample *core.Sample, outputs []*core.Output) error {
	exporter := imgio.NewExporter(outDir, logger)
	exporter.Normalization = pipeline.Normalization()
	exporter.PreviewMax = previewMax

	dims := outputs[0].Image.Shape().Dimensions
	reference, refMask, err := core.ReferencePair(sample, image.Pt(dims[2], dims[1]))
	if err != nil {
		return err
	}
	defer reference.Close()
	defer refMask.Close()
	evaluator := metrics.NewEvaluator()

	bar := progressbar.NewOptions(len(outputs),
		progressbar.OptionSetDescription("exporting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	var total int64
	for i, out := range outputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		written, err := exporter.Save(i, out)
		if err != nil {
			return err
		}
		total += written.Bytes

		augmented, err := metrics.MatFromTensor(out.Image, pipeline.Normalization())
		if err != nil {
			return err
		}
		fields := logrus.Fields{"index": i, "applied": len(out.Trace.Applied())}
		for name, value := range evaluator.CalculateAll(reference, augmented) {
			fields[name] = value
		}
		augmented.Close()
		logger.WithFields(fields).Info("Sample exported")
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	logger.WithFields(logrus.Fields{
		"dir":   outDir,
		"files": len(outputs),
		"size":  humanize.Bytes(uint64(total)),
	}).Info("Export complete")
	return nil
}
