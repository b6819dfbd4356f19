// Joint Image/Mask Augmentation - Command Line Tool
// Author: Ervins Strauhmanis
// License: MIT
// Version: 1.0.0 - Train, Image-Only and Validation Pipelines

// Command augment runs the joint image/mask augmentation pipelines from the
// command line.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const AppVersion = "1.0.0"

var (
	debugMode  bool
	configPath string
	variant    string

	rootCmd = &cobra.Command{
		Use:           "augment",
		Short:         "Joint image/mask augmentation for segmentation training",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug mode with verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&variant, "variant", "train", "Pipeline variant: train, train_image_only or validation")

	rootCmd.AddCommand(runCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		initLogger(debugMode).WithError(err).Error("augment failed")
		os.Exit(1)
	}
}

// initLogger initializes the logger with appropriate level
func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}
