package main

import (
	"github.com/spf13/cobra"

	"joint-augmentation/internal/config"
	"joint-augmentation/internal/core"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long:  `Resolves defaults for the selected variant, the YAML file and SEGAUG_ environment overrides, validates the result and prints it.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v, err := core.ParseVariant(variant)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(v)
		if err != nil {
			return err
		}
		out, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// loadConfig starts from the defaults of v and applies the file and
// environment overlays.
func loadConfig(v core.Variant) (config.Augmentation, error) {
	base := config.Default()
	if v == core.VariantValidation {
		base = config.DefaultValidation()
	}
	return config.Load(configPath, base)
}
