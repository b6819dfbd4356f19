package config

import (
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use "__",
// e.g. SEGAUG_IMAGE_SIZE__HEIGHT=512 or SEGAUG_PROB__FLIP=0.5.
const EnvPrefix = "SEGAUG_"

// SupportedSchema is the only accepted schema_version in YAML files.
const SupportedSchema = "v1"

// Load overlays the YAML file at path (optional, may be missing) and the
// environment on top of base, then validates the result.
func Load(path string, base Augmentation) (Augmentation, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Augmentation{}, errors.Wrapf(err, "load config %s", path)
		}
	}
	if sv := k.String("schema_version"); sv != "" && sv != SupportedSchema {
		return Augmentation{}, errors.Wrapf(ErrInvalidConfig, "schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	if err := k.Load(env.Provider(EnvPrefix, "__", envKey), nil); err != nil {
		return Augmentation{}, errors.Wrap(err, "load environment")
	}

	cfg := base
	if err := k.Unmarshal("", &cfg); err != nil {
		return Augmentation{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Augmentation{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

// Marshal renders the configuration as YAML with the schema version set.
func Marshal(a Augmentation) ([]byte, error) {
	doc := struct {
		SchemaVersion string `yaml:"schema_version"`
		Augmentation  `yaml:",inline"`
	}{SupportedSchema, a}
	out, err := yamlv3.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config")
	}
	return out, nil
}
