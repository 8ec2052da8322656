package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/c360/sessionflow/errors"
)

// EnvPrefix is the prefix of environment variables read by Load
const EnvPrefix = "SESSIONFLOW_"

const maxConfigFileSize = 1024 * 1024

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Config", "Load", fmt.Sprintf("stat %s", path))
		}
		if info.Size() > maxConfigFileSize {
			return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Load",
				fmt.Sprintf("%s is larger than %d bytes", path, maxConfigFileSize))
		}
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Config", "Load", fmt.Sprintf("read %s", path))
		}
	}
	return LoadBytes(content)
}

// LoadBytes builds a configuration from raw YAML and the environment
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, errors.WrapFatal(err, "Config", "LoadBytes", "parse yaml")
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.WrapFatal(err, "Config", "LoadBytes", "load environment")
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.WrapFatal(err, "Config", "LoadBytes", "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps SESSIONFLOW_SECTION_FIELD_NAME to section.field_name
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}
