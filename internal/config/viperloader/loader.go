// Package viperloader layers an optional config file and ADDER_* environment
// variables over the default configuration.
package viperloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/config"
)

// EnvPrefix prefixes every environment override, e.g. ADDER_STORAGE_BACKEND.
const EnvPrefix = "ADDER"

// Loader resolves configuration in increasing precedence: defaults, the file
// at path (if any) and then environment variables.
type Loader struct {
	path string
}

// New creates a Loader. An empty path skips the file layer.
func New(path string) *Loader { return &Loader{path: path} }

// Load implements config.Loader.
func (l *Loader) Load(ctx context.Context) (*config.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")

	// Seeding from the defaults registers every key, which AutomaticEnv needs
	// to resolve nested overrides during Unmarshal.
	defaults, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
