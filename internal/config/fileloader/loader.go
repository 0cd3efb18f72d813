package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/config"
)

// FileLoader loads configuration from a YAML file on disk. Keys missing from
// the file keep their default values.
type FileLoader struct {
	// path is the filesystem path to the configuration file.
	path string
}

// NewFileLoader creates a FileLoader reading from path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads the file, layers it over config.DefaultConfig and validates the
// result.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := config.DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
