package filesystem

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	infrastorage "github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

var _ storage.ArchiveSink = (*ArchiveSink)(nil)

// ArchiveSink writes archived objects below a root directory. Object names
// use forward slashes and map onto subdirectories.
type ArchiveSink struct {
	root   string
	tracer trace.Tracer
}

func NewArchiveSink(root string, tracer trace.Tracer) *ArchiveSink {
	return &ArchiveSink{root: root, tracer: tracer}
}

func (a *ArchiveSink) Store(ctx context.Context, name string, data []byte, contentType string) error {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: archive name %q", storage.ErrInvalidKey, name)
	}
	attrs := []attribute.KeyValue{
		attribute.String("object", name),
		attribute.String("content_type", contentType),
		attribute.Int("data_size", len(data)),
	}
	return infrastorage.ExecuteAndTrace(ctx, a.tracer, "filesystem.store_archive", attrs, func(ctx context.Context) error {
		return writeAtomic(filepath.Join(a.root, clean), data)
	})
}
