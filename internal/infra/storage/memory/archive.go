package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

var _ storage.ArchiveSink = (*ArchiveSink)(nil)

// ArchiveSink keeps archived objects in memory.
type ArchiveSink struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

// NewArchiveSink creates an empty sink.
func NewArchiveSink() *ArchiveSink {
	return &ArchiveSink{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (a *ArchiveSink) Store(_ context.Context, name string, data []byte, contentType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[name] = append([]byte(nil), data...)
	a.types[name] = contentType
	return nil
}

// Object returns a stored object and its content type.
func (a *ArchiveSink) Object(name string) ([]byte, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[name]
	return append([]byte(nil), data...), a.types[name], ok
}

// Names lists stored object names in ascending order.
func (a *ArchiveSink) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.objects))
	for n := range a.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
