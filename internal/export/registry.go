// Package export renders job outputs in client requested formats.
package export

import (
	"context"
	"sort"
	"sync"

	"github.com/seantiz/tremor/internal/model"
)

// Exporter writes o in the given format into dir and returns the path of the
// written file. An empty path means the format is not supported for the
// output.
type Exporter interface {
	Export(ctx context.Context, o *model.Output, dir, exportType string) (string, error)
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(ctx context.Context, o *model.Output, dir, exportType string) (string, error)

// Export implements Exporter.
func (f ExporterFunc) Export(ctx context.Context, o *model.Output, dir, exportType string) (string, error) {
	return f(ctx, o, dir, exportType)
}

// Registry dispatches to exporters by output type and export type.
type Registry struct {
	mu        sync.RWMutex
	exporters map[string]map[string]Exporter
}

var _ Exporter = (*Registry)(nil)

// NewRegistry creates an empty exporter registry.
func NewRegistry() *Registry {
	return &Registry{exporters: make(map[string]map[string]Exporter)}
}

// Register makes e the exporter of outputType in exportType.
func (r *Registry) Register(outputType, exportType string, e Exporter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byType, ok := r.exporters[outputType]
	if !ok {
		byType = make(map[string]Exporter)
		r.exporters[outputType] = byType
	}
	byType[exportType] = e
}

// Formats returns the export types registered for outputType, sorted.
func (r *Registry) Formats(outputType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	formats := make([]string, 0, len(r.exporters[outputType]))
	for f := range r.exporters[outputType] {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

// Export implements Exporter. Unregistered combinations return an empty path.
func (r *Registry) Export(ctx context.Context, o *model.Output, dir, exportType string) (string, error) {
	r.mu.RLock()
	e, ok := r.exporters[o.OutputType][exportType]
	r.mu.RUnlock()
	if !ok {
		return "", nil
	}
	return e.Export(ctx, o, dir, exportType)
}
