package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/safely"
	"github.com/seantiz/tremor/internal/store"
	"github.com/seantiz/tremor/internal/workspace"
)

// DefaultExportType is used when a request names no export type.
const DefaultExportType = "xml"

const defaultContentType = "text/plain"

var contentTypes = map[string]string{
	"xml":     "application/xml",
	"geojson": "application/json",
	"json":    "application/json",
	"csv":     "text/csv",
}

var exportsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tremor_exports_total",
		Help: "Total number of result exports by format and outcome.",
	},
	[]string{"export_type", "outcome"},
)

func init() {
	prometheus.MustRegister(exportsTotal)
}

// ContentType returns the MIME type of an export type.
func ContentType(exportType string) string {
	if ct, ok := contentTypes[exportType]; ok {
		return ct
	}
	return defaultContentType
}

// UnsupportedFormatError reports an export type the output cannot be
// rendered in.
type UnsupportedFormatError struct {
	ExportType string
	OutputType string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("export type %s is not supported for output type %s", e.ExportType, e.OutputType)
}

// Request is one export request. DownloadSet tells whether the client sent
// a download flag at all.
type Request struct {
	ResultID    string
	ExportType  string
	Download    string
	DownloadSet bool
}

// Artifact is a rendered export.
type Artifact struct {
	Data        []byte
	ContentType string
	Filename    string
	Attachment  bool
}

// Negotiator resolves export requests into artifacts.
type Negotiator struct {
	store    store.Store
	exporter Exporter
	workDir  string
	logger   *slog.Logger
}

// NewNegotiator creates a Negotiator rendering outputs of s with exporter in
// scratch workspaces under workDir.
func NewNegotiator(s store.Store, exporter Exporter, workDir string, logger *slog.Logger) *Negotiator {
	return &Negotiator{store: s, exporter: exporter, workDir: workDir, logger: logger}
}

// Export renders the requested result. Results of jobs that are not complete
// are reported as store.ErrNotFound. The scratch workspace is removed before
// Export returns.
func (n *Negotiator) Export(ctx context.Context, req Request) (*Artifact, error) {
	o, err := n.store.GetOutput(ctx, req.ResultID)
	if err != nil {
		return nil, fmt.Errorf("result %s: %w", req.ResultID, err)
	}
	job, err := n.store.GetJob(ctx, o.JobID)
	if err != nil {
		return nil, fmt.Errorf("result %s: %w", req.ResultID, err)
	}
	if job.Status != model.StatusComplete {
		return nil, fmt.Errorf("result %s of %s job: %w", req.ResultID, job.Status, store.ErrNotFound)
	}

	exportType := req.ExportType
	if exportType == "" {
		exportType = DefaultExportType
	}
	attachment := exportType != DefaultExportType
	if req.DownloadSet {
		attachment = req.Download == "true"
	}

	art, err := n.render(ctx, o, exportType)
	if err != nil {
		exportsTotal.WithLabelValues(exportType, "failed").Inc()
		return nil, err
	}
	art.Attachment = attachment
	exportsTotal.WithLabelValues(exportType, "ok").Inc()
	return art, nil
}

func (n *Negotiator) render(ctx context.Context, o *model.Output, exportType string) (*Artifact, error) {
	ws, err := workspace.New(n.workDir, "export-")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			n.logger.Warn("failed to remove export workspace", "dir", ws.Dir, "error", err)
		}
	}()

	path, err := safely.Call(func() (string, error) {
		return n.exporter.Export(ctx, o, ws.Dir, exportType)
	})
	if err != nil {
		return nil, fmt.Errorf("export %s as %s: %w", o.ID, exportType, err)
	}
	if path == "" {
		return nil, &UnsupportedFormatError{ExportType: exportType, OutputType: o.OutputType}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	return &Artifact{
		Data:        data,
		ContentType: ContentType(exportType),
		Filename:    fmt.Sprintf("output-%s-%s", o.ID, filepath.Base(path)),
	}, nil
}
