package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/seantiz/tremor/internal/calc"
	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/nrml"
)

// RegisterJobParams registers the xml, json and csv exporters of the
// job_params output.
func RegisterJobParams(r *Registry) {
	r.Register(calc.OutputTypeJobParams, "xml", ExporterFunc(jobParamsXML))
	r.Register(calc.OutputTypeJobParams, "json", ExporterFunc(jobParamsJSON))
	r.Register(calc.OutputTypeJobParams, "csv", ExporterFunc(jobParamsCSV))
}

type xmlJobParams struct {
	XMLName   xml.Name `xml:"nrml"`
	Namespace string   `xml:"xmlns,attr"`
	JobParams struct {
		CalculationMode string     `xml:"calculationMode,attr,omitempty"`
		Params          []xmlParam `xml:"param"`
		Inputs          []xmlInput `xml:"input"`
	} `xml:"jobParams"`
}

type xmlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlInput struct {
	Key    string `xml:"key,attr"`
	Path   string `xml:"path,attr"`
	Size   int64  `xml:"size,attr"`
	SHA256 string `xml:"sha256,attr"`
}

func decodeReport(o *model.Output) (*calc.ParamsReport, error) {
	var r calc.ParamsReport
	if err := json.Unmarshal(o.Payload, &r); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", o.OutputType, err)
	}
	return &r, nil
}

func sortedParams(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeExport(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

func jobParamsXML(_ context.Context, o *model.Output, dir, _ string) (string, error) {
	r, err := decodeReport(o)
	if err != nil {
		return "", err
	}
	doc := xmlJobParams{Namespace: nrml.Namespace}
	doc.JobParams.CalculationMode = r.CalculationMode
	for _, k := range sortedParams(r.Parameters) {
		doc.JobParams.Params = append(doc.JobParams.Params, xmlParam{Name: k, Value: r.Parameters[k]})
	}
	for _, in := range r.Inputs {
		doc.JobParams.Inputs = append(doc.JobParams.Inputs, xmlInput(in))
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("encode xml: %w", err)
	}
	buf.WriteByte('\n')
	return writeExport(dir, "job_params.xml", buf.Bytes())
}

func jobParamsJSON(_ context.Context, o *model.Output, dir, _ string) (string, error) {
	r, err := decodeReport(o)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return writeExport(dir, "job_params.json", append(data, '\n'))
}

func jobParamsCSV(_ context.Context, o *model.Output, dir, _ string) (string, error) {
	r, err := decodeReport(o)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"kind", "name", "value", "sha256"})
	for _, k := range sortedParams(r.Parameters) {
		w.Write([]string{"parameter", k, r.Parameters[k], ""})
	}
	for _, in := range r.Inputs {
		w.Write([]string{"input", in.Key, in.Path, in.SHA256})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("encode csv: %w", err)
	}
	return writeExport(dir, "job_params.csv", buf.Bytes())
}
