package calc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// OutputTypeJobParams is the output type of the dry-run report.
const OutputTypeJobParams = "job_params"

// ParamsReport is the payload of a job_params output.
type ParamsReport struct {
	CalculationMode string            `json:"calculation_mode"`
	Parameters      map[string]string `json:"parameters"`
	Inputs          []InputDigest     `json:"inputs"`
}

// InputDigest fingerprints one input file of a job.
type InputDigest struct {
	Key    string `json:"key"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// DryRun is a calculator that performs no computation. It logs the
// resolved parameters, fingerprints the input files and reports both as a
// job_params output. Delay simulates a long running calculation.
type DryRun struct {
	Delay time.Duration
}

var _ Calculator = DryRun{}

// Calculate implements Calculator.
func (d DryRun) Calculate(ctx context.Context, run Run) ([]Artifact, error) {
	params := run.Job.Parameters
	run.Log.Infof("%s calculation: %s", run.Job.JobType, run.Job.Description)
	for _, k := range sortedKeys(keysOf(params)) {
		run.Log.Debugf("%s = %s", k, params[k])
	}

	report := ParamsReport{
		CalculationMode: params["calculation_mode"],
		Parameters:      params,
		Inputs:          []InputDigest{},
	}
	for _, key := range sortedKeys(inputKeys(params)) {
		digest, err := digestFile(run.Workspace, params[key])
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", key, err)
		}
		digest.Key = key
		report.Inputs = append(report.Inputs, digest)
		run.Log.Infof("input %s: %d bytes, sha256 %s", digest.Path, digest.Size, digest.SHA256)
	}

	if d.Delay > 0 {
		run.Log.Infof("simulating calculation for %s", d.Delay)
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	run.Log.Info("dry run complete")
	return []Artifact{{
		OutputType:  OutputTypeJobParams,
		DisplayName: "Job parameters",
		Payload:     payload,
	}}, nil
}

// digestFile looks for rel under the workspace, first next to any definition
// file and then at the workspace root.
func digestFile(workspace, rel string) (InputDigest, error) {
	path, err := findInput(workspace, rel)
	if err != nil {
		return InputDigest{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return InputDigest{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return InputDigest{}, err
	}
	return InputDigest{Path: rel, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// findInput resolves rel against every directory of the workspace, since an
// archive may nest the definition below the root.
func findInput(workspace, rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q: %w", rel, ErrOutsideJobDir)
	}
	var found string
	err := filepath.WalkDir(workspace, func(p string, de os.DirEntry, err error) error {
		if err != nil || !de.IsDir() || found != "" {
			return err
		}
		candidate := filepath.Join(p, rel)
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			found = candidate
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found in workspace", rel)
	}
	return found, nil
}

func keysOf(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}
