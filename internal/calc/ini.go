package calc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/nrml"
	"github.com/seantiz/tremor/internal/store"
)

const maxIncludeDepth = 8

// SourceModelsParam lists, comma separated, the input keys whose files are
// NRML source models.
const SourceModelsParam = "source_model_inputs"

var includeKey = regexp.MustCompile(`^(.*)_include$`)

// ParseDefinition reads an INI job definition. Keys of all sections are
// merged and lower-cased. A key named <section>_include names another INI
// file, relative to the including one, whose keys are merged in its place.
func ParseDefinition(path string) (map[string]string, error) {
	params := make(map[string]string)
	if err := parseInto(params, path, 0); err != nil {
		return nil, err
	}
	return params, nil
}

func parseInto(params map[string]string, path string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("%s: includes nested deeper than %d", path, maxIncludeDepth)
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	for _, sec := range cfg.Sections() {
		for _, key := range sec.Keys() {
			name := strings.ToLower(key.Name())
			if includeKey.MatchString(name) {
				included, err := localPath(filepath.Dir(path), key.Value())
				if err != nil {
					return fmt.Errorf("%s: %s: %w", filepath.Base(path), name, err)
				}
				if err := parseInto(params, included, depth+1); err != nil {
					return err
				}
				continue
			}
			params[name] = key.Value()
		}
	}
	return nil
}

// inputKeys returns the parameters naming input files.
func inputKeys(params map[string]string) []string {
	var keys []string
	for k, v := range params {
		if strings.HasSuffix(k, "_file") && v != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// ErrOutsideJobDir is returned for definition paths that are absolute or
// climb out of the directory of the definition naming them.
var ErrOutsideJobDir = errors.New("path is not inside the job directory")

// localPath joins name onto dir when name stays below dir.
func localPath(dir, name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%q: %w", name, ErrOutsideJobDir)
	}
	return filepath.Join(dir, name), nil
}

// INILoader creates jobs from job.ini style definitions.
type INILoader struct {
	store store.Store
}

// NewINILoader creates a loader that persists jobs in s.
func NewINILoader(s store.Store) *INILoader {
	return &INILoader{store: s}
}

// Load parses the definition, checks the input files it references and the
// hazard linkage of risk jobs, and creates the job in pending status.
func (l *INILoader) Load(ctx context.Context, req LoadRequest) (*model.Job, error) {
	params, err := ParseDefinition(req.DefinitionPath)
	if err != nil {
		return nil, err
	}
	if params["calculation_mode"] == "" {
		return nil, fmt.Errorf("%s: missing calculation_mode", filepath.Base(req.DefinitionPath))
	}

	dir := filepath.Dir(req.DefinitionPath)
	var sourceModels []string
	for _, key := range sortedKeys(inputKeys(params)) {
		path, err := localPath(dir, params[key])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%s: missing input file %s", key, params[key])
		}
		if !strings.EqualFold(filepath.Ext(path), ".xml") {
			continue
		}
		ok, err := nrml.IsSourceModelFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", key, params[key], err)
		}
		if ok {
			sourceModels = append(sourceModels, key)
		}
	}
	if len(sourceModels) > 0 {
		params[SourceModelsParam] = strings.Join(sourceModels, ",")
	}

	hazardCalc, err := l.hazardCalculation(ctx, req)
	if err != nil {
		return nil, err
	}

	job := &model.Job{
		JobType:             req.JobType,
		Status:              model.StatusPending,
		Description:         params["description"],
		Owner:               req.Owner,
		Relevant:            true,
		HazardCalculationID: hazardCalc,
		LogLevel:            req.LogLevel,
		Parameters:          params,
	}
	if err := l.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// hazardCalculation resolves the hazard job a risk job depends on.
func (l *INILoader) hazardCalculation(ctx context.Context, req LoadRequest) (*string, error) {
	switch {
	case req.HazardOutputID != "":
		out, err := l.store.GetOutput(ctx, req.HazardOutputID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("hazard output %s does not exist", req.HazardOutputID)
		}
		if err != nil {
			return nil, err
		}
		return &out.JobID, nil
	case req.HazardJobID != "":
		hj, err := l.store.GetJob(ctx, req.HazardJobID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("hazard calculation %s does not exist", req.HazardJobID)
		}
		if err != nil {
			return nil, err
		}
		if hj.Status != model.StatusComplete {
			return nil, fmt.Errorf("hazard calculation %s is %s, not complete", hj.ID, hj.Status)
		}
		return &hj.ID, nil
	}
	return nil, nil
}
