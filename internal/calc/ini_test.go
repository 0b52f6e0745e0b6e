package calc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/nrml"
	"github.com/seantiz/tremor/internal/store"
)

const sourceModelXML = `<?xml version="1.0" encoding="utf-8"?>
<nrml xmlns="http://openquake.org/xmlns/nrml/0.4">
  <sourceModel name="test"/>
</nrml>`

const siteModelXML = `<?xml version="1.0" encoding="utf-8"?>
<nrml xmlns="http://openquake.org/xmlns/nrml/0.4">
  <siteModel/>
</nrml>`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseDefinitionMergesSections(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "job.ini", `[general]
Description = Classical PSHA
calculation_mode = classical

[geometry]
sites = 10.0 45.0
`)

	params, err := ParseDefinition(path)
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if params["description"] != "Classical PSHA" {
		t.Errorf("description = %q", params["description"])
	}
	if params["sites"] != "10.0 45.0" {
		t.Errorf("sites = %q", params["sites"])
	}
}

func TestParseDefinitionIncludes(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "common"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "common"), "site.ini", "[site]\nreference_vs30_value = 760.0\n")
	path := writeFile(t, dir, "job.ini", "[general]\ncalculation_mode = classical\nsite_include = common/site.ini\n")

	params, err := ParseDefinition(path)
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if params["reference_vs30_value"] != "760.0" {
		t.Errorf("included key missing: %v", params)
	}
	if _, ok := params["site_include"]; ok {
		t.Error("include directive should not become a parameter")
	}
}

func TestParseDefinitionIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "job.ini", "[general]\nself_include = job.ini\n")

	if _, err := ParseDefinition(path); err == nil {
		t.Fatal("ParseDefinition should fail on an include cycle")
	}
}

func TestLoadCreatesPendingJob(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "source_model.xml", sourceModelXML)
	writeFile(t, dir, "site_model.xml", siteModelXML)
	path := writeFile(t, dir, "job.ini", `[general]
description = Hazard test
calculation_mode = classical
source_model_logic_tree_file = source_model.xml
site_model_file = site_model.xml
`)

	job, err := NewINILoader(s).Load(context.Background(), LoadRequest{
		DefinitionPath: path,
		Owner:          "alice",
		LogLevel:       "info",
		JobType:        model.JobTypeHazard,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if job.ID == "" || job.Status != model.StatusPending {
		t.Fatalf("job = %+v, want a persisted pending job", job)
	}
	if job.Description != "Hazard test" || !job.Relevant || job.Owner != "alice" {
		t.Errorf("job = %+v", job)
	}
	if got := job.Parameters[SourceModelsParam]; got != "source_model_logic_tree_file" {
		t.Errorf("%s = %q", SourceModelsParam, got)
	}

	stored, err := s.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Parameters["calculation_mode"] != "classical" {
		t.Errorf("stored parameters = %v", stored.Parameters)
	}
}

func TestLoadRejections(t *testing.T) {
	tests := []struct {
		name  string
		ini   string
		files map[string]string
		want  string
	}{
		{"no mode", "[general]\ndescription = x\n", nil, "calculation_mode"},
		{"missing input", "[general]\ncalculation_mode = classical\nexposure_file = exposure.xml\n", nil, "missing input file"},
		{"not nrml", "[general]\ncalculation_mode = classical\nexposure_file = exposure.xml\n",
			map[string]string{"exposure.xml": "<other/>"}, "not a NRML artifact"},
		{"bad ini", "[general\n", nil, "parse job.ini"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, dir, name, content)
			}
			path := writeFile(t, dir, "job.ini", tt.ini)

			_, err := NewINILoader(s).Load(context.Background(), LoadRequest{DefinitionPath: path, JobType: model.JobTypeHazard})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want one containing %q", err, tt.want)
			}
			jobs, _ := s.ListJobs(context.Background(), store.JobFilter{})
			if len(jobs) != 0 {
				t.Errorf("rejected definitions must not create jobs, got %d", len(jobs))
			}
		})
	}
}

func TestLoadNRMLFormatErrorIsTyped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "exposure.xml", "<other/>")
	path := writeFile(t, dir, "job.ini", "[general]\ncalculation_mode = scenario\nexposure_file = exposure.xml\n")

	_, err := NewINILoader(newTestStore(t)).Load(context.Background(), LoadRequest{DefinitionPath: path})
	var fe *nrml.FormatError
	if !errors.As(err, &fe) {
		t.Errorf("Load error = %v, want a *nrml.FormatError", err)
	}
}

func TestLoadRiskLinkage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hazard := &model.Job{JobType: model.JobTypeHazard, Status: model.StatusPending, Owner: "alice", Relevant: true}
	if err := s.CreateJob(ctx, hazard); err != nil {
		t.Fatal(err)
	}
	out := &model.Output{JobID: hazard.ID, OutputType: "hazard_curve", DisplayName: "Hazard curves"}
	if err := s.CreateOutput(ctx, out); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := writeFile(t, dir, "job_risk.ini", "[general]\ncalculation_mode = classical_risk\n")
	loader := NewINILoader(s)

	// The hazard job has not completed yet.
	_, err := loader.Load(ctx, LoadRequest{DefinitionPath: path, JobType: model.JobTypeRisk, HazardJobID: hazard.ID})
	if err == nil || !strings.Contains(err.Error(), "not complete") {
		t.Fatalf("Load error = %v, want not complete", err)
	}

	if err := s.UpdateJobStatus(ctx, hazard.ID, model.StatusExecuting); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus(ctx, hazard.ID, model.StatusComplete); err != nil {
		t.Fatal(err)
	}

	byJob, err := loader.Load(ctx, LoadRequest{DefinitionPath: path, JobType: model.JobTypeRisk, HazardJobID: hazard.ID})
	if err != nil {
		t.Fatalf("Load by hazard job: %v", err)
	}
	if byJob.HazardCalculationID == nil || *byJob.HazardCalculationID != hazard.ID {
		t.Errorf("HazardCalculationID = %v, want %s", byJob.HazardCalculationID, hazard.ID)
	}

	byOutput, err := loader.Load(ctx, LoadRequest{DefinitionPath: path, JobType: model.JobTypeRisk, HazardOutputID: out.ID})
	if err != nil {
		t.Fatalf("Load by hazard output: %v", err)
	}
	if byOutput.HazardCalculationID == nil || *byOutput.HazardCalculationID != hazard.ID {
		t.Errorf("HazardCalculationID = %v, want %s", byOutput.HazardCalculationID, hazard.ID)
	}

	_, err = loader.Load(ctx, LoadRequest{DefinitionPath: path, JobType: model.JobTypeRisk, HazardOutputID: "missing"})
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("Load error = %v, want does not exist", err)
	}
}

func TestLoadRejectsPathsOutsideJobDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "secret.ini", "[db]\ndb_password = hunter2\n")
	writeFile(t, root, "passwd", "root:x:0:0\n")
	jobDir := filepath.Join(root, "calc-1")
	if err := os.Mkdir(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		ini  string
	}{
		{"include parent", "[general]\ncalculation_mode = classical\nx_include = ../secret.ini\n"},
		{"include absolute", "[general]\ncalculation_mode = classical\nx_include = " + filepath.Join(root, "secret.ini") + "\n"},
		{"input parent", "[general]\ncalculation_mode = classical\nsite_model_file = ../passwd\n"},
		{"input absolute", "[general]\ncalculation_mode = classical\nsite_model_file = " + filepath.Join(root, "passwd") + "\n"},
		{"input climbing back", "[general]\ncalculation_mode = classical\nsite_model_file = sub/../../passwd\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			path := writeFile(t, jobDir, "job.ini", tt.ini)

			job, err := NewINILoader(s).Load(context.Background(), LoadRequest{DefinitionPath: path, JobType: model.JobTypeHazard})
			if !errors.Is(err, ErrOutsideJobDir) {
				t.Fatalf("Load error = %v, want ErrOutsideJobDir", err)
			}
			if job != nil {
				t.Errorf("job = %+v, want nil", job)
			}
			if strings.Contains(err.Error(), "hunter2") {
				t.Errorf("error leaks file content: %v", err)
			}
		})
	}
}
