package api

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/store"
)

const hazardINI = `[general]
description = Test hazard
calculation_mode = classical

[site_params]
reference_vs30_value = 760.0
`

func submit(t *testing.T, ts *httptest.Server, fields map[string]string, files ...formFile) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, fields, files...)
	resp, err := http.Post(ts.URL+"/v1/calc/run", ct, body)
	require.NoError(t, err)
	return resp
}

func TestRunExportFlow(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := submit(t, ts, nil, formFile{"job_config", "job.ini", hazardINI})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run runResponse
	decodeJSON(t, resp, &run)
	assert.Equal(t, model.StatusPending, run.Status)
	assert.Equal(t, model.JobTypeHazard, run.JobType)
	assert.Equal(t, "Test hazard", run.Description)
	assert.Equal(t, "760.0", run.Parameters["reference_vs30_value"])

	env.waitForStatus(t, run.JobID, model.StatusComplete)

	rresp, err := http.Get(ts.URL + "/v1/calc/" + run.JobID + "/results")
	require.NoError(t, err)
	defer rresp.Body.Close()
	require.Equal(t, http.StatusOK, rresp.StatusCode)

	var results []resultSummary
	decodeJSON(t, rresp, &results)
	require.Len(t, results, 1)
	assert.Equal(t, "job_params", results[0].Type)
	assert.Equal(t, []string{"csv", "json", "xml"}, results[0].OutTypes)
	assert.Equal(t, ts.URL+"/v1/calc/result/"+results[0].ID, results[0].URL)

	t.Run("default inline xml", func(t *testing.T) {
		resp, err := http.Get(results[0].URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
		assert.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"))
		assert.Empty(t, resp.Header.Get("Content-Disposition"))
		assert.Contains(t, string(body), `calculationMode="classical"`)
	})

	t.Run("csv attachment", func(t *testing.T) {
		resp, err := http.Get(results[0].URL + "?export_type=csv")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
		assert.Equal(t,
			"attachment; filename=output-"+results[0].ID+"-job_params.csv",
			resp.Header.Get("Content-Disposition"))
	})

	t.Run("csv inline when dload is false", func(t *testing.T) {
		resp, err := http.Get(results[0].URL + "?export_type=csv&dload=false")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Empty(t, resp.Header.Get("Content-Disposition"))
	})

	t.Run("unsupported format", func(t *testing.T) {
		resp, err := http.Get(results[0].URL + "?export_type=unknownformat")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)

		var lines []string
		decodeJSON(t, resp, &lines)
		require.NotEmpty(t, lines)
		assert.Contains(t, lines[len(lines)-1], "unknownformat")
		assert.Contains(t, lines[len(lines)-1], "job_params")
	})
}

func TestRunArchiveUpload(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("case_1/job.ini")
	require.NoError(t, err)
	_, err = io.WriteString(w, hazardINI)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	resp := submit(t, ts, nil, formFile{"archive", "case_1.zip", buf.String()})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run runResponse
	decodeJSON(t, resp, &run)
	env.waitForStatus(t, run.JobID, model.StatusComplete)
}

func TestRunNoCandidates(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := submit(t, ts, nil, formFile{"input_model", "source_model.xml", "<nrml/>"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var lines []string
	decodeJSON(t, resp, &lines)
	require.NotEmpty(t, lines)
	assert.Contains(t, strings.Join(lines, "\n"), "job_hazard.ini or job.ini")

	jobs, err := env.store.ListJobs(context.Background(), store.JobFilter{Owner: "platform"})
	require.NoError(t, err)
	assert.Empty(t, jobs, "no job is created for rejected submissions")
}

func TestRunRiskLinksHazard(t *testing.T) {
	env := newTestServer(t)
	hazard := env.createJob(t, "platform", model.StatusComplete)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := submit(t, ts,
		map[string]string{"hazard_job_id": hazard.ID},
		formFile{"job_config", "job.ini", "[general]\ncalculation_mode = generic\n"},
		formFile{"job_config", "job_risk.ini", "[general]\ndescription = Risk\ncalculation_mode = scenario_risk\n"},
	)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run runResponse
	decodeJSON(t, resp, &run)
	assert.Equal(t, model.JobTypeRisk, run.JobType)
	assert.Equal(t, "Risk", run.Description, "job_risk.ini is preferred over job.ini")

	info, err := http.Get(ts.URL + "/v1/calc/" + run.JobID + "/info")
	require.NoError(t, err)
	defer info.Body.Close()

	var view jobView
	decodeJSON(t, info, &view)
	require.NotNil(t, view.HazardCalculationID)
	assert.Equal(t, hazard.ID, *view.HazardCalculationID)
}

func TestRunRiskMissingHazard(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := submit(t, ts,
		map[string]string{"hazard_job_id": "01HZZZZZZZZZZZZZZZZZZZZZZZ"},
		formFile{"job_config", "job_risk.ini", "[general]\ncalculation_mode = scenario_risk\n"},
	)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var lines []string
	decodeJSON(t, resp, &lines)
	assert.Contains(t, strings.Join(lines, "\n"), "job_risk.ini")
}

func TestRunRejectsNonMultipart(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/calc/run", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListCalcsFilters(t *testing.T) {
	env := newTestServer(t)
	done := env.createJob(t, "platform", model.StatusComplete)
	running := env.createJob(t, "platform", model.StatusExecuting)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	list := func(query string) []jobSummary {
		resp, err := http.Get(ts.URL + "/v1/calc/list" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var jobs []jobSummary
		decodeJSON(t, resp, &jobs)
		return jobs
	}

	all := list("")
	assert.Len(t, all, 2)

	got := list("?is_running=true")
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
	assert.True(t, got[0].IsRunning)

	got = list("?is_running=false")
	require.Len(t, got, 1)
	assert.Equal(t, done.ID, got[0].ID)
	assert.Equal(t, ts.URL+"/v1/calc/"+done.ID, got[0].URL)

	assert.Empty(t, list("?job_type=risk"))

	for _, q := range []string{"?is_running=maybe", "?relevant=x", "?job_type=exposure"} {
		resp, err := http.Get(ts.URL + "/v1/calc/list" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestRemoveCalc(t *testing.T) {
	env := newTestServer(t)
	j := env.createJob(t, "platform", model.StatusComplete)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/calc/"+j.ID+"/remove", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body []string
	decodeJSON(t, resp, &body)
	assert.Empty(t, body)

	stored, err := env.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.False(t, stored.Relevant)

	resp2, err := http.Post(ts.URL+"/v1/calc/missing/remove", "", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestGetCalcNotFound(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/calc/nope", "/v1/calc/nope/info", "/v1/calc/nope/results", "/v1/calc/result/nope"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)

		var lines []string
		decodeJSON(t, resp, &lines)
		resp.Body.Close()
		assert.NotEmpty(t, lines, path)
	}
}

func TestResultsHiddenForOtherOwner(t *testing.T) {
	env := newTestServer(t)
	j := env.createJob(t, "alice", model.StatusComplete)
	require.NoError(t, env.store.CreateOutput(context.Background(), &model.Output{
		JobID: j.ID, OutputType: "job_params", DisplayName: "Job parameters", Payload: []byte(`{}`),
	}))
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/calc/" + j.ID + "/results")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetCalcScopedToOwner(t *testing.T) {
	env := newTestServer(t)
	j := env.createJob(t, "alice", model.StatusPending)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	get := func(owner string) *http.Response {
		req, _ := http.NewRequest("GET", ts.URL+"/v1/calc/"+j.ID, nil)
		if owner != "" {
			req.Header.Set("X-Remote-User", owner)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get("alice")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary jobSummary
	decodeJSON(t, resp, &summary)
	assert.Equal(t, j.ID, summary.ID)

	other := get("")
	defer other.Body.Close()
	assert.Equal(t, http.StatusNotFound, other.StatusCode)
}

func TestRunRejectsIncludeOutsideWorkspace(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := submit(t, ts, nil, formFile{"job_config", "job.ini",
		"[general]\ncalculation_mode = classical\nx_include = ../secret.ini\n"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var lines []string
	decodeJSON(t, resp, &lines)
	assert.Contains(t, strings.Join(lines, "\n"), "not inside the job directory")
}
