package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/analysisworker/internal/analysis"
	"github.com/kiranshivaraju/analysisworker/internal/api"
	"github.com/kiranshivaraju/analysisworker/internal/api/handler"
	"github.com/kiranshivaraju/analysisworker/internal/executor"
	"github.com/kiranshivaraju/analysisworker/internal/jobs"
	"github.com/kiranshivaraju/analysisworker/internal/registry"
	"github.com/kiranshivaraju/analysisworker/internal/workspace"
	"github.com/kiranshivaraju/analysisworker/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const (
	testFile1 = "id,value\n1,a\n2,b\n"
	testFile2 = "id,score\n1,10\n"
)

type testServer struct {
	*httptest.Server
	ws     *workspace.Workspace
	record models.ServiceRecord
}

type serverOption struct {
	fn        executor.AnalysisFunc
	maxUpload int64
}

func newTestServer(t *testing.T, opts ...func(*serverOption)) *testServer {
	t.Helper()
	o := serverOption{fn: analysis.Run, maxUpload: 1 << 20}
	for _, opt := range opts {
		opt(&o)
	}

	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	reg := registry.Default()
	mgr := jobs.NewManager(executor.New(reg, ws, o.fn, false), reg, ws)

	record := models.ServiceRecord{
		ServiceName:    "test-worker",
		ServiceType:    "analysis",
		BaseURL:        "http://worker.test",
		HealthEndpoint: "/health",
		InfoEndpoint:   "/info",
		Version:        "0.1.0",
		Metadata:       reg.Metadata([]string{"csv_processing"}, "10MB"),
	}

	router := api.NewRouter(api.Dependencies{
		RootHandler:     handler.NewRootHandler(record),
		HealthHandler:   handler.NewHealthHandler(record, nil, time.Now()),
		InfoHandler:     handler.NewInfoHandler(record),
		AnalyzeHandler:  handler.NewAnalyzeHandler(mgr, reg, o.maxUpload),
		StatusHandler:   handler.NewStatusHandler(mgr),
		ResultsHandler:  handler.NewResultsHandler(mgr),
		DownloadHandler: handler.NewDownloadHandler(mgr),
		CancelHandler:   handler.NewCancelHandler(mgr),
		ListJobsHandler: handler.NewListHandler(mgr),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, mgr.Shutdown(ctx))
	})
	return &testServer{Server: srv, ws: ws, record: record}
}

// blockingAnalysis never finishes on its own; it returns when release closes
// or the job context ends.
func blockingAnalysis(release <-chan struct{}) func(*serverOption) {
	return func(o *serverOption) {
		o.fn = func(ctx context.Context, _ executor.Request, _ executor.ProgressFunc) (map[string]any, error) {
			select {
			case <-release:
				return map[string]any{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

type part struct {
	field, filename, content string
}

func multipartBody(t *testing.T, parts []part, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.filename)
		require.NoError(t, err)
		_, err = io.WriteString(fw, p.content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func bothFiles() []part {
	return []part{
		{"files", "file1.csv", testFile1},
		{"files", "file2.csv", testFile2},
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &parsed), string(raw))
	} else {
		parsed = map[string]any{"raw": string(raw)}
	}
	return resp, parsed
}

func (ts *testServer) submit(t *testing.T, parts []part, fields map[string]string) string {
	t.Helper()
	body, ct := multipartBody(t, parts, fields)
	resp, parsed := ts.do(t, "POST", "/analyze", body, ct)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, parsed)
	return parsed["data"].(map[string]any)["job_id"].(string)
}

func (ts *testServer) waitStatus(t *testing.T, id string, want models.JobStatus) map[string]any {
	t.Helper()
	var data map[string]any
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest("GET", ts.URL+"/status/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body map[string]any
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		d, ok := body["data"].(map[string]any)
		return ok && d["status"] == string(want)
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)

	_, parsed := ts.do(t, "GET", "/status/"+id, nil, "")
	data = parsed["data"].(map[string]any)
	return data
}

func errorOf(body map[string]any) map[string]any {
	e, _ := body["error"].(map[string]any)
	return e
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTRACT TESTS
// ═══════════════════════════════════════════════════════════════════════════════

// ─── GET / , /health, /info ──────────────────────────────────────────────────

func TestRoot_200(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "GET", "/", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "test-worker", data["name"])
	assert.Equal(t, "running", data["status"])
}

func TestHealth_200(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "test-worker", data["service"])
	assert.Equal(t, "0.1.0", data["version"])
	assert.Equal(t, []any{"csv"}, data["supported_formats"])
	assert.Contains(t, data["endpoints"], "analyze")
}

func TestInfo_ReturnsRegistrationRecord(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "GET", "/info", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := json.Marshal(body["data"])
	require.NoError(t, err)
	var got models.ServiceRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, ts.record, got)
}

// ─── POST /analyze ───────────────────────────────────────────────────────────

func TestAnalyze_202_WithJobID(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts := newTestServer(t, blockingAnalysis(release))

	body, ct := multipartBody(t, bothFiles(), nil)
	resp, parsed := ts.do(t, "POST", "/analyze", body, ct)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := parsed["data"].(map[string]any)
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, "Job submitted", data["message"])

	_, err := uuid.Parse(data["job_id"].(string))
	assert.NoError(t, err)
}

func TestAnalyze_StoresUploadsUnderDeclaredNames(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t, []part{
		{"file1", "january.csv", testFile1},
		{"file2", "february.csv", testFile2},
	}, nil)

	ts.waitStatus(t, id, models.JobStatusCompleted)
	_, err := os.Stat(ts.ws.Path(workspace.Inputs, id, "file1.csv"))
	assert.NoError(t, err)
	_, err = os.Stat(ts.ws.Path(workspace.Inputs, id, "january.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestAnalyze_ParametersFromJSONAndFields(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts := newTestServer(t, blockingAnalysis(release))

	id := ts.submit(t, bothFiles(), map[string]string{
		"parameters": `{"analysis_type":"profile","region":"east"}`,
		"region":     "west",
	})

	_, body := ts.do(t, "GET", "/status/"+id, nil, "")
	params := body["data"].(map[string]any)["parameters"].(map[string]any)
	assert.Equal(t, "profile", params["analysis_type"])
	assert.Equal(t, "west", params["region"])
	assert.Equal(t, "normal", params["priority"])
}

func TestAnalyze_400_InvalidParameter(t *testing.T) {
	ts := newTestServer(t)

	body, ct := multipartBody(t, bothFiles(), map[string]string{"parameters": `{"region":"mars"}`})
	resp, parsed := ts.do(t, "POST", "/analyze", body, ct)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorOf(parsed)["code"])
	assert.Contains(t, errorOf(parsed)["message"], "region")
}

func TestAnalyze_400_DuplicateUploadNames(t *testing.T) {
	ts := newTestServer(t)

	body, ct := multipartBody(t, []part{
		{"files", "file1.csv", testFile1},
		{"file1", "january.csv", testFile1},
		{"file2", "file2.csv", testFile2},
	}, nil)
	resp, parsed := ts.do(t, "POST", "/analyze", body, ct)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorOf(parsed)["code"])
	assert.Contains(t, errorOf(parsed)["message"], "file1.csv")

	_, list := ts.do(t, "GET", "/jobs", nil, "")
	assert.Empty(t, list["data"])
}

func TestAnalyze_400_MalformedParameters(t *testing.T) {
	ts := newTestServer(t)

	for _, raw := range []string{`not json`, `{"region":["a","b"]}`} {
		body, ct := multipartBody(t, bothFiles(), map[string]string{"parameters": raw})
		resp, parsed := ts.do(t, "POST", "/analyze", body, ct)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, raw)
		assert.Equal(t, "VALIDATION_ERROR", errorOf(parsed)["code"])
	}
}

func TestAnalyze_400_NotMultipart(t *testing.T) {
	ts := newTestServer(t)

	resp, parsed := ts.do(t, "POST", "/analyze", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errorOf(parsed)["code"])
}

func TestAnalyze_413_TooLarge(t *testing.T) {
	ts := newTestServer(t, func(o *serverOption) { o.maxUpload = 1024 })

	body, ct := multipartBody(t, []part{{"files", "file1.csv", strings.Repeat("x,y\n", 2048)}}, nil)
	resp, parsed := ts.do(t, "POST", "/analyze", body, ct)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errorOf(parsed)["code"])
}

// ─── Full lifecycle ──────────────────────────────────────────────────────────

func TestLifecycle_SubmitPollResultsDownload(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t, bothFiles(), map[string]string{"analysis_type": "comparison"})

	status := ts.waitStatus(t, id, models.JobStatusCompleted)
	assert.Equal(t, 1.0, status["progress"])
	assert.NotEmpty(t, status["output_files"])

	resp, body := ts.do(t, "GET", "/results/"+id, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, id, data["job_id"])
	results := data["results"].(map[string]any)
	assert.Equal(t, float64(3), results["total_rows"])
	assert.Equal(t, "comparison", results["analysis_type"])

	var filenames []string
	for _, f := range data["output_files"].([]any) {
		of := f.(map[string]any)
		filenames = append(filenames, of["filename"].(string))
		assert.NotContains(t, of, "path")
	}
	assert.Equal(t, []string{"results.json", "data.csv", "insights.txt"}, filenames)

	resp, dl := ts.do(t, "GET", "/download/"+id+"/data.csv", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	onDisk, err := os.ReadFile(ts.ws.Path(workspace.Outputs, id, "data.csv"))
	require.NoError(t, err)
	assert.Equal(t, string(onDisk), dl["raw"])
	assert.Equal(t, `attachment; filename="data.csv"`, resp.Header.Get("Content-Disposition"))
}

func TestLifecycle_MissingInputFails(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t, []part{{"files", "file1.csv", testFile1}}, nil)

	status := ts.waitStatus(t, id, models.JobStatusFailed)
	assert.Contains(t, status["error"], "file2.csv")

	resp, body := ts.do(t, "GET", "/results/"+id, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NOT_READY", errorOf(body)["code"])
	assert.Equal(t, map[string]any{"status": "failed"}, errorOf(body)["details"])
}

func TestLifecycle_ConcurrentJobsDoNotMix(t *testing.T) {
	ts := newTestServer(t)

	a := ts.submit(t, bothFiles(), map[string]string{"region": "north"})
	b := ts.submit(t, []part{
		{"files", "file1.csv", "id\n1\n2\n3\n"},
		{"files", "file2.csv", "id\n4\n"},
	}, map[string]string{"region": "south"})
	require.NotEqual(t, a, b)

	ts.waitStatus(t, a, models.JobStatusCompleted)
	ts.waitStatus(t, b, models.JobStatusCompleted)

	_, ra := ts.do(t, "GET", "/results/"+a, nil, "")
	_, rb := ts.do(t, "GET", "/results/"+b, nil, "")
	resA := ra["data"].(map[string]any)["results"].(map[string]any)
	resB := rb["data"].(map[string]any)["results"].(map[string]any)
	assert.Equal(t, float64(3), resA["total_rows"])
	assert.Equal(t, float64(4), resB["total_rows"])
	assert.Equal(t, "north", resA["parameters"].(map[string]any)["region"])
	assert.Equal(t, "south", resB["parameters"].(map[string]any)["region"])
}

// ─── GET /status, /results, /download errors ─────────────────────────────────

func TestStatus_404(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "GET", "/status/does-not-exist", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errorOf(body)["code"])
}

func TestResults_404(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "GET", "/results/does-not-exist", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errorOf(body)["code"])
}

func TestResults_400_WhileRunning(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts := newTestServer(t, blockingAnalysis(release))

	id := ts.submit(t, bothFiles(), nil)
	ts.waitStatus(t, id, models.JobStatusRunning)

	resp, body := ts.do(t, "GET", "/results/"+id, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NOT_READY", errorOf(body)["code"])

	resp, body = ts.do(t, "GET", "/download/"+id+"/data.csv", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NOT_READY", errorOf(body)["code"])
}

func TestDownload_404_UnknownFile(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t, bothFiles(), nil)
	ts.waitStatus(t, id, models.JobStatusCompleted)

	for _, name := range []string{"secret.txt", "temp_data.csv", "..%2F..%2Finputs%2Ffile1.csv"} {
		resp, body := ts.do(t, "GET", "/download/"+id+"/"+name, nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, name)
		assert.Equal(t, "FILE_NOT_FOUND", errorOf(body)["code"], name)
	}
}

func TestDownload_404_UnknownJob(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "GET", "/download/nope/data.csv", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errorOf(body)["code"])
}

// ─── DELETE /jobs/{jobID} ────────────────────────────────────────────────────

func TestCancel_RunningJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts := newTestServer(t, blockingAnalysis(release))

	id := ts.submit(t, bothFiles(), nil)
	ts.waitStatus(t, id, models.JobStatusRunning)

	for i := 0; i < 2; i++ {
		resp, body := ts.do(t, "DELETE", "/jobs/"+id, nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data := body["data"].(map[string]any)
		assert.Equal(t, "cancelled", data["status"])
		assert.Equal(t, "Job cancelled", data["message"])
	}

	status := ts.waitStatus(t, id, models.JobStatusCancelled)
	assert.Nil(t, status["output_files"])

	resp, body := ts.do(t, "GET", "/results/"+id, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NOT_READY", errorOf(body)["code"])
}

func TestCancel_CompletedJobIsUnchanged(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t, bothFiles(), nil)
	ts.waitStatus(t, id, models.JobStatusCompleted)

	resp, body := ts.do(t, "DELETE", "/jobs/"+id, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, "Job already completed", data["message"])
}

func TestCancel_404(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "DELETE", "/jobs/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errorOf(body)["code"])
}

// ─── GET /jobs ───────────────────────────────────────────────────────────────

func TestListJobs_Paginated(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts := newTestServer(t, blockingAnalysis(release))

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, ts.submit(t, bothFiles(), nil))
		time.Sleep(2 * time.Millisecond)
	}

	resp, body := ts.do(t, "GET", "/jobs?limit=2", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["data"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, ids[0], items[0].(map[string]any)["job_id"])
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(3), meta["total"])
	assert.Equal(t, true, meta["has_next"])

	_, body = ts.do(t, "GET", "/jobs?limit=2&page=2", nil, "")
	items = body["data"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, ids[2], items[0].(map[string]any)["job_id"])
}

func TestListJobs_FilterByStatus(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts := newTestServer(t, blockingAnalysis(release))

	keep := ts.submit(t, bothFiles(), nil)
	drop := ts.submit(t, bothFiles(), nil)
	ts.do(t, "DELETE", "/jobs/"+drop, nil, "")

	_, body := ts.do(t, "GET", "/jobs?status=cancelled", nil, "")
	items := body["data"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, drop, items[0].(map[string]any)["job_id"])
	assert.NotEqual(t, keep, drop)

	resp, body := ts.do(t, "GET", "/jobs?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorOf(body)["code"])
}

func TestListJobs_Empty(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "GET", "/jobs", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, body["data"])
	assert.Equal(t, float64(0), body["meta"].(map[string]any)["total"])
	assert.Equal(t, float64(200), body["meta"].(map[string]any)["limit"])
}
