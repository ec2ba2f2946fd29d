package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/analysisworker/internal/api/response"
	"github.com/kiranshivaraju/analysisworker/internal/jobs"
	"github.com/kiranshivaraju/analysisworker/pkg/models"
)

const (
	multipartMemory = 8 << 20
	maxListLimit    = 200
)

// JobService defines the job operations the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, uploads []jobs.Upload, params map[string]string) (models.Job, error)
	Get(id string) (models.Job, error)
	Results(id string) (models.Job, error)
	OutputFile(id, name string) (models.OutputFile, error)
	Cancel(id string) (models.Job, error)
	List() []models.Job
}

// InputResolver maps a declared input key to its canonical filename.
type InputResolver interface {
	Input(key string) (models.FileSpec, bool)
}

type analyzeResponse struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

type statusResponse struct {
	JobID       string              `json:"job_id"`
	Status      models.JobStatus    `json:"status"`
	Progress    float64             `json:"progress"`
	Message     string              `json:"message"`
	Error       string              `json:"error,omitempty"`
	Parameters  map[string]string   `json:"parameters,omitempty"`
	OutputFiles []models.OutputFile `json:"output_files,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

func toStatus(j models.Job) statusResponse {
	return statusResponse{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		Message:     j.Message,
		Error:       j.Error,
		Parameters:  j.Parameters,
		OutputFiles: j.OutputFiles,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

type resultsResponse struct {
	JobID       string              `json:"job_id"`
	Results     map[string]any      `json:"results"`
	OutputFiles []models.OutputFile `json:"output_files"`
}

type cancelResponse struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

// NewAnalyzeHandler returns an http.HandlerFunc for POST /analyze.
//
// Files come from multipart parts named "files" (stored under their own
// filename) or named after a declared input key (stored under the declared
// filename). Parameters come from a JSON object in the "parameters" field and
// from any other plain form field; plain fields win.
func NewAnalyzeHandler(svc JobService, inputs InputResolver, maxUploadBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit), nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Request must be multipart/form-data", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		params, err := formParameters(r.MultipartForm)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}

		uploads, closeAll, err := formUploads(r.MultipartForm, inputs)
		defer closeAll()
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		job, err := svc.Submit(r.Context(), uploads, params)
		if err != nil {
			switch {
			case errors.Is(err, jobs.ErrValidation):
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			case errors.Is(err, jobs.ErrShuttingDown):
				response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN",
					"Service is shutting down", nil)
			default:
				slog.ErrorContext(r.Context(), "submitting job failed", "error", err)
				response.Internal(w)
			}
			return
		}

		response.Accepted(w, analyzeResponse{
			JobID:   job.ID,
			Status:  job.Status,
			Message: job.Message,
		})
	}
}

func formParameters(form *multipart.Form) (map[string]string, error) {
	params := make(map[string]string)
	if raw := first(form.Value["parameters"]); raw != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, fmt.Errorf("parameters must be a JSON object: %v", err)
		}
		for k, v := range decoded {
			s, err := scalar(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %v", k, err)
			}
			params[k] = s
		}
	}
	for k, vs := range form.Value {
		if k == "parameters" {
			continue
		}
		params[k] = first(vs)
	}
	return params, nil
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("must be a string, number or boolean")
	}
}

func formUploads(form *multipart.Form, inputs InputResolver) ([]jobs.Upload, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var uploads []jobs.Upload
	for _, field := range fields {
		for _, fh := range form.File[field] {
			name := fh.Filename
			if spec, ok := inputs.Input(field); ok {
				name = spec.Name
			}
			f, err := fh.Open()
			if err != nil {
				return nil, closeAll, fmt.Errorf("reading upload %s: %v", fh.Filename, err)
			}
			opened = append(opened, f)
			uploads = append(uploads, jobs.Upload{Name: name, Content: f})
		}
	}
	return uploads, closeAll, nil
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// NewStatusHandler returns an http.HandlerFunc for GET /status/{jobID}.
func NewStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Get(chi.URLParam(r, "jobID"))
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		response.JSON(w, toStatus(job))
	}
}

// NewResultsHandler returns an http.HandlerFunc for GET /results/{jobID}.
func NewResultsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Results(chi.URLParam(r, "jobID"))
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		outputs := job.OutputFiles
		if outputs == nil {
			outputs = []models.OutputFile{}
		}
		results := job.Result
		if results == nil {
			results = map[string]any{}
		}
		response.JSON(w, resultsResponse{JobID: job.ID, Results: results, OutputFiles: outputs})
	}
}

// NewDownloadHandler returns an http.HandlerFunc for
// GET /download/{jobID}/{filename}. Only files listed in the job's outputs
// can be fetched.
func NewDownloadHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, err := svc.OutputFile(chi.URLParam(r, "jobID"), chi.URLParam(r, "filename"))
		if err != nil {
			writeJobError(w, r, err)
			return
		}

		f, err := os.Open(file.Path)
		if err != nil {
			slog.WarnContext(r.Context(), "output file vanished", "path", file.Path, "error", err)
			response.NotFound(w, "FILE_NOT_FOUND", "File not found")
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			response.Internal(w)
			return
		}

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
		http.ServeContent(w, r, file.Filename, info.ModTime(), io.ReadSeeker(f))
	}
}

// NewCancelHandler returns an http.HandlerFunc for DELETE /jobs/{jobID}.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Cancel(chi.URLParam(r, "jobID"))
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		msg := "Job cancelled"
		if job.Status != models.JobStatusCancelled {
			msg = "Job already " + job.Status.String()
		}
		response.JSON(w, cancelResponse{JobID: job.ID, Status: job.Status, Message: msg})
	}
}

// NewListHandler returns an http.HandlerFunc for GET /jobs. Supports
// ?status=, ?page= and ?limit=.
func NewListHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var status models.JobStatus
		if s := q.Get("status"); s != "" {
			status = models.JobStatus(s)
			if !status.Valid() {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
					fmt.Sprintf("unknown status %q", s), nil)
				return
			}
		}

		all := svc.List()
		items := make([]statusResponse, 0, len(all))
		for _, j := range all {
			if status != "" && j.Status != status {
				continue
			}
			items = append(items, toStatus(j))
		}

		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		start, end, meta := response.Page(len(items), page, limit, maxListLimit)
		response.Collection(w, items[start:end], meta)
	}
}

func writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		response.NotFound(w, "JOB_NOT_FOUND", "Job not found")
	case errors.Is(err, jobs.ErrNotReady):
		response.Error(w, http.StatusBadRequest, "NOT_READY", "Job not completed", notReadyDetails(err))
	case errors.Is(err, jobs.ErrFileNotFound):
		response.NotFound(w, "FILE_NOT_FOUND", "File not found")
	default:
		slog.ErrorContext(r.Context(), "job request failed", "error", err)
		response.Internal(w)
	}
}

func notReadyDetails(err error) map[string]string {
	var se *jobs.StatusError
	if errors.As(err, &se) {
		return map[string]string{"status": se.Status.String()}
	}
	return nil
}
