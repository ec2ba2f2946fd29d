package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/analysisworker/pkg/models"
)

// Client handles API calls to an analysis worker.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for the worker at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError is an error envelope returned by the worker.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// Submission is the set of inputs for one POST /analyze.
type Submission struct {
	// Files are uploaded under their own base name.
	Files []string
	// Inputs maps a declared input key to a local path; the worker stores
	// the file under the declared name.
	Inputs map[string]string
	Params map[string]string
}

type SubmitResult struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

type Results struct {
	JobID       string              `json:"job_id"`
	Results     map[string]any      `json:"results"`
	OutputFiles []models.OutputFile `json:"output_files"`
}

type CancelResult struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

type ListMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// Submit sends POST /analyze as multipart/form-data.
func (c *Client) Submit(ctx context.Context, sub Submission) (*SubmitResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	for _, path := range sub.Files {
		if err := attach(mw, "files", path); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(sub.Inputs))
	for k := range sub.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := attach(mw, k, sub.Inputs[k]); err != nil {
			return nil, err
		}
	}
	if len(sub.Params) > 0 {
		raw, err := json.Marshal(sub.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode parameters: %w", err)
		}
		if err := mw.WriteField("parameters", string(raw)); err != nil {
			return nil, fmt.Errorf("failed to write parameters: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/analyze", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result SubmitResult
	if err := c.do(req, &result, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

func attach(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// Status sends GET /status/{id}.
func (c *Client) Status(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := c.get(ctx, "/status/"+url.PathEscape(jobID), &job, nil); err != nil {
		return nil, err
	}
	return &job, nil
}

// Results sends GET /results/{id}.
func (c *Client) Results(ctx context.Context, jobID string) (*Results, error) {
	var res Results
	if err := c.get(ctx, "/results/"+url.PathEscape(jobID), &res, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

// Cancel sends DELETE /jobs/{id}.
func (c *Client) Cancel(ctx context.Context, jobID string) (*CancelResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var res CancelResult
	if err := c.do(req, &res, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

// List sends GET /jobs. Zero page or limit leaves the server default.
func (c *Client) List(ctx context.Context, status string, page, limit int) ([]models.Job, *ListMeta, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var jobs []models.Job
	var meta ListMeta
	if err := c.get(ctx, path, &jobs, &meta); err != nil {
		return nil, nil, err
	}
	return jobs, &meta, nil
}

// Info sends GET /info.
func (c *Client) Info(ctx context.Context) (*models.ServiceRecord, error) {
	var rec models.ServiceRecord
	if err := c.get(ctx, "/info", &rec, nil); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Download streams GET /download/{id}/{file} into w.
func (c *Client) Download(ctx context.Context, jobID, filename string, w io.Writer) (int64, error) {
	endpoint := fmt.Sprintf("%s/download/%s/%s", c.BaseURL, url.PathEscape(jobID), url.PathEscape(filename))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, apiError(resp.StatusCode, body)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, path string, data, meta any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, data, meta)
}

// do sends req and decodes the success envelope's data (and meta, when
// given) or turns the error envelope into an *APIError.
func (c *Client) do(req *http.Request, data, meta any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, body)
	}

	var env struct {
		Data json.RawMessage `json:"data"`
		Meta json.RawMessage `json:"meta"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	if meta != nil && len(env.Meta) > 0 {
		if err := json.Unmarshal(env.Meta, meta); err != nil {
			return fmt.Errorf("failed to parse response meta: %w", err)
		}
	}
	return nil
}

func apiError(status int, body []byte) *APIError {
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Message == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{
		StatusCode: status,
		Code:       env.Error.Code,
		Message:    env.Error.Message,
		Details:    env.Error.Details,
	}
}
