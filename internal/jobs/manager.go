// Package jobs owns the table of analysis jobs: it accepts submissions, runs
// each job in its own supervised goroutine and serves status, results and
// cancellation.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/analysisworker/internal/cache"
	"github.com/kiranshivaraju/analysisworker/internal/executor"
	"github.com/kiranshivaraju/analysisworker/internal/metrics"
	"github.com/kiranshivaraju/analysisworker/internal/workspace"
	"github.com/kiranshivaraju/analysisworker/pkg/models"
)

const (
	defaultStatusTTL = 30 * time.Minute
	mirrorTimeout    = 2 * time.Second

	// Job-level progress checkpoints. Analysis progress is mapped into
	// [progressInputsStored, progressExtracting].
	progressStarted      = 0.1
	progressInputsStored = 0.3
	progressExtracting   = 0.9
)

// Runner executes the analysis of one job and lists what it produced.
type Runner interface {
	Run(ctx context.Context, jobID string, params map[string]string, progress executor.ProgressFunc) (map[string]any, error)
	Outputs(jobID string) []models.OutputFile
}

// ParamValidator checks a parameter set and returns it with defaults applied.
type ParamValidator interface {
	ValidateParams(params map[string]string) (map[string]string, error)
}

// Workspace is the part of the on-disk layout the manager writes to.
type Workspace interface {
	Prepare(jobID string) error
	SaveInput(jobID, name string, r io.Reader) (int64, error)
	Remove(jobID string) error
}

// Upload is one input file of a submission. Content is consumed during Submit.
type Upload struct {
	Name    string
	Content io.Reader
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds the execution of every job. Zero disables the bound.
// The analysis call is not preempted; the job is marked failed and whatever
// the call does afterwards is discarded.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithStatusCache mirrors every status transition into c with the given TTL.
func WithStatusCache(c cache.Cache, ttl time.Duration) Option {
	return func(m *Manager) {
		m.cache = c
		if ttl > 0 {
			m.cacheTTL = ttl
		}
	}
}

// WithMetrics records job counters and durations.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager is the process-scoped job table. It is safe for concurrent use.
type Manager struct {
	runner   Runner
	params   ParamValidator
	ws       Workspace
	timeout  time.Duration
	cache    cache.Cache
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	jobs   map[string]*entry
	closed bool
	wg     sync.WaitGroup
}

// entry guards one job. Every check-then-act on the job happens under its
// mutex, so a cancel and a terminal write can never both succeed.
type entry struct {
	mu     sync.Mutex
	job    models.Job
	seq    uint64 // bumped on every status change, under mu
	ctx    context.Context
	cancel context.CancelFunc

	// mirrorMu orders cache writes; mirrored is the last seq published.
	mirrorMu sync.Mutex
	mirrored uint64
}

func (e *entry) snapshot() models.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.job
	if j.OutputFiles != nil {
		j.OutputFiles = append([]models.OutputFile(nil), j.OutputFiles...)
	}
	return j
}

// NewManager creates a Manager.
func NewManager(runner Runner, params ParamValidator, ws Workspace, opts ...Option) *Manager {
	m := &Manager{
		runner:   runner,
		params:   params,
		ws:       ws,
		cacheTTL: defaultStatusTTL,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit validates the parameters, stages the uploads and starts the job in
// the background. It returns the pending job without waiting for execution.
func (m *Manager) Submit(ctx context.Context, uploads []Upload, params map[string]string) (models.Job, error) {
	validated, err := m.params.ValidateParams(params)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	seen := make(map[string]bool, len(uploads))
	for _, u := range uploads {
		if _, err := workspace.SafeName(u.Name); err != nil {
			return models.Job{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if seen[u.Name] {
			return models.Job{}, fmt.Errorf("%w: more than one upload named %s", ErrValidation, u.Name)
		}
		seen[u.Name] = true
	}

	id := uuid.NewString()
	if err := m.stage(id, uploads); err != nil {
		_ = m.ws.Remove(id)
		return models.Job{}, err
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		job: models.Job{
			ID:         id,
			Status:     models.JobStatusPending,
			Progress:   0,
			Message:    "Job submitted",
			Parameters: validated,
			CreatedAt:  m.now(),
		},
		seq:    1,
		ctx:    jobCtx,
		cancel: cancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		_ = m.ws.Remove(id)
		return models.Job{}, ErrShuttingDown
	}
	m.jobs[id] = e
	m.wg.Add(1)
	m.mu.Unlock()

	job := e.snapshot()
	m.metrics.JobSubmitted()
	m.mirror(e, 1, models.JobStatusPending)
	slog.InfoContext(ctx, "job submitted", "job_id", id, "files", len(uploads))

	go m.execute(e)

	return job, nil
}

func (m *Manager) stage(id string, uploads []Upload) error {
	if err := m.ws.Prepare(id); err != nil {
		return fmt.Errorf("preparing workspace: %w", err)
	}
	for _, u := range uploads {
		if _, err := m.ws.SaveInput(id, u.Name, u.Content); err != nil {
			return fmt.Errorf("storing input %s: %w", u.Name, err)
		}
	}
	return nil
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (models.Job, error) {
	e, err := m.lookup(id)
	if err != nil {
		return models.Job{}, err
	}
	return e.snapshot(), nil
}

// Results returns the job if, and only if, it completed.
func (m *Manager) Results(id string) (models.Job, error) {
	job, err := m.Get(id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.JobStatusCompleted {
		return models.Job{}, &StatusError{Status: job.Status}
	}
	return job, nil
}

// OutputFile returns the output of a completed job whose filename is name.
func (m *Manager) OutputFile(id, name string) (models.OutputFile, error) {
	job, err := m.Results(id)
	if err != nil {
		return models.OutputFile{}, err
	}
	for _, f := range job.OutputFiles {
		if f.Filename == name {
			return f, nil
		}
	}
	return models.OutputFile{}, fmt.Errorf("%w: %s", ErrFileNotFound, name)
}

// Cancel marks a pending or running job cancelled and signals its context.
// Cancelling a job that already reached a terminal status is a no-op.
func (m *Manager) Cancel(id string) (models.Job, error) {
	e, err := m.lookup(id)
	if err != nil {
		return models.Job{}, err
	}
	if m.transition(e, models.JobStatusCancelled, func(j *models.Job) {
		j.Message = "Job cancelled"
	}) {
		e.cancel()
	}
	return e.snapshot(), nil
}

// List returns snapshots of every job, oldest first.
func (m *Manager) List() []models.Job {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shutdown rejects new submissions, signals every job context and waits for
// execution goroutines to return or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.jobs {
		e.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// execute drives one job to a terminal status. It recovers from panics and
// never returns with the job still pending or running.
func (m *Manager) execute(e *entry) {
	defer m.wg.Done()
	defer e.cancel()

	id := e.job.ID
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job execution", "error", r, "job_id", id, "stack", string(debug.Stack()))
			m.fail(e, fmt.Sprintf("panic: %v", r))
		}
	}()

	if !m.transition(e, models.JobStatusRunning, func(j *models.Job) {
		started := m.now()
		j.StartedAt = &started
		j.Progress = progressStarted
		j.Message = "Starting analysis workflow..."
	}) {
		return
	}
	m.progress(e, progressInputsStored, "Input files stored")

	ctx := e.ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	result, err := m.invoke(ctx, e)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded):
			m.fail(e, fmt.Sprintf("execution timed out after %s", m.timeout))
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			m.fail(e, "execution interrupted")
		default:
			m.fail(e, err.Error())
		}
		return
	}

	m.progress(e, progressExtracting, "Extracting outputs...")
	outputs := m.runner.Outputs(id)

	m.transition(e, models.JobStatusCompleted, func(j *models.Job) {
		j.Result = result
		j.OutputFiles = outputs
		j.Progress = 1.0
		j.Message = "Analysis completed successfully"
	})
}

type outcome struct {
	result map[string]any
	err    error
}

// invoke calls the runner in its own goroutine so that cancellation and the
// job timeout can release the job while the call is still in flight.
func (m *Manager) invoke(ctx context.Context, e *entry) (map[string]any, error) {
	id := e.job.ID
	params := e.job.Parameters
	done := make(chan outcome, 1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in analysis", "error", r, "job_id", id, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		span := progressExtracting - progressInputsStored
		result, err := m.runner.Run(ctx, id, params, func(fraction float64, message string) {
			m.progress(e, progressInputsStored+span*fraction, message)
		})
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		select {
		case out := <-done:
			return out.result, out.err
		default:
			return nil, ctx.Err()
		}
	}
}

// progress raises the job's progress and replaces its message. Writes are
// dropped unless the job is running; progress never decreases.
func (m *Manager) progress(e *entry, fraction float64, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status != models.JobStatusRunning {
		return
	}
	if fraction > e.job.Progress {
		e.job.Progress = fraction
	}
	e.job.Message = message
}

func (m *Manager) fail(e *entry, reason string) {
	if m.transition(e, models.JobStatusFailed, func(j *models.Job) {
		j.Error = reason
		j.Message = "Analysis failed: " + reason
	}) {
		slog.Warn("job failed", "job_id", e.job.ID, "error", reason)
	}
}

var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

func allowed(from, to models.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves the job to status `to` and applies mutate atomically.
// It reports false, changing nothing, when the move is not permitted from the
// current status (in particular from any terminal status).
func (m *Manager) transition(e *entry, to models.JobStatus, mutate func(*models.Job)) bool {
	e.mu.Lock()
	from := e.job.Status
	if !allowed(from, to) {
		e.mu.Unlock()
		return false
	}
	e.job.Status = to
	if mutate != nil {
		mutate(&e.job)
	}
	if to.IsTerminal() {
		completed := m.now()
		e.job.CompletedAt = &completed
	}
	e.seq++
	id, created, seq := e.job.ID, e.job.CreatedAt, e.seq
	e.mu.Unlock()

	switch {
	case to == models.JobStatusRunning:
		m.metrics.JobStarted()
	case to.IsTerminal():
		m.metrics.JobFinished(to.String(), m.now().Sub(created), from == models.JobStatusRunning)
		slog.Info("job finished", "job_id", id, "status", to)
	}
	m.mirror(e, seq, to)
	return true
}

// mirror publishes a status to the cache. A write older than one already
// published is skipped, so the mirrored status never moves backwards.
// Failures are logged and ignored.
func (m *Manager) mirror(e *entry, seq uint64, status models.JobStatus) {
	if m.cache == nil {
		return
	}
	e.mirrorMu.Lock()
	defer e.mirrorMu.Unlock()
	if seq <= e.mirrored {
		return
	}
	e.mirrored = seq

	id := e.job.ID
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := m.cache.SetJobStatus(ctx, id, status.String(), m.cacheTTL); err != nil {
		slog.Debug("mirroring job status failed", "job_id", id, "status", status, "error", err)
	}
}
