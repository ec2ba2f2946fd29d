// Package registration announces the service to the orchestrator and keeps
// the announcement alive with periodic heartbeats.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocron "github.com/go-co-op/gocron/v2"
	"github.com/kiranshivaraju/analysisworker/internal/metrics"
	"github.com/kiranshivaraju/analysisworker/pkg/models"
)

var (
	ErrOrchestratorUnavailable = errors.New("orchestrator unavailable")
	ErrRegistrationRejected    = errors.New("registration rejected")
	ErrHeartbeatRejected       = errors.New("heartbeat rejected")
)

const (
	defaultRegisterTimeout  = 10 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second
	defaultInterval         = 60 * time.Second
	defaultRetryWait        = 500 * time.Millisecond
	maxSnippet              = 512
)

// Config controls where and how often the client talks to the orchestrator.
type Config struct {
	Enabled          bool
	OrchestratorURL  string
	APIPrefix        string
	Interval         time.Duration
	RegisterTimeout  time.Duration
	HeartbeatTimeout time.Duration
	// Retries is the number of extra registration attempts after a transient
	// failure. Zero means a single attempt.
	Retries   int
	RetryWait time.Duration
}

// Client registers one service record.
type Client struct {
	record    models.ServiceRecord
	cfg       Config
	register  *http.Client
	heartbeat *http.Client
	metrics   *metrics.Metrics
}

// New creates a Client. Zero durations in cfg fall back to defaults.
func New(record models.ServiceRecord, cfg Config, m *metrics.Metrics) *Client {
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = defaultRegisterTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	cfg.OrchestratorURL = strings.TrimRight(cfg.OrchestratorURL, "/")
	return &Client{
		record:    record,
		cfg:       cfg,
		register:  &http.Client{Timeout: cfg.RegisterTimeout},
		heartbeat: &http.Client{Timeout: cfg.HeartbeatTimeout},
		metrics:   m,
	}
}

type heartbeatPayload struct {
	ServiceName string    `json:"service_name"`
	Status      string    `json:"status"`
	Version     string    `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}

// Register posts the full service record. Client errors (4xx) are final;
// network failures and 5xx responses are retried up to cfg.Retries times.
func (c *Client) Register(ctx context.Context) error {
	if c.cfg.Retries <= 0 {
		return c.registerOnce(ctx)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryWait
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.Retries)), ctx)

	return backoff.Retry(func() error {
		err := c.registerOnce(ctx)
		var se *statusError
		if errors.As(err, &se) && se.code < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (c *Client) registerOnce(ctx context.Context) error {
	code, body, err := c.post(ctx, c.register, c.endpoint("/services/register"), c.record)
	if err == nil && code/100 != 2 {
		err = &statusError{sentinel: ErrRegistrationRejected, code: code, body: body}
	}
	c.metrics.OrchestratorRequest("register", err)
	return err
}

// RegisterOnce registers and reports success. Failures are logged, never
// returned: the service keeps serving without an orchestrator.
func (c *Client) RegisterOnce(ctx context.Context) bool {
	if err := c.Register(ctx); err != nil {
		slog.WarnContext(ctx, "registration with orchestrator failed",
			"orchestrator_url", c.cfg.OrchestratorURL, "error", err)
		return false
	}
	slog.InfoContext(ctx, "registered with orchestrator",
		"orchestrator_url", c.cfg.OrchestratorURL, "service_name", c.record.ServiceName)
	return true
}

// Heartbeat sends a liveness ping. When the orchestrator answers 404 it has
// lost the registration, and the full record is sent again.
func (c *Client) Heartbeat(ctx context.Context) error {
	payload := heartbeatPayload{
		ServiceName: c.record.ServiceName,
		Status:      "healthy",
		Version:     c.record.Version,
		Timestamp:   time.Now().UTC(),
	}
	path := "/services/" + url.PathEscape(c.record.ServiceName) + "/health-check"

	code, body, err := c.post(ctx, c.heartbeat, c.endpoint(path), payload)
	switch {
	case err != nil:
	case code == http.StatusNotFound:
		c.metrics.OrchestratorRequest("heartbeat", nil)
		slog.InfoContext(ctx, "orchestrator lost the registration, registering again",
			"service_name", c.record.ServiceName)
		return c.Register(ctx)
	case code/100 != 2:
		err = &statusError{sentinel: ErrHeartbeatRejected, code: code, body: body}
	}
	c.metrics.OrchestratorRequest("heartbeat", err)
	return err
}

// Run registers once and then heartbeats every cfg.Interval until ctx is
// done. Failures never stop the loop. A disabled client returns immediately.
func (c *Client) Run(ctx context.Context) error {
	if !c.cfg.Enabled {
		slog.InfoContext(ctx, "orchestrator registration disabled")
		return nil
	}

	c.RegisterOnce(ctx)

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing heartbeat scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(c.cfg.Interval),
		gocron.NewTask(func() {
			if err := c.Heartbeat(ctx); err != nil {
				slog.WarnContext(ctx, "heartbeat failed", "error", err)
				return
			}
			slog.DebugContext(ctx, "heartbeat sent")
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("initializing heartbeat job: %w", err)
	}

	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		slog.Error("shutting down heartbeat scheduler failed", "error", err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	return c.cfg.OrchestratorURL + c.cfg.APIPrefix + path
}

// post sends payload as JSON and returns the status code and the start of the
// response body. err is only set when no response was received.
func (c *Client) post(ctx context.Context, hc *http.Client, target string, payload any) (int, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrOrchestratorUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrOrchestratorUnavailable, err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxSnippet))
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(snippet)), nil
}

type statusError struct {
	sentinel error
	code     int
	body     string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%v: status %d", e.sentinel, e.code)
	}
	return fmt.Sprintf("%v: status %d: %s", e.sentinel, e.code, e.body)
}

func (e *statusError) Unwrap() error { return e.sentinel }
