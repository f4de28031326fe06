// Package jobclient is the thin request layer between the orchestrator and
// the generation backend. It validates inputs, issues exactly one HTTP call
// per operation and normalizes responses and failures into domain types.
package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/profile"
)

const opSubmit = "submit"

// Options configures the backend client.
type Options struct {
	BaseURL         string
	MediaPrefix     string
	Profiles        profile.Table
	PollTimeout     time.Duration
	DownloadTimeout time.Duration
	HTTPClient      *http.Client
	Logger          *infra.Logger
	Now             func() time.Time
}

// Client performs HTTP calls to the generation backend.
type Client struct {
	baseURL         string
	mediaPrefix     string
	profiles        profile.Table
	pollTimeout     time.Duration
	downloadTimeout time.Duration
	httpClient      *http.Client
	logger          *infra.Logger
	now             func() time.Time
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("jobclient: base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("jobclient: invalid base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-wide timeout: every call gets a deadline from its context,
		// sized per kind for submissions.
		httpClient = &http.Client{}
	}
	mediaPrefix := opts.MediaPrefix
	if mediaPrefix == "" {
		mediaPrefix = "/media/"
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 15 * time.Second
	}
	downloadTimeout := opts.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = 5 * time.Minute
	}
	profiles := opts.Profiles
	if profiles.Kinds == nil {
		profiles = profile.Defaults()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:         baseURL,
		mediaPrefix:     mediaPrefix,
		profiles:        profiles,
		pollTimeout:     pollTimeout,
		downloadTimeout: downloadTimeout,
		httpClient:      httpClient,
		logger:          infra.LoggerOrDiscard(opts.Logger),
		now:             now,
	}, nil
}

// Submit validates params for the kind and posts the generation request.
func (c *Client) Submit(ctx context.Context, kind domain.JobKind, params domain.Params) (Submission, error) {
	if _, err := domain.ParseKind(string(kind)); err != nil {
		return Submission{}, fmt.Errorf("jobclient: submit %q: %w", kind, err)
	}
	payload, err := c.prepare(kind, params)
	if err != nil {
		return Submission{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.profiles.Timeout(kind))
	defer cancel()

	var resp submitResponse
	if err := c.do(ctx, opSubmit, http.MethodPost, c.profiles.SubmitPath(kind), payload, &resp); err != nil {
		return Submission{}, err
	}

	if id := firstNonEmpty(resp.JobID, resp.ID); id != "" {
		stored := params.Clone()
		job := &domain.Job{
			ID:        id,
			Kind:      kind,
			Model:     params.Model,
			Provider:  firstNonEmpty(resp.Provider, params.Provider),
			Status:    domain.JobStatusQueued,
			CreatedAt: c.now(),
			Warnings:  resp.ProviderErrors,
			Params:    &stored,
		}
		c.logger.Info().Str("job_id", id).Str("kind", string(kind)).Msg("jobclient: job submitted")
		return Submission{Job: job}, nil
	}

	if resp.Success != nil {
		if !*resp.Success {
			return Submission{}, &domain.JobFailedError{
				Detail:         firstNonEmpty(resp.Detail, resp.Error),
				ProviderErrors: resp.ProviderErrors,
			}
		}
		urls := append([]string(nil), resp.URLs...)
		if resp.URL != "" && !contains(urls, resp.URL) {
			urls = append([]string{resp.URL}, urls...)
		}
		c.logger.Info().Str("kind", string(kind)).Int("outputs", len(urls)).Msg("jobclient: synchronous result")
		return Submission{Sync: &SyncOutcome{URLs: urls, Provider: resp.Provider, Warnings: resp.ProviderErrors}}, nil
	}

	return Submission{}, fmt.Errorf("jobclient: submit: response has neither job_id nor success")
}

// ListJobs returns the backend's summaries for one kind.
func (c *Client) ListJobs(ctx context.Context, kind domain.JobKind) ([]JobState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	var resp listResponse
	path := "/api/jobs?kind=" + url.QueryEscape(string(kind))
	if err := c.do(ctx, "list jobs", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Jobs {
		if resp.Jobs[i].Kind == "" {
			resp.Jobs[i].Kind = string(kind)
		}
	}
	return resp.Jobs, nil
}

// JobDetail returns the full state of one job.
func (c *Client) JobDetail(ctx context.Context, id string) (JobState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	var state JobState
	if err := c.do(ctx, "job detail", http.MethodGet, jobPath(id, ""), nil, &state); err != nil {
		return JobState{}, err
	}
	if state.Identifier() == "" {
		state.ID = id
	}
	return state, nil
}

// Cancel asks the backend to cancel a job. Success only means the request
// was accepted.
func (c *Client) Cancel(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	return c.do(ctx, "cancel", http.MethodPost, jobPath(id, "cancel"), nil, nil)
}

// Retry asks the backend to rerun a job and returns the new job id.
func (c *Client) Retry(ctx context.Context, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	var resp retryResponse
	if err := c.do(ctx, "retry", http.MethodPost, jobPath(id, "retry"), nil, &resp); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("jobclient: retry: %w", domain.ErrBackendUnsupported)
		}
		return "", err
	}
	newID := firstNonEmpty(resp.JobID, resp.ID)
	if newID == "" {
		return "", fmt.Errorf("jobclient: retry: response has no job_id")
	}
	return newID, nil
}

// Delete asks the backend to drop a job from its list.
func (c *Client) Delete(ctx context.Context, id string, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	return c.do(ctx, "delete", http.MethodPost, jobPath(id, "delete"), deleteRequest{Force: force}, nil)
}

// Clear asks the backend to drop every job in the given statuses. The
// endpoint is optional: a 404 or 405 maps to domain.ErrBackendUnsupported.
func (c *Client) Clear(ctx context.Context, statuses []domain.JobStatus, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	err := c.do(ctx, "clear", http.MethodPost, "/api/jobs/clear", clearRequest{Statuses: statuses, Force: force}, nil)
	var ve *domain.ValidationError
	if errors.Is(err, domain.ErrNotFound) || (errors.As(err, &ve) && ve.StatusCode == http.StatusMethodNotAllowed) {
		return fmt.Errorf("jobclient: clear: %w", domain.ErrBackendUnsupported)
	}
	return err
}

// Download fetches a generated asset. Relative URLs resolve against the
// backend base URL.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	target, err := c.absolute(rawURL)
	if err != nil {
		return nil, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("jobclient: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", &domain.TransportError{Op: "download", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", &domain.TransportError{Op: "download", StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &domain.TransportError{Op: "download", Err: err}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) absolute(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || rawURL == "" {
		return "", fmt.Errorf("jobclient: invalid asset url: %q", rawURL)
	}
	if parsed.Scheme == "http" || parsed.Scheme == "https" {
		return parsed.String(), nil
	}
	if parsed.Scheme == "" && strings.HasPrefix(rawURL, "/") {
		return c.baseURL + rawURL, nil
	}
	return "", fmt.Errorf("jobclient: invalid asset url: %q", rawURL)
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("jobclient: %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("jobclient: %s: build request: %w", op, err)
	}
	requestID := infra.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("request_id", requestID).Str("op", op).Msg("jobclient: request failed")
		return &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Debug().
		Str("request_id", requestID).
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("jobclient: response")

	if resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("jobclient: %s: decode response: %w", op, err)
	}
	return nil
}

func statusError(op string, code int, raw []byte) error {
	detail := extractDetail(raw)
	switch {
	// A missing generation route rejects the request; it is not a missing job.
	case code == http.StatusNotFound && op != opSubmit:
		if detail == "" {
			return fmt.Errorf("jobclient: %s: %w", op, domain.ErrNotFound)
		}
		return fmt.Errorf("jobclient: %s: %w: %s", op, domain.ErrNotFound, detail)
	case code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		return &domain.TransportError{Op: op, StatusCode: code, Detail: detail}
	default:
		if detail == "" {
			detail = http.StatusText(code)
		}
		return &domain.ValidationError{StatusCode: code, Detail: detail}
	}
}

// extractDetail pulls the human-readable message out of an error body. The
// backend's `detail` wins and is returned verbatim.
func extractDetail(raw []byte) string {
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}
	if len(body.Detail) > 0 {
		var text string
		if err := json.Unmarshal(body.Detail, &text); err == nil {
			return text
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(body.Detail, &items); err == nil && len(items) > 0 {
			msgs := make([]string, 0, len(items))
			for _, item := range items {
				msgs = append(msgs, item.Msg)
			}
			return strings.Join(msgs, "; ")
		}
		return string(body.Detail)
	}
	return firstNonEmpty(body.Message, body.Error)
}

func jobPath(id, action string) string {
	p := "/api/jobs/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
