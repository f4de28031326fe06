package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
)

type responseStub struct {
	status int
	body   []byte
}

type captureTransport struct {
	mu        sync.Mutex
	responses map[string]responseStub
	requests  []*http.Request
	bodies    map[string][]byte
	err       error
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{responses: map[string]responseStub{}, bodies: map[string][]byte{}}
}

func (c *captureTransport) setJSON(path string, status int, payload any) {
	data, _ := json.Marshal(payload)
	c.responses[path] = responseStub{status: status, body: data}
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		c.bodies[req.URL.Path] = data
	}
	if c.err != nil {
		return nil, c.err
	}
	stub, ok := c.responses[req.URL.Path]
	if !ok {
		stub = responseStub{status: http.StatusNotFound, body: []byte(`{"detail":"Not Found"}`)}
	}
	return &http.Response{
		StatusCode: stub.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(stub.body)),
		Request:    req,
	}, nil
}

func newTestClient(t *testing.T, transport http.RoundTripper) *Client {
	t.Helper()
	client, err := NewClient(Options{
		BaseURL:    "http://backend.test/",
		HTTPClient: &http.Client{Transport: transport},
		Now:        func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSubmitAsyncReturnsQueuedJob(t *testing.T) {
	transport := newCaptureTransport()
	transport.setJSON("/api/generate/ai_video", http.StatusOK, map[string]any{"job_id": "job-1"})
	client := newTestClient(t, transport)

	sub, err := client.Submit(context.Background(), domain.JobKindAIVideo, domain.Params{Prompt: " a fox ", Model: "veo-3"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Job == nil || sub.Sync != nil {
		t.Fatalf("expected async job handle, got %+v", sub)
	}
	if sub.Job.ID != "job-1" || sub.Job.Status != domain.JobStatusQueued || sub.Job.Model != "veo-3" {
		t.Fatalf("unexpected job: %+v", sub.Job)
	}
	if sub.Job.Params == nil || sub.Job.Params.Prompt != " a fox " {
		t.Fatalf("params should be kept for resubmission: %+v", sub.Job.Params)
	}

	var sent map[string]any
	if err := json.Unmarshal(transport.bodies["/api/generate/ai_video"], &sent); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if sent["prompt"] != "a fox" {
		t.Fatalf("prompt = %v, want trimmed", sent["prompt"])
	}
	if transport.requests[0].Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestSubmitSyncSuccessAndWarnings(t *testing.T) {
	transport := newCaptureTransport()
	transport.setJSON("/api/generate/image", http.StatusOK, map[string]any{
		"success":         true,
		"url":             "/media/out.png",
		"provider":        "flux",
		"provider_errors": []any{map[string]any{"provider": "qwen", "message": "quota"}},
	})
	client := newTestClient(t, transport)

	sub, err := client.Submit(context.Background(), domain.JobKindImage, domain.Params{Prompt: "cat"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Sync == nil || sub.Job != nil {
		t.Fatalf("expected sync outcome, got %+v", sub)
	}
	if len(sub.Sync.URLs) != 1 || sub.Sync.URLs[0] != "/media/out.png" {
		t.Fatalf("urls = %v", sub.Sync.URLs)
	}
	if len(sub.Sync.Warnings) != 1 || sub.Sync.Warnings[0].Provider != "qwen" {
		t.Fatalf("warnings = %+v", sub.Sync.Warnings)
	}
}

func TestSubmitSyncFailure(t *testing.T) {
	transport := newCaptureTransport()
	transport.setJSON("/api/generate/image", http.StatusOK, map[string]any{
		"success":         false,
		"detail":          "all providers failed",
		"provider_errors": []any{"flux: timeout", map[string]any{"provider": "qwen", "error": "quota"}},
	})
	client := newTestClient(t, transport)

	_, err := client.Submit(context.Background(), domain.JobKindImage, domain.Params{Prompt: "cat"})
	var failed *domain.JobFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected JobFailedError, got %v", err)
	}
	if len(failed.ProviderErrors) != 2 || !strings.Contains(err.Error(), "all providers failed") {
		t.Fatalf("unexpected failure: %v", err)
	}
}

func TestSubmitValidatesBeforeNetwork(t *testing.T) {
	transport := newCaptureTransport()
	client := newTestClient(t, transport)
	ctx := context.Background()

	cases := []struct {
		name   string
		kind   domain.JobKind
		params domain.Params
		public bool
	}{
		{name: "image without prompt", kind: domain.JobKindImage, params: domain.Params{}},
		{name: "edit without source", kind: domain.JobKindImageEdit, params: domain.Params{Prompt: "x"}, public: true},
		{name: "edit with local path", kind: domain.JobKindImageEdit, params: domain.Params{Prompt: "x", SourceURL: "/home/me/car.png"}, public: true},
		{name: "i2v with file url", kind: domain.JobKindImageToVideo, params: domain.Params{SourceURL: "file:///tmp/a.png"}, public: true},
		{name: "music without audio", kind: domain.JobKindMusicVideo, params: domain.Params{Prompt: "beat"}, public: true},
		{name: "faceswap without step", kind: domain.JobKindFaceswapStep, params: domain.Params{SourceURL: "https://x/a.png", TargetURL: "https://x/b.mp4"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Submit(ctx, tc.kind, tc.params)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.public && !errors.Is(err, domain.ErrNeedsPublicURL) {
				t.Fatalf("expected ErrNeedsPublicURL, got %v", err)
			}
			if !tc.public && !domain.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if len(transport.requests) != 0 {
		t.Fatalf("validation must not hit the network, got %d requests", len(transport.requests))
	}
}

func TestSubmitResolvesMediaUploadRef(t *testing.T) {
	transport := newCaptureTransport()
	transport.setJSON("/api/generate/image_edit", http.StatusOK, map[string]any{"job_id": "e1"})
	client := newTestClient(t, transport)

	_, err := client.Submit(context.Background(), domain.JobKindImageEdit, domain.Params{Prompt: "fix", UploadRef: "/media/uploads/a.png"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var sent domain.Params
	if err := json.Unmarshal(transport.bodies["/api/generate/image_edit"], &sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sent.SourceURL != "http://backend.test/media/uploads/a.png" || sent.UploadRef != "" {
		t.Fatalf("unexpected resolved params: %+v", sent)
	}
}

func TestBackendErrorMapping(t *testing.T) {
	transport := newCaptureTransport()
	transport.setJSON("/api/generate/image", http.StatusUnprocessableEntity, map[string]any{"detail": "Prompt too long (max 500)"})
	transport.setJSON("/api/jobs/j1", http.StatusBadGateway, map[string]any{"detail": "upstream down"})
	client := newTestClient(t, transport)
	ctx := context.Background()

	_, err := client.Submit(ctx, domain.JobKindImage, domain.Params{Prompt: "p"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Detail != "Prompt too long (max 500)" || ve.StatusCode != 422 {
		t.Fatalf("expected validation error with verbatim detail, got %v", err)
	}

	_, err = client.JobDetail(ctx, "j1")
	if !domain.IsTransport(err) {
		t.Fatalf("expected transport error for 5xx, got %v", err)
	}

	_, err = client.JobDetail(ctx, "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	transport.err = errors.New("connection refused")
	_, err = client.ListJobs(ctx, domain.JobKindImage)
	if !domain.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestSubmitMissingRouteIsValidation(t *testing.T) {
	client := newTestClient(t, newCaptureTransport())

	_, err := client.Submit(context.Background(), domain.JobKindImage, domain.Params{Prompt: "p"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ve.StatusCode != http.StatusNotFound || ve.Detail != "Not Found" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
	if errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("submit 404 must not read as a missing job: %v", err)
	}
}

func TestRequestIDFromContextIsForwarded(t *testing.T) {
	transport := newCaptureTransport()
	transport.setJSON("/api/jobs/j1", http.StatusOK, map[string]any{"id": "j1", "status": "running"})
	client := newTestClient(t, transport)

	ctx := infra.WithRequestID(context.Background(), "rid-42")
	if _, err := client.JobDetail(ctx, "j1"); err != nil {
		t.Fatalf("detail: %v", err)
	}
	if _, err := client.JobDetail(context.Background(), "j1"); err != nil {
		t.Fatalf("detail: %v", err)
	}
	if got := transport.requests[0].Header.Get("X-Request-ID"); got != "rid-42" {
		t.Fatalf("request id = %q, want rid-42", got)
	}
	if got := transport.requests[1].Header.Get("X-Request-ID"); got == "" || got == "rid-42" {
		t.Fatalf("request without caller id should mint its own, got %q", got)
	}
}

func TestClearUnsupported(t *testing.T) {
	transport := newCaptureTransport()
	client := newTestClient(t, transport)
	err := client.Clear(context.Background(), []domain.JobStatus{domain.JobStatusFailed}, false)
	if !errors.Is(err, domain.ErrBackendUnsupported) {
		t.Fatalf("expected ErrBackendUnsupported, got %v", err)
	}
}

func TestRetryReturnsNewID(t *testing.T) {
	transport := newCaptureTransport()
	transport.setJSON("/api/jobs/old/retry", http.StatusOK, map[string]any{"job_id": "new"})
	client := newTestClient(t, transport)
	id, err := client.Retry(context.Background(), "old")
	if err != nil || id != "new" {
		t.Fatalf("retry = %q, %v", id, err)
	}
	if _, err := client.Retry(context.Background(), "other"); !errors.Is(err, domain.ErrBackendUnsupported) {
		t.Fatalf("expected unsupported on 404, got %v", err)
	}
}

func TestListJobsAndToUpdate(t *testing.T) {
	transport := newCaptureTransport()
	transport.setJSON("/api/jobs", http.StatusOK, map[string]any{
		"jobs": []any{
			map[string]any{"id": "a", "status": "processing", "stage": "rendering", "progress": 40.0},
			map[string]any{"job_id": "b", "status": "succeeded", "output_url": "/media/b.mp4", "provider_errors": []any{"kling: slow"}},
			map[string]any{"id": "c", "status": "error", "error": "boom"},
		},
	})
	client := newTestClient(t, transport)

	states, err := client.ListJobs(context.Background(), domain.JobKindAIVideo)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if transport.requests[0].URL.Query().Get("kind") != "ai_video" {
		t.Fatalf("missing kind query")
	}
	if len(states) != 3 {
		t.Fatalf("got %d states", len(states))
	}
	now := time.Now()

	a := states[0].ToUpdate(now)
	if *a.Status != domain.JobStatusRunning || *a.Stage != "rendering" || *a.Progress != 40 || a.ProgressSource != domain.ProgressReported {
		t.Fatalf("unexpected update a: %+v", a)
	}
	if a.Kind == nil || *a.Kind != domain.JobKindAIVideo {
		t.Fatalf("kind should default to the listed kind")
	}

	b := states[1].ToUpdate(now)
	if b.ID != "b" || *b.Status != domain.JobStatusCompleted || *b.OutputURL != "/media/b.mp4" {
		t.Fatalf("unexpected update b: %+v", b)
	}
	if len(b.Warnings) != 1 || len(b.ProviderErrors) != 0 {
		t.Fatalf("provider errors on success must be warnings: %+v", b)
	}
	if b.Stage != nil || b.Progress != nil || b.ErrorDetail != nil {
		t.Fatalf("absent fields must stay nil: %+v", b)
	}

	c := states[2].ToUpdate(now)
	if *c.Status != domain.JobStatusFailed || *c.ErrorDetail != "boom" {
		t.Fatalf("unexpected update c: %+v", c)
	}
}

func TestDownloadResolvesRelativeURL(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.String() != "http://backend.test/media/out.png" {
			t.Errorf("unexpected url %s", req.URL)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"image/png"}},
			Body:       io.NopCloser(strings.NewReader("PNG")),
		}, nil
	})
	client := newTestClient(t, transport)
	data, mime, err := client.Download(context.Background(), "/media/out.png")
	if err != nil || string(data) != "PNG" || mime != "image/png" {
		t.Fatalf("download = %q %q %v", data, mime, err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
