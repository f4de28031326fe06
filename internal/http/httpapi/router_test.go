package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"genjobs/internal/audit"
	"genjobs/internal/backendtest"
	"genjobs/internal/domain"
	"genjobs/internal/http/handlers"
	"genjobs/internal/jobclient"
	"genjobs/internal/library"
	"genjobs/internal/orchestrator"
	"genjobs/internal/storage"
)

type harness struct {
	api     http.Handler
	orch    *orchestrator.Orchestrator
	backend *backendtest.Server
	syncer  *library.Syncer
}

func newHarness(t *testing.T, backendOpts backendtest.Options, submitLimit int) *harness {
	t.Helper()
	backend := backendtest.NewServer(backendOpts)
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)

	client, err := jobclient.NewClient(jobclient.Options{BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	syncer, err := library.NewSyncer(library.Options{Downloader: client, Store: store})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}
	t.Cleanup(syncer.Close)

	journal := audit.NewMemory(0)
	orch, err := orchestrator.New(orchestrator.Options{
		Backend:   client,
		Refresher: syncer,
		Journal:   journal,
		Kinds:     []domain.JobKind{domain.JobKindImage, domain.JobKindAIVideo},
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	app := handlers.NewApp(orch, nil)
	app.History = journal
	app.Library = syncer
	api := NewRouter(app, Options{
		AllowedOrigins: []string{"http://ui.test"},
		Locale:         "en",
		SubmitLimit:    submitLimit,
	})
	return &harness{api: api, orch: orch, backend: backend, syncer: syncer}
}

func (h *harness) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.api.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type submitBody struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params"`
}

type jobEnvelope struct {
	Job    *domain.Job `json:"job"`
	Notice string      `json:"notice"`
	Result *struct {
		URLs []string `json:"output_urls"`
	} `json:"result"`
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Notice  string `json:"notice"`
}

func (h *harness) submit(t *testing.T, kind, prompt string) domain.Job {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/jobs", submitBody{Kind: kind, Params: map[string]any{"prompt": prompt}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body %s", rec.Code, rec.Body.String())
	}
	env := decode[jobEnvelope](t, rec)
	if env.Job == nil {
		t.Fatalf("submit returned no job: %s", rec.Body.String())
	}
	return *env.Job
}

func TestHealth(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 0)
	rec := h.do(t, http.MethodGet, "/v1/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestSubmitQueuedJobAndFetch(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 0)
	job := h.submit(t, "ai_video", "storm over the sea")
	if job.Status != domain.JobStatusQueued || job.ID == "" {
		t.Fatalf("job = %+v", job)
	}

	rec := h.do(t, http.MethodGet, "/v1/jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode[domain.Job](t, rec)
	if got.ID != job.ID || got.Kind != domain.JobKindAIVideo {
		t.Fatalf("got = %+v", got)
	}

	rec = h.do(t, http.MethodGet, "/v1/jobs?kind=ai_video", nil)
	list := decode[struct {
		Jobs []domain.Job `json:"jobs"`
	}](t, rec)
	if len(list.Jobs) != 1 {
		t.Fatalf("list = %+v", list)
	}
	rec = h.do(t, http.MethodGet, "/v1/jobs?status=completed", nil)
	list = decode[struct {
		Jobs []domain.Job `json:"jobs"`
	}](t, rec)
	if len(list.Jobs) != 0 {
		t.Fatalf("status filter ignored: %+v", list)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 0)
	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"missing prompt", submitBody{Kind: "image", Params: map[string]any{}}, http.StatusBadRequest, "validation"},
		{"unknown kind", submitBody{Kind: "hologram", Params: map[string]any{"prompt": "x"}}, http.StatusBadRequest, "unknown_kind"},
		{"local file source", submitBody{Kind: "image_to_video", Params: map[string]any{"source_url": "/home/me/cat.png"}}, http.StatusBadRequest, "needs_public_url"},
		{"bad json", "not an object", http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/jobs", tc.body)
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
			}
			if got := decode[errorEnvelope](t, rec); got.Error != tc.wantErr {
				t.Fatalf("error = %q, want %q", got.Error, tc.wantErr)
			}
		})
	}
	if ids := h.backend.IDs(); len(ids) != 0 {
		t.Fatalf("backend received jobs: %v", ids)
	}
}

func TestSubmitSyncResultLandsInLibrary(t *testing.T) {
	h := newHarness(t, backendtest.Options{SyncKinds: []domain.JobKind{domain.JobKindImage}}, 0)
	rec := h.do(t, http.MethodPost, "/v1/jobs", submitBody{Kind: "image", Params: map[string]any{"prompt": "lamp"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	env := decode[jobEnvelope](t, rec)
	if env.Result == nil || len(env.Result.URLs) != 1 || env.Job != nil {
		t.Fatalf("envelope = %s", rec.Body.String())
	}
	if !strings.Contains(env.Notice, "finished with 1") {
		t.Fatalf("notice = %q", env.Notice)
	}
	h.syncer.Wait()

	rec = h.do(t, http.MethodGet, "/v1/assets", nil)
	if !strings.Contains(rec.Body.String(), `"kind":"image"`) {
		t.Fatalf("assets = %s", rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/v1/assets/export", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("export status = %d type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	if len(zr.File) != 1 || !strings.HasPrefix(zr.File[0].Name, "image/sync-") {
		t.Fatalf("zip files = %+v", zr.File)
	}

	rec = h.do(t, http.MethodGet, "/v1/assets/export?prefix=ai_video/", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty export status = %d", rec.Code)
	}
}

func TestCancelNoticeIsLocalized(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 0)
	job := h.submit(t, "ai_video", "storm")

	rec := h.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil, "X-Locale", "id")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Language") != "id" {
		t.Fatalf("content-language = %q", rec.Header().Get("Content-Language"))
	}
	out := decode[struct {
		Job       *domain.Job `json:"job"`
		Confirmed bool        `json:"confirmed"`
		Notice    string      `json:"notice"`
	}](t, rec)
	if !strings.HasPrefix(out.Notice, "Pembatalan diminta") {
		t.Fatalf("notice = %q", out.Notice)
	}
	if out.Job == nil || out.Job.Status != domain.JobStatusCancelled {
		t.Fatalf("job = %+v", out.Job)
	}

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d", rec.Code)
	}
	if got := decode[errorEnvelope](t, rec); got.Error != "invalid_transition" || got.Notice == "" {
		t.Fatalf("error = %+v", got)
	}
}

func TestRetryCreatesNewJob(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 0)
	job := h.submit(t, "ai_video", "storm")
	h.backend.Set(job.ID, func(j *backendtest.Job) {
		j.Status = string(domain.JobStatusFailed)
		j.Error = "provider quota"
	})
	if _, err := h.orch.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/retry", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d body %s", rec.Code, rec.Body.String())
	}
	out := decode[struct {
		Job *domain.Job `json:"job"`
	}](t, rec)
	if out.Job == nil || out.Job.ID == job.ID || out.Job.RetryOfID != job.ID {
		t.Fatalf("retry job = %+v", out.Job)
	}
	orig, _ := h.orch.Job(job.ID)
	if orig.Status != domain.JobStatusFailed {
		t.Fatalf("original changed to %s", orig.Status)
	}
}

func TestDeleteRequiresForceForActiveJob(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 0)
	job := h.submit(t, "ai_video", "storm")

	rec := h.do(t, http.MethodDelete, "/v1/jobs/"+job.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = h.do(t, http.MethodDelete, "/v1/jobs/"+job.ID+"?force=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("forced status = %d body %s", rec.Code, rec.Body.String())
	}
	if _, ok := h.backend.Job(job.ID); ok {
		t.Fatalf("backend still has job")
	}
	rec = h.do(t, http.MethodGet, "/v1/jobs/"+job.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rec.Code)
	}
}

func TestClearFailedUnsupportedBackend(t *testing.T) {
	h := newHarness(t, backendtest.Options{ClearDisabled: true}, 0)
	job := h.submit(t, "image", "lamp")
	h.backend.Set(job.ID, func(j *backendtest.Job) { j.Status = string(domain.JobStatusFailed) })
	if _, err := h.orch.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/v1/jobs/clear-failed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	out := decode[struct {
		Removed   []domain.Job `json:"removed"`
		Confirmed bool         `json:"confirmed"`
	}](t, rec)
	if len(out.Removed) != 1 || out.Confirmed {
		t.Fatalf("outcome = %s", rec.Body.String())
	}
}

func TestFocusWatchAndSync(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 0)
	job := h.submit(t, "ai_video", "storm")

	if rec := h.do(t, http.MethodPut, "/v1/focus", map[string]string{"id": "missing"}); rec.Code != http.StatusNotFound {
		t.Fatalf("focus unknown = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPut, "/v1/focus", map[string]string{"id": job.ID}); rec.Code != http.StatusNoContent {
		t.Fatalf("focus = %d", rec.Code)
	}
	if h.orch.Focused() != job.ID {
		t.Fatalf("focused = %q", h.orch.Focused())
	}
	if rec := h.do(t, http.MethodPut, "/v1/watch", map[string]bool{"watched": true}); rec.Code != http.StatusNoContent {
		t.Fatalf("watch = %d", rec.Code)
	}

	h.backend.Advance(0)
	rec := h.do(t, http.MethodPost, "/v1/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync = %d", rec.Code)
	}
	cycle := decode[struct {
		Fetched     int `json:"fetched"`
		Transitions int `json:"transitions"`
	}](t, rec)
	if cycle.Fetched == 0 || cycle.Transitions == 0 {
		t.Fatalf("cycle = %s", rec.Body.String())
	}
	got, _ := h.orch.Job(job.ID)
	if got.Status != domain.JobStatusRunning {
		t.Fatalf("status = %s", got.Status)
	}

	if rec := h.do(t, http.MethodDelete, "/v1/focus", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("unfocus = %d", rec.Code)
	}
	if h.orch.Focused() != "" {
		t.Fatalf("focus not cleared")
	}
}

func TestJobHistory(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 0)
	job := h.submit(t, "ai_video", "storm")
	h.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)

	rec := h.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decode[struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}](t, rec)
	if len(out.Events) < 2 {
		t.Fatalf("events = %s", rec.Body.String())
	}
	if out.Events[len(out.Events)-1].Type != string(audit.EventSubmitted) {
		t.Fatalf("oldest event = %s", out.Events[len(out.Events)-1].Type)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 1)
	h.submit(t, "ai_video", "one")
	rec := h.do(t, http.MethodPost, "/v1/jobs", submitBody{Kind: "ai_video", Params: map[string]any{"prompt": "two"}})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/v1/jobs", nil); rec.Code != http.StatusOK {
		t.Fatalf("listing must not be limited: %d", rec.Code)
	}
}

func TestOpenAPIServed(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 0)
	rec := h.do(t, http.MethodGet, "/v1/openapi.json", nil)
	if rec.Code != http.StatusOK || !json.Valid(rec.Body.Bytes()) {
		t.Fatalf("openapi status = %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/v1/docs", nil)
	if !strings.Contains(rec.Body.String(), "/v1/openapi.json") {
		t.Fatalf("docs page does not reference the openapi document")
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, backendtest.Options{}, 0)
	rec := h.do(t, http.MethodOptions, "/v1/jobs", nil, "Origin", "http://ui.test")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://ui.test" {
		t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
