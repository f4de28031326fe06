// Package backendtest is an in-memory generation backend speaking the same
// HTTP contract as the real one. Tests drive it directly; cmd/mockbackend
// serves it with a clock that advances jobs on its own.
package backendtest

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"genjobs/internal/domain"
)

// Job is the backend's view of one job.
type Job struct {
	ID             string
	Kind           domain.JobKind
	Model          string
	Provider       string
	Status         string
	Stage          string
	StageDetail    string
	Progress       *float64
	CreatedAt      time.Time
	OutputURL      string
	OutputURLs     []string
	Error          string
	ProviderErrors []domain.ProviderError
	RetryOf        string
	Params         domain.Params
}

func (j *Job) terminal() bool {
	status, _ := domain.ParseStatus(j.Status)
	return status.Terminal()
}

// Server holds the backend state. The exported knobs may be flipped between
// requests; they are read under the server lock.
type Server struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	counts  map[string]int
	fails   map[string][]int
	seq     int
	settled int
	now     func() time.Time
	bodies  map[string][]byte
	options Options
}

// Options selects optional backend behaviour.
type Options struct {
	// ClearDisabled makes the bulk clear endpoint answer 404.
	ClearDisabled bool
	// RetryDisabled makes the retry endpoint answer 404.
	RetryDisabled bool
	// SyncKinds complete inside the submit call.
	SyncKinds []domain.JobKind
	// Now overrides the clock used for created_at stamps.
	Now func() time.Time
	// FailEvery makes every nth job that Advance would complete fail
	// instead. Zero disables it.
	FailEvery int
}

// NewServer returns an empty backend.
func NewServer(opts Options) *Server {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		jobs:    make(map[string]*Job),
		counts:  make(map[string]int),
		fails:   make(map[string][]int),
		bodies:  make(map[string][]byte),
		now:     now,
		options: opts,
	}
}

// Handler returns the chi router for the backend API and media files.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer, s.count)

	r.Post("/api/generate/{kind}", s.submit)
	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.list)
		r.Post("/clear", s.clear)
		r.Get("/{id}", s.detail)
		r.Post("/{id}/cancel", s.cancel)
		r.Post("/{id}/retry", s.retry)
		r.Post("/{id}/delete", s.delete)
	})
	r.Get("/media/*", s.media)
	return r
}

// count records every request and serves injected failures.
func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + strings.TrimRight(r.URL.Path, "/")
		s.mu.Lock()
		s.counts[key]++
		var failWith int
		if queue := s.fails[key]; len(queue) > 0 {
			failWith = queue[0]
			s.fails[key] = queue[1:]
		}
		s.mu.Unlock()
		if failWith != 0 {
			writeJSON(w, failWith, map[string]any{"detail": "injected failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Count returns how many requests hit "METHOD /path".
func (s *Server) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

// FailNext makes the next requests to "METHOD /path" answer with the given
// status codes, one per request.
func (s *Server) FailNext(key string, statuses ...int) {
	s.mu.Lock()
	s.fails[key] = append(s.fails[key], statuses...)
	s.mu.Unlock()
}

// LastBody returns the last request body posted to the given path.
func (s *Server) LastBody(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.bodies[path]...)
}

// Seed inserts a job as-is. A zero CreatedAt is stamped with the clock.
func (s *Server) Seed(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.Status == "" {
		job.Status = string(domain.JobStatusQueued)
	}
	s.jobs[job.ID] = &job
}

// Set mutates a job in place. It reports false when the id is unknown.
func (s *Server) Set(id string, fn func(*Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	fn(job)
	return true
}

// Job returns a copy of the backend job.
func (s *Server) Job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// IDs returns every job id, oldest first.
func (s *Server) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedIDsLocked("")
}

// Advance moves every unfinished job one step: queued jobs start running,
// running jobs gain the given progress and complete once they reach 100.
func (s *Server) Advance(step float64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var completed []string
	for _, id := range s.sortedIDsLocked("") {
		job := s.jobs[id]
		status, _ := domain.ParseStatus(job.Status)
		switch status {
		case domain.JobStatusQueued:
			job.Status = string(domain.JobStatusRunning)
			job.Stage = "starting"
			zero := 0.0
			job.Progress = &zero
		case domain.JobStatusRunning:
			p := step
			if job.Progress != nil {
				p += *job.Progress
			}
			if p >= 100 {
				s.settled++
				if n := s.options.FailEvery; n > 0 && s.settled%n == 0 {
					Fail(job, "synthetic provider failure")
					continue
				}
				Complete(job)
				completed = append(completed, id)
				continue
			}
			job.Progress = &p
			job.Stage = "rendering"
		}
	}
	return completed
}

// Complete marks the job finished with a synthetic output under /media/.
func Complete(job *Job) {
	job.Status = string(domain.JobStatusCompleted)
	job.Stage = "done"
	full := 100.0
	job.Progress = &full
	job.OutputURL = "/media/" + OutputKey(job.Kind, job.ID)
}

// Fail marks the job failed with one provider error.
func Fail(job *Job, detail string) {
	job.Status = string(domain.JobStatusFailed)
	job.Stage = "failed"
	job.Error = detail
	job.ProviderErrors = []domain.ProviderError{{Provider: "mock", Message: detail}}
}

// OutputKey is the media key the backend stores a job's output under.
func OutputKey(kind domain.JobKind, id string) string {
	ext := ".mp4"
	if kind == domain.JobKindImage || kind == domain.JobKindImageEdit || kind == domain.JobKindVehicleRestoration {
		ext = ".png"
	}
	return fmt.Sprintf("%s/%s%s", kind, id, ext)
}

func (s *Server) sortedIDsLocked(kind domain.JobKind) []string {
	ids := make([]string, 0, len(s.jobs))
	for id, job := range s.jobs {
		if kind != "" && job.Kind != kind {
			continue
		}
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c := s.jobs[a].CreatedAt.Compare(s.jobs[b].CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return ids
}

func (s *Server) nextIDLocked(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "unknown kind"})
		return
	}
	var params domain.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid json body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := json.Marshal(params)
	s.bodies[r.URL.Path] = raw

	id := s.nextIDLocked(string(kind))
	if slices.Contains(s.options.SyncKinds, kind) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"url":      "/media/" + OutputKey(kind, id),
			"provider": "mock",
		})
		return
	}
	s.jobs[id] = &Job{
		ID:        id,
		Kind:      kind,
		Model:     params.Model,
		Provider:  params.Provider,
		Status:    string(domain.JobStatusQueued),
		CreatedAt: s.now(),
		Params:    params,
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	kind := domain.JobKind(r.URL.Query().Get("kind"))
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]map[string]any, 0)
	for _, id := range s.sortedIDsLocked(kind) {
		items = append(items, summary(s.jobs[id]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": items})
}

func (s *Server) detail(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "job not found"})
		return
	}
	body := summary(job)
	if job.StageDetail != "" {
		body["stage_detail"] = job.StageDetail
	}
	if job.OutputURL != "" {
		body["output_url"] = job.OutputURL
	}
	if len(job.OutputURLs) > 0 {
		body["output_urls"] = job.OutputURLs
	}
	if job.Error != "" {
		body["error"] = job.Error
	}
	if len(job.ProviderErrors) > 0 {
		body["provider_errors"] = job.ProviderErrors
	}
	writeJSON(w, http.StatusOK, body)
}

// summary is the list shape: sparse, no stage detail, outputs or errors.
func summary(job *Job) map[string]any {
	body := map[string]any{
		"id":         job.ID,
		"kind":       job.Kind,
		"status":     job.Status,
		"created_at": job.CreatedAt,
	}
	if job.Model != "" {
		body["model"] = job.Model
	}
	if job.Provider != "" {
		body["provider"] = job.Provider
	}
	if job.Stage != "" {
		body["stage"] = job.Stage
	}
	if job.Progress != nil {
		body["progress"] = *job.Progress
	}
	if job.RetryOf != "" {
		body["retry_of"] = job.RetryOf
	}
	return body
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "job not found"})
		return
	}
	if job.terminal() {
		writeJSON(w, http.StatusConflict, map[string]any{"detail": "job already finished"})
		return
	}
	job.Status = string(domain.JobStatusCancelled)
	job.Stage = "cancelled"
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.options.RetryDisabled {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Not Found"})
		return
	}
	job, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "job not found"})
		return
	}
	status, _ := domain.ParseStatus(job.Status)
	if !status.Retryable() {
		writeJSON(w, http.StatusConflict, map[string]any{"detail": "only failed or cancelled jobs can be retried"})
		return
	}
	id := s.nextIDLocked(string(job.Kind))
	s.jobs[id] = &Job{
		ID:        id,
		Kind:      job.Kind,
		Model:     job.Model,
		Provider:  job.Provider,
		Status:    string(domain.JobStatusQueued),
		CreatedAt: s.now(),
		RetryOf:   job.ID,
		Params:    job.Params,
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Force bool `json:"force"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	job, ok := s.jobs[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "job not found"})
		return
	}
	if !job.terminal() && !body.Force {
		writeJSON(w, http.StatusConflict, map[string]any{"detail": "job is still running; pass force to delete"})
		return
	}
	delete(s.jobs, id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Statuses []string `json:"statuses"`
		Force    bool     `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid json body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.options.ClearDisabled {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Not Found"})
		return
	}
	removed := 0
	for id, job := range s.jobs {
		status, _ := domain.ParseStatus(job.Status)
		for _, want := range body.Statuses {
			if parsed, ok := domain.ParseStatus(want); ok && parsed == status {
				if !status.Terminal() && !body.Force {
					break
				}
				delete(s.jobs, id)
				removed++
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": removed})
}

// media serves a small synthetic payload for any output key.
func (s *Server) media(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("synthetic:" + key))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
