package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"genjobs/internal/commands"
	"genjobs/internal/domain"
	"genjobs/internal/notice"
)

type submitRequest struct {
	Kind   string        `json:"kind"`
	Params domain.Params `json:"params"`
}

type syncResult struct {
	URLs     []string               `json:"output_urls"`
	Provider string                 `json:"provider,omitempty"`
	Warnings []domain.ProviderError `json:"warnings,omitempty"`
}

type submitResponse struct {
	Job    *domain.Job `json:"job,omitempty"`
	Result *syncResult `json:"result,omitempty"`
	Notice string      `json:"notice"`
}

type outcomeResponse struct {
	Job       *domain.Job  `json:"job,omitempty"`
	Removed   []domain.Job `json:"removed,omitempty"`
	Confirmed bool         `json:"confirmed"`
	Notice    string       `json:"notice,omitempty"`
}

type listResponse struct {
	Jobs    []domain.Job `json:"jobs"`
	Focused string       `json:"focused,omitempty"`
}

func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	sub, err := a.Svc.Submit(r.Context(), kind, req.Params)
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	p := a.printer(r)
	if sub.Sync != nil {
		a.json(w, http.StatusOK, submitResponse{
			Result: &syncResult{URLs: sub.Sync.URLs, Provider: sub.Sync.Provider, Warnings: sub.Sync.Warnings},
			Notice: p.Sprintf(notice.SubmitFinished, p.KindLabel(string(kind)), len(sub.Sync.URLs)),
		})
		return
	}
	a.json(w, http.StatusAccepted, submitResponse{
		Job:    sub.Job,
		Notice: p.Sprintf(notice.SubmitQueued, p.KindLabel(string(kind)), sub.Job.ID),
	})
}

// ListJobs returns known jobs, newest first. ?kind= and ?status= filter.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	status := r.URL.Query().Get("status")
	if kind != "" {
		if _, err := domain.ParseKind(kind); err != nil {
			a.fail(w, r, err, "")
			return
		}
	}
	jobs := make([]domain.Job, 0)
	for _, job := range a.Svc.Jobs() {
		if kind != "" && string(job.Kind) != kind {
			continue
		}
		if status != "" && string(job.Status) != status {
			continue
		}
		jobs = append(jobs, job)
	}
	a.json(w, http.StatusOK, listResponse{Jobs: jobs, Focused: a.Svc.Focused()})
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := a.Svc.Job(id)
	if !ok {
		a.json(w, http.StatusNotFound, errorResponse{
			Error:   "not_found",
			Message: "job not found",
			Notice:  a.printer(r).Sprintf(notice.JobNotFound, id),
		})
		return
	}
	a.json(w, http.StatusOK, job)
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	out, err := a.Svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	a.outcome(w, r, out, err)
}

func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	out, err := a.Svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err == nil && out.Job != nil {
		a.json(w, http.StatusAccepted, toOutcome(out))
		return
	}
	a.outcome(w, r, out, err)
}

func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	out, err := a.Svc.Delete(r.Context(), chi.URLParam(r, "id"), force)
	a.outcome(w, r, out, err)
}

func (a *App) ClearFailed(w http.ResponseWriter, r *http.Request) {
	out, err := a.Svc.ClearFailed(r.Context())
	a.outcome(w, r, out, err)
}

type historyEvent struct {
	Type    string `json:"type"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Detail  string `json:"detail,omitempty"`
	CycleID string `json:"cycle_id,omitempty"`
	At      string `json:"at"`
}

// JobHistory lists journaled lifecycle events for a job.
func (a *App) JobHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		a.error(w, http.StatusNotImplemented, "unsupported", "no journal configured")
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	events, err := a.History.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	out := make([]historyEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, historyEvent{
			Type:    string(ev.Type),
			From:    string(ev.From),
			To:      string(ev.To),
			Detail:  ev.Detail,
			CycleID: ev.CycleID,
			At:      ev.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	a.json(w, http.StatusOK, map[string]any{"events": out})
}

func (a *App) outcome(w http.ResponseWriter, r *http.Request, out commands.Outcome, err error) {
	if err != nil {
		a.fail(w, r, err, out.Notice)
		return
	}
	a.json(w, http.StatusOK, toOutcome(out))
}

func toOutcome(out commands.Outcome) outcomeResponse {
	return outcomeResponse{Job: out.Job, Removed: out.Removed, Confirmed: out.Confirmed, Notice: out.Notice}
}
