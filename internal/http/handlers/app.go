// Package handlers serves the local job API on top of the orchestrator.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"genjobs/internal/audit"
	"genjobs/internal/commands"
	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/jobclient"
	"genjobs/internal/notice"
	"genjobs/internal/poller"
)

// Service is the orchestrator surface the API uses.
type Service interface {
	Submit(ctx context.Context, kind domain.JobKind, params domain.Params) (jobclient.Submission, error)
	Sync(ctx context.Context) (poller.Cycle, error)
	SetWatched(watched bool)
	Focus(id string) error
	Unfocus()
	Focused() string
	Jobs() []domain.Job
	Job(id string) (domain.Job, bool)
	Cancel(ctx context.Context, id string) (commands.Outcome, error)
	Retry(ctx context.Context, id string) (commands.Outcome, error)
	Delete(ctx context.Context, id string, force bool) (commands.Outcome, error)
	ClearFailed(ctx context.Context) (commands.Outcome, error)
	LastSync() time.Time
	Printer() *notice.Printer
}

// HistoryReader returns journaled events for one job, newest first.
type HistoryReader interface {
	History(ctx context.Context, jobID string, limit int) ([]audit.Event, error)
}

// App holds the API dependencies. History and Library are optional; their
// routes answer 501 when unset.
type App struct {
	Svc     Service
	History HistoryReader
	Library Library
	Logger  *infra.Logger
}

func NewApp(svc Service, logger *infra.Logger) *App {
	return &App{Svc: svc, Logger: infra.LoggerOrDiscard(logger)}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Notice  string `json:"notice,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, msg string) {
	a.json(w, code, errorResponse{Error: errCode, Message: msg})
}

func (a *App) printer(r *http.Request) *notice.Printer {
	return notice.FromContext(r.Context(), a.Svc.Printer())
}

// fail maps an orchestrator error onto a status code. Validation details
// are passed through unmodified.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error, note string) {
	code, errCode := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	msg := err.Error()
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		msg = ve.Error()
	}
	a.json(w, code, errorResponse{Error: errCode, Message: msg, Notice: note})
}

func statusFor(err error) (int, string) {
	var (
		ve *domain.ValidationError
		jf *domain.JobFailedError
	)
	switch {
	case errors.As(err, &ve):
		if ve.StatusCode == http.StatusUnprocessableEntity {
			return http.StatusUnprocessableEntity, "validation"
		}
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrNeedsPublicURL):
		return http.StatusBadRequest, "needs_public_url"
	case errors.Is(err, domain.ErrUnknownKind):
		return http.StatusBadRequest, "unknown_kind"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrBackendUnsupported):
		return http.StatusNotImplemented, "unsupported"
	case errors.As(err, &jf):
		return http.StatusBadGateway, "job_failed"
	case domain.IsTransport(err):
		return http.StatusBadGateway, "backend_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
