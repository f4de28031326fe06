package jobclient

import (
	"strings"
	"time"

	"genjobs/internal/domain"
	"genjobs/internal/registry"
)

// SyncOutcome is the result of a kind the backend finished within the
// submission round trip.
type SyncOutcome struct {
	URLs     []string
	Provider string
	Warnings []domain.ProviderError
}

// AsJob shapes the outcome like a completed job without an id so asset
// refreshers can treat both paths alike.
func (o SyncOutcome) AsJob(kind domain.JobKind, at time.Time) domain.Job {
	job := domain.Job{
		Kind:       kind,
		Provider:   o.Provider,
		Status:     domain.JobStatusCompleted,
		Progress:   100,
		CreatedAt:  at,
		FinishedAt: &at,
		OutputURLs: append([]string(nil), o.URLs...),
		Warnings:   append([]domain.ProviderError(nil), o.Warnings...),
	}
	if len(o.URLs) > 0 {
		job.OutputURL = o.URLs[0]
	}
	return job
}

// Submission is either a queued job handle or a synchronous outcome.
type Submission struct {
	Job  *domain.Job
	Sync *SyncOutcome
}

// JobState is one job as reported by the list or detail endpoint.
type JobState struct {
	ID             string                 `json:"id"`
	JobID          string                 `json:"job_id"`
	Kind           string                 `json:"kind"`
	Model          string                 `json:"model"`
	Provider       string                 `json:"provider"`
	Status         string                 `json:"status"`
	Stage          *string                `json:"stage"`
	StageDetail    *string                `json:"stage_detail"`
	Progress       *float64               `json:"progress"`
	CreatedAt      *time.Time             `json:"created_at"`
	OutputURL      string                 `json:"output_url"`
	OutputURLs     []string               `json:"output_urls"`
	Error          string                 `json:"error"`
	ErrorDetail    string                 `json:"error_detail"`
	ProviderErrors []domain.ProviderError `json:"provider_errors"`
	RetryOf        string                 `json:"retry_of"`
}

// Identifier returns the job id whichever key the backend used.
func (s JobState) Identifier() string {
	if s.ID != "" {
		return s.ID
	}
	return s.JobID
}

// ToUpdate converts the wire state into a registry observation. Fields the
// backend omitted stay nil so they cannot overwrite known values.
func (s JobState) ToUpdate(observedAt time.Time) registry.Update {
	u := registry.Update{
		ID:          s.Identifier(),
		ObservedAt:  observedAt,
		Stage:       s.Stage,
		StageDetail: s.StageDetail,
		CreatedAt:   s.CreatedAt,
	}
	if kind, err := domain.ParseKind(s.Kind); err == nil {
		u.Kind = &kind
	}
	if s.Model != "" {
		u.Model = &s.Model
	}
	if s.Provider != "" {
		u.Provider = &s.Provider
	}
	if s.RetryOf != "" {
		u.RetryOfID = &s.RetryOf
	}
	if status, ok := domain.ParseStatus(s.Status); ok {
		u.Status = &status
	}
	if s.Progress != nil {
		p := *s.Progress
		u.Progress = &p
		u.ProgressSource = domain.ProgressReported
	}
	if url := strings.TrimSpace(s.OutputURL); url != "" {
		u.OutputURL = &url
	}
	if len(s.OutputURLs) > 0 {
		u.OutputURLs = append([]string(nil), s.OutputURLs...)
	}
	detail := s.ErrorDetail
	if detail == "" {
		detail = s.Error
	}
	if detail != "" {
		u.ErrorDetail = &detail
	}
	if len(s.ProviderErrors) > 0 {
		u.ProviderErrors = append([]domain.ProviderError(nil), s.ProviderErrors...)
		// On anything but a failure the provider errors are warnings.
		if status, ok := domain.ParseStatus(s.Status); ok && status != domain.JobStatusFailed {
			u.Warnings = u.ProviderErrors
			u.ProviderErrors = nil
		}
	}
	return u
}

type submitResponse struct {
	JobID          string                 `json:"job_id"`
	ID             string                 `json:"id"`
	Success        *bool                  `json:"success"`
	URL            string                 `json:"url"`
	URLs           []string               `json:"urls"`
	Provider       string                 `json:"provider"`
	ProviderErrors []domain.ProviderError `json:"provider_errors"`
	Detail         string                 `json:"detail"`
	Error          string                 `json:"error"`
}

type listResponse struct {
	Jobs []JobState `json:"jobs"`
}

type retryResponse struct {
	JobID string `json:"job_id"`
	ID    string `json:"id"`
}

type deleteRequest struct {
	Force bool `json:"force"`
}

type clearRequest struct {
	Statuses []domain.JobStatus `json:"statuses"`
	Force    bool               `json:"force"`
}
