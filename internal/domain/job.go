package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// JobKind enumerates supported generation job categories.
type JobKind string

const (
	JobKindImage              JobKind = "image"
	JobKindAIVideo            JobKind = "ai_video"
	JobKindImageToVideo       JobKind = "image_to_video"
	JobKindVehicleRestoration JobKind = "vehicle_restoration"
	JobKindImageEdit          JobKind = "image_edit"
	JobKindMusicVideo         JobKind = "music_video"
	JobKindFaceswapStep       JobKind = "faceswap_step"
)

// AllKinds lists every kind in a stable order.
var AllKinds = []JobKind{
	JobKindImage,
	JobKindAIVideo,
	JobKindImageToVideo,
	JobKindVehicleRestoration,
	JobKindImageEdit,
	JobKindMusicVideo,
	JobKindFaceswapStep,
}

// ParseKind validates a kind name.
func ParseKind(s string) (JobKind, error) {
	k := JobKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllKinds {
		if k == known {
			return k, nil
		}
	}
	return "", ErrUnknownKind
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Retryable reports whether a retry may be requested from this status.
func (s JobStatus) Retryable() bool {
	return s == JobStatusFailed || s == JobStatusCancelled
}

// Cancellable reports whether a cancel may be requested from this status.
func (s JobStatus) Cancellable() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// A queued job may be observed straight in a terminal state when the poll
// interval was longer than its running phase.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning:   true,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	},
	JobStatusRunning: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	},
}

// CanTransition reports whether moving from one status to another is valid.
// Staying in the same status is always allowed.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	return allowedTransitions[from][to]
}

// ParseStatus normalizes the backend's status vocabulary. The second return
// value is false when the status is not recognised.
func ParseStatus(s string) (JobStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "pending", "submitted", "waiting":
		return JobStatusQueued, true
	case "running", "processing", "in_progress", "started", "rendering":
		return JobStatusRunning, true
	case "completed", "complete", "succeeded", "success", "done", "finished":
		return JobStatusCompleted, true
	case "failed", "error", "errored":
		return JobStatusFailed, true
	case "cancelled", "canceled", "aborted":
		return JobStatusCancelled, true
	default:
		return "", false
	}
}

// ProviderError is one backend provider's failure when several were tried.
type ProviderError struct {
	Provider string `json:"provider,omitempty"`
	Message  string `json:"message"`
}

func (p ProviderError) String() string {
	if p.Provider == "" {
		return p.Message
	}
	return p.Provider + ": " + p.Message
}

// UnmarshalJSON accepts either a bare string or an object carrying
// provider plus one of message/error/detail.
func (p *ProviderError) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*p = ProviderError{Message: text}
		return nil
	}
	var obj struct {
		Provider string `json:"provider"`
		Message  string `json:"message"`
		Error    string `json:"error"`
		Detail   string `json:"detail"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	msg := obj.Message
	if msg == "" {
		msg = obj.Error
	}
	if msg == "" {
		msg = obj.Detail
	}
	*p = ProviderError{Provider: obj.Provider, Message: msg}
	return nil
}

// Job is one submitted generation task as the client knows it.
type Job struct {
	ID             string          `json:"id"`
	Kind           JobKind         `json:"kind"`
	Model          string          `json:"model,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Status         JobStatus       `json:"status"`
	Stage          string          `json:"stage,omitempty"`
	StageDetail    string          `json:"stage_detail,omitempty"`
	Progress       float64         `json:"progress_percent"`
	ProgressSource ProgressSource  `json:"progress_source,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	OutputURL      string          `json:"output_url,omitempty"`
	OutputURLs     []string        `json:"output_urls,omitempty"`
	ErrorDetail    string          `json:"error_detail,omitempty"`
	ProviderErrors []ProviderError `json:"provider_errors,omitempty"`
	Warnings       []ProviderError `json:"warnings,omitempty"`
	RetryOfID      string          `json:"retry_of_id,omitempty"`

	// Params is kept for jobs submitted by this client so an unsupported
	// retry endpoint can fall back to resubmission.
	Params *Params `json:"-"`
}

// ProgressSource tells whether the percentage came from the backend.
type ProgressSource string

const (
	ProgressEstimated ProgressSource = "estimated"
	ProgressReported  ProgressSource = "reported"
)

// Clone returns a deep copy safe to hand out of the registry.
func (j Job) Clone() Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	out.OutputURLs = append([]string(nil), j.OutputURLs...)
	out.ProviderErrors = append([]ProviderError(nil), j.ProviderErrors...)
	out.Warnings = append([]ProviderError(nil), j.Warnings...)
	if j.Params != nil {
		p := j.Params.Clone()
		out.Params = &p
	}
	return out
}

// Params holds the per-kind generation inputs. Which fields are required
// depends on the kind.
type Params struct {
	Prompt          string         `json:"prompt,omitempty"`
	NegativePrompt  string         `json:"negative_prompt,omitempty"`
	Model           string         `json:"model,omitempty"`
	Provider        string         `json:"provider,omitempty"`
	SourceURL       string         `json:"source_url,omitempty"`
	UploadRef       string         `json:"upload_ref,omitempty"`
	TargetURL       string         `json:"target_url,omitempty"`
	AudioURL        string         `json:"audio_url,omitempty"`
	Step            string         `json:"step,omitempty"`
	AspectRatio     string         `json:"aspect_ratio,omitempty"`
	DurationSeconds int            `json:"duration_seconds,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Clone copies params including the extra map.
func (p Params) Clone() Params {
	out := p
	if p.Extra != nil {
		out.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
