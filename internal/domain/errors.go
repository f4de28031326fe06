package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnknownKind        = errors.New("unknown job kind")
	ErrInvalidTransition  = errors.New("invalid job transition")
	ErrNeedsPublicURL     = errors.New("source must be a publicly fetchable url")
	ErrBackendUnsupported = errors.New("backend does not support this operation")
)

// ValidationError is a 4xx rejection from the backend, or a local input
// check. Detail is shown to the user unmodified. Never retried automatically.
type ValidationError struct {
	StatusCode int
	Field      string
	Detail     string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Detail)
	}
	return e.Detail
}

// TransportError covers network failures, timeouts and 5xx responses. It is
// safe to retry and never marks a job failed on its own.
type TransportError struct {
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Detail)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// JobFailedError is an authoritative failure reported by the backend.
type JobFailedError struct {
	JobID          string
	Detail         string
	ProviderErrors []ProviderError
}

func (e *JobFailedError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = "generation failed"
	}
	if len(e.ProviderErrors) == 0 {
		return msg
	}
	items := make([]string, 0, len(e.ProviderErrors))
	for _, pe := range e.ProviderErrors {
		items = append(items, pe.String())
	}
	return msg + " (" + strings.Join(items, "; ") + ")"
}

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
