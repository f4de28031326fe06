// Package commands implements the user actions on jobs. Every command
// checks its precondition against the registry, applies any local change
// first and then tells the backend. A backend failure after a local change
// becomes a notice; the local change is never rolled back.
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genjobs/internal/audit"
	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/jobclient"
	"genjobs/internal/notice"
	"genjobs/internal/poller"
	"genjobs/internal/registry"
)

// Backend is the slice of the job client the commands need.
type Backend interface {
	Submit(ctx context.Context, kind domain.JobKind, params domain.Params) (jobclient.Submission, error)
	JobDetail(ctx context.Context, id string) (jobclient.JobState, error)
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string, force bool) error
	Clear(ctx context.Context, statuses []domain.JobStatus, force bool) error
}

// Outcome is what a command did.
type Outcome struct {
	// Job is the affected job after the command, or the new job for a retry.
	Job *domain.Job
	// Removed lists jobs dropped from the registry.
	Removed []domain.Job
	// Confirmed is false when the backend did not persist a local change.
	Confirmed bool
	// Notice is a one-line localized summary for the user.
	Notice string
}

// Options wires a command set.
type Options struct {
	Backend   Backend
	Registry  *registry.Registry
	Refresher poller.Refresher
	Journal   audit.Journal
	Printer   *notice.Printer
	Now       func() time.Time
	Logger    *infra.Logger
}

// Commands executes user actions.
type Commands struct {
	backend   Backend
	reg       *registry.Registry
	refresher poller.Refresher
	journal   audit.Journal
	printer   *notice.Printer
	now       func() time.Time
	logger    *infra.Logger
}

// New validates options.
func New(opts Options) (*Commands, error) {
	if opts.Backend == nil {
		return nil, errors.New("commands: backend is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("commands: registry is required")
	}
	printer := opts.Printer
	if printer == nil {
		printer = notice.For("en")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	refresher := opts.Refresher
	if refresher == nil {
		refresher = poller.RefreshFunc(func(context.Context, domain.Job) {})
	}
	return &Commands{
		backend:   opts.Backend,
		reg:       opts.Registry,
		refresher: refresher,
		journal:   audit.OrNop(opts.Journal),
		printer:   printer,
		now:       now,
		logger:    infra.LoggerOrDiscard(opts.Logger),
	}, nil
}

func (c *Commands) printerFor(ctx context.Context) *notice.Printer {
	return notice.FromContext(ctx, c.printer)
}

func (c *Commands) lookup(ctx context.Context, id string) (domain.Job, Outcome, error) {
	job, ok := c.reg.Get(id)
	if !ok {
		return domain.Job{}, Outcome{Notice: c.printerFor(ctx).Sprintf(notice.JobNotFound, id)}, fmt.Errorf("commands: job %s: %w", id, domain.ErrNotFound)
	}
	return job, Outcome{}, nil
}

// Cancel asks the backend to cancel a queued or running job, then
// re-fetches it. The job only becomes cancelled once the backend says so.
func (c *Commands) Cancel(ctx context.Context, id string) (Outcome, error) {
	job, out, err := c.lookup(ctx, id)
	if err != nil {
		return out, err
	}
	if !job.Status.Cancellable() {
		return Outcome{Job: &job, Notice: c.printerFor(ctx).Sprintf(notice.CancelNotAllowed, id, job.Status)},
			fmt.Errorf("commands: cancel %s (%s): %w", id, job.Status, domain.ErrInvalidTransition)
	}
	if err := c.backend.Cancel(ctx, id); err != nil {
		return Outcome{Job: &job}, fmt.Errorf("commands: cancel %s: %w", id, err)
	}
	c.journal.Record(ctx, audit.Event{Type: audit.EventCancelRequested, JobID: id, JobKind: job.Kind, From: job.Status, At: c.now()})

	issued := c.now()
	st, err := c.backend.JobDetail(ctx, id)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", id).Msg("commands: refresh after cancel failed")
		return Outcome{Job: &job, Confirmed: true, Notice: c.printerFor(ctx).Sprintf(notice.CancelRefreshStale, id)}, nil
	}
	if st.Identifier() == "" {
		st.ID = id
	}
	res, err := c.reg.Upsert(st.ToUpdate(issued))
	if err != nil {
		return Outcome{Job: &job}, fmt.Errorf("commands: cancel %s: %w", id, err)
	}
	if res.Ignored {
		return Outcome{Confirmed: true, Notice: c.printerFor(ctx).Sprintf(notice.CancelRequested, id)}, nil
	}
	return Outcome{Job: &res.Job, Confirmed: true, Notice: c.printerFor(ctx).Sprintf(notice.CancelRequested, id)}, nil
}

// Retry starts a new job from a failed or cancelled one. The original is
// left as it is. When the backend has no retry endpoint and the original
// parameters are known, they are submitted again instead.
func (c *Commands) Retry(ctx context.Context, id string) (Outcome, error) {
	orig, out, err := c.lookup(ctx, id)
	if err != nil {
		return out, err
	}
	if !orig.Status.Retryable() {
		return Outcome{Job: &orig, Notice: c.printerFor(ctx).Sprintf(notice.RetryNotAllowed, id, orig.Status)},
			fmt.Errorf("commands: retry %s (%s): %w", id, orig.Status, domain.ErrInvalidTransition)
	}

	key := notice.RetryStarted
	newID, err := c.backend.Retry(ctx, id)
	if errors.Is(err, domain.ErrBackendUnsupported) && orig.Params != nil {
		key = notice.RetryResubmitted
		newID, err = c.resubmit(ctx, orig)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("commands: retry %s: %w", id, err)
	}
	if newID == "" {
		p := c.printerFor(ctx)
		return Outcome{Confirmed: true, Notice: p.Sprintf(notice.SubmitFinished, p.KindLabel(string(orig.Kind)), 1)}, nil
	}

	job := domain.Job{
		ID:        newID,
		Kind:      orig.Kind,
		Model:     orig.Model,
		Provider:  orig.Provider,
		Status:    domain.JobStatusQueued,
		CreatedAt: c.now(),
		RetryOfID: id,
		Params:    orig.Params,
	}
	created, err := c.reg.Insert(job)
	if errors.Is(err, registry.ErrDuplicate) {
		// A list refresh may have discovered the new job first.
		res, uerr := c.reg.Upsert(registry.Update{ID: newID, ObservedAt: c.now(), RetryOfID: &job.RetryOfID, Params: job.Params})
		if uerr != nil {
			return Outcome{}, fmt.Errorf("commands: retry %s: %w", id, uerr)
		}
		if res.Ignored {
			return Outcome{}, fmt.Errorf("commands: retry %s: %w: %s was deleted", id, registry.ErrDuplicate, newID)
		}
		created, err = res.Job, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("commands: retry %s: %w", id, err)
	}
	c.journal.Record(ctx, audit.Event{Type: audit.EventRetried, JobID: newID, JobKind: orig.Kind, To: domain.JobStatusQueued, Detail: "retry of " + id, At: c.now()})
	c.logger.Info().Str("job_id", newID).Str("retry_of", id).Msg("commands: retry started")
	return Outcome{Job: &created, Confirmed: true, Notice: c.printerFor(ctx).Sprintf(key, id, newID)}, nil
}

// resubmit returns the new job id, or "" when the backend finished the
// work synchronously.
func (c *Commands) resubmit(ctx context.Context, orig domain.Job) (string, error) {
	sub, err := c.backend.Submit(ctx, orig.Kind, *orig.Params)
	if err != nil {
		return "", err
	}
	if sub.Sync != nil {
		c.refresher.Refresh(ctx, sub.Sync.AsJob(orig.Kind, c.now()))
		return "", nil
	}
	return sub.Job.ID, nil
}

// Delete removes a job locally and then from the backend. Unfinished jobs
// need force.
func (c *Commands) Delete(ctx context.Context, id string, force bool) (Outcome, error) {
	job, out, err := c.lookup(ctx, id)
	if err != nil {
		return out, err
	}
	if !job.Status.Terminal() && !force {
		return Outcome{Job: &job, Notice: c.printerFor(ctx).Sprintf(notice.DeleteNeedsForce, id, job.Status)},
			fmt.Errorf("commands: delete %s (%s) without force: %w", id, job.Status, domain.ErrInvalidTransition)
	}
	removed, ok := c.reg.Remove(id)
	if !ok {
		return Outcome{Notice: c.printerFor(ctx).Sprintf(notice.JobNotFound, id)}, fmt.Errorf("commands: job %s: %w", id, domain.ErrNotFound)
	}
	c.journal.Record(ctx, audit.Event{Type: audit.EventDeleted, JobID: id, JobKind: removed.Kind, From: removed.Status, At: c.now()})

	out = Outcome{Removed: []domain.Job{removed}}
	err = c.backend.Delete(ctx, id, force)
	switch {
	case err == nil, errors.Is(err, domain.ErrNotFound):
		out.Confirmed = true
		out.Notice = c.printerFor(ctx).Sprintf(notice.DeleteDone, id)
	default:
		c.logger.Warn().Err(err).Str("job_id", id).Msg("commands: backend delete failed")
		out.Notice = c.printerFor(ctx).Sprintf(notice.DeleteBackendFail, id, err)
	}
	return out, nil
}

var clearable = []domain.JobStatus{domain.JobStatusFailed, domain.JobStatusCancelled}

// ClearFailed removes every failed or cancelled job locally, then asks the
// backend to do the same. A backend without bulk clear still counts as
// success, with a notice that nothing was persisted.
func (c *Commands) ClearFailed(ctx context.Context) (Outcome, error) {
	removed := c.reg.RemoveWhere(func(j domain.Job) bool { return j.Status.Retryable() })
	at := c.now()
	for _, job := range removed {
		c.journal.Record(ctx, audit.Event{Type: audit.EventCleared, JobID: job.ID, JobKind: job.Kind, From: job.Status, At: at})
	}

	out := Outcome{Removed: removed}
	err := c.backend.Clear(ctx, clearable, false)
	switch {
	case err == nil:
		out.Confirmed = true
		if len(removed) == 0 {
			out.Notice = c.printerFor(ctx).Sprintf(notice.ClearNothing)
		} else {
			out.Notice = c.printerFor(ctx).Sprintf(notice.ClearDone, len(removed))
		}
	case errors.Is(err, domain.ErrBackendUnsupported):
		out.Notice = c.printerFor(ctx).Sprintf(notice.ClearUnconfirmed, len(removed))
	default:
		c.logger.Warn().Err(err).Int("removed", len(removed)).Msg("commands: backend clear failed")
		out.Notice = c.printerFor(ctx).Sprintf(notice.ClearBackendFail, len(removed), err)
	}
	return out, nil
}
