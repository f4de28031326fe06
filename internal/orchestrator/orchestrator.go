// Package orchestrator is the single entry point a UI or CLI talks to. It
// owns the registry, the poller and the command set and wires them to one
// backend client.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"genjobs/internal/audit"
	"genjobs/internal/commands"
	"genjobs/internal/domain"
	"genjobs/internal/estimator"
	"genjobs/internal/infra"
	"genjobs/internal/jobclient"
	"genjobs/internal/notice"
	"genjobs/internal/poller"
	"genjobs/internal/profile"
	"genjobs/internal/registry"
)

// ErrAlreadyStarted is returned by Start when polling is already running.
var ErrAlreadyStarted = errors.New("orchestrator: already started")

// Backend is everything the orchestrator needs from the job client.
type Backend interface {
	poller.Source
	commands.Backend
}

// Options wires an Orchestrator. Only Backend is required.
type Options struct {
	Backend   Backend
	Profiles  profile.Table
	Refresher poller.Refresher
	Journal   audit.Journal
	Printer   *notice.Printer
	Kinds     []domain.JobKind
	Watched   poller.Intervals
	Idle      poller.Intervals
	Now       func() time.Time
	Logger    *infra.Logger

	// HistoryWindow bounds which already-finished jobs found on the first
	// sweep still get their assets synced. Zero uses the registry default.
	HistoryWindow time.Duration
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	backend   Backend
	reg       *registry.Registry
	poller    *poller.Poller
	cmds      *commands.Commands
	refresher poller.Refresher
	journal   audit.Journal
	printer   *notice.Printer
	now       func() time.Time
	logger    *infra.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the registry, poller and command set.
func New(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, errors.New("orchestrator: backend is required")
	}
	profiles := opts.Profiles
	if profiles.Kinds == nil {
		profiles = profile.Defaults()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	printer := opts.Printer
	if printer == nil {
		printer = notice.For("en")
	}
	refresher := opts.Refresher
	if refresher == nil {
		refresher = poller.RefreshFunc(func(context.Context, domain.Job) {})
	}
	journal := audit.OrNop(opts.Journal)
	logger := infra.LoggerOrDiscard(opts.Logger)
	reg := registry.New(registry.Options{HistoryWindow: opts.HistoryWindow, Now: now})

	p, err := poller.New(poller.Options{
		Source:    opts.Backend,
		Registry:  reg,
		Estimator: estimator.New(profiles),
		Refresher: refresher,
		Journal:   journal,
		Kinds:     opts.Kinds,
		Watched:   opts.Watched,
		Idle:      opts.Idle,
		Now:       now,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	cmds, err := commands.New(commands.Options{
		Backend:   opts.Backend,
		Registry:  reg,
		Refresher: refresher,
		Journal:   journal,
		Printer:   printer,
		Now:       now,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		backend:   opts.Backend,
		reg:       reg,
		poller:    p,
		cmds:      cmds,
		refresher: refresher,
		journal:   journal,
		printer:   printer,
		now:       now,
		logger:    logger,
	}, nil
}

// Submit sends a generation request. An asynchronous job is registered as
// queued; a synchronous result goes straight to the asset refresher and is
// not registered.
func (o *Orchestrator) Submit(ctx context.Context, kind domain.JobKind, params domain.Params) (jobclient.Submission, error) {
	sub, err := o.backend.Submit(ctx, kind, params)
	if err != nil {
		return jobclient.Submission{}, err
	}
	if sub.Sync != nil {
		o.refresher.Refresh(ctx, sub.Sync.AsJob(kind, o.now()))
		return sub, nil
	}
	job, err := o.reg.Insert(*sub.Job)
	if errors.Is(err, registry.ErrDuplicate) {
		// A list refresh may have discovered the accepted job first.
		job, err = o.adopt(*sub.Job)
	}
	if err != nil {
		return jobclient.Submission{}, fmt.Errorf("orchestrator: register %s: %w", sub.Job.ID, err)
	}
	o.journal.Record(ctx, audit.Event{Type: audit.EventSubmitted, JobID: job.ID, JobKind: kind, To: job.Status, At: job.CreatedAt})
	return jobclient.Submission{Job: &job}, nil
}

// adopt merges what only the submitter knows into a job the poller already
// registered.
func (o *Orchestrator) adopt(submitted domain.Job) (domain.Job, error) {
	u := registry.Update{
		ID:         submitted.ID,
		ObservedAt: o.now(),
		Params:     submitted.Params,
		Warnings:   submitted.Warnings,
	}
	if submitted.Kind != "" {
		u.Kind = &submitted.Kind
	}
	if submitted.Model != "" {
		u.Model = &submitted.Model
	}
	if submitted.Provider != "" {
		u.Provider = &submitted.Provider
	}
	res, err := o.reg.Upsert(u)
	if err != nil {
		return domain.Job{}, err
	}
	if res.Ignored {
		return domain.Job{}, fmt.Errorf("%w: %s was deleted", registry.ErrDuplicate, submitted.ID)
	}
	return res.Job, nil
}

// Start runs the poller in the background until Stop or ctx ends.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.cancel, o.done = cancel, done
	go func() {
		defer close(done)
		if err := o.poller.Run(runCtx); err != nil {
			o.logger.Error().Err(err).Msg("orchestrator: poller stopped")
		}
	}()
	return nil
}

// Stop halts polling and waits for the loop to exit. It is safe to call
// when not started.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sync runs one full refresh cycle now.
func (o *Orchestrator) Sync(ctx context.Context) (poller.Cycle, error) {
	return o.poller.Sweep(ctx)
}

// SetWatched switches the polling cadence.
func (o *Orchestrator) SetWatched(watched bool) {
	o.poller.SetWatched(watched)
}

// Focus selects the job that gets the fast detail refresh.
func (o *Orchestrator) Focus(id string) error {
	if err := o.reg.SetFocus(id); err != nil {
		return err
	}
	o.poller.Nudge()
	return nil
}

// Unfocus drops the focus.
func (o *Orchestrator) Unfocus() {
	o.reg.ClearFocus()
}

// Focused returns the focused job id, or "".
func (o *Orchestrator) Focused() string {
	return o.reg.Focus()
}

// Jobs lists known jobs, newest first.
func (o *Orchestrator) Jobs() []domain.Job {
	return o.reg.List()
}

// Job returns one job.
func (o *Orchestrator) Job(id string) (domain.Job, bool) {
	return o.reg.Get(id)
}

func (o *Orchestrator) Cancel(ctx context.Context, id string) (commands.Outcome, error) {
	return o.cmds.Cancel(ctx, id)
}

func (o *Orchestrator) Retry(ctx context.Context, id string) (commands.Outcome, error) {
	return o.cmds.Retry(ctx, id)
}

func (o *Orchestrator) Delete(ctx context.Context, id string, force bool) (commands.Outcome, error) {
	return o.cmds.Delete(ctx, id, force)
}

func (o *Orchestrator) ClearFailed(ctx context.Context) (commands.Outcome, error) {
	return o.cmds.ClearFailed(ctx)
}

// LastSync is the time of the last refresh without fetch errors.
func (o *Orchestrator) LastSync() time.Time {
	return o.poller.LastSync()
}

// Printer returns the notice printer commands use.
func (o *Orchestrator) Printer() *notice.Printer {
	return o.printer
}
