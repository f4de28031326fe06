// Package poller keeps the registry in step with the backend. It runs two
// cadences, a list refresh over every configured kind and a detail refresh
// of the focused job. List responses are sparse, so a job the list reports
// finished gets one detail fetch for its outputs or failure details. After
// each refresh the poller fires the asset refresher for new completions and
// fills in estimated progress.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"genjobs/internal/audit"
	"genjobs/internal/domain"
	"genjobs/internal/estimator"
	"genjobs/internal/infra"
	"genjobs/internal/jobclient"
	"genjobs/internal/registry"
)

// Source is the slice of the backend client the poller reads from.
type Source interface {
	ListJobs(ctx context.Context, kind domain.JobKind) ([]jobclient.JobState, error)
	JobDetail(ctx context.Context, id string) (jobclient.JobState, error)
}

// Refresher is told about every job that completed while this process was
// watching. It is called at most once per job.
type Refresher interface {
	Refresh(ctx context.Context, job domain.Job)
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, job domain.Job)

func (f RefreshFunc) Refresh(ctx context.Context, job domain.Job) { f(ctx, job) }

// Intervals is one cadence setting.
type Intervals struct {
	List  time.Duration
	Focus time.Duration
}

// Options configures a Poller.
type Options struct {
	Source    Source
	Registry  *registry.Registry
	Estimator *estimator.Estimator
	Refresher Refresher
	Journal   audit.Journal
	Kinds     []domain.JobKind
	Watched   Intervals
	Idle      Intervals
	Now       func() time.Time
	Logger    *infra.Logger

	// DetailFetches caps concurrent detail fetches for finished jobs.
	DetailFetches int
}

// Cycle summarizes one refresh.
type Cycle struct {
	ID          string
	At          time.Time
	Fetched     int
	Transitions int
	Completed   []string
	Errors      int
}

// Poller drives the refresh cadences.
type Poller struct {
	source    Source
	reg       *registry.Registry
	est       *estimator.Estimator
	refresher Refresher
	journal   audit.Journal
	kinds     []domain.JobKind
	watchedIv Intervals
	idleIv    Intervals
	now       func() time.Time
	logger    *infra.Logger
	fanout    int

	watched  atomic.Bool
	cadence  chan struct{}
	nudge    chan struct{}
	mu       sync.Mutex
	lastSync time.Time
}

// New validates options and fills defaults.
func New(opts Options) (*Poller, error) {
	if opts.Source == nil {
		return nil, errors.New("poller: source is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("poller: registry is required")
	}
	if opts.Estimator == nil {
		return nil, errors.New("poller: estimator is required")
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = domain.AllKinds
	}
	watched := withDefaults(opts.Watched, Intervals{List: 3 * time.Second, Focus: 1500 * time.Millisecond})
	idle := withDefaults(opts.Idle, Intervals{List: 15 * time.Second, Focus: 5 * time.Second})
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	refresher := opts.Refresher
	if refresher == nil {
		refresher = RefreshFunc(func(context.Context, domain.Job) {})
	}
	fanout := opts.DetailFetches
	if fanout <= 0 {
		fanout = 4
	}
	p := &Poller{
		source:    opts.Source,
		reg:       opts.Registry,
		est:       opts.Estimator,
		refresher: refresher,
		journal:   audit.OrNop(opts.Journal),
		kinds:     append([]domain.JobKind(nil), kinds...),
		watchedIv: watched,
		idleIv:    idle,
		now:       now,
		logger:    infra.LoggerOrDiscard(opts.Logger),
		fanout:    fanout,
		cadence:   make(chan struct{}, 1),
		nudge:     make(chan struct{}, 1),
	}
	p.watched.Store(true)
	return p, nil
}

func withDefaults(iv, def Intervals) Intervals {
	if iv.List <= 0 {
		iv.List = def.List
	}
	if iv.Focus <= 0 {
		iv.Focus = def.Focus
	}
	return iv
}

// SetWatched switches between the watched and idle cadence. Switching to
// watched refreshes right away.
func (p *Poller) SetWatched(watched bool) {
	if p.watched.Swap(watched) == watched {
		return
	}
	select {
	case p.cadence <- struct{}{}:
	default:
	}
}

// Watched reports the current cadence.
func (p *Poller) Watched() bool {
	return p.watched.Load()
}

// Nudge asks a running loop to refresh the focused job now.
func (p *Poller) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// LastSync is the time of the last sweep or list refresh without fetch
// errors. Zero until one succeeds.
func (p *Poller) LastSync() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSync
}

func (p *Poller) intervals() Intervals {
	if p.watched.Load() {
		return p.watchedIv
	}
	return p.idleIv
}

// Run refreshes on both cadences until ctx is done. Every timer is stopped
// on return.
func (p *Poller) Run(ctx context.Context) error {
	listTimer := time.NewTimer(0)
	defer listTimer.Stop()
	focusTimer := time.NewTimer(p.intervals().Focus)
	defer focusTimer.Stop()

	p.logger.Info().Int("kinds", len(p.kinds)).Bool("watched", p.Watched()).Msg("poller: started")
	defer p.logger.Info().Msg("poller: stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-listTimer.C:
			p.RefreshList(ctx)
			listTimer.Reset(p.intervals().List)
		case <-focusTimer.C:
			p.RefreshFocus(ctx)
			focusTimer.Reset(p.intervals().Focus)
		case <-p.nudge:
			p.RefreshFocus(ctx)
			focusTimer.Reset(p.intervals().Focus)
		case <-p.cadence:
			iv := p.intervals()
			if p.Watched() {
				listTimer.Reset(0)
				focusTimer.Reset(0)
			} else {
				listTimer.Reset(iv.List)
				focusTimer.Reset(iv.Focus)
			}
			p.logger.Debug().Bool("watched", p.Watched()).Dur("list", iv.List).Dur("focus", iv.Focus).Msg("poller: cadence changed")
		}
	}
}

// Sweep runs the list and focus refreshes concurrently, then settles. It
// returns an error only when ctx ends before the sweep completes; fetch
// failures are counted in the cycle.
func (p *Poller) Sweep(ctx context.Context) (Cycle, error) {
	c := p.newCycle()
	var g errgroup.Group
	g.Go(func() error { p.fetchLists(ctx, c); return nil })
	g.Go(func() error { p.fetchFocus(ctx, c); return nil })
	_ = g.Wait()
	p.fetchFinished(ctx, c)
	if err := ctx.Err(); err != nil {
		return c.snapshot(), err
	}
	p.settle(ctx, c)
	p.markSynced(c)
	return c.snapshot(), nil
}

// RefreshList fetches every configured kind's list, then settles.
func (p *Poller) RefreshList(ctx context.Context) Cycle {
	c := p.newCycle()
	p.fetchLists(ctx, c)
	p.fetchFinished(ctx, c)
	if ctx.Err() != nil {
		return c.snapshot()
	}
	p.settle(ctx, c)
	p.markSynced(c)
	return c.snapshot()
}

// RefreshFocus fetches the focused job's detail, then settles. It is a
// no-op without a focus or once the focused job is terminal.
func (p *Poller) RefreshFocus(ctx context.Context) Cycle {
	c := p.newCycle()
	if !p.fetchFocus(ctx, c) || ctx.Err() != nil {
		return c.snapshot()
	}
	p.settle(ctx, c)
	return c.snapshot()
}

type cycle struct {
	mu sync.Mutex
	Cycle
}

func (p *Poller) newCycle() *cycle {
	return &cycle{Cycle: Cycle{ID: uuid.NewString(), At: p.now()}}
}

func (c *cycle) snapshot() Cycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.Cycle
	out.Completed = append([]string(nil), c.Completed...)
	return out
}

func (c *cycle) failed() {
	c.mu.Lock()
	c.Errors++
	c.mu.Unlock()
}

func (p *Poller) markSynced(c *cycle) {
	c.mu.Lock()
	ok := c.Errors == 0
	c.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	if c.At.After(p.lastSync) {
		p.lastSync = c.At
	}
	p.mu.Unlock()
}

func (p *Poller) fetchLists(ctx context.Context, c *cycle) {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range p.kinds {
		kind := kind
		g.Go(func() error {
			issued := p.now()
			states, err := p.source.ListJobs(gctx, kind)
			if err != nil {
				c.failed()
				p.logger.Warn().Err(err).Str("kind", string(kind)).Str("cycle_id", c.ID).Msg("poller: list refresh failed")
				return nil
			}
			for _, st := range states {
				if st.Identifier() == "" {
					continue
				}
				p.merge(ctx, c, st.ToUpdate(issued))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// fetchFocus reports whether a detail fetch was attempted.
func (p *Poller) fetchFocus(ctx context.Context, c *cycle) bool {
	id := p.reg.Focus()
	if id == "" {
		return false
	}
	job, ok := p.reg.Get(id)
	if !ok || job.Status.Terminal() {
		return false
	}
	issued := p.now()
	// A delete may have landed since the focus was read.
	if p.reg.Focus() != id {
		return false
	}
	st, err := p.source.JobDetail(ctx, id)
	if err != nil {
		c.failed()
		p.logger.Warn().Err(err).Str("job_id", id).Str("cycle_id", c.ID).Msg("poller: focus refresh failed")
		return true
	}
	if st.Identifier() == "" {
		st.ID = id
	}
	u := st.ToUpdate(issued)
	u.Detail = true
	p.merge(ctx, c, u)
	return true
}

// fetchFinished fetches the detail of every finished job still missing
// its outputs or failure details. A job the backend no longer knows is not
// asked for again.
func (p *Poller) fetchFinished(ctx context.Context, c *cycle) {
	ids := p.reg.AwaitingDetail()
	if len(ids) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanout)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			issued := p.now()
			st, err := p.source.JobDetail(gctx, id)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				p.reg.MarkDetailed(id)
				p.logger.Warn().Str("job_id", id).Str("cycle_id", c.ID).Msg("poller: finished job has no detail")
				return nil
			case err != nil:
				c.failed()
				p.logger.Warn().Err(err).Str("job_id", id).Str("cycle_id", c.ID).Msg("poller: detail refresh failed")
				return nil
			}
			if st.Identifier() == "" {
				st.ID = id
			}
			u := st.ToUpdate(issued)
			u.Detail = true
			p.merge(ctx, c, u)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) merge(ctx context.Context, c *cycle, u registry.Update) {
	res, err := p.reg.Upsert(u)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", u.ID).Msg("poller: merge failed")
		return
	}
	c.mu.Lock()
	c.Fetched++
	if res.Transitioned && !res.Created {
		c.Transitions++
	}
	c.mu.Unlock()
	if res.Ignored || !res.Transitioned || res.Created {
		return
	}
	p.logger.Info().
		Str("job_id", res.Job.ID).
		Str("kind", string(res.Job.Kind)).
		Str("from", string(res.Previous)).
		Str("status", string(res.Job.Status)).
		Str("cycle_id", c.ID).
		Msg("poller: job transitioned")
	p.journal.Record(ctx, audit.Event{
		Type:    audit.EventTransitioned,
		JobID:   res.Job.ID,
		JobKind: res.Job.Kind,
		From:    res.Previous,
		To:      res.Job.Status,
		Detail:  res.Job.ErrorDetail,
		CycleID: c.ID,
		At:      u.ObservedAt,
	})
}

// settle fires the refresher for new completions and then estimates
// progress for unfinished jobs the backend reports no percentage for.
func (p *Poller) settle(ctx context.Context, c *cycle) {
	for {
		job, ok := p.reg.FirstUnseenCompletion()
		if !ok {
			break
		}
		c.mu.Lock()
		c.Completed = append(c.Completed, job.ID)
		c.mu.Unlock()
		p.logger.Info().Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("poller: job completed, refreshing assets")
		p.refresher.Refresh(ctx, job)
	}

	now := p.now()
	for _, job := range p.reg.List() {
		if job.Status.Terminal() || job.ProgressSource == domain.ProgressReported {
			continue
		}
		elapsed := now.Sub(job.CreatedAt).Seconds()
		pct := p.est.Estimate(job.Kind, job.Model, elapsed)
		if _, err := p.reg.Upsert(registry.Update{
			ID:             job.ID,
			ObservedAt:     now,
			Progress:       &pct,
			ProgressSource: domain.ProgressEstimated,
		}); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("poller: estimate failed")
		}
	}
}
