// Package registry is the single owner of job state. Every mutation, whether
// it comes from the poller or from a user command, goes through Upsert,
// Insert or Remove so ordering and monotonicity are enforced in one place.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"genjobs/internal/domain"
)

// ErrDuplicate is returned by Insert when the id is already known or was
// deleted earlier.
var ErrDuplicate = errors.New("registry: job already exists")

// DefaultHistoryWindow is used when Options.HistoryWindow is zero.
const DefaultHistoryWindow = 24 * time.Hour

// Options tunes a Registry.
type Options struct {
	// HistoryWindow separates history from fresh work. A job first seen
	// already finished whose backend creation time is older than this never
	// fires the asset refresh. Jobs without a known creation time are not
	// history.
	HistoryWindow time.Duration
	Now           func() time.Time
}

type group int

const (
	groupStage group = iota
	groupError
	groupWarnings
	groupCount
)

// Update is a partial observation of a job. Nil fields are absent and never
// overwrite what the registry already holds.
//
// Status only ever moves forward along the job lifecycle, so a more advanced
// status always wins regardless of when it was observed. Progress only ever
// grows. Stage, error and warning fields are ordered by ObservedAt per group:
// an older observation never replaces a newer one.
type Update struct {
	ID         string
	ObservedAt time.Time

	Kind      *domain.JobKind
	Model     *string
	Provider  *string
	CreatedAt *time.Time
	RetryOfID *string
	Params    *domain.Params

	Status *domain.JobStatus

	Stage       *string
	StageDetail *string

	Progress       *float64
	ProgressSource domain.ProgressSource

	OutputURL  *string
	OutputURLs []string

	ErrorDetail    *string
	ProviderErrors []domain.ProviderError
	Warnings       []domain.ProviderError

	// Detail marks an observation from the detail endpoint. Only those carry
	// outputs and failure details.
	Detail bool
}

// Result reports what an Upsert did.
type Result struct {
	Job          domain.Job
	Previous     domain.JobStatus
	Created      bool
	Transitioned bool
	// Ignored is set when the id was deleted earlier; nothing was written.
	Ignored bool
}

type record struct {
	job          domain.Job
	stamps       [groupCount]time.Time
	refreshFired bool
	discovered   bool // first seen already terminal
	createdKnown bool
	detailed     bool // a detail observation arrived while terminal
	seq          uint64
}

// Registry is an in-memory map of job id to job record. It is safe for
// concurrent use and only hands out copies.
type Registry struct {
	mu         sync.RWMutex
	records    map[string]*record
	tombstones map[string]struct{}
	focus      string
	seq        uint64
	window     time.Duration
	now        func() time.Time
}

// New returns an empty registry.
func New(opts Options) *Registry {
	window := opts.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		records:    make(map[string]*record),
		tombstones: make(map[string]struct{}),
		window:     window,
		now:        now,
	}
}

// Insert adds a freshly submitted job.
func (r *Registry) Insert(job domain.Job) (domain.Job, error) {
	if job.ID == "" {
		return domain.Job{}, fmt.Errorf("registry: insert: empty job id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[job.ID]; ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	if _, ok := r.tombstones[job.ID]; ok {
		return domain.Job{}, fmt.Errorf("%w: %s was deleted", ErrDuplicate, job.ID)
	}
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.Progress = clampPercent(job.Progress)
	r.seq++
	rec := &record{job: job.Clone(), seq: r.seq}
	r.records[job.ID] = rec
	return rec.job.Clone(), nil
}

// Upsert inserts or merges a partial observation.
func (r *Registry) Upsert(u Update) (Result, error) {
	if u.ID == "" {
		return Result{}, fmt.Errorf("registry: upsert: empty job id")
	}
	if u.ObservedAt.IsZero() {
		u.ObservedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tombstones[u.ID]; ok {
		return Result{Ignored: true}, nil
	}

	res := Result{}
	rec, ok := r.records[u.ID]
	if !ok {
		r.seq++
		rec = &record{seq: r.seq, job: domain.Job{ID: u.ID, Status: domain.JobStatusQueued, CreatedAt: u.ObservedAt}}
		r.records[u.ID] = rec
		res.Created = true
	}
	// Submitted jobs carry a local creation time; discovered ones adopt the
	// backend's once it is reported.
	if u.CreatedAt != nil && !u.CreatedAt.IsZero() && !rec.createdKnown && (res.Created || rec.discovered) {
		rec.job.CreatedAt = *u.CreatedAt
		rec.createdKnown = true
	}
	res.Previous = rec.job.Status

	applyIdentity(&rec.job, u)
	res.Transitioned = applyStatus(&rec.job, u)
	rec.applyStage(u)
	rec.applyProgress(u)
	applyOutput(&rec.job, u)
	rec.applyError(u)
	rec.applyWarnings(u)

	if rec.job.Status.Terminal() {
		if res.Created {
			rec.discovered = true
		}
		if u.Detail {
			rec.detailed = true
		}
	}
	if r.historicLocked(rec) {
		rec.refreshFired = true
	}

	res.Job = rec.job.Clone()
	return res, nil
}

func applyIdentity(job *domain.Job, u Update) {
	if u.Kind != nil && *u.Kind != "" {
		job.Kind = *u.Kind
	}
	if u.Model != nil && *u.Model != "" {
		job.Model = *u.Model
	}
	if u.Provider != nil && *u.Provider != "" {
		job.Provider = *u.Provider
	}
	if u.RetryOfID != nil && job.RetryOfID == "" {
		job.RetryOfID = *u.RetryOfID
	}
	if u.Params != nil && job.Params == nil {
		p := u.Params.Clone()
		job.Params = &p
	}
}

func applyStatus(job *domain.Job, u Update) bool {
	if u.Status == nil || *u.Status == "" {
		return false
	}
	next := *u.Status
	if next == job.Status || !domain.CanTransition(job.Status, next) {
		return false
	}
	job.Status = next
	if next == domain.JobStatusRunning && job.StartedAt == nil {
		t := u.ObservedAt
		job.StartedAt = &t
	}
	if next.Terminal() {
		t := u.ObservedAt
		job.FinishedAt = &t
		if next == domain.JobStatusCompleted {
			job.Progress = 100
		}
	}
	return true
}

func (rec *record) applyStage(u Update) {
	if u.Stage == nil && u.StageDetail == nil {
		return
	}
	if u.ObservedAt.Before(rec.stamps[groupStage]) {
		return
	}
	if u.Stage != nil {
		rec.job.Stage = *u.Stage
	}
	if u.StageDetail != nil {
		rec.job.StageDetail = *u.StageDetail
	}
	rec.stamps[groupStage] = u.ObservedAt
}

func (rec *record) applyProgress(u Update) {
	if u.Progress == nil || rec.job.Status.Terminal() {
		return
	}
	if u.ProgressSource == domain.ProgressEstimated && rec.job.ProgressSource == domain.ProgressReported {
		return
	}
	if u.ProgressSource == domain.ProgressReported || rec.job.ProgressSource == "" {
		rec.job.ProgressSource = u.ProgressSource
	}
	if v := clampPercent(*u.Progress); v > rec.job.Progress {
		rec.job.Progress = v
	}
}

func applyOutput(job *domain.Job, u Update) {
	if job.Status != domain.JobStatusCompleted || job.OutputURL != "" {
		return
	}
	if u.OutputURL != nil && *u.OutputURL != "" {
		job.OutputURL = *u.OutputURL
	}
	if len(u.OutputURLs) > 0 {
		job.OutputURLs = append([]string(nil), u.OutputURLs...)
		if job.OutputURL == "" {
			job.OutputURL = u.OutputURLs[0]
		}
	}
}

func (rec *record) applyError(u Update) {
	if rec.job.Status != domain.JobStatusFailed {
		return
	}
	if u.ErrorDetail == nil && len(u.ProviderErrors) == 0 {
		return
	}
	if u.ObservedAt.Before(rec.stamps[groupError]) {
		return
	}
	if u.ErrorDetail != nil && *u.ErrorDetail != "" {
		rec.job.ErrorDetail = *u.ErrorDetail
	}
	if len(u.ProviderErrors) > 0 {
		rec.job.ProviderErrors = append([]domain.ProviderError(nil), u.ProviderErrors...)
	}
	rec.stamps[groupError] = u.ObservedAt
}

func (rec *record) applyWarnings(u Update) {
	if len(u.Warnings) == 0 || u.ObservedAt.Before(rec.stamps[groupWarnings]) {
		return
	}
	rec.job.Warnings = append([]domain.ProviderError(nil), u.Warnings...)
	rec.stamps[groupWarnings] = u.ObservedAt
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (domain.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.Job{}, false
	}
	return rec.job.Clone(), true
}

// List returns every job, newest first.
func (r *Registry) List() []domain.Job {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *record) int {
		if c := b.job.CreatedAt.Compare(a.job.CreatedAt); c != 0 {
			return c
		}
		if a.seq > b.seq {
			return -1
		}
		return 1
	})
	jobs := make([]domain.Job, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, rec.job.Clone())
	}
	r.mu.RUnlock()
	return jobs
}

// Remove deletes a job, clears the focus when it pointed at it and
// tombstones the id so later list refreshes cannot resurrect it.
func (r *Registry) Remove(id string) (domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// RemoveWhere removes every job matching pred in one step and returns them.
func (r *Registry) RemoveWhere(pred func(domain.Job) bool) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []domain.Job
	for id, rec := range r.records {
		if !pred(rec.job) {
			continue
		}
		if job, ok := r.removeLocked(id); ok {
			removed = append(removed, job)
		}
	}
	slices.SortFunc(removed, func(a, b domain.Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return removed
}

func (r *Registry) removeLocked(id string) (domain.Job, bool) {
	rec, ok := r.records[id]
	if !ok {
		return domain.Job{}, false
	}
	delete(r.records, id)
	r.tombstones[id] = struct{}{}
	if r.focus == id {
		r.focus = ""
	}
	return rec.job.Clone(), true
}

// FirstUnseenCompletion claims a completed job whose asset refresh has not
// fired yet. Each job is returned at most once over the registry's lifetime.
// A completion without an output url stays unclaimed until a detail
// observation arrives, since list responses never carry outputs.
func (r *Registry) FirstUnseenCompletion() (domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first *record
	for _, rec := range r.records {
		if rec.refreshFired || rec.job.Status != domain.JobStatusCompleted {
			continue
		}
		if r.historicLocked(rec) {
			rec.refreshFired = true
			continue
		}
		if rec.job.OutputURL == "" && !rec.detailed {
			continue
		}
		if first == nil || rec.seq < first.seq {
			first = rec
		}
	}
	if first == nil {
		return domain.Job{}, false
	}
	first.refreshFired = true
	return first.job.Clone(), true
}

// AwaitingDetail lists terminal jobs, oldest first, that still need a
// detail fetch: completions without an output whose refresh is pending, and
// failures without any error detail.
func (r *Registry) AwaitingDetail() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var recs []*record
	for _, rec := range r.records {
		if rec.detailed {
			continue
		}
		switch rec.job.Status {
		case domain.JobStatusCompleted:
			if rec.refreshFired || rec.job.OutputURL != "" {
				continue
			}
		case domain.JobStatusFailed:
			if rec.job.ErrorDetail != "" || len(rec.job.ProviderErrors) > 0 {
				continue
			}
		default:
			continue
		}
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *record) int { return cmp.Compare(a.seq, b.seq) })
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.job.ID)
	}
	return ids
}

// MarkDetailed stops detail fetches for a terminal job the backend no
// longer knows.
func (r *Registry) MarkDetailed(id string) {
	r.mu.Lock()
	if rec, ok := r.records[id]; ok {
		rec.detailed = true
	}
	r.mu.Unlock()
}

func (r *Registry) historicLocked(rec *record) bool {
	return rec.discovered && rec.createdKnown && r.now().Sub(rec.job.CreatedAt) > r.window
}

// Focus returns the focused job id, or "".
func (r *Registry) Focus() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.focus
}

// SetFocus points the focus at an existing job.
func (r *Registry) SetFocus(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("registry: focus %s: %w", id, domain.ErrNotFound)
	}
	r.focus = id
	return nil
}

// ClearFocus drops the focus.
func (r *Registry) ClearFocus() {
	r.mu.Lock()
	r.focus = ""
	r.mu.Unlock()
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
