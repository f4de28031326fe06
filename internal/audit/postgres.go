package audit

import (
	"context"
	"fmt"
	"time"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/sqlinline"
)

// Postgres writes events to the job_events table through the marker-checked
// SQL runner.
type Postgres struct {
	sql     infra.SQLExecutor
	logger  *infra.Logger
	timeout time.Duration
}

// NewPostgres wraps an executor. Call Migrate once before recording.
func NewPostgres(sql infra.SQLExecutor, logger *infra.Logger) *Postgres {
	return &Postgres{sql: sql, logger: infra.LoggerOrDiscard(logger), timeout: 3 * time.Second}
}

// Migrate creates the events table when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.sql.Exec(ctx, sqlinline.QEnsureJobEvents); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Record inserts the event. Failures are logged and dropped.
func (p *Postgres) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	// The caller's context may already be done when a view tears down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	_, err := p.sql.Exec(ctx, sqlinline.QInsertJobEvent,
		string(ev.Type), ev.JobID, string(ev.JobKind), string(ev.From), string(ev.To), ev.Detail, ev.CycleID, ev.At)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", ev.JobID).Str("event", string(ev.Type)).Msg("audit: record failed")
	}
}

// History returns the newest events for a job, newest first.
func (p *Postgres) History(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.sql.Query(ctx, sqlinline.QSelectJobEvents, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			ev                  Event
			typ, kind, from, to string
		)
		if err := rows.Scan(&typ, &ev.JobID, &kind, &from, &to, &ev.Detail, &ev.CycleID, &ev.At); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.Type = EventType(typ)
		ev.JobKind = domain.JobKind(kind)
		ev.From = domain.JobStatus(from)
		ev.To = domain.JobStatus(to)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	return out, nil
}
