package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
)

func TestMemoryHistoryAndLimit(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Record(ctx, Event{Type: EventTransitioned, JobID: fmt.Sprintf("j%d", i%2), Detail: fmt.Sprint(i)})
	}
	if got := len(m.Events()); got != 3 {
		t.Fatalf("events = %d, want 3", got)
	}
	hist, _ := m.History(ctx, "j0", 0)
	if len(hist) != 2 || hist[0].Detail != "4" || hist[1].Detail != "2" {
		t.Fatalf("history = %+v", hist)
	}
}

type execCall struct {
	query string
	args  []any
}

type stubDB struct {
	mu      sync.Mutex
	execs   []execCall
	execErr error
	rows    [][]any
}

func (s *stubDB) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, execCall{query: query, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), s.execErr
}

func (s *stubDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (s *stubDB) Query(_ context.Context, query string, _ ...any) (pgx.Rows, error) {
	return &stubRows{data: s.rows, idx: -1}, nil
}

type stubRows struct {
	data [][]any
	idx  int
}

func (r *stubRows) Close()                                       {}
func (r *stubRows) Err() error                                   { return nil }
func (r *stubRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) Values() ([]any, error)                       { return r.data[r.idx], nil }
func (r *stubRows) RawValues() [][]byte                          { return nil }
func (r *stubRows) Conn() *pgx.Conn                              { return nil }

func (r *stubRows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}

func (r *stubRows) Scan(dest ...any) error {
	row := r.data[r.idx]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

func TestPostgresRecordStripsMarker(t *testing.T) {
	db := &stubDB{}
	journal := NewPostgres(infra.NewSQLRunner(db, nil), nil)
	journal.Record(context.Background(), Event{Type: EventSubmitted, JobID: "j1", JobKind: domain.JobKindImage, To: domain.JobStatusQueued})

	if len(db.execs) != 1 {
		t.Fatalf("execs = %d", len(db.execs))
	}
	call := db.execs[0]
	if strings.Contains(call.query, "--sql") {
		t.Fatalf("marker should be stripped before execution: %q", call.query)
	}
	if call.args[0] != "submitted" || call.args[1] != "j1" || call.args[2] != "image" {
		t.Fatalf("unexpected args: %v", call.args)
	}
}

func TestPostgresRecordSwallowsErrors(t *testing.T) {
	db := &stubDB{execErr: errors.New("connection reset")}
	journal := NewPostgres(infra.NewSQLRunner(db, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	journal.Record(ctx, Event{Type: EventDeleted, JobID: "j1"})
	if len(db.execs) != 1 {
		t.Fatalf("record should still be attempted after cancellation")
	}
}

func TestPostgresHistory(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	db := &stubDB{rows: [][]any{
		{"transitioned", "j1", "ai_video", "running", "completed", "", "c1", at},
		{"submitted", "j1", "ai_video", "", "queued", "", "", at.Add(-time.Minute)},
	}}
	journal := NewPostgres(infra.NewSQLRunner(db, nil), nil)
	events, err := journal.History(context.Background(), "j1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 || events[0].To != domain.JobStatusCompleted || events[1].Type != EventSubmitted {
		t.Fatalf("events = %+v", events)
	}
}

func TestRunnerRejectsUnmarkedQuery(t *testing.T) {
	runner := infra.NewSQLRunner(&stubDB{}, nil)
	if _, err := runner.Exec(context.Background(), "delete from job_events"); !errors.Is(err, infra.ErrMissingMarker) {
		t.Fatalf("expected ErrMissingMarker, got %v", err)
	}
}
