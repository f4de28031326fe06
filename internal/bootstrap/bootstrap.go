// Package bootstrap assembles the job client, journal, asset library and
// orchestrator from configuration. cmd/api and the CLI share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"genjobs/internal/audit"
	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/jobclient"
	"genjobs/internal/library"
	"genjobs/internal/notice"
	"genjobs/internal/orchestrator"
	"genjobs/internal/poller"
	"genjobs/internal/storage"
)

// memoryJournalLimit bounds the in-process journal used without a database.
const memoryJournalLimit = 2000

// History is implemented by both journal backends.
type History interface {
	audit.Journal
	History(ctx context.Context, jobID string, limit int) ([]audit.Event, error)
}

// Stack is a wired orchestrator plus the pieces callers may want directly.
type Stack struct {
	Client  *jobclient.Client
	Orch    *orchestrator.Orchestrator
	Journal History
	// Library is nil when LIBRARY_DIR is unset.
	Library *library.Syncer

	pool *pgxpool.Pool
}

// Build wires everything. DATABASE_URL selects the Postgres journal; without
// it events are kept in memory.
func Build(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (*Stack, error) {
	logger = infra.LoggerOrDiscard(logger)
	client, err := jobclient.NewClient(jobclient.Options{
		BaseURL:     cfg.BackendBaseURL,
		MediaPrefix: cfg.BackendMediaPrefix,
		Profiles:    cfg.Profiles,
		PollTimeout: cfg.PollTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	st := &Stack{Client: client}
	journal, err := st.openJournal(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	st.Journal = journal

	var refresher poller.Refresher = poller.RefreshFunc(func(_ context.Context, job domain.Job) {
		logger.Info().Str("job_id", job.ID).Str("kind", string(job.Kind)).Str("output", job.OutputURL).Msg("job completed")
	})
	if cfg.LibraryDir != "" {
		store, err := storage.NewFileStore(cfg.LibraryDir)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("bootstrap: library: %w", err)
		}
		syncer, err := library.NewSyncer(library.Options{Downloader: client, Store: store, Logger: logger})
		if err != nil {
			st.Close()
			return nil, err
		}
		st.Library = syncer
		refresher = syncer
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Backend:       client,
		Profiles:      cfg.Profiles,
		Refresher:     refresher,
		Journal:       journal,
		Printer:       notice.For(cfg.Locale),
		Kinds:         cfg.PollKinds,
		Watched:       poller.Intervals{List: cfg.ListInterval, Focus: cfg.FocusInterval},
		Idle:          poller.Intervals{List: cfg.IdleListInterval, Focus: cfg.IdleFocusInterval},
		HistoryWindow: cfg.HistoryWindow,
		Logger:        logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	st.Orch = orch
	return st, nil
}

func (s *Stack) openJournal(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (History, error) {
	pool, err := infra.NewDBPool(ctx, cfg)
	if errors.Is(err, infra.ErrNoDatabase) {
		return audit.NewMemory(memoryJournalLimit), nil
	}
	if err != nil {
		return nil, fmt.Errorf("bootstrap: journal: %w", err)
	}
	s.pool = pool
	pg := audit.NewPostgres(infra.NewSQLRunner(pool, logger), logger)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		s.pool = nil
		return nil, err
	}
	return pg, nil
}

// Close stops polling, waits for pending downloads and closes the pool.
func (s *Stack) Close() {
	if s.Orch != nil {
		s.Orch.Stop()
	}
	if s.Library != nil {
		s.Library.Wait()
		s.Library.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
