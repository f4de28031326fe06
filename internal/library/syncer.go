// Package library mirrors the outputs of completed jobs into a local
// asset store and exports them as a zip archive.
package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"genjobs/internal/domain"
	"genjobs/internal/infra"
	"genjobs/internal/storage"
	"genjobs/pkg/zip"
)

// Downloader fetches one asset by URL.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// Entry is one stored asset.
type Entry struct {
	JobID string
	Kind  domain.JobKind
	Key   string
	MIME  string
	URL   string
	Size  int
	At    time.Time
}

// Options configures a Syncer.
type Options struct {
	Downloader Downloader
	Store      *storage.FileStore
	Logger     *infra.Logger
	// OnStored is called after every asset lands in the store.
	OnStored func(Entry)
}

// Syncer downloads job outputs in the background. It satisfies the
// poller's Refresher interface.
type Syncer struct {
	dl       Downloader
	store    *storage.FileStore
	logger   *infra.Logger
	onStored func(Entry)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries []Entry
}

// NewSyncer validates options.
func NewSyncer(opts Options) (*Syncer, error) {
	if opts.Downloader == nil {
		return nil, errors.New("library: downloader is required")
	}
	if opts.Store == nil {
		return nil, errors.New("library: store is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		dl:       opts.Downloader,
		store:    opts.Store,
		logger:   infra.LoggerOrDiscard(opts.Logger),
		onStored: opts.OnStored,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Refresh queues the job's outputs for download and returns immediately.
// Downloads outlive the caller's context; Close stops them.
func (s *Syncer) Refresh(_ context.Context, job domain.Job) {
	urls := outputs(job)
	if len(urls) == 0 {
		s.logger.Warn().Str("job_id", job.ID).Msg("library: completed job has no output url")
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	owner := job.ID
	if owner == "" {
		owner = "sync-" + uuid.NewString()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for i, u := range urls {
			if err := s.fetch(owner, job.Kind, i, u); err != nil {
				s.logger.Error().Err(err).Str("job_id", owner).Str("url", u).Msg("library: sync failed")
			}
		}
	}()
}

func (s *Syncer) fetch(owner string, kind domain.JobKind, index int, rawURL string) error {
	data, contentType, err := s.dl.Download(s.ctx, rawURL)
	if err != nil {
		return err
	}
	mimeType, _, _ := mime.ParseMediaType(contentType)
	key := storageKey(kind, owner, index, mimeType, rawURL)
	stored, err := s.store.Write(s.ctx, key, data)
	if err != nil {
		return err
	}
	entry := Entry{JobID: owner, Kind: kind, Key: stored, MIME: mimeType, URL: rawURL, Size: len(data), At: time.Now()}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	s.logger.Info().Str("job_id", owner).Str("key", stored).Int("bytes", len(data)).Msg("library: asset stored")
	if s.onStored != nil {
		s.onStored(entry)
	}
	return nil
}

// Wait blocks until every queued download has finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// Close cancels pending downloads and waits for them to stop.
func (s *Syncer) Close() {
	s.cancel()
	s.wg.Wait()
}

// Entries returns the assets stored by this process, oldest first.
func (s *Syncer) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Export writes every asset under prefix to w as a zip archive and returns
// how many files it contains.
func (s *Syncer) Export(ctx context.Context, w io.Writer, prefix string) (int, error) {
	return Export(ctx, s.store, w, prefix)
}

// Export archives a store without a running syncer.
func Export(ctx context.Context, store *storage.FileStore, w io.Writer, prefix string) (int, error) {
	keys, err := store.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	assets := make([]zip.Asset, 0, len(keys))
	for _, key := range keys {
		data, err := store.Read(ctx, key)
		if err != nil {
			return 0, err
		}
		assets = append(assets, zip.Asset{
			Filename: key,
			MIME:     mimeForKey(key),
			Modified: time.Now(),
			Data:     data,
		})
	}
	if err := zip.Write(w, assets); err != nil {
		return 0, fmt.Errorf("library: export: %w", err)
	}
	return len(assets), nil
}

func outputs(job domain.Job) []string {
	urls := slices.Clone(job.OutputURLs)
	if job.OutputURL != "" && !slices.Contains(urls, job.OutputURL) {
		urls = append([]string{job.OutputURL}, urls...)
	}
	return urls
}

// storageKey lays assets out as <kind>/<job>/output-NN<ext>.
func storageKey(kind domain.JobKind, owner string, index int, mimeType, rawURL string) string {
	ext := extensionForMIME(mimeType)
	if ext == "" {
		if parsed, err := url.Parse(rawURL); err == nil {
			ext = strings.ToLower(path.Ext(parsed.Path))
		}
	}
	if ext == "" {
		ext = ".bin"
	}
	if kind == "" {
		kind = "unknown"
	}
	return fmt.Sprintf("%s/%s/output-%02d%s", kind, owner, index+1, ext)
}

func mimeForKey(key string) string {
	ext := strings.ToLower(path.Ext(key))
	for _, m := range []string{"image/png", "image/jpeg", "image/webp", "video/mp4", "video/webm", "audio/mpeg"} {
		if extensionForMIME(m) == ext {
			return m
		}
	}
	return mime.TypeByExtension(ext)
}

func extensionForMIME(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ""
	}
}
