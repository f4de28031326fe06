// Package notice renders the one-line, user-facing messages commands
// return. Messages are kept in an x/text catalog for English and
// Indonesian.
package notice

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Key identifies a catalog message.
type Key string

const (
	CancelRequested    Key = "cancel.requested"
	CancelNotAllowed   Key = "cancel.not_allowed"
	CancelRefreshStale Key = "cancel.refresh_stale"
	RetryStarted       Key = "retry.started"
	RetryResubmitted   Key = "retry.resubmitted"
	RetryNotAllowed    Key = "retry.not_allowed"
	DeleteDone         Key = "delete.done"
	DeleteNeedsForce   Key = "delete.needs_force"
	DeleteBackendFail  Key = "delete.backend_failed"
	ClearDone          Key = "clear.done"
	ClearNothing       Key = "clear.nothing"
	ClearUnconfirmed   Key = "clear.unconfirmed"
	ClearBackendFail   Key = "clear.backend_failed"
	JobNotFound        Key = "job.not_found"
	SubmitQueued       Key = "submit.queued"
	SubmitFinished     Key = "submit.finished"
)

var supported = []language.Tag{language.English, language.Indonesian}

var (
	matcher = language.NewMatcher(supported)
	cat     = catalog.NewBuilder(catalog.Fallback(language.English))
)

func init() {
	en := map[Key]string{
		CancelRequested:    "Cancel requested for %s",
		CancelNotAllowed:   "Job %s is %s and cannot be cancelled",
		CancelRefreshStale: "Cancel requested for %s; status will update on the next refresh",
		RetryStarted:       "Retry of %s started as %s",
		RetryResubmitted:   "Retry endpoint unavailable; resubmitted %s as %s",
		RetryNotAllowed:    "Only failed or cancelled jobs can be retried (%s is %s)",
		DeleteDone:         "Deleted %s",
		DeleteNeedsForce:   "Job %s is still %s; delete it with force",
		DeleteBackendFail:  "Removed %s here, but the backend delete failed: %s",
		ClearNothing:       "No failed jobs to clear",
		JobNotFound:        "Job %s not found",
		SubmitQueued:       "Submitted %s job %s",
		SubmitFinished:     "%s finished with %d output(s)",
	}
	id := map[Key]string{
		CancelRequested:    "Pembatalan diminta untuk %s",
		CancelNotAllowed:   "Job %s berstatus %s dan tidak dapat dibatalkan",
		CancelRefreshStale: "Pembatalan diminta untuk %s; status diperbarui pada penyegaran berikutnya",
		RetryStarted:       "Ulang %s dimulai sebagai %s",
		RetryResubmitted:   "Endpoint ulang tidak tersedia; %s dikirim ulang sebagai %s",
		RetryNotAllowed:    "Hanya job gagal atau dibatalkan yang dapat diulang (%s berstatus %s)",
		DeleteDone:         "%s dihapus",
		DeleteNeedsForce:   "Job %s masih %s; hapus dengan force",
		DeleteBackendFail:  "%s dihapus di sini, tetapi penghapusan di backend gagal: %s",
		ClearNothing:       "Tidak ada job gagal untuk dibersihkan",
		JobNotFound:        "Job %s tidak ditemukan",
		SubmitQueued:       "Job %s %s dikirim",
		SubmitFinished:     "%s selesai dengan %d hasil",
	}
	for key, msg := range en {
		_ = cat.SetString(language.English, string(key), msg)
	}
	for key, msg := range id {
		_ = cat.SetString(language.Indonesian, string(key), msg)
	}

	_ = cat.Set(language.English, string(ClearDone), plural.Selectf(1, "%d",
		plural.One, "Cleared %d failed job",
		plural.Other, "Cleared %d failed jobs"))
	_ = cat.Set(language.English, string(ClearUnconfirmed), plural.Selectf(1, "%d",
		plural.One, "Removed %d job here; the backend has no bulk clear, so it may reappear elsewhere",
		plural.Other, "Removed %d jobs here; the backend has no bulk clear, so they may reappear elsewhere"))
	_ = cat.Set(language.English, string(ClearBackendFail), plural.Selectf(1, "%d",
		plural.One, "Removed %d job here, but the backend clear failed: %s",
		plural.Other, "Removed %d jobs here, but the backend clear failed: %s"))
	_ = cat.SetString(language.Indonesian, string(ClearDone), "%d job gagal dibersihkan")
	_ = cat.SetString(language.Indonesian, string(ClearUnconfirmed), "%d job dihapus di sini; backend tidak mendukung pembersihan massal sehingga belum tersimpan")
	_ = cat.SetString(language.Indonesian, string(ClearBackendFail), "%d job dihapus di sini, tetapi pembersihan di backend gagal: %s")
}

// Match picks the best supported language for the given locale hints,
// which may be BCP 47 tags or Accept-Language values.
func Match(hints ...string) language.Tag {
	var desired []language.Tag
	for _, hint := range hints {
		hint = strings.TrimSpace(hint)
		if hint == "" {
			continue
		}
		tags, _, err := language.ParseAcceptLanguage(hint)
		if err != nil {
			continue
		}
		desired = append(desired, tags...)
	}
	if len(desired) == 0 {
		return language.English
	}
	_, idx, conf := matcher.Match(desired...)
	if conf == language.No {
		return language.English
	}
	return supported[idx]
}

// Printer renders catalog messages in one language.
type Printer struct {
	tag language.Tag
	p   *message.Printer
}

// For returns a printer for the best match of the locale hints.
func For(hints ...string) *Printer {
	tag := Match(hints...)
	return &Printer{tag: tag, p: message.NewPrinter(tag, message.Catalog(cat))}
}

// Locale is the printer's base language code, e.g. "en" or "id".
func (p *Printer) Locale() string {
	base, _ := p.tag.Base()
	return base.String()
}

// Sprintf renders a message.
func (p *Printer) Sprintf(key Key, args ...any) string {
	return p.p.Sprintf(string(key), args...)
}

// KindLabel turns a kind such as "image_to_video" into "Image To Video".
func (p *Printer) KindLabel(kind string) string {
	return cases.Title(p.tag).String(strings.ReplaceAll(kind, "_", " "))
}

type printerKey struct{}

// WithPrinter attaches a printer to ctx so commands answer in the caller's
// language.
func WithPrinter(ctx context.Context, p *Printer) context.Context {
	return context.WithValue(ctx, printerKey{}, p)
}

// FromContext returns the printer attached to ctx, or fallback.
func FromContext(ctx context.Context, fallback *Printer) *Printer {
	if p, ok := ctx.Value(printerKey{}).(*Printer); ok && p != nil {
		return p
	}
	return fallback
}
