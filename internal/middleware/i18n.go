package middleware

import (
	"context"
	"net/http"

	"genjobs/internal/notice"
)

type localeContextKey struct{}

var LocaleKey = localeContextKey{}

// I18N picks the response language from X-Locale, then Accept-Language,
// then the configured default, and attaches a notice printer for it.
func I18N(defaultLocale string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			printer := notice.For(detectLocale(r, defaultLocale)...)
			ctx := context.WithValue(r.Context(), LocaleKey, printer.Locale())
			ctx = notice.WithPrinter(ctx, printer)
			w.Header().Set("Content-Language", printer.Locale())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// detectLocale returns locale hints in priority order.
func detectLocale(r *http.Request, fallback string) []string {
	var hints []string
	if v := r.Header.Get("X-Locale"); v != "" {
		hints = append(hints, v)
	}
	if v := r.Header.Get("Accept-Language"); v != "" {
		hints = append(hints, v)
	}
	if fallback != "" {
		hints = append(hints, fallback)
	}
	return hints
}

func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok {
		return v
	}
	return "en"
}
