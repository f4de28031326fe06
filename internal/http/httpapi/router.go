package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"genjobs/internal/http/handlers"
	"genjobs/internal/infra"
	"genjobs/internal/middleware"
)

// Options tunes the middleware stack.
type Options struct {
	Logger         *infra.Logger
	AllowedOrigins []string
	Locale         string
	// SubmitLimit caps job submissions per client per SubmitWindow; zero
	// disables the limit.
	SubmitLimit  int
	SubmitWindow time.Duration
	Now          func() time.Time
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	// Middlewares dasar
	r.Use(
		middleware.RequestID,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.Locale),
	)

	window := opts.SubmitWindow
	if window <= 0 {
		window = time.Minute
	}
	limiter := middleware.NewLimiter(opts.SubmitLimit, window, opts.Now)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", app.ListJobs)
		r.With(limiter.Handler).Post("/", app.SubmitJob)
		r.Post("/clear-failed", app.ClearFailed)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", app.GetJob)
			r.Delete("/", app.DeleteJob)
			r.Post("/cancel", app.CancelJob)
			r.Post("/retry", app.RetryJob)
			r.Get("/history", app.JobHistory)
		})
	})

	r.Put("/v1/focus", app.SetFocus)
	r.Delete("/v1/focus", app.ClearFocus)
	r.Put("/v1/watch", app.SetWatched)
	r.Post("/v1/sync", app.Sync)

	r.Route("/v1/assets", func(r chi.Router) {
		r.Get("/", app.ListAssets)
		r.Get("/export", app.ExportAssets)
	})

	return r
}
