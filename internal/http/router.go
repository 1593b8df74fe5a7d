package httpapi

import (
	stdhttp "net/http"

	"reading-service/internal/http/handlers"
	"reading-service/internal/infra"
	appmw "reading-service/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *handlers.App, logger infra.Logger, allowedOrigins []string) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Use(appmw.RequestID)
	r.Use(appmw.Logger(logger))
	r.Use(appmw.CORS(allowedOrigins))

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/reading", func(r chi.Router) {
		r.Post("/start", app.ReadingStart)
		r.Get("/status", app.ReadingStatus)
		r.Get("/stream", app.ReadingStream)
		r.Post("/cancel", app.ReadingCancel)
	})

	return r
}
