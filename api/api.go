// Package api exposes the persistence subsystem over HTTP: raw records,
// storage capacity and the session, board and project repositories.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/keepsake/app"
	"github.com/jmcleod/keepsake/entity"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	app    *app.App
	logger *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request failures.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New creates a new API instance over a composed application.
func New(application *app.App, opts ...Option) *API {
	a := &API{
		app:    application,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "api")
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Delete("/records", a.ClearRecords)
	r.Route("/records/{key}", func(r chi.Router) {
		r.Get("/", a.GetRecord)
		r.Put("/", a.PutRecord)
		r.Delete("/", a.DeleteRecord)
	})

	r.Get("/storage", a.StorageInfo)
	r.Post("/storage/cleanup", a.Cleanup)
	r.Get("/storage/warnings", a.Warnings)

	// Repositories are resolved per request so the router can be built
	// before the application is composed.
	r.Route("/sessions", newResource(a, func() repository[*entity.Session] { return a.app.Sessions }).routes)
	r.Route("/boards", newResource(a, func() repository[*entity.Board] { return a.app.Boards }).routes)
	r.Route("/projects", newResource(a, func() repository[*entity.Project] { return a.app.Projects }).routes)

	return r
}
