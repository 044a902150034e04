// Package api binds the profile engine and the key archival/recovery
// service to a REST surface. Error classification from the service layer
// maps one-to-one onto response codes so agents can distinguish rejection,
// authorization, and absence without parsing messages.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/keyward/audit"
	"github.com/jmcleod/keyward/ca"
	"github.com/jmcleod/keyward/kra"
	"github.com/jmcleod/keyward/profile"
	"github.com/jmcleod/keyward/request"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	profiles *profile.Store
	executor *ca.EnrollExecutor
	keys     *kra.KeyService
	queue    request.Queue
	audit    *audit.Logger
	logger   *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New creates a new API instance.
func New(profiles *profile.Store, executor *ca.EnrollExecutor, keys *kra.KeyService, queue request.Queue, opts ...Option) *API {
	a := &API{
		profiles: profiles,
		executor: executor,
		keys:     keys,
		queue:    queue,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = audit.New(a.logger)
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

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

	r.Get("/profiles", a.ListProfiles)
	r.Get("/profiles/{profileID}", a.GetProfile)
	r.With(a.RequireIdentity).Post("/profiles/{profileID}/policies", a.CreatePolicy)
	r.With(a.RequireIdentity).Delete("/profiles/{profileID}/policies/{setID}/{policyID}", a.DeletePolicy)
	r.With(a.RequireIdentity).Delete("/profiles/{profileID}/inputs/{inputID}", a.DeleteInput)
	r.With(a.RequireIdentity).Delete("/profiles/{profileID}/outputs/{outputID}", a.DeleteOutput)

	r.With(a.RequireIdentity).Post("/enroll", a.Enroll)
	r.With(a.RequireIdentity).Get("/requests/{requestID}", a.GetRequest)

	r.With(a.RequireIdentity).Post("/keys/archive", a.ArchiveKey)
	r.With(a.RequireIdentity).Get("/keys", a.ListKeys)
	r.With(a.RequireIdentity).Post("/keys/{keyID}/recover", a.RecoverKey)
	r.With(a.RequireIdentity).Post("/keys/{keyID}/status", a.UpdateKeyStatus)

	r.Route("/keyrequests/{requestID}", func(r chi.Router) {
		r.Use(a.RequireIdentity)
		r.Post("/approve", a.ApproveRequest)
		r.Post("/reject", a.RejectRequest)
		r.Post("/cancel", a.CancelRequest)
		r.Post("/retrieve", a.RetrieveKey)
	})

	return r
}
