// Package api exposes the certificate ledger and CRL builder over REST.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/libresign/certledger/crl"
	"github.com/libresign/certledger/ledger"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	ledger  *ledger.Ledger
	builder *crl.Builder
	log     *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.log = logger
	}
}

// New creates a new API instance.
func New(l *ledger.Ledger, builder *crl.Builder, opts ...Option) *API {
	a := &API{
		ledger:  l,
		builder: builder,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with all routes mounted. The CRL download and
// the per-serial check live at the root so that the CRL distribution point
// URL stays short; the admin surface lives under /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/crl", a.DownloadCRL)
	r.Get("/crl/check/{serialNumber}", a.CheckCertificate)

	r.Route("/api/v1", func(r chi.Router) {
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

		r.Route("/crl", func(r chi.Router) {
			r.Get("/list", a.ListCertificates)
			r.Post("/revoke", a.RevokeCertificate)
			r.Get("/statistics", a.Statistics)
		})
	})

	return r
}
