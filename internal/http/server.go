package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter wires every route under one chi router. Admin routes are only
// mounted when a store is configured.
func NewRouter(e Env) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(e.logger()), MetricsMiddleware(e.Metrics), cors)

	r.Get("/healthz", e.Healthz)
	r.Get("/readyz", e.Readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/frames/bridge.js", e.BridgeJS)
		r.Post("/frames/{frameID}/parent-url", e.ParentURL)

		r.Route("/forms/{formID}", func(r chi.Router) {
			r.Post("/submissions", e.Submit)

			if e.Store == nil {
				return
			}
			r.Put("/", e.SaveForm)
			r.Get("/integrations", e.ListIntegrations)
			r.Post("/integrations", e.CreateIntegration)
			r.Delete("/integrations/{id}", e.DeleteIntegration)
			r.Put("/field-mappings", e.SetFieldMappings)
		})
	})

	return r
}
