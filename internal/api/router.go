// Package api assembles the admin HTTP API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/api/handlers"
	"github.com/vpms/hl7relay/internal/api/middleware"
	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/store"
	"github.com/vpms/hl7relay/pkg/circuitbreaker"
)

// Deps are the collaborators served by the router. Receivers, DB, Breakers,
// Producer, Consumer and Metrics may be nil.
type Deps struct {
	Registry   *connector.Registry
	Store      store.MessageStore
	Dispatcher handlers.Dispatcher
	Receivers  handlers.ReceiverStats
	DB         handlers.Pinger
	Breakers   *circuitbreaker.Manager
	Producer   handlers.Producer
	Consumer   handlers.Consumer
	Metrics    http.Handler
	APIKeys    map[string]string
	Version    string
	Logger     *zap.Logger
}

// NewRouter returns the admin API handler.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	connectors := handlers.NewConnectorHandler(d.Registry, d.Dispatcher, d.Receivers, logger)
	messages := handlers.NewMessageHandler(d.Store, d.Dispatcher, logger)
	health := handlers.NewHealthHandler(d.Version, d.DB, d.Breakers).WithKafka(d.Producer, d.Consumer)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("hl7relay-api"))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Mount("/connectors", connectors.Routes())
		r.Mount("/messages", messages.Routes())
	})
	return r
}
