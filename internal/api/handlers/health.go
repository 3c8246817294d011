package handlers

import (
	"context"
	"net/http"

	"github.com/vpms/hl7relay/internal/infrastructure/redpanda"
	"github.com/vpms/hl7relay/pkg/circuitbreaker"
)

// Pinger checks a backing service. *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Producer is the event producer as seen by the readiness probe.
type Producer interface {
	Pinger
	Stats() redpanda.ProducerStats
}

// Consumer is the request consumer as seen by the readiness probe.
type Consumer interface {
	Stats() redpanda.ConsumerStats
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	version  string
	db       Pinger
	breakers *circuitbreaker.Manager
	producer Producer
	consumer Consumer
}

// NewHealthHandler creates a new handler. db and breakers may be nil.
func NewHealthHandler(version string, db Pinger, breakers *circuitbreaker.Manager) *HealthHandler {
	return &HealthHandler{version: version, db: db, breakers: breakers}
}

// WithKafka adds the producer and consumer to the readiness report. Either
// may be nil.
func (h *HealthHandler) WithKafka(p Producer, c Consumer) *HealthHandler {
	h.producer = p
	h.consumer = c
	return h
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "hl7relay",
		"version": h.version,
	})
}

// Ready handles GET /ready. The service is ready when the database answers.
// Open circuits and an unreachable broker are reported but do not fail the
// probe: queued messages wait for the endpoint and events wait in the outbox.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ready"}
	if h.breakers != nil {
		resp["endpoints"] = h.breakers.GetHealthStatus()
	}
	if h.producer != nil || h.consumer != nil {
		resp["kafka"] = h.kafkaStatus(r.Context())
	}
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			resp["status"] = "not ready"
			resp["error"] = "database unavailable"
			jsonResponse(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (h *HealthHandler) kafkaStatus(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{}
	if h.producer != nil {
		status["broker"] = "up"
		if err := h.producer.Ping(ctx); err != nil {
			status["broker"] = "down"
		}
		status["producer"] = h.producer.Stats()
	}
	if h.consumer != nil {
		status["consumer"] = h.consumer.Stats()
	}
	return status
}
