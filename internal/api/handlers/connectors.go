package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/api/middleware"
	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/dispatch"
	"github.com/vpms/hl7relay/internal/mllp"
	"github.com/vpms/hl7relay/internal/receive"
)

// ConnectorHandler handles connector endpoints
type ConnectorHandler struct {
	registry   *connector.Registry
	dispatcher Dispatcher
	receivers  ReceiverStats
	logger     *zap.Logger
}

// NewConnectorHandler creates a new handler. receivers may be nil when no
// inbound service runs.
func NewConnectorHandler(registry *connector.Registry, d Dispatcher, receivers ReceiverStats, logger *zap.Logger) *ConnectorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectorHandler{
		registry:   registry,
		dispatcher: d,
		receivers:  receivers,
		logger:     logger,
	}
}

// Routes returns the handler routes
func (h *ConnectorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/suspend", h.Suspend)
	r.Post("/{id}/resume", h.Resume)
	r.Post("/{id}/messages", h.Enqueue)
	return r
}

// ConnectorView is a connector with its live statistics.
type ConnectorView struct {
	connector.Connector
	Delivery  *dispatch.Statistics `json:"delivery,omitempty"`
	Receiving *receive.Stats       `json:"receiving,omitempty"`
}

func (h *ConnectorHandler) view(r *http.Request, c connector.Connector) (ConnectorView, error) {
	v := ConnectorView{Connector: c}
	if c.IsSender() {
		stats, err := h.dispatcher.Statistics(r.Context(), c.ID)
		if err != nil {
			return v, err
		}
		v.Delivery = &stats
	} else if h.receivers != nil {
		if stats, ok := h.receivers.Stats(c.ID); ok {
			v.Receiving = &stats
		}
	}
	return v, nil
}

// List handles GET /connectors
func (h *ConnectorHandler) List(w http.ResponseWriter, r *http.Request) {
	connectors := h.registry.List()
	views := make([]ConnectorView, 0, len(connectors))
	for _, c := range connectors {
		v, err := h.view(r, c)
		if err != nil {
			h.logger.Error("statistics failed", zap.String("connector", c.ID), zap.Error(err))
			jsonError(w, "failed to load statistics", statusFor(err))
			return
		}
		views = append(views, v)
	}
	jsonResponse(w, http.StatusOK, views)
}

// Get handles GET /connectors/{id}
func (h *ConnectorHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		jsonError(w, "connector not found", http.StatusNotFound)
		return
	}
	v, err := h.view(r, c)
	if err != nil {
		h.logger.Error("statistics failed", zap.String("connector", c.ID), zap.Error(err))
		jsonError(w, "failed to load statistics", statusFor(err))
		return
	}
	jsonResponse(w, http.StatusOK, v)
}

// Suspend handles POST /connectors/{id}/suspend
func (h *ConnectorHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.Suspend(r.Context(), id); err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	h.logger.Info("connector suspended via api",
		zap.String("connector", id),
		zap.String("client_id", middleware.GetClientID(r.Context())))
	h.Get(w, r)
}

// Resume handles POST /connectors/{id}/resume
func (h *ConnectorHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.Resume(r.Context(), id); err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	h.logger.Info("connector resumed via api",
		zap.String("connector", id),
		zap.String("client_id", middleware.GetClientID(r.Context())))
	h.Get(w, r)
}

// Enqueue handles POST /connectors/{id}/messages. The body is an
// ER7-encoded message; the author defaults to the API client.
func (h *ConnectorHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "enqueue_message")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("connector", id))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, mllp.MaxMessageSize))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		jsonError(w, "message body is required", http.StatusBadRequest)
		return
	}

	author := r.URL.Query().Get("author")
	if author == "" {
		author = middleware.GetClientID(ctx)
	}

	msg, err := h.dispatcher.Enqueue(ctx, body, id, author)
	if err != nil {
		span.RecordError(err)
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			h.logger.Error("enqueue failed", zap.String("connector", id), zap.Error(err))
			jsonError(w, "failed to queue message", code)
			return
		}
		jsonError(w, err.Error(), code)
		return
	}

	h.logger.Info("message queued via api",
		zap.String("connector", id),
		zap.Int64("message_id", msg.ID),
		zap.String("control_id", msg.ControlID),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	jsonResponse(w, http.StatusAccepted, NewMessageView(msg))
}
