package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/api/middleware"
	"github.com/vpms/hl7relay/internal/store"
)

// MessageHandler handles message endpoints
type MessageHandler struct {
	store      store.MessageStore
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewMessageHandler creates a new handler
func NewMessageHandler(st store.MessageStore, d Dispatcher, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{store: st, dispatcher: d, logger: logger}
}

// Routes returns the handler routes
func (h *MessageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Post("/{id}/resubmit", h.Resubmit)
	return r
}

// MessageView is the API form of a queued message.
type MessageView struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	ConnectorID string     `json:"connector_id"`
	Author      string     `json:"author,omitempty"`
	Type        string     `json:"type"`
	ControlID   string     `json:"control_id"`
	Version     string     `json:"version,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Payload     string     `json:"payload"`
	MessageTime *time.Time `json:"message_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// NewMessageView converts a stored message.
func NewMessageView(m *store.Message) MessageView {
	v := MessageView{
		ID:          m.ID,
		Name:        m.Name(),
		ConnectorID: m.ConnectorID,
		Author:      m.Author,
		Type:        m.Type,
		ControlID:   m.ControlID,
		Version:     m.Version,
		Status:      string(m.Status),
		Error:       m.Error,
		Payload:     string(m.Payload),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		ProcessedAt: m.ProcessedAt,
	}
	if !m.MessageTime.IsZero() {
		t := m.MessageTime
		v.MessageTime = &t
	}
	return v
}

func messageID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// Get handles GET /messages/{id}
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(r)
	if !ok {
		jsonError(w, "invalid message id", http.StatusBadRequest)
		return
	}
	msg, err := h.store.Get(r.Context(), id)
	if err != nil {
		if code := statusFor(err); code != http.StatusInternalServerError {
			jsonError(w, "message not found", code)
			return
		}
		h.logger.Error("load message failed", zap.Int64("message_id", id), zap.Error(err))
		jsonError(w, "failed to load message", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, NewMessageView(msg))
}

// Resubmit handles POST /messages/{id}/resubmit
func (h *MessageHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(r)
	if !ok {
		jsonError(w, "invalid message id", http.StatusBadRequest)
		return
	}
	if err := h.dispatcher.Resubmit(r.Context(), id); err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			h.logger.Error("resubmit failed", zap.Int64("message_id", id), zap.Error(err))
			jsonError(w, "failed to resubmit message", code)
			return
		}
		jsonError(w, err.Error(), code)
		return
	}

	h.logger.Info("message resubmitted via api",
		zap.Int64("message_id", id),
		zap.String("client_id", middleware.GetClientID(r.Context())))
	h.Get(w, r)
}
