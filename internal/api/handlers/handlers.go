// Package handlers provides HTTP handlers for the admin API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/dispatch"
	"github.com/vpms/hl7relay/internal/receive"
	"github.com/vpms/hl7relay/internal/store"
)

// Dispatcher is the part of *dispatch.Dispatcher the API drives.
type Dispatcher interface {
	Enqueue(ctx context.Context, payload []byte, connectorID, author string) (*store.Message, error)
	Resubmit(ctx context.Context, messageID int64) error
	Suspend(ctx context.Context, connectorID string) error
	Resume(ctx context.Context, connectorID string) error
	Statistics(ctx context.Context, connectorID string) (dispatch.Statistics, error)
}

// ReceiverStats reports on inbound connectors. *receive.Service implements it.
type ReceiverStats interface {
	Stats(connectorID string) (receive.Stats, bool)
}

func jsonResponse(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	jsonResponse(w, code, map[string]string{"error": message})
}

// statusFor maps dispatcher and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrUnknownConnector),
		errors.Is(err, connector.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
