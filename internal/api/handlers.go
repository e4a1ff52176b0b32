package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"pulsecast/internal/lifecycle"
	"pulsecast/internal/storage"
	"pulsecast/internal/ws"
)

// Handler serves the stream REST API.
type Handler struct {
	Store   storage.Repository
	Engine  *lifecycle.Engine
	Gateway *ws.Gateway
	Logger  *slog.Logger
}

// NewHandler builds the API handler.
func NewHandler(store storage.Repository, engine *lifecycle.Engine) *Handler {
	return &Handler{Store: store, Engine: engine}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
