package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"pulsecast/internal/models"
	"pulsecast/internal/storage"
)

// Routes mounts the stream and VOD endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/streams", h.ListStreams)
	r.Post("/streams", h.CreateStream)
	r.Get("/streams/{streamID}", h.GetStream)
	r.Delete("/streams/{streamID}", h.DeleteStream)
	r.Get("/streams/{streamID}/vod", h.GetStreamVOD)
	r.Get("/vods", h.ListVODRecords)
	return r
}

type createStreamRequest struct {
	StreamKey string `json:"streamKey"`
	OwnerID   string `json:"ownerId"`
	Title     string `json:"title"`
}

// ListStreams returns every stream, or only the live ones with ?live=true.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	liveOnly := false
	if raw := r.URL.Query().Get("live"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid live filter %q", raw))
			return
		}
		liveOnly = value
	}

	var streams []models.Stream
	if liveOnly {
		streams = h.Store.ListLiveStreams()
	} else {
		streams = h.Store.ListStreams()
	}
	if streams == nil {
		streams = []models.Stream{}
	}
	writeJSON(w, http.StatusOK, streams)
}

// CreateStream provisions a stream explicitly with a chosen key.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.StreamKey) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("streamKey is required"))
		return
	}

	stream, err := h.Engine.CreateStream(storage.CreateStreamParams{
		StreamKey: req.StreamKey,
		OwnerID:   strings.TrimSpace(req.OwnerID),
		Title:     strings.TrimSpace(req.Title),
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateStreamKey) {
			writeError(w, http.StatusConflict, err)
			return
		}
		h.logger().Error("create stream failed", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create stream failed"))
		return
	}
	writeJSON(w, http.StatusCreated, stream)
}

// GetStream returns one stream record.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "streamID")
	stream, ok := h.Store.GetStream(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

// DeleteStream removes a stream, retaining a completed VOD as a standalone
// record.
func (h *Handler) DeleteStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "streamID")
	if err := h.Engine.DeleteStream(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrStreamNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger().Error("delete stream failed", "streamId", id, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("delete stream failed"))
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// GetStreamVOD returns the VOD for a stream, falling back to the retained
// record when the stream itself is gone.
func (h *Handler) GetStreamVOD(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "streamID")
	if stream, ok := h.Store.GetStream(id); ok {
		writeJSON(w, http.StatusOK, stream.VOD)
		return
	}
	if record, ok := h.Store.GetVODRecord(id); ok {
		writeJSON(w, http.StatusOK, record.VOD)
		return
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("vod for stream %s not found", id))
}

// ListVODRecords returns the retained VODs of deleted streams.
func (h *Handler) ListVODRecords(w http.ResponseWriter, r *http.Request) {
	records := h.Store.ListVODRecords()
	if records == nil {
		records = []models.VODRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Websocket admits a viewer socket for the stream room.
func (h *Handler) Websocket(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("viewer gateway unavailable"))
		return
	}
	h.Gateway.HandleConnection(w, r, chi.URLParam(r, "streamID"))
}
