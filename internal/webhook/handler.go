package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pulsecast/internal/models"
	"pulsecast/internal/observability/logging"
)

// Lifecycle is the slice of the lifecycle engine driven by media-server
// callbacks.
type Lifecycle interface {
	OnPublish(ctx context.Context, streamKey string) (models.Stream, error)
	OnPublishDone(ctx context.Context, streamKey string) (models.Stream, error)
	OnPlay(streamKey string)
	OnPlayDone(streamKey string)
}

// Handler terminates the RTMP media server's HTTP callbacks. Payload shapes
// differ between servers, so the stream key is extracted with fallback field
// names and query parameters before the core ever sees it.
type Handler struct {
	Lifecycle Lifecycle
	Logger    *slog.Logger
	// Token, when set, must match the hook's token query parameter or
	// X-Hook-Token header.
	Token string
}

type hookRequest struct {
	Action    string `json:"action"`
	Stream    string `json:"stream"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	StreamKey string `json:"streamkey"`
	App       string `json:"app,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

func (r hookRequest) streamKey() string {
	for _, candidate := range []string{r.Stream, r.Name, r.Key, r.StreamKey} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

type hookResponse struct {
	Status   string `json:"status"`
	Action   string `json:"action,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}

// Routes mounts the hook endpoints. The media server may post every action
// to the root endpoint or use the per-action paths.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Hook)
	r.Post("/publish", h.action("publish"))
	r.Post("/publish_done", h.action("publish_done"))
	r.Post("/play", h.action("play"))
	r.Post("/play_done", h.action("play_done"))
	return r
}

// Hook dispatches on the action named in the payload.
func (h *Handler) Hook(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "")
}

func (h *Handler) action(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.handle(w, r, name)
	}
}

func normalizeAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	normalized = strings.TrimPrefix(normalized, "on_")
	switch normalized {
	case "unpublish", "publish_done", "done":
		return "publish_done"
	case "stop", "play_done":
		return "play_done"
	}
	return normalized
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, action string) {
	if !h.authorized(r) {
		h.logf().Warn("hook rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	req, err := decodeHook(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if action == "" {
		action = req.Action
		if action == "" {
			action = r.URL.Query().Get("action")
		}
	}
	action = normalizeAction(action)
	if action == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}

	key := req.streamKey()
	if key == "" {
		key = strings.TrimSpace(r.URL.Query().Get("stream"))
	}
	if key == "" {
		key = strings.TrimSpace(r.URL.Query().Get("name"))
	}
	if key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream key is required"))
		return
	}

	switch action {
	case "publish":
		stream, err := h.Lifecycle.OnPublish(r.Context(), key)
		if err != nil {
			// Storage failure: a 5xx makes the media server re-deliver the
			// callback, which is safe to replay.
			h.logf().Error("publish hook failed", "streamKey", key, "error", err)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("publish failed"))
			return
		}
		writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "publish", StreamID: stream.ID})
	case "publish_done":
		stream, err := h.Lifecycle.OnPublishDone(r.Context(), key)
		if err != nil {
			h.logf().Error("publish done hook failed", "streamKey", key, "error", err)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("publish done failed"))
			return
		}
		writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "publish_done", StreamID: stream.ID})
	case "play":
		h.Lifecycle.OnPlay(key)
		writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "play"})
	case "play_done":
		h.Lifecycle.OnPlayDone(key)
		writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "play_done"})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", action))
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.Token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Hook-Token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.Token)) == 1
}

// decodeHook accepts JSON bodies (SRS style) and form-encoded bodies
// (nginx-rtmp style). An empty body is fine; query parameters carry the rest.
func decodeHook(r *http.Request) (hookRequest, error) {
	var req hookRequest
	if r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}
	defer r.Body.Close()

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("parse form payload: %w", err)
		}
		req.Action = r.PostFormValue("call")
		if req.Action == "" {
			req.Action = r.PostFormValue("action")
		}
		req.Name = r.PostFormValue("name")
		req.Key = r.PostFormValue("key")
		req.App = r.PostFormValue("app")
		return req, nil
	}

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("decode hook payload: %w", err)
	}
	return req, nil
}

func (h *Handler) logf() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return logging.WithComponent(slog.Default(), "webhook")
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
