package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/murmurlink/murmurlink/internal/archive"
	"github.com/murmurlink/murmurlink/pkg/audio"
)

// defaultSessionLimit caps /v1/sessions responses when no limit is given.
const defaultSessionLimit = 20

// API exposes the capture control and archive read endpoints over HTTP.
type API struct {
	manager *CaptureManager
	archive *archive.Store
}

// NewAPI creates the control API around a manager. A nil store disables the
// archive read endpoints with 503 responses.
func NewAPI(m *CaptureManager, store *archive.Store) *API {
	return &API{manager: m, archive: store}
}

// Register mounts the control routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/capture/start", a.handleStart)
	mux.HandleFunc("POST /v1/capture/stop", a.handleStop)
	mux.HandleFunc("PUT /v1/capture/voice-focus", a.handleVoiceFocus)
	mux.HandleFunc("PUT /v1/capture/volume-multiplier", a.handleVolumeMultiplier)
	mux.HandleFunc("GET /v1/capture/status", a.handleStatus)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/segments", a.handleSegments)
	mux.HandleFunc("GET /v1/transcripts/search", a.handleTranscriptSearch)
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Start(r.Context()); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, audio.ErrDeviceUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			slog.Error("capture start failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Stop(r.Context()); err != nil {
		if errors.Is(err, ErrNotRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("capture stop failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (a *API) handleVoiceFocus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a.manager.SetVoiceFocus(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"voice_focus": req.Enabled})
}

func (a *API) handleVolumeMultiplier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value < 0 || req.Value > 1 {
		writeError(w, http.StatusBadRequest, "value must be between 0 and 1")
		return
	}
	a.manager.SetVolumeMultiplier(req.Value)
	writeJSON(w, http.StatusOK, map[string]float64{"volume_multiplier": req.Value})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Status())
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultSessionLimit)
	if !ok {
		return
	}
	if a.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	sessions, err := a.archive.RecentSessions(r.Context(), limit)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	if sessions == nil {
		sessions = []archive.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleSegments(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if a.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	segments, err := a.archive.Segments(r.Context(), sessionID)
	if err != nil {
		slog.Error("list segments failed", "error", err, "session_id", sessionID)
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	if segments == nil {
		segments = []archive.Segment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "segments": segments})
}

func (a *API) handleTranscriptSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	var opts archive.SearchOpts
	if v := q.Get("session"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		opts.SessionID = id
	}
	for name, dst := range map[string]*time.Time{"after": &opts.After, "before": &opts.Before} {
		if v := q.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, name+" must be RFC 3339")
				return
			}
			*dst = ts
		}
	}
	limit, ok := parseLimit(w, r, defaultSessionLimit)
	if !ok {
		return
	}
	opts.Limit = limit
	if a.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	entries, err := a.archive.SearchTranscripts(r.Context(), query, opts)
	if err != nil {
		slog.Error("transcript search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	if entries == nil {
		entries = []archive.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": entries})
}

// parseLimit reads the optional limit query parameter. Reports false after
// writing the error response when the value is not a positive integer.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
