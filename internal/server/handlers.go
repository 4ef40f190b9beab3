package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aircast-audio/aircast/internal/engine"
	"github.com/aircast-audio/aircast/internal/store"
)

// errorBody is the JSON shape of all API error responses.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// startStreamRequest is the body of POST /api/stream/start.
type startStreamRequest struct {
	Owner      string `json:"owner"`
	Denoise    bool   `json:"denoise"`
	SampleRate int    `json:"sample_rate"`
}

// startStreamResponse is the body of a successful stream start.
type startStreamResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var req startStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	if req.SampleRate < 0 {
		writeError(w, http.StatusBadRequest, "sample_rate must not be negative")
		return
	}

	id, err := s.engine.StartSession(r.Context(), req.Owner, req.Denoise, req.SampleRate)
	if errors.Is(err, engine.ErrAlreadyStreaming) {
		writeError(w, http.StatusConflict, "owner is already streaming")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, startStreamResponse{SessionID: id})
}

// stopStreamRequest is the body of POST /api/stream/stop.
type stopStreamRequest struct {
	Owner string `json:"owner"`
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	var req stopStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	// Stopping an absent session is a success: the desired end state holds.
	if err := s.engine.StopSession(r.Context(), req.Owner); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusResponse is the body of GET /api/stream/status/{owner}.
type statusResponse struct {
	Active    bool   `json:"active"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	Listeners int    `json:"listeners"`
	Denoise   bool   `json:"denoise"`
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	st := s.engine.GetStatus(owner)

	resp := statusResponse{
		Active:    st.Active,
		SessionID: st.SessionID,
		Listeners: st.Listeners,
		Denoise:   st.Denoise,
	}
	if st.SessionID != "" {
		resp.State = st.State.String()
	}
	if !st.StartedAt.IsZero() {
		resp.StartedAt = st.StartedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// recordingEntry is one element of the recording catalog listing.
type recordingEntry struct {
	Handle     string  `json:"handle"`
	SampleRate int     `json:"sample_rate"`
	DurationS  float64 `json:"duration_s"`
	SizeBytes  int64   `json:"size_bytes"`
	CreatedAt  string  `json:"created_at"`
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")

	recs, err := s.store.ListByOwner(r.Context(), owner)
	if err != nil {
		s.log.Error("list recordings", "owner", owner, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}

	entries := make([]recordingEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, recordingEntry{
			Handle:     rec.Handle,
			SampleRate: rec.SampleRate,
			DurationS:  rec.Duration.Seconds(),
			SizeBytes:  rec.SizeBytes,
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")

	rec, data, err := s.store.Get(r.Context(), handle)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		s.log.Error("get recording", "handle", handle, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load recording")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Handle+`.wav"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// heartbeatRequest is the body of POST /api/presence/{owner}/heartbeat.
type heartbeatRequest struct {
	Listener string `json:"listener"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Listener == "" {
		writeError(w, http.StatusBadRequest, "listener is required")
		return
	}

	s.tracker.Heartbeat(owner, req.Listener)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresenceLeave(w http.ResponseWriter, r *http.Request) {
	s.tracker.Leave(r.PathValue("owner"), r.PathValue("listener"))
	w.WriteHeader(http.StatusNoContent)
}

// presenceResponse is the body of GET /api/presence/{owner}.
type presenceResponse struct {
	Listeners []string `json:"listeners"`
}

func (s *Server) handlePresenceList(w http.ResponseWriter, r *http.Request) {
	active := s.tracker.Active(r.PathValue("owner"))
	if active == nil {
		active = []string{}
	}
	writeJSON(w, http.StatusOK, presenceResponse{Listeners: active})
}
