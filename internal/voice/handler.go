package voice

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pathakanu/carecall/internal/apperr"
)

const maxToolRequestBytes = 64 << 10

type toolRequest struct {
	CallSID string `json:"call_sid"`
	Call
}

// Handler serves POST /voice/tools for the external voice pipeline.
type Handler struct {
	tools    *Tools
	sessions *SessionStore
	log      zerolog.Logger
}

func NewHandler(tools *Tools, sessions *SessionStore, log zerolog.Logger) *Handler {
	return &Handler{tools: tools, sessions: sessions, log: log.With().Str("component", "voice_http").Logger()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req toolRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxToolRequestBytes))
	if err := dec.Decode(&req); err != nil {
		h.log.Warn().Err(err).Msg("tool request decode failed")
		writeJSON(w, http.StatusBadRequest, Result{Code: apperr.CodeInvalidInput, Text: "I didn't quite catch that. Could you say it again?"})
		return
	}

	sess, ok := h.sessions.Get(req.CallSID)
	if !ok {
		h.log.Warn().Str("call_sid", req.CallSID).Msg("tool call for unknown session")
		writeJSON(w, http.StatusNotFound, Result{Code: apperr.CodeNotFound, Text: "This call has already ended."})
		return
	}

	writeJSON(w, http.StatusOK, h.tools.Invoke(r.Context(), sess, req.Call))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
