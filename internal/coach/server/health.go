package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fitcoach/coach/common/version"
)

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status            string    `json:"status"`
	Version           string    `json:"version"`
	Commit            string    `json:"commit"`
	BuildTime         string    `json:"build_time"`
	StartedAt         time.Time `json:"started_at"`
	UptimeSecs        float64   `json:"uptime_seconds"`
	ConversationCount int       `json:"conversation_count"`
	MessageCount      int       `json:"message_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

// handleStatus reports runtime statistics. A store that cannot be pinged
// turns the status to "degraded" with 503.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
	}
	code := http.StatusOK

	if s.status != nil {
		ctx := r.Context()
		if err := s.status.Ping(ctx); err != nil {
			s.logger.Warn("server: store ping failed", "err", err)
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			if n, err := s.status.ConversationCount(ctx); err == nil {
				resp.ConversationCount = n
			}
			if n, err := s.status.MessageCount(ctx); err == nil {
				resp.MessageCount = n
			}
		}
	}
	writeJSON(w, code, resp)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: failed to encode JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
