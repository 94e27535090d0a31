package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"wweb-gateway/internal/auth"
	"wweb-gateway/internal/qr"
	"wweb-gateway/internal/session"
)

const (
	messageLoggedOut = "Logged out successfully"
	messageFlushed   = "Flush completed successfully"
)

type startSessionRequest struct {
	Type     string `json:"type"`
	Provider string `json:"provider"`
}

type resultResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type qrResponse struct {
	Success bool   `json:"success"`
	QR      string `json:"qr"`
}

func (s *Server) handleStartSessionGet(w http.ResponseWriter, r *http.Request) {
	s.startSession(w, r, auth.Config{Type: string(auth.KindLocal)})
}

func (s *Server) handleStartSessionPost(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = string(auth.KindLocal)
	}
	s.startSession(w, r, auth.Config{Type: req.Type, Provider: req.Provider})
}

// startSession sets up a session and answers once its client page exists.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, cfg auth.Config) {
	id := r.PathValue("sessionId")

	res, err := s.sessions.Setup(r.Context(), id, cfg)
	if err != nil {
		code := http.StatusInternalServerError
		if session.IsValidation(err) {
			code = http.StatusUnprocessableEntity
		}
		sendError(w, code, res.Message)
		return
	}
	if res.Session == nil {
		sendError(w, http.StatusInternalServerError, res.Message)
		return
	}

	if _, err := s.sessions.WaitForPage(r.Context(), res.Session); err != nil {
		s.logger.Warn("session start failed", slog.String("session", id), slog.Any("error", err))
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resultResponse{Success: true, Message: res.Message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Validate(r.Context(), r.PathValue("sessionId")))
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	payload, err := s.sessions.QR(r.PathValue("sessionId"))
	if err != nil {
		writeJSON(w, http.StatusOK, resultResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, qrResponse{Success: true, QR: payload})
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	payload, err := s.sessions.QR(r.PathValue("sessionId"))
	if err != nil {
		writeJSON(w, http.StatusOK, resultResponse{Message: err.Error()})
		return
	}

	png, err := qr.PNG(payload, qr.DefaultSize)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	status := s.sessions.Validate(r.Context(), id)
	if status.NotFound() {
		writeJSON(w, http.StatusOK, status)
		return
	}
	if err := s.sessions.Delete(r.Context(), id, status); err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Success: true, Message: messageLoggedOut})
}

func (s *Server) handleTerminateInactive(w http.ResponseWriter, r *http.Request) {
	s.flush(r.Context(), w, true)
}

func (s *Server) handleTerminateAll(w http.ResponseWriter, r *http.Request) {
	s.flush(r.Context(), w, false)
}

func (s *Server) flush(ctx context.Context, w http.ResponseWriter, onlyInactive bool) {
	report, err := s.sessions.Flush(ctx, onlyInactive)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report.Err != nil {
		s.logger.Warn("flush finished with errors", slog.Any("error", report.Err))
	}
	writeJSON(w, http.StatusOK, resultResponse{Success: true, Message: messageFlushed})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, resultResponse{Success: false, Message: message})
}
