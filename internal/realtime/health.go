package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"wweb-gateway/internal/qr"
	"wweb-gateway/internal/session"
)

const messageLogFile = "message_log.txt"

// healthResponse is the body of GET /health.
type healthResponse struct {
	Success       bool           `json:"success"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	PID           int            `json:"pid"`
	GoVersion     string         `json:"go_version"`
	Goroutines    int            `json:"goroutines"`
	Process       processStats   `json:"process"`
	Sessions      map[string]int `json:"sessions"`
}

// processStats contains OS-level figures of the gateway process.
type processStats struct {
	RSSMB      float64 `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

// callbackBody is what webhook deliveries look like.
type callbackBody struct {
	SessionID string          `json:"sessionId"`
	DataType  string          `json:"dataType"`
	Data      json.RawMessage `json:"data"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, resultResponse{Success: true, Message: "pong"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Success:       true,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		PID:           os.Getpid(),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		Sessions:      s.sessions.Counts(),
	}

	// Process figures are best effort; a platform without them still
	// reports the rest.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			resp.Process.RSSMB = float64(mem.RSS) / (1024 * 1024)
		}
		if cpu, err := p.CPUPercent(); err == nil {
			resp.Process.CPUPercent = cpu
		}
		if n, err := p.NumThreads(); err == nil {
			resp.Process.Threads = n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleLocalCallback is a sample webhook receiver. QR codes are printed to
// the console and every delivery is appended to message_log.txt.
func (s *Server) handleLocalCallback(w http.ResponseWriter, r *http.Request) {
	var body callbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch body.DataType {
	case "qr":
		var data struct {
			QR string `json:"qr"`
		}
		if err := json.Unmarshal(body.Data, &data); err == nil && data.QR != "" {
			if _, err := qr.PrintIfTerminal(s.opts.Console, data.QR); err != nil {
				s.logger.Warn("print qr failed", slog.String("session", body.SessionID), slog.Any("error", err))
			}
		}
	case session.EventRemoteSaved:
		s.logger.Info("remote session saved", slog.String("session", body.SessionID))
	}

	line, _ := json.Marshal(body)
	if err := s.appendMessageLog(string(line)); err != nil {
		s.appendMessageLog(fmt.Sprintf("(ERROR) %v", err))
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Success: true})
}

func (s *Server) appendMessageLog(line string) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	if err := os.MkdirAll(s.opts.SessionsPath, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.opts.SessionsPath, messageLogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\r\n")
	return err
}
