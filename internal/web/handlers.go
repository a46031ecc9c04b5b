package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"dailycast/internal/broadcast"
	"dailycast/internal/storage"
	logx "dailycast/pkg/logx"
)

//go:embed ui
var uiFS embed.FS

const maxBodySize = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var body any = map[string]string{"status": "ok"}
	if s.deps.Health != nil {
		body = s.deps.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Broadcaster.Schedule())
}

type putConfigResponse struct {
	Schedule  broadcast.Schedule `json:"schedule"`
	Persisted bool               `json:"persisted"`
	Error     string             `json:"error,omitempty"`
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(b) > maxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	var next broadcast.Schedule
	if err := json.Unmarshal(b, &next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	// A client that hangs up mid-request must not leave the schedule applied but unwritten.
	applied, err := s.deps.Broadcaster.UpdateConfig(context.WithoutCancel(r.Context()), next)
	var (
		ve *broadcast.ValidationError
		pf *broadcast.PersistenceFailure
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.As(err, &pf):
		// The schedule is live even though the file write failed.
		writeJSON(w, http.StatusOK, putConfigResponse{Schedule: applied, Persisted: false, Error: pf.Error()})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.log.Info("configuration updated via api")
		writeJSON(w, http.StatusOK, putConfigResponse{Schedule: applied, Persisted: true})
	}
}

func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Broadcaster.RunBroadcast(r.Context())
	if errors.Is(err, broadcast.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "delivery history requires storage")
		return
	}
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.deps.History.RecentDeliveries(r.Context(), limit)
	if err != nil {
		s.log.Warn("history read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) staticHandler() http.Handler {
	if dir := strings.TrimSpace(s.cfg.StaticDir); dir != "" {
		return http.FileServer(http.Dir(dir))
	}
	sub, err := fs.Sub(uiFS, "ui")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
