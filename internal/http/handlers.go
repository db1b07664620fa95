package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roelfdiedericks/clawcore/internal/cron"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
	"github.com/roelfdiedericks/clawcore/internal/session"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 * 1024

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("http: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status  string `json:"status"`
		Uptime  string `json:"uptime"`
		Cron    bool   `json:"cron"`
		Started string `json:"started"`
	}{
		Status:  "ok",
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Started: s.started.UTC().Format(time.RFC3339),
	}
	if s.deps.Cron != nil {
		resp.Cron = s.deps.Cron.IsRunning()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBusStats handles GET /api/bus/stats
func (s *Server) handleBusStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Bus.Stats())
}

// handleBusEvents handles GET /api/bus/events/{channel}. It streams the
// channel's inbound events as newline-delimited JSON until the client leaves.
func (s *Server) handleBusEvents(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	rc := http.NewResponseController(w)
	// streams outlive the server write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		L_debug("http: cannot clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		L_debug("http: event stream not flushable", "error", err)
		return
	}

	L_debug("http: event tap opened", "channel", channel)
	enc := json.NewEncoder(w)
	for ev := range s.deps.Bus.Subscribe(r.Context(), channel) {
		if err := enc.Encode(ev); err != nil {
			break
		}
		if err := rc.Flush(); err != nil {
			break
		}
	}
	L_debug("http: event tap closed", "channel", channel)
}

type sessionView struct {
	session.ChannelSession
	ActiveTasks int `json:"activeTasks"`
}

// handleSessions handles GET /api/sessions?channel=
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Sessions.ListByChannel(r.URL.Query().Get("channel"))
	out := make([]sessionView, 0, len(sessions))
	for _, cs := range sessions {
		out = append(out, sessionView{ChannelSession: cs, ActiveTasks: s.deps.Sessions.ActiveTaskCount(cs.SessionID)})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCancelSession handles POST /api/sessions/{id}/cancel
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n := s.deps.Sessions.CancelSessionTasks(id)
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "cancelled": n})
}

// handleCronStatus handles GET /api/cron/status
func (s *Server) handleCronStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cron.Status())
}

// handleListJobs handles GET /api/cron/jobs?session=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cron.ListJobs(r.URL.Query().Get("session")))
}

type addJobRequest struct {
	SessionID  string         `json:"session_id"`
	Expression string         `json:"expression"`
	Prompt     string         `json:"prompt"`
	Name       string         `json:"name"`
	Channel    string         `json:"channel"`
	Target     string         `json:"target"`
	Metadata   map[string]any `json:"metadata"`
}

// handleAddJob handles POST /api/cron/jobs
func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req addJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "session_id and prompt are required")
		return
	}

	id, err := s.deps.Cron.AddJobWithPayload(req.SessionID, req.Expression, req.Name, cron.Payload{
		Prompt:   req.Prompt,
		Channel:  req.Channel,
		Target:   req.Target,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, cron.ErrInvalidExpression) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job, _ := s.deps.Cron.GetJob(id)
	writeJSON(w, http.StatusCreated, job)
}

// handleGetJob handles GET /api/cron/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.deps.Cron.GetJob(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, cron.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRemoveJob handles DELETE /api/cron/jobs/{id}
func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Cron.RemoveJob(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, cron.ErrJobNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleJobRuns handles GET /api/cron/jobs/{id}/runs?limit=
func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Cron.GetJob(id); !ok {
		writeError(w, http.StatusNotFound, cron.ErrJobNotFound.Error())
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	runs, err := s.deps.Cron.GetRuns(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []cron.RunLogEntry{}
	}
	writeJSON(w, http.StatusOK, runs)
}
