// Package httpapi exposes the job pipeline over HTTP for the bot layer:
// job CRUD, progress queries, a per-job websocket progress stream and the
// operational status rollup.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"teledl/internal/manager"
	"teledl/internal/model"
	"teledl/internal/store"
)

type Server struct {
	mgr *manager.Manager
	st  *store.Store
	log *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*wsClient]struct{}

	upgrader websocket.Upgrader
}

// wsClient serializes writes to one websocket connection. gorilla/websocket
// supports at most one concurrent writer, and the handler's initial
// snapshot races the worker-goroutine broadcasts without this.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// New builds the server and subscribes it to the manager's progress feed
// so websocket clients see every update.
func New(mgr *manager.Manager, st *store.Store, log *slog.Logger) *Server {
	s := &Server{
		mgr:  mgr,
		st:   st,
		log:  log,
		subs: make(map[string]map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mgr.AddProgressCallback(s.broadcast)
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/jobs/{id}/progress", s.handleProgress)
		r.Get("/jobs/{id}/ws", s.handleJobWS)
		r.Get("/users/{id}/history", s.handleUserHistory)
		r.Get("/progress", s.handleActiveProgress)
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type createJobRequest struct {
	UserID     int64  `json:"user_id"`
	Username   string `json:"username"`
	SourceName string `json:"source_name"`
	SourceURL  string `json:"source_url"`
	FileName   string `json:"file_name"`
	Quality    string `json:"quality"`
	Priority   int    `json:"priority"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.UserID != 0 {
		if _, err := s.st.EnsureUser(ctx, req.UserID, req.Username, time.Now().UTC()); err != nil {
			writeErr(w, http.StatusInternalServerError, fmt.Errorf("ensure user: %w", err))
			return
		}
	}

	id, err := s.mgr.AddJob(ctx, req.UserID, req.SourceName, req.SourceURL, req.FileName, req.Quality, req.Priority)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userParam := r.URL.Query().Get("user")
	if userParam == "" {
		writeErr(w, http.StatusBadRequest, errors.New("user query parameter is required"))
		return
	}
	userID, err := strconv.ParseInt(userParam, 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse user: %w", err))
		return
	}

	jobs, err := s.st.UserJobs(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.st.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, model.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	ok, err := s.mgr.Cancel(r.Context(), jobID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		// Unknown id or already terminal; tell them which.
		if _, err := s.st.GetJob(r.Context(), jobID); errors.Is(err, model.ErrNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusConflict, errors.New("job already finished"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if p, ok := s.mgr.GetProgress(jobID); ok {
		writeJSON(w, http.StatusOK, p)
		return
	}
	// Not in flight; fall back to the durable record so a just-finished
	// job still answers.
	job, err := s.st.GetJob(r.Context(), jobID)
	if errors.Is(err, model.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, manager.Progress{
		JobID:      job.JobID,
		FileName:   job.FileName,
		TotalSize:  job.FileSize,
		Downloaded: job.DownloadedBytes,
		Status:     job.Status,
	})
}

func (s *Server) handleActiveProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active": s.mgr.ActiveProgress()})
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse user id: %w", err))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("parse limit: %w", err))
			return
		}
	}
	entries, err := s.st.UserHistory(r.Context(), userID, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.mgr.SystemStatus()
	counts, err := s.st.StatusCounts(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	users, err := s.st.CountUsers(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"manager":    status,
		"job_counts": counts,
		"users":      users,
	})
}

// handleStats returns the persisted system snapshots for the trailing
// window (24h by default).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("parse window: %w", err))
			return
		}
		window = d
	}
	snaps, err := s.st.StatsSince(r.Context(), time.Now().UTC().Add(-window))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": snaps})
}

// handleJobWS upgrades the connection and streams progress events for one
// job until the client disconnects.
func (s *Server) handleJobWS(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.st.GetJob(r.Context(), jobID); errors.Is(err, model.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}

	client := &wsClient{conn: conn}
	s.mu.Lock()
	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[*wsClient]struct{})
	}
	s.subs[jobID][client] = struct{}{}
	s.mu.Unlock()

	if p, ok := s.mgr.GetProgress(jobID); ok {
		_ = client.send(p)
	}

	// Block on reads; any read error means the client is gone.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.subs[jobID], client)
	if len(s.subs[jobID]) == 0 {
		delete(s.subs, jobID)
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// broadcast fans one progress snapshot out to that job's subscribers.
// Runs on the worker goroutine via the manager's callback registry.
func (s *Server) broadcast(p manager.Progress) {
	s.mu.RLock()
	clients := make([]*wsClient, 0, len(s.subs[p.JobID]))
	for c := range s.subs[p.JobID] {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(p); err != nil {
			s.mu.Lock()
			delete(s.subs[p.JobID], c)
			s.mu.Unlock()
			_ = c.conn.Close()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
