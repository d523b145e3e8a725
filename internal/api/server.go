package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nyaser-maps-downloader/internal/config"
	"nyaser-maps-downloader/internal/pipeline"
)

// Enqueuer is the pipeline surface the control server needs.
type Enqueuer interface {
	Enqueue(url, extractDir string) (string, error)
	Cancel(taskID, reason string)
	QueueSnapshot() map[string]interface{}
}

// ControlServer is the loopback HTTP surface the companion map website talks
// to: it posts download URLs here instead of going through a browser download.
type ControlServer struct {
	log        *slog.Logger
	pipe       Enqueuer
	cfg        *config.Manager
	extractDir func() string
	router     *chi.Mux
}

func NewControlServer(log *slog.Logger, pipe Enqueuer, cfg *config.Manager, extractDir func() string) *ControlServer {
	s := &ControlServer{
		log:        log,
		pipe:       pipe,
		cfg:        cfg,
		extractDir: extractDir,
		router:     chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) Start(port int) {
	if !s.cfg.GetControlEnabled() {
		return
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	s.log.Info("control server listening", "addr", addr)

	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("control server failed to bind", "error", err)
			return
		}
		if err := http.Serve(conn, s.router); err != nil {
			s.log.Error("control server failed", "error", err)
		}
	}()
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)

	s.router.Post("/v1/download", s.handleEnqueue)
	s.router.Post("/v1/tasks/{id}/cancel", s.handleCancel)
	s.router.Get("/v1/queue", s.handleGetQueue)
	s.router.Get("/v1/status", s.handleGetStatus)
}

func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)

		if !s.cfg.GetControlEnabled() {
			http.Error(w, "Control API Disabled", http.StatusServiceUnavailable)
			return
		}

		// Localhost enforcement on top of the loopback bind.
		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-NMD-Token")
		if token != s.cfg.GetControlToken() {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	URL string `json:"url"`
}

type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

func (s *ControlServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	id, err := s.pipe.Enqueue(req.URL, s.extractDir())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.log.Info("download enqueued via control api", "id", id, "url", req.URL)
	_ = json.NewEncoder(w).Encode(enqueueResponse{TaskID: id})
}

func (s *ControlServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "task id is required", http.StatusBadRequest)
		return
	}
	s.pipe.Cancel(id, pipeline.CancelReasonUser)
	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(s.pipe.QueueSnapshot())
}

func (s *ControlServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(`{"status": "running"}`))
}
