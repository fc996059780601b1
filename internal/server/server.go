// Package server exposes the controller's read-only status API and the
// websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"skylapse/internal/camera"
	"skylapse/internal/config"
	"skylapse/internal/ledger"
	"skylapse/internal/queue"
	"skylapse/internal/scheduler"
)

// Server is the controller HTTP surface.
type Server struct {
	cfg      *config.Config
	store    *ledger.Store
	jobs     *queue.Queue
	sched    *scheduler.Scheduler
	cam      *camera.Client
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time
	port     int
}

// New wires a Server. sched and cam may be nil (worker-only deployments
// omit them); the affected status fields report accordingly.
func New(port int, cfg *config.Config, store *ledger.Store, jobs *queue.Queue,
	sched *scheduler.Scheduler, cam *camera.Client, hub *Hub, log *slog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		store: store,
		jobs:  jobs,
		sched: sched,
		cam:   cam,
		hub:   hub,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
		port:    port,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/api/sessions", s.handleSessions).Methods("GET")
	router.HandleFunc("/api/sessions/{id}/captures", s.handleCaptures).Methods("GET")
	router.HandleFunc("/api/timelapses", s.handleTimelapses).Methods("GET")
	router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	router.PathPrefix("/videos/").Handler(
		http.StripPrefix("/videos/", http.FileServer(http.Dir(s.cfg.Storage.VideosDir))))
	return router
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("status server listening", "port", s.port)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}

	if s.sched != nil {
		out["windows"] = s.sched.Windows()
	}
	if s.cam != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		out["camera_healthy"] = s.cam.Healthy(ctx)
	}
	if stats, err := s.jobs.QueueStats(queue.TimelapseQueue); err == nil {
		out["queue"] = stats
	}

	writeJSON(w, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	sessions, err := s.store.ListSessions(q.Get("date"), q.Get("schedule"), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetSession(id); err != nil {
		if err == ledger.ErrNotFound {
			httpError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	captures, err := s.store.CapturesForSession(id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	type captureView struct {
		ID        int64     `json:"id"`
		Timestamp time.Time `json:"timestamp"`
		Filename  string    `json:"filename"`
		ISO       int       `json:"iso"`
		Shutter   string    `json:"shutter"`
		EV        float64   `json:"ev"`
		Lux       float64   `json:"lux"`
		WBTemp    int       `json:"wb_temp"`
		IsBracket bool      `json:"is_bracket"`
		IsHDR     bool      `json:"is_hdr_result"`
	}
	views := make([]captureView, 0, len(captures))
	for _, c := range captures {
		views = append(views, captureView{
			ID:        c.ID,
			Timestamp: c.Timestamp,
			Filename:  c.Filename,
			ISO:       c.Settings.ISO,
			Shutter:   c.Settings.Shutter,
			EV:        c.Settings.EV,
			Lux:       c.Settings.Lux,
			WBTemp:    c.Settings.WBTemp,
			IsBracket: c.IsBracket,
			IsHDR:     c.IsHDRResult,
		})
	}
	writeJSON(w, map[string]any{"session_id": id, "captures": views, "count": len(views)})
}

func (s *Server) handleTimelapses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	videos, err := s.store.GetTimelapses(ledger.TimelapseFilter{
		Profile:  q.Get("profile"),
		Schedule: q.Get("schedule"),
		Date:     q.Get("date"),
		Tier:     q.Get("tier"),
		Limit:    limit,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{"timelapses": videos, "count": len(videos)})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.register <- conn

	go func() {
		defer func() { s.hub.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
