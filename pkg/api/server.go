// Package api exposes the task service over HTTP: submission, reads,
// deletion, transcript search, live status websockets, health and
// metrics. Every JSON endpoint answers with the same envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mozenebula/mini-asr-backend/pkg/engine"
	"github.com/mozenebula/mini-asr-backend/pkg/events"
	"github.com/mozenebula/mini-asr-backend/pkg/logging"
	"github.com/mozenebula/mini-asr-backend/pkg/metrics"
	"github.com/mozenebula/mini-asr-backend/pkg/pool"
	"github.com/mozenebula/mini-asr-backend/pkg/search"
	"github.com/mozenebula/mini-asr-backend/pkg/storage"
	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

// APIResponse is the uniform JSON envelope for /api endpoints.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Media stores uploaded files and inspects local media. *fetch.Fetcher
// implements it.
type Media interface {
	SaveUpload(content []byte, fileName string) (string, error)
	ProbeDuration(ctx context.Context, filePath string) (float64, error)
	Delete(filePath string) error
}

// Options wires the server's collaborators. Store, Media and Hub are
// required; Pool, Index and Metrics stay optional.
type Options struct {
	Store   storage.TaskStore
	Media   Media
	Hub     *events.Hub
	Pool    *pool.ModelPool
	Index   *search.Index
	Metrics *metrics.Metrics

	// Engine is stamped on new tasks as engine_name.
	Engine string
	// BaseURL is the externally reachable prefix used to build output URLs.
	BaseURL string
}

// Server holds the HTTP handler state.
type Server struct {
	store   storage.TaskStore
	media   Media
	hub     *events.Hub
	pool    *pool.ModelPool
	index   *search.Index
	metrics *metrics.Metrics

	engine   string
	baseURL  string
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

// NewServer validates the wiring and returns a ready server.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("api server requires a task store")
	}
	if opts.Media == nil {
		return nil, errors.New("api server requires a media store")
	}
	if opts.Hub == nil {
		return nil, errors.New("api server requires an event hub")
	}

	engineName := opts.Engine
	if engineName == "" {
		engineName = engine.FasterWhisper
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}

	return &Server{
		store:   opts.Store,
		media:   opts.Media,
		hub:     opts.Hub,
		pool:    opts.Pool,
		index:   opts.Index,
		metrics: opts.Metrics,
		engine:  engineName,
		baseURL: baseURL,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logging.GetGlobalLogger().WithComponent("api"),
	}, nil
}

// Router builds the route table. The search route registers before the
// {id} routes so "search" is never parsed as a task ID.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/whisper/tasks", s.handleCreateTask).Methods("POST")
	api.HandleFunc("/whisper/tasks/search", s.handleSearchTasks).Methods("GET")
	api.HandleFunc("/whisper/tasks/query", s.handleQueryTasks).Methods("POST")
	api.HandleFunc("/whisper/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/whisper/tasks/{id}", s.handleDeleteTask).Methods("DELETE")
	api.HandleFunc("/whisper/tasks/{id}/events", s.handleTaskEvents).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	return router
}

type healthView struct {
	Status        string      `json:"status"`
	Database      string      `json:"database"`
	Pool          *pool.Stats `json:"pool,omitempty"`
	SearchEnabled bool        `json:"search_enabled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := healthView{Status: "ok", Database: "up"}

	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("Health check cannot reach the task store", map[string]interface{}{
			"error": err.Error(),
		})
		view.Status = "degraded"
		view.Database = "down"
	}
	if s.pool != nil {
		stats := s.pool.Stats()
		view.Pool = &stats
		s.metrics.SetPoolStats(stats.CurrentSize, stats.Idle)
	}
	if s.index != nil {
		view.SearchEnabled = s.index.Enabled()
	}

	if view.Database == "down" {
		sendJSONStatus(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    view,
			Error:   task.MessageServiceUnavailable,
		})
		return
	}
	sendJSON(w, APIResponse{Success: true, Data: view})
}

// sendStoreError maps store sentinels onto the canonical status texts.
func (s *Server) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrTaskNotFound):
		sendError(w, errors.New(task.MessageNotFound), http.StatusNotFound)
	case errors.Is(err, storage.ErrUnavailable):
		sendError(w, errors.New(task.MessageServiceUnavailable), http.StatusServiceUnavailable)
	default:
		s.logger.Error("Task store error", map[string]interface{}{
			"error": err.Error(),
		})
		sendError(w, err, http.StatusInternalServerError)
	}
}

func sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func sendJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}
