package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazypower/chanfix/internal/engine"
	"github.com/lazypower/chanfix/internal/network"
	"github.com/lazypower/chanfix/internal/store"
)

// Server is the chanfix HTTP API server: the operator command surface plus
// the link bridge endpoints that feed the network model.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	network *network.State
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server.
func New(eng *engine.Engine, net *network.State, db *store.DB, version string) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		network: net,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/channels", s.handleListChannels)
		r.Route("/channels/{channel}", func(r chi.Router) {
			r.Get("/", s.handleChannelInfo)
			r.Get("/scores", s.handleChannelScores)
			r.Post("/fix", s.handleFix)
			r.Post("/mark", s.handleMark)
			r.Post("/nofix", s.handleNoFix)
		})

		// link bridge
		r.Put("/network/channels/{channel}", s.handleNetworkUpdate)
		r.Delete("/network/channels/{channel}", s.handleNetworkRemove)
		r.Get("/network/actions", s.handleNetworkActions)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"db":       dbOK,
		"db_path":  s.db.Path,
		"channels": len(s.engine.List("")),
		"dirty":    s.engine.Dirty(),
		"pending":  s.network.Pending(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
