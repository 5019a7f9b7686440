// Package viewer exposes a read-only HTTP API over the traffic cache
// plus a websocket feed of appended entries. It is a consumer of the
// pipeline's data, not part of the interception path.
package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/traffictap/traffictap/internal/cache"
	"github.com/traffictap/traffictap/internal/logger"
	"github.com/traffictap/traffictap/pkg/trace"
)

// Server serves the viewer API.
type Server struct {
	port  int
	store cache.Store
	hub   *Hub
	log   logger.Logger

	httpServer *http.Server
}

// New creates a viewer server over the given store.
func New(port int, store cache.Store, log logger.Logger) *Server {
	return &Server{
		port:  port,
		store: store,
		hub:   NewHub(log),
		log:   log,
	}
}

// Publish broadcasts an appended entry to live clients. Wire this to
// the pipeline's OnEntry callback.
func (s *Server) Publish(entry trace.Entry) {
	s.hub.Broadcast(entry)
}

// Router builds the API routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/entries", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/entries", s.handleClear).Methods(http.MethodDelete)
	api.HandleFunc("/entries/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	return r
}

// Start runs the server until SIGINT/SIGTERM, then shuts down
// gracefully.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Viewer listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		s.log.Info("Shutting down viewer", "signal", sig.String())
	}

	return s.Shutdown()
}

// Shutdown stops the server and closes live connections.
func (s *Server) Shutdown() error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type listResponse struct {
	Items  []*trace.Entry `json:"items"`
	Total  int            `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	items, err := s.store.Load(query)
	if err != nil {
		s.log.Error("Failed to load entries", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("load entries"))
		return
	}
	total, err := s.store.Count(query)
	if err != nil {
		s.log.Error("Failed to count entries", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("count entries"))
		return
	}
	if items == nil {
		items = []*trace.Entry{}
	}

	writeJSON(w, http.StatusOK, listResponse{
		Items:  items,
		Total:  total,
		Offset: query.Offset,
		Limit:  query.Limit,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	query, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	counts, err := s.store.CountByClass(query)
	if err != nil {
		s.log.Error("Failed to compute stats", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("compute stats"))
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(); err != nil {
		s.log.Error("Failed to clear entries", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("clear entries"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if _, err := s.hub.Upgrade(w, r); err != nil {
		s.log.Warn("Websocket upgrade failed", "error", err)
	}
}

func parseQuery(r *http.Request) (cache.Query, error) {
	values := r.URL.Query()
	query := cache.Query{
		Search: values.Get("search"),
	}

	if raw := values.Get("since"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return cache.Query{}, fmt.Errorf("invalid since: %w", err)
		}
		query.Since = ts
	}
	if raw := values.Get("until"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return cache.Query{}, fmt.Errorf("invalid until: %w", err)
		}
		query.Until = ts
	}
	if raw := values.Get("class"); raw != "" {
		class, err := trace.ParseClass(raw)
		if err != nil {
			return cache.Query{}, err
		}
		query.Class = class
	}
	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return cache.Query{}, fmt.Errorf("invalid offset: %q", raw)
		}
		query.Offset = offset
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return cache.Query{}, fmt.Errorf("invalid limit: %q", raw)
		}
		query.Limit = limit
	}

	return query, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", raw)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
