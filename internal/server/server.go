// Package server exposes the HTTP surface: health, metrics, the tap ingest
// endpoint, and on consumers the dashboard API and renderer event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/john/chatnexus/internal/consumer"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/paidstore"
	"github.com/john/chatnexus/internal/tap"
)

// Dashboard is the consumer state the API reads and drives.
type Dashboard interface {
	Recent() []message.ChatMessage
	Paid(ctx context.Context, hours int) ([]message.ChatMessage, error)
	Lookup(ctx context.Context, id uuid.UUID) (message.ChatMessage, bool)
	Viewers() consumer.ViewerSnapshot
	Featured() *message.ChatMessage
	Feature(id *uuid.UUID) error
	Resume()
}

type Config struct {
	Addr string
	// Hub receives events posted to /tap. Nil disables the endpoint.
	Hub *tap.Hub
	// Dashboard and Feed are set on consumers only.
	Dashboard Dashboard
	Feed      *Broadcaster
	Logger    *slog.Logger
}

// Server provides the HTTP endpoints.
type Server struct {
	server *http.Server
	dash   Dashboard
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{dash: cfg.Dashboard, logger: logger.With(slog.String("component", "server"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	if cfg.Hub != nil {
		r.Handle("/tap", tap.IngestHandler(cfg.Hub))
	}
	if cfg.Feed != nil {
		r.With(middleware.NoCache).Get("/events", cfg.Feed.ServeHTTP)
	}
	if cfg.Dashboard != nil {
		r.Route("/api", func(r chi.Router) {
			r.Get("/recent", s.recent)
			r.Get("/paid", s.paid)
			r.Get("/messages/{id}", s.lookup)
			r.Get("/viewers", s.viewers)
			r.Get("/feature", s.featured)
			r.Post("/feature", s.feature)
			r.Delete("/feature", s.unfeature)
			r.Post("/resume", s.resume)
		})
	}

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

func (s *Server) recent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dash.Recent())
}

func (s *Server) paid(w http.ResponseWriter, r *http.Request) {
	hours := paidstore.WarmHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > paidstore.RetentionHours {
			http.Error(w, "hours must be between 1 and "+strconv.Itoa(paidstore.RetentionHours), http.StatusBadRequest)
			return
		}
		hours = n
	}
	msgs, err := s.dash.Paid(r.Context(), hours)
	if err != nil {
		s.logger.Error("list paid messages", slog.Any("err", err))
		http.Error(w, "paid messages unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}
	m, ok := s.dash.Lookup(r.Context(), id)
	if !ok {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) viewers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dash.Viewers())
}

func (s *Server) featured(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dash.Featured())
}

func (s *Server) feature(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID *uuid.UUID `json:"id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.sendFeature(w, body.ID)
}

func (s *Server) unfeature(w http.ResponseWriter, r *http.Request) {
	s.sendFeature(w, nil)
}

func (s *Server) sendFeature(w http.ResponseWriter, id *uuid.UUID) {
	if err := s.dash.Feature(id); err != nil {
		s.logger.Warn("feature command failed", slog.Any("err", err))
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.dash.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
