// Package httpapi exposes the controller's read-only admin surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/barterhub/barterhub/internal/controller"
	"github.com/barterhub/barterhub/internal/discovery"
	"github.com/barterhub/barterhub/internal/infrastructure/postgres"
	"github.com/barterhub/barterhub/internal/infrastructure/sse"
)

// Server serves competition state and the peer directory over HTTP.
type Server struct {
	svc       *controller.Service
	directory *discovery.Directory
	events    *sse.Hub
	results   *postgres.ResultsRepository
	stats     func() map[string]string
}

// NewServer creates the admin server. events, results and stats may be
// nil when the controller runs without streaming, Postgres or a Raft
// journal.
func NewServer(svc *controller.Service, directory *discovery.Directory, events *sse.Hub, results *postgres.ResultsRepository, stats func() map[string]string) *Server {
	return &Server{svc: svc, directory: directory, events: events, results: results, stats: stats}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/healthz", s.healthz)
		r.Route("/v1/competition", func(r chi.Router) {
			r.Get("/phase", s.phase)
			r.Get("/registrants", s.registrants)
			r.Get("/scores", s.scores)
			r.Get("/game", s.game)
			r.Get("/journal", s.journal)
		})
		r.Route("/v1/results", func(r chi.Router) {
			r.Get("/", s.listResults)
			r.Get("/{competitionId}", s.getResult)
		})
		r.Route("/v1/directory", func(r chi.Router) {
			r.Post("/", s.publishEntry)
			r.Get("/", s.searchEntries)
			r.Get("/{identity}", s.resolveEntry)
			r.Delete("/{identity}", s.withdrawEntry)
		})
	})

	// Event streams outlive the request timeout.
	r.Get("/v1/competition/events", s.streamEvents)

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"identity": s.svc.Identity(),
		"phase":    s.svc.Phase().String(),
	})
}

func (s *Server) phase(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"phase": s.svc.Phase().String()})
}

func (s *Server) registrants(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"registrants": s.svc.Registrants()})
}

func (s *Server) scores(w http.ResponseWriter, _ *http.Request) {
	scores, err := s.svc.Scores()
	if err != nil {
		respondError(w, http.StatusConflict, "GAME_NOT_STARTED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func (s *Server) game(w http.ResponseWriter, _ *http.Request) {
	dump, err := s.svc.GameDump()
	if err != nil {
		respondError(w, http.StatusConflict, "GAME_NOT_STARTED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, dump)
}

func (s *Server) journal(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		respondError(w, http.StatusNotFound, "NO_JOURNAL", "journal disabled")
		return
	}
	respondJSON(w, http.StatusOK, s.stats())
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		respondError(w, http.StatusNotFound, "NO_ARCHIVE", "results archive disabled")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	summaries, err := s.results.List(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"competitions": summaries})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		respondError(w, http.StatusNotFound, "NO_ARCHIVE", "results archive disabled")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "competitionId"))
	record, err := s.results.Get(r.Context(), id)
	if errors.Is(err, postgres.ErrCompetitionNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "competition not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusNotFound, "NO_EVENTS", "event streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "NO_STREAMING", "response writer does not support streaming")
		return
	}
	events, cancel := s.events.Subscribe(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) publishEntry(w http.ResponseWriter, r *http.Request) {
	var entry discovery.Entry
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entry); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.directory.Publish(r.Context(), entry); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (s *Server) searchEntries(w http.ResponseWriter, r *http.Request) {
	exclude := strings.TrimSpace(r.URL.Query().Get("exclude"))
	entries, err := s.directory.Search(r.Context(), exclude)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) resolveEntry(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(chi.URLParam(r, "identity"))
	entry, err := s.directory.Resolve(r.Context(), identity)
	if errors.Is(err, discovery.ErrNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "identity not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) withdrawEntry(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(chi.URLParam(r, "identity"))
	if err := s.directory.Withdraw(r.Context(), identity); err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "identity not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
