package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"calwatch/internal/aggregate"
	"calwatch/internal/config"
	"calwatch/internal/countdown"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/pipeline"
)

// Server provides the read-only HTTP poll surface for display collaborators:
// the aggregated collection, per-source health, and the countdown line.
type Server struct {
	cfg   *config.Config
	store *aggregate.Store
	pipe  *pipeline.Pipeline
	mux   *http.ServeMux

	now func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, store *aggregate.Store, pipe *pipeline.Pipeline) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		pipe:  pipe,
		mux:   http.NewServeMux(),
		now:   time.Now,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/sources", s.handleSources)
	s.mux.HandleFunc("/api/next", s.handleNext)
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password counts as disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health stays unauthenticated for probes.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calwatch", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// eventJSON is the wire shape of one aggregated event.
type eventJSON struct {
	SourceID       string    `json:"source_id"`
	UID            string    `json:"uid"`
	Summary        string    `json:"summary,omitempty"`
	Description    string    `json:"description,omitempty"`
	Location       string    `json:"location,omitempty"`
	AllDay         bool      `json:"all_day"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	RecurrenceID   string    `json:"recurrence_id,omitempty"`
	CrossSourceDup bool      `json:"cross_source_dup,omitempty"`
}

func toEventJSON(ev model.Event) eventJSON {
	out := eventJSON{
		SourceID:       ev.SourceID,
		UID:            ev.UID,
		Summary:        ev.Summary,
		Description:    ev.Description,
		Location:       ev.Location,
		AllDay:         ev.AllDay,
		Start:          ev.Start,
		End:            ev.End,
		CrossSourceDup: ev.CrossSourceDup,
	}
	if !ev.RecurrenceID.IsZero() {
		out.RecurrenceID = ev.RecurrenceID.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	coll := s.store.Current()
	events := make([]eventJSON, 0, len(coll))
	for _, ev := range coll {
		events = append(events, toEventJSON(ev))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": s.pipe.Statuses(),
	})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	now := s.now()
	filter := countdown.DefaultFilter()
	filter.ShowAllDay = s.cfg.ShowAllDay

	coll := s.store.Current()
	resp := map[string]any{
		"text": countdown.Text(coll, now, filter),
	}
	if ev, ok := countdown.Next(coll, now, filter); ok {
		resp["event"] = toEventJSON(ev)
		resp["seconds_until"] = int(countdown.Until(ev, now).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("write JSON response failed", err)
	}
}
