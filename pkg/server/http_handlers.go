package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DefaultLogLines is how many transcript lines /api/logs returns by default
const DefaultLogLines = 50

// HTTPHandler returns the mux serving the stats API, metrics and WebSocket endpoint
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/api/stats", s.StatsHandler)
	mux.HandleFunc("/api/users", s.UsersHandler)
	mux.HandleFunc("/api/logs", s.LogsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.HandleFunc("/ws", s.HandleWebSocket)
	return mux
}

func (s *Server) startHTTPServer() error {
	if s.config.HTTPPort <= 0 {
		s.log.Info("HTTP server disabled", zap.Int("http_port", s.config.HTTPPort))
		return nil
	}

	listener, err := s.listen(s.config.HTTPPort)
	if err != nil {
		return err
	}

	s.httpAddr = listener.Addr()
	s.httpServer = &http.Server{
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("HTTP server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("error encoding JSON response", zap.Error(err))
	}
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	st := s.coord.Stats()
	health := map[string]any{
		"status":          "healthy",
		"uptime_seconds":  int64(st.UptimeSeconds),
		"active_sessions": st.ActiveSessions,
	}
	if addr := s.Addr(); addr != nil {
		health["chat_addr"] = addr.String()
	}
	s.writeJSON(w, http.StatusOK, health)
}

// StatsHandler serves the relay counters
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Stats())
}

// UsersHandler serves the live roster and the seconds left on each mute
func (s *Server) UsersHandler(w http.ResponseWriter, r *http.Request) {
	names := s.coord.Names()

	muted := make(map[string]int)
	for name, left := range s.coord.Muted() {
		muted[name] = int(math.Ceil(left.Seconds()))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"users": names,
		"count": len(names),
		"muted": muted,
	})
}

// LogsHandler serves the most recent transcript lines (?n= overrides the count)
func (s *Server) LogsHandler(w http.ResponseWriter, r *http.Request) {
	n := DefaultLogLines
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
			return
		}
		n = v
	}

	lines := []string{}
	if s.logSource != nil {
		recent, err := s.logSource.Recent(n)
		if err != nil {
			s.log.Warn("reading transcript failed", zap.Error(err))
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "transcript unavailable"})
			return
		}
		lines = append(lines, recent...)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}
