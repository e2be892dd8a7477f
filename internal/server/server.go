// Package server exposes the orchestration core over HTTP: turns, affective
// state, rollbacks, health (with a WebSocket stream of mode transitions) and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/config"
	"github.com/normanking/cortexcore/internal/degradation"
	"github.com/normanking/cortexcore/internal/faults"
	"github.com/normanking/cortexcore/internal/logging"
	"github.com/normanking/cortexcore/internal/orchestrator"
)

const (
	// maxBodySize limits request bodies (1MB).
	maxBodySize = 1 << 20

	defaultListLimit = 20
	maxListLimit     = 200

	// WebSocket timings.
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Server is the HTTP front of a Core.
type Server struct {
	core     *orchestrator.Core
	cfg      config.ServerConfig
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	log      zerolog.Logger

	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	streams    sync.WaitGroup
}

// New creates a server. gatherer may be nil, in which case /metrics is not
// served.
func New(core *orchestrator.Core, cfg config.ServerConfig, gatherer prometheus.Gatherer) *Server {
	return &Server{
		core:     core,
		cfg:      cfg,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:  logging.Component("server"),
		done: make(chan struct{}),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/turns", s.handleTurn)
	mux.HandleFunc("POST /api/turns/batch", s.handleBatch)
	mux.HandleFunc("GET /api/actors/{id}/state", s.handleState)
	mux.HandleFunc("GET /api/actors/{id}/turns", s.handleTurns)
	mux.HandleFunc("GET /api/actors/{id}/actions", s.handleActions)
	mux.HandleFunc("POST /api/actions/{id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/health/stream", s.handleHealthStream)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.logRequests(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	s.log.Info().Str("addr", s.cfg.Addr).Msg("Starting API server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.Close()
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.streams.Wait()
	s.log.Info().Msg("API server stopped")
	return err
}

// Close ends open health streams. Shutdown does not touch hijacked
// connections, so Run calls this first.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

type batchRequest struct {
	Requests []orchestrator.TurnRequest `json:"requests"`
}

type batchItem struct {
	Response *orchestrator.Response `json:"response,omitempty"`
	Error    *errorBody             `json:"error,omitempty"`
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TurnRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.core.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Requests) == 0 {
		s.writeError(w, faults.New(faults.KindInvalidInput, "server.batch", "requests cannot be empty"))
		return
	}
	results := s.core.ExecuteBatch(r.Context(), req.Requests)
	items := make([]batchItem, len(results))
	for i, res := range results {
		items[i].Response = res.Response
		if res.Err != nil {
			eb := newErrorBody(res.Err)
			items[i].Error = &eb
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

// stateView is an actor's state plus its drift over the retained history.
type stateView struct {
	affect.State
	Drift affect.Drift `json:"drift"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, stateView{State: s.core.AffectiveState(id), Drift: s.core.AffectiveDrift(id)})
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	turns, err := s.core.RecentTurns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	actions, err := s.core.RecentActions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "requested via api"
	}
	res, err := s.core.RollbackAction(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.core.Health()
	status := http.StatusOK
	if report.Mode == degradation.ModeDead {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// streamEvent is one WebSocket frame of the health stream.
type streamEvent struct {
	Type       string                     `json:"type"` // "health" or "transition"
	Health     *orchestrator.HealthReport `json:"health,omitempty"`
	Transition *degradation.Transition    `json:"transition,omitempty"`
}

// handleHealthStream sends the current health report, then every mode
// transition until the client goes away or the server closes.
func (s *Server) handleHealthStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()
	defer conn.Close()

	transitions, unsubscribe := s.core.Subscribe(16)
	defer unsubscribe()

	// The read side only services control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug().Err(err).Msg("Health stream closed")
				}
				return
			}
		}
	}()

	report := s.core.Health()
	if err := writeFrame(conn, streamEvent{Type: "health", Health: &report}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case t, ok := <-transitions:
			if !ok {
				closeFrame(conn, "monitor stopped")
				return
			}
			if err := writeFrame(conn, streamEvent{Type: "transition", Transition: &t}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			closeFrame(conn, "server shutting down")
			return
		case <-gone:
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, ev streamEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeFrame(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func newErrorBody(err error) errorBody {
	return errorBody{Kind: faults.KindOf(err).String(), Message: err.Error()}
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch faults.KindOf(err) {
	case faults.KindInvalidInput:
		return http.StatusBadRequest
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindPermissionDenied:
		return http.StatusForbidden
	case faults.KindSnapshotConflict, faults.KindRollbackFailed:
		return http.StatusConflict
	case faults.KindSystemDegraded, faults.KindAllProvidersExhausted:
		return http.StatusServiceUnavailable
	case faults.KindProviderTransient:
		return http.StatusBadGateway
	case faults.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, map[string]errorBody{"error": newErrorBody(err)})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, faults.Wrap(faults.KindInvalidInput, "server.decode", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, faults.Errorf(faults.KindInvalidInput, "server.limit", "limit must be a positive integer, got %q", raw)
	}
	return min(n, maxListLimit), nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health/stream" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
