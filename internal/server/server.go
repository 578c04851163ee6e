// Package server exposes a report over HTTP: the tree snapshot, its summary,
// live client events over a websocket and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/zk/snapreport/internal/gui"
	"github.com/zk/snapreport/internal/metrics"
	"github.com/zk/snapreport/internal/tree"
)

const writeTimeout = 10 * time.Second

// Logger interface for debug logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
}

type noopLogger struct{}

func (n *noopLogger) Debug(format string, args ...interface{}) {}
func (n *noopLogger) Info(format string, args ...interface{})  {}
func (n *noopLogger) Warn(format string, args ...interface{})  {}

// Source provides the tree to serve. *tree.Builder is a Source.
type Source interface {
	Tree() *tree.Tree
}

// TreeFunc adapts a function to a Source
type TreeFunc func() *tree.Tree

func (f TreeFunc) Tree() *tree.Tree { return f() }

// Acceptor accepts and reverts screenshots of a live report. *gui.Subscriber
// is an Acceptor.
type Acceptor interface {
	Accept(ctx context.Context, resultID, stateName string) (*tree.Branch, error)
	UndoAccept(ctx context.Context, resultID, stateName string) (*gui.UndoResult, error)
}

// Options configure a Server. Events, Acceptor and Metrics are optional;
// without Events the event stream answers 404, without Acceptor the accept
// routes do.
type Options struct {
	Source         Source
	Events         *gui.Broadcaster
	Acceptor       Acceptor
	Metrics        *metrics.Metrics
	AllowedOrigins []string // defaults to any origin
	Logger         Logger
}

// Server serves one report
type Server struct {
	source   Source
	events   *gui.Broadcaster
	acceptor Acceptor
	logger   Logger
	upgrader websocket.Upgrader
	handler  http.Handler
	server   *http.Server
}

// New creates a server and its routes
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = &noopLogger{}
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		source:   opts.Source,
		events:   opts.Events,
		acceptor: opts.Acceptor,
		logger:   opts.Logger,
	}
	// report viewers are usually opened from files or other ports
	s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/tree", s.handleTree).Methods(http.MethodGet)
	r.HandleFunc("/api/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/results/{id:.+}", s.handleBranch).Methods(http.MethodGet)
	r.HandleFunc("/api/accept", s.handleAccept).Methods(http.MethodPost)
	r.HandleFunc("/api/undo-accept", s.handleUndoAccept).Methods(http.MethodPost)
	r.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	s.handler = c.Handler(r)
	s.server = &http.Server{Handler: s.handler, ReadHeaderTimeout: writeTimeout}
	return s
}

// Handler returns the routes wrapped with CORS
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on l until Shutdown
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Serving report on http://%s", l.Addr())
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops the server. Open event streams are closed through the
// broadcaster. A server shut down before Serve never starts.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Tree())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, tree.Summarize(s.source.Tree()))
}

// handleBranch returns the branch of a result, as carried by live events
func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, _, _, err := tree.ParseResultID(id); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	branch, ok := s.source.Tree().Branch(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown result " + id})
		return
	}
	s.writeJSON(w, http.StatusOK, branch)
}

// acceptRequest names one image of a result
type acceptRequest struct {
	ResultID  string `json:"resultId"`
	StateName string `json:"stateName"`
}

func (s *Server) decodeAccept(w http.ResponseWriter, r *http.Request) (acceptRequest, bool) {
	var req acceptRequest
	if s.acceptor == nil {
		http.NotFound(w, r)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return req, false
	}
	return req, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAccept(w, r)
	if !ok {
		return
	}
	branch, err := s.acceptor.Accept(r.Context(), req.ResultID, req.StateName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, branch)
}

func (s *Server) handleUndoAccept(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAccept(w, r)
	if !ok {
		return
	}
	res, err := s.acceptor.UndoAccept(r.Context(), req.ResultID, req.StateName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// writeError maps acceptance errors to HTTP statuses
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tree.ErrInvalidResultID):
		status = http.StatusBadRequest
	case errors.Is(err, tree.ErrUnknownResult), errors.Is(err, tree.ErrUnknownImage):
		status = http.StatusNotFound
	case errors.Is(err, gui.ErrNotAccepted):
		status = http.StatusConflict
	case errors.Is(err, gui.ErrStopped):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Warn("Acceptance failed: %v", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleEvents streams client events as JSON text messages until the client
// goes away or the broadcaster closes
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade event stream: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	// the read side only notices the client leaving
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("Event stream opened by %s", r.RemoteAddr)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("Event stream to %s closed: %v", r.RemoteAddr, err)
				return
			}
		case <-gone:
			s.logger.Debug("Event stream closed by %s", r.RemoteAddr)
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response: %v", err)
	}
}
