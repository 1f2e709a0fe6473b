package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/conneroisu/liveweave/internal/config"
	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/protocol"
	"github.com/conneroisu/liveweave/internal/session"
)

// View supplies the template and the data of one page. Context is called
// on every render.
type View interface {
	Template() string
	Context(ctx context.Context) (map[string]interface{}, error)
}

// StaticView is a View over fixed template text.
type StaticView struct {
	Text string
	Data func(ctx context.Context) (map[string]interface{}, error)
}

// Template returns the template text.
func (v StaticView) Template() string { return v.Text }

// Context returns the view data, or nil when Data is unset.
func (v StaticView) Context(ctx context.Context) (map[string]interface{}, error) {
	if v.Data == nil {
		return nil, nil
	}
	return v.Data(ctx)
}

// reload tells the client to fetch the page again.
type reload struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// conn is one rendered page and the socket attached to it.
type conn struct {
	// mu serializes the cycles of the session.
	mu   sync.Mutex
	view View
	live *session.Live
	sink Sink
}

// Pending session limits. A page whose socket never attaches is forgotten
// after DefaultPendingTTL, or earlier once DefaultMaxPending newer pages wait.
const (
	DefaultPendingTTL = time.Minute
	DefaultMaxPending = 10000
)

// Server serves views and streams their patches.
type Server struct {
	router     *chi.Mux
	views      map[string]View
	newSession func(view string) *session.Live
	origins    []string
	headers    *Headers
	logger     logging.Logger
	errs       *errors.ErrorHandler
	pendingTTL time.Duration
	maxPending int

	mu sync.RWMutex
	// sessions have a socket attached; pending ones were rendered and wait
	// for their socket.
	sessions map[string]*conn
	pending  *expirable.LRU[string, *conn]
}

// Option configures a Server.
type Option func(*Server)

// WithSessionFactory sets how sessions are created, to share a pipeline or
// a loader across them. fn receives the view name.
func WithSessionFactory(fn func(view string) *session.Live) Option {
	return func(s *Server) { s.newSession = fn }
}

// WithAllowedOrigins sets the origin patterns accepted on websocket
// upgrades. Without patterns only same-origin upgrades are accepted.
func WithAllowedOrigins(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithPendingSessions bounds the sessions whose socket has not attached
// yet. A non-positive ttl or max keeps the default.
func WithPendingSessions(ttl time.Duration, max int) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.pendingTTL = ttl
		}
		if max > 0 {
			s.maxPending = max
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l).WithComponent("transport") }
}

// NewServer returns a server for views, keyed by the name used in URLs.
func NewServer(views map[string]View, opts ...Option) *Server {
	s := &Server{
		views:      views,
		newSession: func(string) *session.Live { return session.New() },
		headers:    DefaultHeaders(),
		logger:     logging.NewNop(),
		pendingTTL: DefaultPendingTTL,
		maxPending: DefaultMaxPending,
		sessions:   make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.errs = errors.NewErrorHandler(s.logger)
	s.pending = expirable.NewLRU[string, *conn](s.maxPending, nil, s.pendingTTL)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.headers.Middleware)
	r.Get("/healthz", s.handleHealth)
	r.Get("/views", s.handleList)
	r.Get("/views/{name}", s.handleView)
	r.Get("/ws/{session}", s.handleSocket)
	s.router = r
	return s
}

// FromConfig applies the server section of cfg.
func FromConfig(cfg *config.Config, views map[string]View, opts ...Option) *Server {
	base := []Option{WithAllowedOrigins(cfg.Server.AllowedOrigins...)}
	return NewServer(views, append(base, opts...)...)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Sessions returns the number of live sessions, attached or waiting for
// their socket.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions) + s.pending.Len()
}

func (s *Server) lookup(id string) (*conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.sessions[id]; ok {
		return c, true
	}
	return s.pending.Peek(id)
}

// attach moves a session out of the pending set and points it at sink. A
// second socket for the same session replaces the first.
func (s *Server) attach(id string, sink Sink) (*conn, bool) {
	s.mu.Lock()
	c, ok := s.sessions[id]
	if !ok {
		if c, ok = s.pending.Peek(id); ok {
			s.pending.Remove(id)
			s.sessions[id] = c
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	return c, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "sessions": s.Sessions()})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.views))
	for name := range s.views {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

// handleView renders the first version of a view into a mount element that
// carries the new session id.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	view, ok := s.views[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	c := &conn{view: view, live: s.newSession(name)}
	res, err := s.cycle(ctx, c)
	if err != nil {
		s.errs.Handle(ctx, errors.WrapInternal(err, errors.ErrCodeRenderFailed, "first render").
			WithContext("view", name))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.pending.Add(id, c)
	s.mu.Unlock()
	s.logger.Debug(ctx, "Session created", "session", id, "view", name)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := Mount(id, name, res.Version, res.HTML).Render(ctx, w); err != nil {
		s.logger.Warn(ctx, err, "Writing page failed", "session", id)
	}
}

// handleSocket attaches a websocket to a session. Every message the client
// sends triggers a new cycle.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	if _, ok := s.lookup(id); !ok {
		http.NotFound(w, r)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.origins,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "session", id)
		return
	}
	sink := NewWebSocketSink(ws, DefaultWriteTimeout)
	if _, ok := s.attach(id, sink); !ok {
		// expired between the lookup and the upgrade
		_ = sink.Close("session expired")
		return
	}
	s.logger.Info(r.Context(), "Client attached", "session", id)

	defer s.drop(id, sink)

	ctx := r.Context()
	for {
		_, _, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Debug(ctx, "WebSocket read ended", "session", id, "error", err.Error())
			}
			return
		}
		if err := s.Refresh(ctx, id); err != nil {
			s.errs.Handle(ctx, withSession(err, id))
			if !errors.IsRecoverable(err) {
				return
			}
		}
	}
}

// drop forgets a session once its socket is gone, unless a newer socket
// took it over.
func (s *Server) drop(id string, sink Sink) {
	if c, ok := s.lookup(id); ok {
		c.mu.Lock()
		mine := c.sink == sink
		if mine {
			c.sink = nil
		}
		c.mu.Unlock()
		if mine {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
		}
	}
	_ = sink.Close("")
}

// Refresh renders the session again and sends the patches to its client.
// A structural failure sends a reload instruction instead. A session whose
// socket has not attached yet is left at the version its page carries.
func (s *Server) Refresh(ctx context.Context, id string) error {
	c, ok := s.lookup(id)
	if !ok {
		return errors.NewValidationError(errors.ErrCodeValidationFailed, "unknown session").
			WithContext("session", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		return nil
	}
	res, err := s.cycle(ctx, c)
	switch {
	case errors.IsStructural(err):
		s.errs.Handle(ctx, withSession(err, id))
		c.live.Reset()
		return s.send(ctx, c, reload{Type: "reload", Reason: errors.FormatError(err)})
	case err != nil:
		return err
	}
	data, err := protocol.Marshal(res.Message)
	if err != nil {
		return errors.WrapInternal(err, errors.ErrCodeInternalError, "encode patches")
	}
	return c.sink.Send(ctx, data)
}

func withSession(err error, id string) error {
	if le, ok := err.(*errors.LiveError); ok {
		return le.WithContext("session", id)
	}
	return errors.WrapInternal(err, errors.ErrCodeInternalError, "refresh").WithContext("session", id)
}

// RefreshAll refreshes every attached session, for example after a
// template file changed. It returns the first error.
func (s *Server) RefreshAll(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var first error
	for _, id := range ids {
		if err := s.Refresh(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Server) cycle(ctx context.Context, c *conn) (*session.Result, error) {
	if tv, ok := c.view.(TemplView); ok {
		comp, err := tv.Component(ctx)
		if err != nil {
			return nil, errors.WrapIO(err, errors.ErrCodeQueryFailed, "load view component")
		}
		return c.live.RenderComponent(ctx, comp)
	}
	data, err := c.view.Context(ctx)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeQueryFailed, "load view data")
	}
	return c.live.DiffAndVersion(ctx, c.view.Template(), data)
}

func (s *Server) send(ctx context.Context, c *conn, v interface{}) error {
	if c.sink == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.sink.Send(ctx, data)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.WrapIO(err, errors.ErrCodeTransportClosed, "listen on "+addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Addr joins a host and port.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
