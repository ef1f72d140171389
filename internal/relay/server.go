// Package relay serves the event protocol over WebSocket connections.
//
// Each connection gets its own read and write goroutines and its own rate
// limiter; the only state shared between connections is the event store.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"crosstown/internal/bridge"
	"crosstown/internal/ratelimit"
	"crosstown/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Config struct {
	Address         string
	Path            string
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteQueue      int
	WriteTimeout    time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

func (c *Config) withDefaults() {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = ratelimit.DefaultMax
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = ratelimit.DefaultWindow
	}
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func WithMetrics(m *Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithSubscriber(sub Subscriber) Option { return func(s *Server) { s.subs = sub } }

// WithClock sets the clock used by connection rate limiters.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

type Server struct {
	cfg      Config
	store    storage.Store
	bridge   *bridge.Bridge
	subs     Subscriber
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	upgrader websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	addr    atomic.Value
	closed  atomic.Bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[*connection]struct{}
}

type connection struct {
	id      string
	ws      *websocket.Conn
	limiter *ratelimit.Window
	logger  *slog.Logger
	out     chan []byte
	done    chan struct{}
}

func NewServer(cfg Config, store storage.Store, br *bridge.Bridge, opts ...Option) *Server {
	cfg.withDefaults()
	s := &Server{
		cfg:    cfg,
		store:  store,
		bridge: br,
		subs:   NopSubscriber{},
		logger: slog.Default(),
		now:    time.Now,
		conns:  map[*connection]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay")
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		// Relays are public; browser clients connect from any origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens on cfg.Address and serves until ctx is done or Close is
// called. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	// Close flips closed before taking mu, so either it sees httpSrv here or
	// Start sees closed.
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.httpSrv = srv
	s.mu.Unlock()
	s.addr.Store(ln.Addr().String())
	s.logger.Info("relay listening", "addr", ln.Addr().String(), "path", s.cfg.Path)

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.baseCtx.Done():
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops accepting, closes every open connection and waits for their
// handlers to return. Events already stored stay in the store.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	var err error
	s.mu.Lock()
	if s.httpSrv != nil {
		err = s.httpSrv.Close()
	}
	for c := range s.conns {
		_ = c.ws.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path {
		http.NotFound(w, r)
		return
	}
	if s.closed.Load() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	id := uuid.NewString()
	c := &connection{
		id:      id,
		ws:      ws,
		limiter: ratelimit.New(s.cfg.RateLimitMax, s.cfg.RateLimitWindow, ratelimit.WithClock(s.now)),
		logger:  s.logger.With("conn_id", id, "remote", r.RemoteAddr),
		out:     make(chan []byte, s.cfg.WriteQueue),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()
	s.metrics.connOpened()
	c.logger.Debug("relay connection opened")

	go func() { defer s.wg.Done(); s.writeLoop(c) }()
	go func() {
		defer s.wg.Done()
		defer s.release(c)
		defer close(c.out)
		s.readLoop(s.baseCtx, c)
	}()
}

func (s *Server) release(c *connection) {
	_ = c.ws.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.subs.Disconnect(context.Background(), c.id)
	s.metrics.connClosed()
	c.logger.Debug("relay connection closed")
}

func (s *Server) writeLoop(c *connection) {
	defer close(c.done)
	for msg := range c.out {
		_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.logger.Debug("websocket write failed", "error", err)
			_ = c.ws.Close()
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *connection) {
	for {
		typ, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) || s.closed.Load() {
				return
			}
			c.logger.Error("websocket read failed", "error", err)
			return
		}
		if typ != websocket.TextMessage {
			s.metrics.frame("invalid")
			continue
		}
		s.dispatch(ctx, c, payload)
	}
}

func (s *Server) send(c *connection, payload []byte) {
	select {
	case c.out <- payload:
	case <-c.done:
	}
}

func (s *Server) dispatch(ctx context.Context, c *connection, payload []byte) {
	frame, err := ParseFrame(payload)
	if err != nil {
		s.metrics.frame("invalid")
		c.logger.Debug("frame dropped", "error", err)
		return
	}
	s.metrics.frame(frame.Command)

	switch frame.Command {
	case CommandEvent:
		s.handleEvent(ctx, c, frame)
	case CommandReq:
		subID, err := frame.SubscriptionID()
		if err != nil {
			c.logger.Debug("REQ dropped", "error", err)
			return
		}
		if err := s.subs.Subscribe(ctx, c.id, subID, frame.Args[1:]); err != nil {
			c.logger.Warn("subscribe failed", "sub_id", subID, "error", err)
		}
		s.send(c, EOSEResponse(subID))
	case CommandClose:
		subID, err := frame.SubscriptionID()
		if err == nil {
			s.subs.Unsubscribe(ctx, c.id, subID)
		}
		c.logger.Debug("client closed subscription", "sub_id", subID)
	default:
		c.logger.Debug("unknown message type", "command", frame.Command)
	}
}

func (s *Server) handleEvent(ctx context.Context, c *connection, frame Frame) {
	evt, err := frame.Event()
	if err != nil {
		c.logger.Debug("EVENT dropped", "error", err)
		return
	}
	if !c.limiter.CheckAndRecord() {
		s.metrics.rateLimited()
		c.logger.Warn("rate limit exceeded", "event_id", evt.ID)
		s.send(c, NoticeResponse(RateLimitNotice))
		return
	}
	if s.bridge.Applies(evt) {
		s.metrics.bridged(s.bridge.Handle(ctx, evt))
	}
	if err := s.store.Put(ctx, evt); err != nil {
		c.logger.Error("store event failed", "event_id", evt.ID, "error", err)
		return
	}
	s.metrics.stored()
	s.send(c, OKResponse(evt.ID))
}
