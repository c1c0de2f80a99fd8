package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/dispatch"
	"github.com/luciancaetano/otpnet/internal/handshake"
	"github.com/luciancaetano/otpnet/internal/identity"
	"github.com/luciancaetano/otpnet/internal/keystore"
	"github.com/luciancaetano/otpnet/internal/logging"
	"github.com/luciancaetano/otpnet/internal/metrics"
	"github.com/luciancaetano/otpnet/internal/protocol"
	"github.com/luciancaetano/otpnet/internal/registry"
	"github.com/luciancaetano/otpnet/internal/session"
)

// DefaultPath is the HTTP path WebSocket upgrades are served on.
const DefaultPath = "/ws"

// closeTryAgainLater is sent when no identity could be allocated.
const closeTryAgainLater = 1013

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called once a client has been registered and told its
// SystemID, before its read loop starts. It runs synchronously on the
// connection's goroutine.
type OnConnectFn = func(client otpnet.Client)

// OnClientDisconnectFn is invoked when a connected client disconnects. voluntary is
// true when the peer closed the connection itself.
type OnClientDisconnectFn = func(client otpnet.Client, voluntary bool)

type ServerConfig struct {
	Addr               string
	Path               string
	RateLimitConfig    *session.RateLimitConfig
	CheckOrigin        CheckOriginFn
	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn

	// Registry, Handshake and Dispatcher are shared with the other
	// transports. Private ones are created when nil.
	Registry   *registry.Registry[*Client]
	Handshake  *handshake.Protocol
	Dispatcher *dispatch.Dispatcher

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// MetricsHandler, when set, is served on /metrics next to the upgrade path.
	MetricsHandler http.Handler
}

// Server accepts WebSocket connections and feeds their frames to the dispatcher.
type Server struct {
	addr           string
	path           string
	server         *http.Server
	listener       net.Listener
	clients        *registry.Registry[*Client]
	handshake      *handshake.Protocol
	dispatcher     *dispatch.Dispatcher
	metricsHandler http.Handler

	// Rate limiting configuration
	rateLimitConfig *session.RateLimitConfig

	log     *zap.Logger
	metrics *metrics.Metrics

	mu           sync.RWMutex
	running      bool
	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onDisconnect OnClientDisconnectFn
}

// New creates a new WebSocket server instance with the specified configuration.
// A nil RateLimitConfig means DefaultRateLimitConfig.
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = session.DefaultRateLimitConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	log := logging.OrNop(cfg.Logger).Named("websocket")
	if cfg.Handshake == nil {
		cfg.Handshake = handshake.New(identity.NewAllocator(), keystore.New(0, cfg.Metrics),
			handshake.WithLogger(cfg.Logger), handshake.WithMetrics(cfg.Metrics))
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.New(cfg.Handshake, cfg.Logger)
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New[*Client](otpnet.TransportWebSocket.String(),
			registry.WithLogger(cfg.Logger), registry.WithMetrics(cfg.Metrics))
	}

	return &Server{
		addr:            cfg.Addr,
		path:            cfg.Path,
		clients:         cfg.Registry,
		handshake:       cfg.Handshake,
		dispatcher:      cfg.Dispatcher,
		metricsHandler:  cfg.MetricsHandler,
		rateLimitConfig: cfg.RateLimitConfig,
		log:             log,
		metrics:         cfg.Metrics,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnClientDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New(otpnet.ErrServerAlreadyRunning)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", zap.Error(err))
		}
	}(s.server)

	s.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("path", s.path))
	return nil
}

// Stop stops the WebSocket server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	// Close all client connections
	s.clients.Range(func(_ otpnet.SystemID, client *Client) bool {
		client.CloseWithCode(ctx, websocket.CloseGoingAway, "server shutting down")
		return true
	})

	return srv.Shutdown(ctx)
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry returns the registry clients are kept in.
func (s *Server) Registry() *registry.Registry[*Client] {
	return s.clients
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("upgrade failed", zap.String("remoteAddr", r.RemoteAddr), zap.Error(err))
		return
	}

	id, err := s.handshake.Attach()
	if err != nil {
		s.log.Error("identity allocation failed", zap.String("remoteAddr", r.RemoteAddr), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeTryAgainLater, "no identity available"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	client := NewClient(conn, id, r.RemoteAddr, s.handshake, s.rateLimitConfig, s.metrics)

	// The announcement is queued before the client becomes reachable, so it
	// is always the first frame the peer reads.
	if err := s.handshake.Announce(client.Context(), client); err != nil {
		s.log.Warn("identity announcement failed", zap.Stringer("systemId", id), zap.Error(err))
		client.Close(context.Background())
		s.handshake.Detach(id)
		return
	}
	if err := s.clients.Register(id, client); err != nil {
		s.log.Error("register failed", zap.Stringer("systemId", id), zap.Error(err))
		client.Close(context.Background())
		s.handshake.Detach(id)
		return
	}
	s.metrics.ConnectionOpened(otpnet.TransportWebSocket.String())

	// Start reading messages from client
	go s.handleClient(client)
}

// handleClient handles messages from a connected client
func (s *Server) handleClient(client *Client) {
	id := client.SystemID()
	log := s.log.With(zap.Stringer("systemId", id), zap.String("remoteAddr", client.RemoteAddr()))
	voluntary := false

	defer func() {
		if s.onDisconnect != nil {
			s.onDisconnect(client, voluntary)
		}
		// Closed before it leaves the registry, so it cannot rejoin a group.
		client.Close(context.Background())
		s.clients.Deregister(id)
		s.handshake.Detach(id)
		s.metrics.ConnectionClosed(otpnet.TransportWebSocket.String())
		log.Debug("client disconnected", zap.Bool("voluntary", voluntary))
	}()

	// Set read deadline to prevent indefinite blocking
	client.conn.SetReadDeadline(time.Now().Add(readTimeout))

	// Set pong handler to reset read deadline on pong
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	if s.onConnect != nil {
		s.onConnect(client)
	}

	transport := otpnet.TransportWebSocket.String()
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			voluntary = websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("unexpected close", zap.Error(err))
			}
			return
		}

		// Reset read deadline after successful read
		client.conn.SetReadDeadline(time.Now().Add(readTimeout))

		// Check rate limit before processing message
		if !client.CheckRateLimit() {
			log.Warn("rate limit exceeded")
			client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "Rate limit exceeded")
			return
		}

		commandID, payload, err := protocol.Decode(data)
		if err != nil {
			client.CloseWithCode(context.Background(), websocket.CloseProtocolError, otpnet.ErrInvalidMessageFormat)
			return
		}
		s.metrics.Frame(transport, metrics.DirectionIn)

		s.dispatcher.Handle(client, commandID, payload)
	}
}
