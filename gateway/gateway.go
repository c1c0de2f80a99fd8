// Package gateway wires the identity allocator, key store, registries,
// handshake and both transports into a single otpnet.Server.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/internal/dispatch"
	"github.com/luciancaetano/otpnet/internal/handshake"
	"github.com/luciancaetano/otpnet/internal/identity"
	"github.com/luciancaetano/otpnet/internal/keystore"
	"github.com/luciancaetano/otpnet/internal/logging"
	"github.com/luciancaetano/otpnet/internal/metrics"
	"github.com/luciancaetano/otpnet/internal/registry"
	"github.com/luciancaetano/otpnet/internal/router"
	"github.com/luciancaetano/otpnet/internal/session"
	"github.com/luciancaetano/otpnet/internal/socket"
	"github.com/luciancaetano/otpnet/internal/store"
	"github.com/luciancaetano/otpnet/internal/websocket"
)

type RateLimitConfig = session.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = func(client otpnet.Client)
type OnDisconnectFn = func(client otpnet.Client, voluntary bool)

// Config configures a Gateway.
type Config struct {
	// WebSocketAddr and SocketAddr are the listen addresses of the two
	// transports, e.g. ":8080".
	WebSocketAddr string
	WebSocketPath string
	SocketAddr    string

	// SocketIdleTimeout closes socket connections that stay silent this long.
	// Zero means socket.DefaultIdleTimeout.
	SocketIdleTimeout time.Duration

	// RateLimitConfig applies per connection on both transports. Nil means
	// DefaultRateLimitConfig.
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn

	// MaxKeySize caps the one-time-pad size a client may request. Zero means
	// 1 MiB.
	MaxKeySize int

	// Metrics serves Prometheus metrics on /metrics of the WebSocket listener.
	Metrics bool

	Logger *zap.Logger
}

// DefaultConfig returns a configuration listening on :8080 (WebSocket) and
// :9090 (socket) with default rate limits and metrics enabled.
func DefaultConfig() Config {
	return Config{
		WebSocketAddr:   ":8080",
		WebSocketPath:   websocket.DefaultPath,
		SocketAddr:      ":9090",
		RateLimitConfig: DefaultRateLimitConfig(),
		MaxKeySize:      keystore.DefaultMaxKeySize,
		Metrics:         true,
	}
}

// Gateway is an otpnet.Server serving both transports from one process.
type Gateway struct {
	id  uuid.UUID
	log *zap.Logger

	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	ids       *identity.Allocator
	keys      *keystore.KeyStore
	handshake *handshake.Protocol
	dispatch  *dispatch.Dispatcher
	router    *router.Router

	ws     *websocket.Server
	socket *socket.Server
}

var _ otpnet.Server = (*Gateway)(nil)

// New builds a gateway. Nothing listens until Start.
func New(cfg Config) (*Gateway, error) {
	id := uuid.New()
	log := logging.OrNop(cfg.Logger).With(zap.String("instance", id.String()))

	g := &Gateway{id: id, log: log.Named("gateway")}

	var metricsHandler http.Handler
	if cfg.Metrics {
		g.registry = prometheus.NewRegistry()
		if err := g.registry.Register(collectors.NewGoCollector()); err != nil {
			return nil, fmt.Errorf("register go collector: %w", err)
		}
		m, err := metrics.New(g.registry)
		if err != nil {
			return nil, err
		}
		g.metrics = m
		metricsHandler = promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})
	}

	rlog, err := store.NewResourceLog(log, store.DefaultResourceLogSize)
	if err != nil {
		return nil, err
	}

	g.ids = identity.NewAllocator(identity.WithLogger(log), identity.WithMetrics(g.metrics))
	g.keys = keystore.New(cfg.MaxKeySize, g.metrics)
	g.handshake = handshake.New(g.ids, g.keys, handshake.WithLogger(log), handshake.WithMetrics(g.metrics))
	g.dispatch = dispatch.New(g.handshake, log)

	sockets := registry.New[*socket.Conn](otpnet.TransportSocket.String(),
		registry.WithLogger(log), registry.WithResourceLog(rlog), registry.WithMetrics(g.metrics))
	clients := registry.New[*websocket.Client](otpnet.TransportWebSocket.String(),
		registry.WithLogger(log), registry.WithResourceLog(rlog), registry.WithMetrics(g.metrics))
	g.router = router.New(sockets, clients, log)

	rateLimitConfig := cfg.RateLimitConfig
	if rateLimitConfig == nil {
		rateLimitConfig = DefaultRateLimitConfig()
	}

	g.ws = websocket.New(&websocket.ServerConfig{
		Addr:               cfg.WebSocketAddr,
		Path:               cfg.WebSocketPath,
		RateLimitConfig:    rateLimitConfig,
		CheckOrigin:        cfg.CheckOrigin,
		OnConnect:          cfg.OnConnect,
		OnClientDisconnect: cfg.OnDisconnect,
		Registry:           clients,
		Handshake:          g.handshake,
		Dispatcher:         g.dispatch,
		Logger:             log,
		Metrics:            g.metrics,
		MetricsHandler:     metricsHandler,
	})
	g.socket = socket.New(&socket.ServerConfig{
		Addr:               cfg.SocketAddr,
		IdleTimeout:        cfg.SocketIdleTimeout,
		RateLimitConfig:    rateLimitConfig,
		OnConnect:          cfg.OnConnect,
		OnClientDisconnect: cfg.OnDisconnect,
		Registry:           sockets,
		Handshake:          g.handshake,
		Dispatcher:         g.dispatch,
		Logger:             log,
		Metrics:            g.metrics,
	})

	return g, nil
}

// ID returns the instance id attached to every log line of this gateway.
func (g *Gateway) ID() string {
	return g.id.String()
}

// Start starts both transports. If either fails to bind, the other is
// stopped again and the error returned.
func (g *Gateway) Start(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.ws.Start(egCtx) })
	eg.Go(func() error { return g.socket.Start(egCtx) })

	if err := eg.Wait(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return multierr.Append(err, g.Stop(stopCtx))
	}

	g.log.Info("gateway started",
		zap.Stringer("websocket", g.ws.Addr()),
		zap.Stringer("socket", g.socket.Addr()))
	return nil
}

// Stop stops both transports and closes every connection.
func (g *Gateway) Stop(ctx context.Context) error {
	return multierr.Combine(
		g.ws.Stop(ctx),
		g.socket.Stop(ctx),
	)
}

func (g *Gateway) RegisterHandler(ctx context.Context, commandID uint32, handler func(client otpnet.Client, payload []byte)) error {
	return g.dispatch.RegisterHandler(commandID, handler)
}

func (g *Gateway) RegisterJSONRPCHandler(ctx context.Context, method string, handler func(params map[string]interface{}) (interface{}, error)) error {
	return g.dispatch.RegisterJSONRPCHandler(method, handler)
}

func (g *Gateway) BroadcastCommand(ctx context.Context, commandID uint32, payload []byte) error {
	return g.SendToGroup(ctx, otpnet.GroupAll, commandID, payload)
}

func (g *Gateway) Send(ctx context.Context, id otpnet.SystemID, commandID uint32, payload []byte) error {
	return g.router.Send(ctx, id, commandID, payload)
}

// SendToGroup never fails as a whole; failed deliveries to single members are
// logged and counted.
func (g *Gateway) SendToGroup(ctx context.Context, group string, commandID uint32, payload []byte, except ...otpnet.SystemID) error {
	n := g.router.SendMessage(ctx, group, commandID, payload, except...)
	g.log.Debug("group send", zap.String("group", group), zap.Uint32("command", commandID), zap.Int("delivered", n))
	return nil
}

func (g *Gateway) AddToGroup(group string, client otpnet.Client) error {
	return g.router.AddToGroup(group, client)
}

func (g *Gateway) RemoveFromGroup(group string, client otpnet.Client) error {
	return g.router.RemoveFromGroup(group, client)
}

func (g *Gateway) RemoveGroup(group string) {
	g.router.RemoveGroup(group)
}

// Lookup returns the connected client holding id.
func (g *Gateway) Lookup(id otpnet.SystemID) (otpnet.Client, bool) {
	return g.router.Lookup(id)
}

// Connections returns the number of live connections on both transports.
func (g *Gateway) Connections() int {
	return g.router.Len()
}

// WebSocketAddr returns the bound WebSocket address, or nil before Start.
func (g *Gateway) WebSocketAddr() net.Addr {
	return g.ws.Addr()
}

// SocketAddr returns the bound socket address, or nil before Start.
func (g *Gateway) SocketAddr() net.Addr {
	return g.socket.Addr()
}

// AllOrigins returns a CheckOriginFn that allows every origin. Use it for
// development only.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return session.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return session.NoRateLimit()
}
