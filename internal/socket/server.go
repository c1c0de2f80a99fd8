// Package socket serves the framed protocol over raw TCP. Each frame is
// preceded by its length as 4 bytes big-endian.
package socket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

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

// DefaultIdleTimeout closes connections that send nothing for this long.
const DefaultIdleTimeout = 5 * time.Minute

// OnConnectFn is called once a connection has been registered and told its
// SystemID, before its read loop starts.
type OnConnectFn = func(client otpnet.Client)

// OnClientDisconnectFn is called when a connection ends. voluntary is true
// when the peer closed it.
type OnClientDisconnectFn = func(client otpnet.Client, voluntary bool)

type ServerConfig struct {
	Addr string
	// IdleTimeout of zero means DefaultIdleTimeout; negative disables it.
	IdleTimeout        time.Duration
	RateLimitConfig    *session.RateLimitConfig
	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn

	Registry   *registry.Registry[*Conn]
	Handshake  *handshake.Protocol
	Dispatcher *dispatch.Dispatcher

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server accepts TCP connections and feeds their frames to the dispatcher.
type Server struct {
	addr            string
	idleTimeout     time.Duration
	rateLimitConfig *session.RateLimitConfig
	conns           *registry.Registry[*Conn]
	handshake       *handshake.Protocol
	dispatcher      *dispatch.Dispatcher
	onConnect       OnConnectFn
	onDisconnect    OnClientDisconnectFn

	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	running  bool
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a socket server. Missing collaborators are created privately.
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = session.DefaultRateLimitConfig()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Handshake == nil {
		cfg.Handshake = handshake.New(identity.NewAllocator(), keystore.New(0, cfg.Metrics),
			handshake.WithLogger(cfg.Logger), handshake.WithMetrics(cfg.Metrics))
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.New(cfg.Handshake, cfg.Logger)
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New[*Conn](otpnet.TransportSocket.String(),
			registry.WithLogger(cfg.Logger), registry.WithMetrics(cfg.Metrics))
	}

	return &Server{
		addr:            cfg.Addr,
		idleTimeout:     cfg.IdleTimeout,
		rateLimitConfig: cfg.RateLimitConfig,
		conns:           cfg.Registry,
		handshake:       cfg.Handshake,
		dispatcher:      cfg.Dispatcher,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnClientDisconnect,
		log:             logging.OrNop(cfg.Logger).Named("socket"),
		metrics:         cfg.Metrics,
	}
}

// Start binds the listener and accepts in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New(otpnet.ErrServerAlreadyRunning)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("socket listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listener and every connection, then waits for their
// goroutines or for ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.listener
	s.mu.Unlock()

	err := ignoreClosed(ln.Close())

	s.conns.Range(func(_ otpnet.SystemID, c *Conn) bool {
		c.Close(ctx)
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry returns the registry connections are kept in.
func (s *Server) Registry() *registry.Registry[*Conn] {
	return s.conns
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(nc)
		}()
	}
}

func (s *Server) serve(nc net.Conn) {
	id, err := s.handshake.Attach()
	if err != nil {
		s.log.Error("identity allocation failed", zap.String("remoteAddr", nc.RemoteAddr().String()), zap.Error(err))
		nc.Close()
		return
	}

	c := NewConn(nc, id, s.handshake, s.rateLimitConfig, s.metrics)

	// The announcement is queued before the connection becomes reachable, so
	// it is always the first frame the peer reads.
	if err := s.handshake.Announce(c.Context(), c); err != nil {
		s.log.Warn("identity announcement failed", zap.Stringer("systemId", id), zap.Error(err))
		c.Close(context.Background())
		s.handshake.Detach(id)
		return
	}
	if err := s.conns.Register(id, c); err != nil {
		s.log.Error("register failed", zap.Stringer("systemId", id), zap.Error(err))
		c.Close(context.Background())
		s.handshake.Detach(id)
		return
	}
	s.metrics.ConnectionOpened(otpnet.TransportSocket.String())

	log := s.log.With(zap.Stringer("systemId", id), zap.String("remoteAddr", c.RemoteAddr()))
	voluntary := false

	defer func() {
		if s.onDisconnect != nil {
			s.onDisconnect(c, voluntary)
		}
		// Closed before it leaves the registry, so it cannot rejoin a group.
		c.Close(context.Background())
		s.conns.Deregister(id)
		s.handshake.Detach(id)
		s.metrics.ConnectionClosed(otpnet.TransportSocket.String())
		log.Debug("connection closed", zap.Bool("voluntary", voluntary))
	}()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	transport := otpnet.TransportSocket.String()
	r := bufio.NewReader(nc)
	for {
		if s.idleTimeout > 0 {
			nc.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		frame, err := protocol.ReadFrame(r)
		if err != nil {
			voluntary = errors.Is(err, io.EOF)
			if !voluntary && c.IsAlive() {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}

		if !c.CheckRateLimit() {
			log.Warn("rate limit exceeded")
			return
		}

		commandID, payload, err := protocol.Decode(frame)
		if err != nil {
			log.Debug("undecodable frame", zap.Error(err))
			return
		}
		s.metrics.Frame(transport, metrics.DirectionIn)

		s.dispatcher.Handle(c, commandID, payload)
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
