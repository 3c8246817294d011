package mllp

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
)

// Handler processes one inbound payload and returns the response payload.
// A nil response sends nothing back.
type Handler interface {
	HandleMessage(ctx context.Context, payload []byte) []byte
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) []byte

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, payload []byte) []byte {
	return f(ctx, payload)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults for addr.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Addr:         addr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server accepts MLLP connections and hands each frame to a Handler.
// Frames on one connection are handled in order.
type Server struct {
	config   ServerConfig
	handler  Handler
	logger   *zap.Logger
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. It does not listen until Start is called.
func NewServer(cfg ServerConfig, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		config:  cfg,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins listening. The accept loop runs in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info("mllp server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to exit.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	s.cancel()
	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("mllp server stopped", zap.String("addr", s.Addr()))
	return err
}

// Addr returns the listening address, useful when started on port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", zap.Error(err))
			return
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)

	for {
		if s.ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		payload, err := ReadFrame(r)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &netErr) && netErr.Timeout():
				s.logger.Debug("closing idle connection", zap.String("remote", remote))
			default:
				s.logger.Warn("failed to read frame", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		response := s.handler.HandleMessage(s.ctx, payload)
		if response == nil {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if _, err := conn.Write(Frame(response)); err != nil {
			s.logger.Warn("failed to write response", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}
