package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ServeFunc runs the protocol over one accepted channel and returns when the
// peer disconnects.
type ServeFunc func(ctx context.Context, ch Channel)

// SocketServer accepts bridge connections on a unix socket, one protocol
// engine per connection.
type SocketServer struct {
	socketPath string
	listener   net.Listener
	log        zerolog.Logger

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewSocketServer creates a server for the given socket path.
func NewSocketServer(socketPath string, log zerolog.Logger) *SocketServer {
	return &SocketServer{
		socketPath: socketPath,
		log:        log.With().Str("component", "socket_server").Logger(),
	}
}

// Start begins accepting connections.
func (s *SocketServer) Start(ctx context.Context, serve ServeFunc) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := s.removeOldSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	go s.acceptLoop(ctx, serve)
	return nil
}

// Stop stops accepting and waits briefly for live connections to finish.
func (s *SocketServer) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return fmt.Errorf("close listener: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

// removeOldSocket removes a stale socket file, refusing to clobber a live one.
func (s *SocketServer) removeOldSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *SocketServer) acceptLoop(ctx context.Context, serve ServeFunc) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				return
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			serve(ctx, NewSocketChannel(conn))
		}(conn)
	}
}

// WSServer accepts bridge connections over WebSocket at /ipc.
type WSServer struct {
	addr     string
	bound    net.Addr
	log      zerolog.Logger
	upgrader websocket.Upgrader
	srv      *http.Server
	wg       sync.WaitGroup
}

// NewWSServer creates a server for the given listen address.
func NewWSServer(addr string, log zerolog.Logger) *WSServer {
	return &WSServer{
		addr: addr,
		log:  log.With().Str("component", "ws_server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Start begins serving. It returns once the listener is bound.
func (s *WSServer) Start(ctx context.Context, serve ServeFunc) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ipc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		serve(ctx, NewWSChannel(conn))
	})

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.bound = listener.Addr()
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("websocket server failed")
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on ":0".
func (s *WSServer) Addr() string {
	if s.bound != nil {
		return s.bound.String()
	}
	return s.addr
}

// Stop shuts the server down and waits for live connections.
func (s *WSServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
