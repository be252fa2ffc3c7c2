// Package gateway accepts operator sessions over websocket. Each binary
// message carries one encoded command packet and gets exactly one reply.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pod-service/internal/logger"
	"pod-service/internal/packet"
)

// Submitter routes a command and returns its reply.
type Submitter interface {
	Submit(ctx context.Context, cmd *packet.Command) (*packet.Command, error)
}

// Notifier is told when the last operator session goes away.
type Notifier interface {
	Notify(source string)
}

type Options struct {
	Listen            string
	BrakeOnDisconnect bool
	Emergency         Notifier
	Metrics           http.Handler
}

type Server struct {
	router   Submitter
	logger   *logger.Logger
	opts     Options
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	wg      sync.WaitGroup
}

func New(router Submitter, l *logger.Logger, opts Options) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	return &Server{
		router:   router,
		logger:   l,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		now:      time.Now,
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}
	return mux
}

// Run serves until ctx is cancelled, then closes every session.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Infof("Gateway listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("Gateway shutdown: %v", err)
	}
	s.closeAll()
	s.wg.Wait()
	return nil
}

// Clients returns the number of open sessions.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugf("Upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	s.logger.Infof("Operator connected from %s", r.RemoteAddr)

	defer s.drop(conn, r.RemoteAddr)

	s.serveConn(r.Context(), conn)
}

// serveConn handles one session. Replies are written in request order.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		reply := s.handle(ctx, msg)
		reply.Timestamp = s.now()
		if err := conn.WriteMessage(websocket.BinaryMessage, packet.EncodeCommand(reply)); err != nil {
			s.logger.Debugf("Write failed: %v", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, msg []byte) *packet.Command {
	if !packet.HasMarker(msg) {
		return packet.NewCommand(0).Error("Malformed packet")
	}
	cmd, err := packet.DecodeCommand(msg)
	if err != nil {
		s.logger.Debugf("Dropping malformed packet: %v", err)
		return packet.NewCommand(0).Error("Malformed packet")
	}
	cmd.Timestamp = s.now()

	reply, err := s.router.Submit(ctx, cmd)
	if err != nil {
		return cmd.Error("Service unavailable")
	}
	return reply
}

func (s *Server) drop(conn *websocket.Conn, remote string) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	left := len(s.clients)
	s.mu.Unlock()

	conn.Close()
	if !ok {
		return
	}
	s.logger.Infof("Operator %s disconnected, %d remaining", remote, left)
	if left == 0 && s.opts.BrakeOnDisconnect && s.opts.Emergency != nil {
		s.logger.Warnf("Last operator session lost")
		s.opts.Emergency.Notify("gateway")
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.Close()
	}
}
