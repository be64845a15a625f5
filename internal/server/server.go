// Package server accepts browser websockets on the loopback interface and
// feeds their frames to one connection.Connection each.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"

	"github.com/floegence/sitebridge/internal/connection"
	"github.com/floegence/sitebridge/internal/monitor"
	"github.com/floegence/sitebridge/internal/sys"
)

const (
	defaultSendQueue = 64
	writeTimeout     = 10 * time.Second
	maxMessageBytes  = 4 << 20
)

var errClosed = errors.New("connection closed")

// Peer describes an accepted socket.
type Peer struct {
	ID         string
	Origin     string
	RemoteAddr string
}

// ConnectionFactory builds the state machine of an accepted socket.
type ConnectionFactory func(p Peer, sender connection.Sender) *connection.Connection

type Options struct {
	Logger *slog.Logger
	// Host defaults to 127.0.0.1.
	Host string
	Port int
	// TLS enables wss. Nil serves plain ws.
	TLS *tls.Config
	// RequestLog logs every http request; meant for debug logging.
	RequestLog bool

	NewConnection ConnectionFactory
	SendQueue     int
	// Monitor adds process usage to /health when set.
	Monitor *monitor.Service
	// Build adds version information to /health when set.
	Build *sys.Service
}

type Server struct {
	log       *slog.Logger
	addr      string
	tlsConfig *tls.Config
	reqlog    bool
	factory   ConnectionFactory
	sendQueue int
	monitor   *monitor.Service
	build     *sys.Service

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*socket

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.NewConnection == nil {
		return nil, errors.New("missing NewConnection")
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid Port: %d", opts.Port)
	}
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	q := opts.SendQueue
	if q <= 0 {
		q = defaultSendQueue
	}
	return &Server{
		log:       logger,
		addr:      net.JoinHostPort(host, fmt.Sprintf("%d", opts.Port)),
		tlsConfig: opts.TLS,
		reqlog:    opts.RequestLog,
		factory:   opts.NewConnection,
		sendQueue: q,
		monitor:   opts.Monitor,
		build:     opts.Build,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origins are checked against the logged in site during the
			// handshake so a refusal can be reported to the page.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*socket),
	}, nil
}

// Handler returns the http routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleWS)
	if s.reqlog {
		return requestlog.Wrap(mux)
	}
	return mux
}

// Start listens and serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("websocket server stopped", "error", err)
		}
	}()

	scheme := "ws"
	if s.tlsConfig != nil {
		scheme = "wss"
	}
	s.log.Info("websocket server listening", "addr", ln.Addr().String(), "scheme", scheme)
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	s.mu.Lock()
	socks := make([]*socket, 0, len(s.conns))
	for _, c := range s.conns {
		socks = append(socks, c)
	}
	s.mu.Unlock()
	for _, c := range socks {
		c.close()
	}
	return nil
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	body := map[string]any{"status": "ok", "connections": s.Connections()}
	if s.build != nil {
		body["build"] = s.build.Ping()
	}
	if s.monitor != nil {
		body["process"] = s.monitor.Snapshot(r.Context())
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	sock := &socket{
		ws:    ws,
		out:   make(chan []byte, s.sendQueue),
		done:  make(chan struct{}),
		log:   s.log,
		write: make(chan struct{}),
	}
	peer := Peer{ID: uuid.NewString(), Origin: r.Header.Get("Origin"), RemoteAddr: r.RemoteAddr}
	conn := s.factory(peer, sock)

	s.mu.Lock()
	s.conns[peer.ID] = sock
	s.mu.Unlock()
	s.log.Debug("socket accepted", "conn_id", peer.ID, "origin", peer.Origin, "remote_addr", peer.RemoteAddr)

	go sock.writeLoop()
	defer func() {
		conn.Close()
		sock.close()
		<-sock.write
		s.mu.Lock()
		delete(s.conns, peer.ID)
		s.mu.Unlock()
		s.log.Debug("socket closed", "conn_id", peer.ID)
	}()

	ctx := r.Context()
	for {
		typ, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("socket read ended", "conn_id", peer.ID, "error", err)
			}
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if err := conn.HandleMessage(ctx, msg); err != nil {
			s.log.Info("closing connection", "conn_id", peer.ID, "state", conn.State().String(), "error", err)
			return
		}
	}
}

// socket is the connection.Sender of one websocket. Frames are written by a
// single goroutine in the order Send was called.
type socket struct {
	ws  *websocket.Conn
	out chan []byte
	log *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	// write is closed when writeLoop returns.
	write chan struct{}
}

func (c *socket) Send(msg []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return errClosed
	}
}

func (c *socket) writeLoop() {
	defer close(c.write)
	for {
		select {
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("socket write failed", "error", err)
				c.close()
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = c.ws.Close()
			return
		}
	}
}

// drain flushes frames queued before close, so a refusal reaches the page.
func (c *socket) drain() {
	for {
		select {
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *socket) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
