package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshlink/internal/connectivity"
	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

// probeLinger bounds how long an idle probe socket is kept open.
const probeLinger = 5 * time.Second

var ErrNoFreePort = errors.New("no free port in range")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PortRange is an inclusive range of listen ports. The zero value picks an
// ephemeral port.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// ServerOptions configure a Server.
type ServerOptions struct {
	Host  string
	Ports PortRange

	// TLSCertFile and TLSKeyFile switch the server to wss:// when both set.
	TLSCertFile string
	TLSKeyFile  string

	MaxMessageSize int

	// Verifier answers connectivity requests; without it such sockets are
	// closed.
	Verifier *connectivity.Verifier
}

// Server is the WebSocket listener of a node. Sockets are routed by their
// query marker: connectivity requests go to the verifier, probe sockets are
// held until the prober closes them, the rest go to the handler.
type Server struct {
	opts ServerOptions
	log  util.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	srv     *http.Server
	port    int
	handler func(transport.Connection)
}

func NewServer(opts ServerOptions) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		log:    util.NewLogger("server"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handle sets the receiver of ordinary sockets.
func (s *Server) Handle(fn func(transport.Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Start listens on the first free port of the range and serves in the
// background. It returns the bound port.
func (s *Server) Start() (int, error) {
	listener, port, err := s.listen()
	if err != nil {
		return 0, err
	}
	if s.TLS() {
		cert, err := tls.LoadX509KeyPair(s.opts.TLSCertFile, s.opts.TLSKeyFile)
		if err != nil {
			listener.Close()
			return 0, fmt.Errorf("load tls certificate: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.srv, s.port = srv, port
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("websocket server stopped: %v", err)
		}
	}()

	s.log.Info("listening on %s", net.JoinHostPort(s.opts.Host, strconv.Itoa(port)))
	return port, nil
}

func (s *Server) listen() (net.Listener, int, error) {
	r := s.opts.Ports
	if r.Min == 0 && r.Max == 0 {
		l, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, "0"))
		if err != nil {
			return nil, 0, fmt.Errorf("start websocket server: %w", err)
		}
		return l, l.Addr().(*net.TCPAddr).Port, nil
	}

	for port := r.Min; port <= r.Max; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(port)))
		if err != nil {
			s.log.Debug("port %d unavailable: %v", port, err)
			continue
		}
		return l, port, nil
	}
	return nil, 0, fmt.Errorf("%w %d-%d", ErrNoFreePort, r.Min, r.Max)
}

func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// TLS reports whether the server speaks wss://.
func (s *Server) TLS() bool { return s.opts.TLSCertFile != "" && s.opts.TLSKeyFile != "" }

// Endpoint returns the endpoint of the running server as reached at host.
func (s *Server) Endpoint(host string) peer.Endpoint {
	return peer.Endpoint{Host: host, Port: s.Port(), TLS: s.TLS()}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	conn := transport.AcceptWebsocket(ws, s.opts.MaxMessageSize)
	query := r.URL.Query()

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()

	switch {
	case query.Get(connectivity.RequestQuery) == "true":
		if s.opts.Verifier == nil {
			_ = conn.Close(false)
			return
		}
		s.opts.Verifier.Attach(s.ctx, conn)
	case query.Get(connectivity.ProbeQuery) == "true":
		time.AfterFunc(probeLinger, func() { _ = conn.Close(true) })
	case handler != nil:
		handler(conn)
	default:
		_ = conn.Close(false)
		return
	}
	conn.Start()
}

// Close stops accepting sockets. Sockets already handed out stay open.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}
