// Package transport implements the RPC-over-HTTP tunnel transport using gnet.
package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/evermail/rpch/internal/buffer"
	"github.com/evermail/rpch/internal/pdu"
	"github.com/evermail/rpch/internal/vconn"
)

// Identity is the account resolved by a successful login.
type Identity struct {
	Username string
	Maildir  string
	Lang     string
}

// Authenticator validates Basic credentials.
type Authenticator interface {
	Login(username, password string) (Identity, bool, error)
}

// AuthBlocker is notified when an account exceeds the failed-login budget.
type AuthBlocker interface {
	Block(username string, d time.Duration)
}

// Server implements the gnet.EventHandler interface for the tunnel.
type Server struct {
	gnet.BuiltinEventEngine

	contexts sync.Map // map[gnet.Conn]*Context

	// engine is written once by OnBoot on the event-loop goroutine and may
	// only be read after booted is closed.
	engine gnet.Engine
	booted chan struct{}

	addr         string
	multicore    bool
	numEventLoop int
	reusePort    bool
	maxConns     int
	active       atomic.Int64

	timeout       time.Duration
	maxAuthTimes  int
	blockAuthFail time.Duration

	registry *vconn.Registry
	interp   pdu.Interpreter
	auth     Authenticator
	blocker  AuthBlocker
	pool     *buffer.Pool
	logger   *log.Logger
}

// Options holds server configuration.
type Options struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	MaxConnections int
	Timeout        time.Duration
	MaxAuthTimes   int
	BlockAuthFail  time.Duration
	PoolChunks     int
	Logger         *log.Logger
}

// NewServer creates the tunnel server. The codec supplies both the RTS
// interpreter driving channel setup and the processor factory for each
// virtual connection.
func NewServer(opts Options, codec pdu.Codec, auth Authenticator, blocker AuthBlocker) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 4096
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	if opts.MaxAuthTimes <= 0 {
		opts.MaxAuthTimes = 10
	}
	if opts.BlockAuthFail <= 0 {
		opts.BlockAuthFail = time.Minute
	}
	if opts.PoolChunks <= 0 {
		opts.PoolChunks = opts.MaxConnections * 16
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Server{
		booted:        make(chan struct{}),
		addr:          opts.Addr,
		multicore:     opts.Multicore,
		numEventLoop:  opts.NumEventLoop,
		reusePort:     opts.ReusePort,
		maxConns:      opts.MaxConnections,
		timeout:       opts.Timeout,
		maxAuthTimes:  opts.MaxAuthTimes,
		blockAuthFail: opts.BlockAuthFail,
		registry:      vconn.NewRegistry(opts.MaxConnections, codec, opts.Logger),
		interp:        codec,
		auth:          auth,
		blocker:       blocker,
		pool:          buffer.NewPool(opts.PoolChunks),
		logger:        opts.Logger,
	}
}

// Registry exposes the virtual connection registry for async replies and
// flow-control acknowledgements arriving from the RPC runtime.
func (s *Server) Registry() *vconn.Registry { return s.registry }

// Timeout returns the per-connection inactivity deadline.
func (s *Server) Timeout() time.Duration { return s.timeout }

// Start runs the gnet event loop; it blocks until the engine stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.multicore),
		gnet.WithReusePort(s.reusePort),
		gnet.WithTicker(true),
	}
	if s.numEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.numEventLoop))
	}

	s.logger.Printf("Starting RPC proxy server on %s", s.addr)
	return gnet.Run(s, "tcp://"+s.addr, options...)
}

// Stop drains the server: no new virtual connections, all sockets closed,
// then the engine shut down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Println("Initiating shutdown...")
	s.registry.ShutdownAsync()

	select {
	case <-s.booted:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.contexts.Range(func(key, _ interface{}) bool {
		if conn, ok := key.(gnet.Conn); ok {
			_ = conn.Close()
		}
		return true
	})

	stopCtx, stopCancel := context.WithTimeout(ctx, 2*time.Second)
	defer stopCancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Printf("Error stopping gnet engine: %v", err)
	}

	s.logger.Println("Server shutdown complete")
	return nil
}

// OnBoot is called when the server is ready to accept connections
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	close(s.booted)
	s.logger.Printf("RPC proxy server is listening on %s (multicore: %v)",
		s.addr, s.multicore)
	return gnet.None
}

// OnOpen admits a connection unless the context budget is spent.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if s.active.Load() >= int64(s.maxConns) {
		s.logger.Printf("Rejecting connection from %s: context limit reached", c.RemoteAddr())
		return nil, gnet.Close
	}
	s.active.Add(1)
	activeContexts.Inc()
	s.contexts.Store(c, newContext(s, newGnetSock(c)))
	return nil, gnet.None
}

// OnClose releases the context and its virtual connection membership.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if value, ok := s.contexts.Load(c); ok {
		value.(*Context).release()
		s.contexts.Delete(c)
		s.active.Add(-1)
		activeContexts.Dec()
	}
	if err != nil && err != io.EOF {
		s.logger.Printf("Connection closed with error: %v", err)
	}
	return gnet.None
}

// OnTraffic runs the context's state machine; Wake calls land here too, so
// peer signals and ticker wakeups share this path.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	value, ok := s.contexts.Load(c)
	if !ok {
		return gnet.Close
	}
	if s.Advance(value.(*Context)) == Close {
		return gnet.Close
	}
	return gnet.None
}

// OnTick wakes parked contexts so waiting deadlines and keepalive pings
// fire without traffic.
func (s *Server) OnTick() (time.Duration, gnet.Action) {
	s.contexts.Range(func(_, value interface{}) bool {
		c := value.(*Context)
		if c.state() == stateWait {
			c.Signal()
		}
		return true
	})
	virtualConnections.Set(float64(s.registry.Len()))
	return time.Second, gnet.None
}

// DumpContexts writes one line per live context, for the console dump.
func (s *Server) DumpContexts(w io.Writer) {
	s.contexts.Range(func(_, value interface{}) bool {
		c := value.(*Context)
		user := c.username
		if user == "" {
			user = "-"
		}
		fmt.Fprintf(w, "rhost=%s user=%s state=%d endpoint=%s:%d\n",
			c.sock.RemoteAddr(), user, c.state(), c.host, c.port)
		return true
	})
}

// gnetSock adapts a gnet.Conn to the Sock contract. Reads never block:
// an empty inbound buffer reports ErrWouldBlock and the event loop calls
// back when more arrives. TLS is terminated ahead of the event loop, so
// no in-process handshake is pending.
type gnetSock struct {
	conn gnet.Conn
}

func newGnetSock(c gnet.Conn) *gnetSock {
	return &gnetSock{conn: c}
}

func (g *gnetSock) Read(p []byte) (int, error) {
	if g.conn.InboundBuffered() == 0 {
		return 0, ErrWouldBlock
	}
	return g.conn.Read(p)
}

func (g *gnetSock) Write(p []byte) (int, error) {
	return g.conn.Write(p)
}

func (g *gnetSock) NeedsHandshake() bool { return false }

func (g *gnetSock) Handshake() error { return nil }

func (g *gnetSock) Wake() { _ = g.conn.Wake(nil) }

func (g *gnetSock) RemoteAddr() string {
	if addr := g.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func (g *gnetSock) Close() error { return g.conn.Close() }

var _ Sock = (*gnetSock)(nil)
