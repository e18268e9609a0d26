package rpch

import (
	"context"
	"fmt"
	"io"

	"github.com/evermail/rpch/internal/pdu"
	"github.com/evermail/rpch/internal/transport"
)

// Identity is the account resolved by a successful login.
type Identity = transport.Identity

// Authenticator validates the Basic credentials on tunnel requests.
type Authenticator = transport.Authenticator

// AuthBlocker is notified when an account exceeds the failed-login budget.
type AuthBlocker = transport.AuthBlocker

// Codec bundles the RTS interpreter and the per-connection processor
// factory supplied by the RPC runtime.
type Codec = pdu.Codec

// Session is the tunnel-side surface an RTS interpreter drives while
// decoding control PDUs.
type Session = pdu.Session

// Processor consumes the fragments of one established virtual connection.
type Processor = pdu.Processor

// Call is a staged RPC response as produced by the runtime.
type Call = pdu.Call

// Outcome classifies what the runtime decided about a fragment.
type Outcome = pdu.Outcome

// Outcome values, re-exported for codec implementations.
const (
	Input     = pdu.Input
	Output    = pdu.Output
	Forward   = pdu.Forward
	Terminate = pdu.Terminate
	Error     = pdu.Error
)

// Queue carries staged PDUs between the runtime and a channel.
type Queue = pdu.Queue

// Blob is one staged PDU.
type Blob = pdu.Blob

// Server represents an RPC-over-HTTP proxy server instance.
type Server struct {
	config    Config
	codec     Codec
	auth      Authenticator
	blocker   AuthBlocker
	transport *transport.Server
}

// New creates a new Server with the provided configuration and codec.
func New(config Config, codec Codec) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &Server{
		config: config,
		codec:  codec,
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults(codec Codec) *Server {
	return New(DefaultConfig(), codec)
}

// Authenticator sets the credential verifier and returns the server for
// method chaining.
func (s *Server) Authenticator(auth Authenticator) *Server {
	s.auth = auth
	return s
}

// Blocker sets the failed-login sink and returns the server for method
// chaining.
func (s *Server) Blocker(blocker AuthBlocker) *Server {
	s.blocker = blocker
	return s
}

// Config returns the normalized configuration the server runs with.
func (s *Server) Config() Config {
	return s.config
}

// Start begins accepting tunnel connections. It blocks until Stop.
func (s *Server) Start() error {
	if s.codec == nil {
		return fmt.Errorf("rpch: codec not set")
	}

	s.transport = transport.NewServer(transport.Options{
		Addr:           s.config.Addr,
		Multicore:      s.config.Multicore,
		NumEventLoop:   s.config.NumEventLoop,
		ReusePort:      s.config.ReusePort,
		MaxConnections: s.config.MaxConnections,
		Timeout:        s.config.Timeout,
		MaxAuthTimes:   s.config.MaxAuthTimes,
		BlockAuthFail:  s.config.BlockAuthFail,
		PoolChunks:     s.config.PoolChunks,
		Logger:         s.config.Logger,
	}, s.codec, s.auth, s.blocker)

	return s.transport.Start()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.transport != nil {
		return s.transport.Stop(ctx)
	}
	return nil
}

// ShutdownAsync stops the delivery of asynchronous replies ahead of Stop,
// so the RPC runtime can drain without racing the teardown.
func (s *Server) ShutdownAsync() {
	if s.transport != nil {
		s.transport.Registry().ShutdownAsync()
	}
}

// AsyncReply delivers a response produced outside the tunnel's own request
// flow to the virtual connection identified by the endpoint and cookie.
// Unroutable replies are dropped.
func (s *Server) AsyncReply(host string, port int, connectionCookie string, call Call) {
	if s.transport == nil {
		return
	}
	s.transport.Registry().AsyncReply(host, port, connectionCookie, call)
}

// DumpContexts writes one line per live connection context to w.
func (s *Server) DumpContexts(w io.Writer) {
	if s.transport != nil {
		s.transport.DumpContexts(w)
	}
}
