package transport

import "github.com/pkg/errors"

// ErrWouldBlock is returned by Sock operations when the socket cannot make
// progress right now; the scheduler answers with PollRead/PollWrite instead
// of sleeping.
var ErrWouldBlock = errors.New("transport: operation would block")

// Sock is the non-blocking socket a connection context runs on. The gnet
// adapter in server.go implements it for production; tests drive the
// scheduler through an in-memory implementation. TLS termination, when
// used, lives behind Handshake.
type Sock interface {
	// Read copies buffered inbound bytes into p, ErrWouldBlock when none
	// are available and io.EOF when the peer is gone.
	Read(p []byte) (int, error)
	// Write queues p for sending and reports how much was accepted;
	// ErrWouldBlock when nothing could be accepted.
	Write(p []byte) (int, error)
	// NeedsHandshake reports whether a transport-security handshake must
	// run before HTTP bytes flow.
	NeedsHandshake() bool
	// Handshake advances the security handshake; ErrWouldBlock until done.
	Handshake() error
	// Wake schedules a future Advance call for this socket's context.
	Wake()
	// RemoteAddr names the peer for logging.
	RemoteAddr() string
	Close() error
}
