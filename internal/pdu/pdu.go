// Package pdu defines the contract between the tunnel transport and the
// DCE/RPC PDU processor. The transport never interprets RPC payloads; it
// frames opaque fragments in, queues opaque blobs out, and asks the
// processor for RTS control PDUs (ping, flow-control ack, recycling
// handshakes) through the Call interface.
package pdu

import (
	"encoding/binary"
	"io"
	"time"
)

// Outcome is the processor's verdict on one inbound fragment.
type Outcome int

const (
	// Input means the fragment was consumed with no immediate output.
	Input Outcome = iota
	// Output means the processor produced response PDUs for the out-channel.
	Output
	// Forward means the fragment must be re-submitted to the session's
	// persistent processor instance rather than handled as standalone RTS.
	Forward
	// Terminate means the connection must be closed cleanly.
	Terminate
	// Error means the fragment was unprocessable.
	Error
)

func (o Outcome) String() string {
	switch o {
	case Input:
		return "input"
	case Output:
		return "output"
	case Forward:
		return "forward"
	case Terminate:
		return "terminate"
	case Error:
		return "error"
	}
	return "unknown"
}

// DCE/RPC common header layout (C706 12.6.3).
const (
	// HeaderSize is the fixed size of the common fragment header.
	HeaderSize = 16
	// FragLengthOffset locates the 16-bit fragment length field.
	FragLengthOffset = 8
	// DrepOffset locates the data-representation byte.
	DrepOffset = 4
	// DrepLittleEndian is the integer byte-order flag within the drep byte.
	DrepLittleEndian = 0x10
)

// FragLength extracts the declared fragment length from a header prefix,
// honoring the sender's data representation. hdr must hold at least
// FragLengthOffset+2 bytes.
func FragLength(hdr []byte) uint16 {
	if hdr[DrepOffset]&DrepLittleEndian != 0 {
		return binary.LittleEndian.Uint16(hdr[FragLengthOffset:])
	}
	return binary.BigEndian.Uint16(hdr[FragLengthOffset:])
}

// EchoSize is the size of the fixed RTS echo response PDU.
const EchoSize = 20

// Echo writes the fixed 20-byte MS-RPCH echo response PDU into dst and
// returns it. An RTS PDU with the ECHO flag set and no commands, answering
// any tunnel probe whose body is 16 bytes or shorter.
func Echo(dst []byte) []byte {
	dst = dst[:0]
	dst = append(dst,
		5, 0, // rpc_vers, rpc_vers_minor
		20,   // ptype RTS
		0x03, // PFC_FIRST_FRAG | PFC_LAST_FRAG
		DrepLittleEndian, 0, 0, 0, // drep
		EchoSize, 0, // frag_length
		0, 0, // auth_length
		0, 0, 0, 0, // call_id
		0x04, 0x00, // RTS flags: ECHO
		0x00, 0x00, // command count
	)
	return dst
}

// Call is the handle for the RTS exchange that produced a channel's first
// output. The transport keeps it alive for flow-control and ping purposes
// and frees it exactly once; it never reuses it for a second RTS round.
type Call interface {
	// OutputPDU encodes the call's pending response PDUs onto q.
	OutputPDU(q *Queue)
	// OutputStream encodes the call's pending response directly into w,
	// used for the out-channel handshake body.
	OutputStream(w io.Writer) (int, error)
	// Free releases the call. Implementations must tolerate a single call
	// only; the transport guarantees exactly-once.
	Free()

	// RTS builders. Each stages a control PDU on the call for a subsequent
	// OutputPDU and reports whether the build succeeded.
	ConnC2(windowSize uint32) bool
	OutR2A2() bool
	OutR2A6() bool
	OutR2B3() bool
	Ping() bool
	FlowControlAck(bytesReceived, availableWindow uint32, channelCookie string) bool
}

// Session is the transport-side surface an Interpreter drives while decoding
// RTS control PDUs on one connection: binding the connection's channel into
// its virtual connection, recycling handshakes, keepalive and flow-control
// updates. Implemented by the transport's connection context.
type Session interface {
	// SetupInChannel records the cookies and session parameters the client
	// declared for this in-channel and binds it into its virtual connection.
	SetupInChannel(channelCookie, connectionCookie string, lifeTime uint32, clientKeepalive time.Duration, assocGroupID string) error
	// SetupOutChannel does the same for an out-channel, with the send window
	// the client granted.
	SetupOutChannel(channelCookie, connectionCookie string, windowSize uint32) error

	// RecycleIn admits this connection's in-channel as successor of the
	// virtual connection's current in-channel named by predecessorCookie.
	RecycleIn(channelCookie, connectionCookie, predecessorCookie string) error
	// RecycleOut does the same for the out-channel, with the declared window.
	RecycleOut(channelCookie, connectionCookie, predecessorCookie string, windowSize uint32) error
	// ActivateInRecycling promotes this connection's in-channel to active.
	ActivateInRecycling(successorCookie string) error
	// ActivateOutRecycling hands the paired out-channel over to the admitted
	// successor; called on the in-channel connection.
	ActivateOutRecycling(successorCookie string) error

	// SetKeepAlive records a renegotiated client keepalive interval.
	SetKeepAlive(keepalive time.Duration)
	// FlowControl applies a flow-control acknowledgement from the client to
	// the paired out-channel's send window.
	FlowControl(bytesReceived, availableWindow uint32)
}

// Interpreter decodes standalone RTS control fragments. It exists
// independently of any virtual connection; session binding happens through
// the Session callbacks during decoding.
type Interpreter interface {
	RTSInput(s Session, frag []byte) (Outcome, Call)
}

// Processor consumes session-data fragments for one virtual connection.
// Implementations live outside the transport; the shared instance per
// virtual connection is built by a Factory at registry-insert time.
type Processor interface {
	// Input feeds a fragment to the established session.
	Input(frag []byte) (Outcome, Call)
	// Destroy releases the processor when its virtual connection dies.
	Destroy()
}

// Factory builds the shared Processor for an RPC endpoint.
type Factory interface {
	New(host string, port int) (Processor, error)
}

// Codec bundles the two halves of a PDU implementation as consumed by the
// server: the standalone RTS decoder and the session processor factory.
type Codec interface {
	Interpreter
	Factory
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(host string, port int) (Processor, error)

// New calls f.
func (f FactoryFunc) New(host string, port int) (Processor, error) {
	return f(host, port)
}
