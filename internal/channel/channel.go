// Package channel holds the per-HTTP-stream protocol objects of an MS-RPCH
// virtual connection: the in-channel (client to server) and the out-channel
// (server to client). A channel is owned by exactly one connection context
// at a time; the virtual connection registry keeps only non-owning
// references to the contexts hosting it.
package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/evermail/rpch/internal/pdu"
)

// State is an out-channel's lifecycle position. It only advances forward:
// {OpenStart|Recycling} -> {WaitInChannel|WaitRecycled} -> Opened ->
// optionally Recycled.
type State int32

const (
	OpenStart State = iota
	WaitInChannel
	Recycling
	WaitRecycled
	Opened
	Recycled
)

func (s State) String() string {
	switch s {
	case OpenStart:
		return "openstart"
	case WaitInChannel:
		return "waitinchannel"
	case Recycling:
		return "recycling"
	case WaitRecycled:
		return "waitrecycled"
	case Opened:
		return "opened"
	case Recycled:
		return "recycled"
	}
	return "unknown"
}

// Type tags the channel variant hosted by a connection context.
type Type int

const (
	TypeNone Type = iota
	TypeIn
	TypeOut
)

// In is the client-to-server half of a virtual connection.
type In struct {
	ChannelCookie    string
	ConnectionCookie string

	// FragLength is 0 until the current fragment's declared length has been
	// read from its header, and resets to 0 once the fragment is consumed.
	FragLength uint16

	LifeTime        uint32
	ClientKeepalive time.Duration
	AvailableWindow uint32
	BytesReceived   uint32
	AssocGroupID    string

	// Queue parks PDUs destined for the client while the paired out-channel
	// is obsolete and its successor has not opened yet.
	Queue pdu.Queue

	state State
}

// State reports the in-channel's lifecycle position.
func (c *In) State() State { return c.state }

// SetState advances the lifecycle; regressions are ignored.
func (c *In) SetState(s State) {
	if s > c.state {
		c.state = s
	}
}

// Release frees the pending blob queue.
func (c *In) Release() {
	c.Queue.Drain()
}

// Out is the server-to-client half of a virtual connection.
type Out struct {
	ChannelCookie    string
	ConnectionCookie string
	FragLength       uint16

	// Obsolete is set once an OUT R2/A2 recycling handshake started; the
	// channel keeps draining but no new PDUs are routed to it.
	Obsolete bool

	ClientKeepalive time.Duration
	WindowSize      uint32
	BytesSent       uint32

	// availableWindow is written by the paired in-channel's flow-control
	// path and read by this channel's writer, hence atomic.
	availableWindow atomic.Int64

	// Call produced the first queued blob; kept alive only for ping and
	// flow-control purposes and freed exactly once on Release.
	Call pdu.Call

	Queue pdu.Queue

	state    atomic.Int32
	freeOnce sync.Once
}

// AvailableWindow reports the current send budget in bytes.
func (c *Out) AvailableWindow() uint32 {
	w := c.availableWindow.Load()
	if w < 0 {
		return 0
	}
	return uint32(w)
}

// SetAvailableWindow replaces the send budget.
func (c *Out) SetAvailableWindow(w uint32) {
	c.availableWindow.Store(int64(w))
}

// ConsumeWindow subtracts n sent bytes from the budget, clipping at zero.
func (c *Out) ConsumeWindow(n uint32) {
	if c.availableWindow.Add(-int64(n)) < 0 {
		c.availableWindow.Store(0)
	}
}

// State reports the out-channel's lifecycle position.
func (c *Out) State() State { return State(c.state.Load()) }

// SetState advances the lifecycle; regressions are ignored.
func (c *Out) SetState(s State) {
	for {
		cur := c.state.Load()
		if int32(s) <= cur {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Release frees the pending blob queue and the RTS call exactly once.
func (c *Out) Release() {
	c.Queue.Drain()
	c.freeOnce.Do(func() {
		if c.Call != nil {
			c.Call.Free()
			c.Call = nil
		}
	})
}
