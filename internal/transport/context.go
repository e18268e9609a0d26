package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/evermail/rpch/internal/buffer"
	"github.com/evermail/rpch/internal/channel"
	"github.com/evermail/rpch/internal/pdu"
	"github.com/evermail/rpch/internal/vconn"
)

// Scheduling states of a connection context.
const (
	stateInitTLS int32 = iota
	stateReadHead
	stateReadBody
	stateWriteResponse
	stateWait
)

// request is the parsed HTTP request head. Only the fields the tunnel
// routes on are kept; everything else lands in others.
type request struct {
	method        string
	uri           string
	version       string
	host          string
	contentLength uint64
	others        map[string]string
}

func (r *request) clear() {
	r.method = ""
	r.uri = ""
	r.version = ""
	r.host = ""
	r.contentLength = 0
	r.others = nil
}

// Context is the per-socket connection state. Exactly one worker runs
// Advance on a context at a time; the scheduling state and the channel's
// queue/window fields are the only pieces touched cross-context (by the
// registry when signalling the peer), which is why sched is atomic.
type Context struct {
	sock Sock
	srv  *Server

	sched    atomic.Int32
	streamIn *buffer.Stream

	// Write cursor. For plain responses writeBuf aliases streamOut's head;
	// for an opened out-channel it aliases the queue's head blob.
	streamOut *buffer.Stream
	writeBuf  []byte
	writeOff  int
	writeRTS  bool

	req    request
	bClose bool

	authed    bool
	authTimes int
	username  string
	password  string
	maildir   string
	lang      string

	// RPC proxy target parsed from the request URI.
	host string
	port int

	chType channel.Type
	in     *channel.In
	out    *channel.Out

	totalLength uint64
	bytesRW     uint64
	lastTime    time.Time

	// Fragment reassembly scratch, grown to the largest fragment seen.
	frag []byte
}

func newContext(srv *Server, sock Sock) *Context {
	c := &Context{
		sock:      sock,
		srv:       srv,
		streamIn:  buffer.NewStream(srv.pool),
		streamOut: buffer.NewStream(srv.pool),
		lastTime:  time.Now(),
	}
	if c.sock.NeedsHandshake() {
		c.sched.Store(stateInitTLS)
	} else {
		c.sched.Store(stateReadHead)
	}
	return c
}

func (c *Context) state() int32     { return c.sched.Load() }
func (c *Context) setState(s int32) { c.sched.Store(s) }

// logf prefixes the peer address and authenticated user, in the manner of
// the per-context logging the rest of the server uses.
func (c *Context) logf(format string, args ...any) {
	if c.srv.logger == nil {
		return
	}
	user := c.username
	if user == "" {
		user = "-"
	}
	c.srv.logger.Printf("rhost=%s user=%s %s", c.sock.RemoteAddr(), user, fmt.Sprintf(format, args...))
}

// release detaches the context from its virtual connection and frees its
// channel and streams. Safe to call more than once.
func (c *Context) release() {
	if c.in != nil || c.out != nil {
		c.srv.registry.Detach(c)
	}
	if c.in != nil {
		c.in.Release()
		c.in = nil
	}
	if c.out != nil {
		c.out.Release()
		c.out = nil
	}
	c.chType = channel.TypeNone
	c.streamIn.Reset()
	c.streamOut.Reset()
	c.writeBuf = nil
	c.writeOff = 0
	c.writeRTS = false
	c.req.clear()
}

// vconn.Host

// InChannel returns the hosted in-channel, nil for other contexts.
func (c *Context) InChannel() *channel.In { return c.in }

// OutChannel returns the hosted out-channel, nil for other contexts.
func (c *Context) OutChannel() *channel.Out { return c.out }

// Endpoint returns the RPC proxy target from the request URI.
func (c *Context) Endpoint() (string, int) { return c.host, c.port }

// SetWriteReady moves the scheduler to the response-write state; the peer
// channel calls this right before Signal when it queued PDUs for us.
func (c *Context) SetWriteReady() { c.sched.Store(stateWriteResponse) }

// Signal wakes the context's event loop so Advance runs again.
func (c *Context) Signal() { c.sock.Wake() }

// pdu.Session

// SetupInChannel records the parameters from the client's CONN/B1 and binds
// the in-channel into its virtual connection.
func (c *Context) SetupInChannel(channelCookie, connectionCookie string, lifeTime uint32, clientKeepalive time.Duration, assocGroupID string) error {
	if c.in == nil {
		return errors.WithStack(ErrProtocol)
	}
	c.in.ChannelCookie = channelCookie
	c.in.ConnectionCookie = connectionCookie
	c.in.LifeTime = lifeTime
	c.in.ClientKeepalive = clientKeepalive
	c.in.AssocGroupID = assocGroupID
	if err := c.srv.registry.Attach(c); err != nil {
		return err
	}
	// the in-channel is usable as soon as CONN/B1 lands; recycled
	// successors stay unopened until their activation PDU
	c.in.SetState(channel.Opened)
	return nil
}

// SetupOutChannel records the parameters from the client's CONN/A1 and binds
// the out-channel into its virtual connection.
func (c *Context) SetupOutChannel(channelCookie, connectionCookie string, windowSize uint32) error {
	if c.out == nil {
		return errors.WithStack(ErrProtocol)
	}
	c.out.ChannelCookie = channelCookie
	c.out.ConnectionCookie = connectionCookie
	c.out.WindowSize = windowSize
	c.out.SetAvailableWindow(windowSize)
	return c.srv.registry.Attach(c)
}

// RecycleIn admits this in-channel as successor of the current one.
func (c *Context) RecycleIn(channelCookie, connectionCookie, predecessorCookie string) error {
	if c.in == nil {
		return errors.WithStack(ErrProtocol)
	}
	c.in.ChannelCookie = channelCookie
	c.in.ConnectionCookie = connectionCookie
	if err := c.srv.registry.RecycleIn(c, predecessorCookie); err != nil {
		return err
	}
	recycleHandshakesTotal.WithLabelValues("in").Inc()
	return nil
}

// RecycleOut admits this out-channel as successor of the current one.
func (c *Context) RecycleOut(channelCookie, connectionCookie, predecessorCookie string, windowSize uint32) error {
	if c.out == nil {
		return errors.WithStack(ErrProtocol)
	}
	c.out.ChannelCookie = channelCookie
	c.out.ConnectionCookie = connectionCookie
	c.out.WindowSize = windowSize
	c.out.SetState(channel.Recycling)
	return c.srv.registry.RecycleOut(c, predecessorCookie)
}

// ActivateInRecycling promotes this in-channel to active.
func (c *Context) ActivateInRecycling(successorCookie string) error {
	return c.srv.registry.ActivateInRecycling(c, successorCookie)
}

// ActivateOutRecycling hands the paired out-channel to its successor.
func (c *Context) ActivateOutRecycling(successorCookie string) error {
	return c.srv.registry.ActivateOutRecycling(c, successorCookie)
}

// SetKeepAlive records a renegotiated keepalive interval on both channels.
func (c *Context) SetKeepAlive(keepalive time.Duration) {
	c.srv.registry.SetKeepAlive(c, keepalive)
}

// FlowControl applies a window acknowledgement to the paired out-channel.
func (c *Context) FlowControl(bytesReceived, availableWindow uint32) {
	c.srv.registry.SetOutChannelFlowControl(c, bytesReceived, availableWindow)
}

var (
	_ vconn.Host  = (*Context)(nil)
	_ pdu.Session = (*Context)(nil)
)
