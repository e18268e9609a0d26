// Package vconn implements the process-wide registry of MS-RPCH virtual
// connections. An entry pairs the in- and out-channel of one logical RPC
// session, keyed by the client-supplied connection cookie, and owns the
// shared PDU processor for that session.
//
// Locking: the table lock protects the map and entry membership; each entry
// carries its own lock protecting the channel references; every channel's
// PDU queue has its own lock. Acquisition order is always table -> entry ->
// queue. Lookups acquire the entry lock before dropping the table lock, so
// an operation never runs on an entry that was concurrently erased.
package vconn

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/evermail/rpch/internal/channel"
	"github.com/evermail/rpch/internal/pdu"
)

var (
	// ErrRegistryFull means the table already holds max_connections+1
	// entries (the +1 tolerates one in-flight recycling pair).
	ErrRegistryFull = errors.New("vconn: registry full")
	// ErrRegistryConflict means a second live out-channel presented a cookie
	// already bound, outside a recycling handshake.
	ErrRegistryConflict = errors.New("vconn: connection cookie already bound")
	// ErrRecycleMismatch means a recycling request named a predecessor or
	// successor cookie that does not match the registry's records.
	ErrRecycleMismatch = errors.New("vconn: recycle cookie mismatch")
	// ErrNoProcessor is returned when the PDU processor for a fresh entry
	// could not be constructed; the insertion is rolled back.
	ErrNoProcessor = errors.New("vconn: processor construction failed")
	// ErrNotFound means no virtual connection exists for the cookie.
	ErrNotFound = errors.New("vconn: no such virtual connection")
)

// Host is the connection context hosting a channel. The registry keeps
// non-owning references; channel ownership stays with the context.
type Host interface {
	// InChannel returns the hosted in-channel, nil for out-channel contexts.
	InChannel() *channel.In
	// OutChannel returns the hosted out-channel, nil for in-channel contexts.
	OutChannel() *channel.Out
	// Endpoint returns the RPC proxy target parsed from the request URI.
	Endpoint() (host string, port int)
	// SetWriteReady moves the context's scheduler to its write state.
	SetWriteReady()
	// Signal wakes the context's scheduler out of Wait.
	Signal()
}

type entry struct {
	mu        sync.Mutex
	hosts     map[Host]struct{}
	in        Host
	out       Host
	inSucc    Host
	outSucc   Host
	processor pdu.Processor
}

func (e *entry) empty() bool {
	return len(e.hosts) == 0 && e.in == nil && e.out == nil
}

// Registry is the process-wide virtual connection table.
type Registry struct {
	mu       sync.Mutex
	table    map[string]*entry
	max      int
	factory  pdu.Factory
	logger   *log.Logger
	shutdown atomic.Bool
}

// NewRegistry builds a registry capped at maxConnections entries (plus one
// transient recycling pair). factory constructs the per-session processor.
func NewRegistry(maxConnections int, factory pdu.Factory, logger *log.Logger) *Registry {
	return &Registry{
		table:   make(map[string]*entry),
		max:     maxConnections,
		factory: factory,
		logger:  logger,
	}
}

// Key normalizes a virtual connection lookup key.
func Key(cookie string, port int, host string) string {
	return strings.ToLower(fmt.Sprintf("%s:%d:%s", cookie, port, host))
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

func hostCookie(h Host) (string, bool) {
	if ch := h.InChannel(); ch != nil {
		return ch.ConnectionCookie, true
	}
	if ch := h.OutChannel(); ch != nil {
		return ch.ConnectionCookie, true
	}
	return "", false
}

// lookup returns the entry for the cookie with its lock held, or nil. The
// entry lock is taken before the table lock is released, so the caller can
// never observe a concurrently erased entry.
func (r *Registry) lookup(host string, port int, cookie string) *entry {
	r.mu.Lock()
	e := r.table[Key(cookie, port, host)]
	if e != nil {
		e.mu.Lock()
	}
	r.mu.Unlock()
	return e
}

// Attach binds the context's channel to its virtual connection, inserting a
// fresh entry (and constructing the session processor) when none exists.
func (r *Registry) Attach(h Host) error {
	cookie, ok := hostCookie(h)
	if !ok {
		return errors.WithStack(ErrNotFound)
	}
	host, port := h.Endpoint()

	r.mu.Lock()
	key := Key(cookie, port, host)
	e := r.table[key]
	if e == nil {
		if len(r.table) >= r.max+1 {
			r.mu.Unlock()
			return errors.WithStack(ErrRegistryFull)
		}
		e = &entry{hosts: make(map[Host]struct{})}
		r.table[key] = e
		e.mu.Lock()
		r.mu.Unlock()
		proc, err := r.factory.New(host, port)
		if err != nil {
			e.mu.Unlock()
			r.mu.Lock()
			delete(r.table, key)
			r.mu.Unlock()
			return errors.Wrapf(ErrNoProcessor, "endpoint %s:%d: %v", host, port, err)
		}
		e.processor = proc
	} else {
		e.mu.Lock()
		r.mu.Unlock()
	}
	defer e.mu.Unlock()

	if h.OutChannel() != nil {
		if e.out != nil && e.out != h {
			return errors.WithStack(ErrRegistryConflict)
		}
		e.out = h
	} else {
		e.in = h
		if e.out != nil {
			e.out.Signal()
		}
	}
	e.hosts[h] = struct{}{}
	return nil
}

// Detach removes every reference the registry holds to the context and
// erases the entry once it is empty. Idempotent; invariant violations such
// as detaching a context the entry never referenced are benign no-ops.
func (r *Registry) Detach(h Host) {
	cookie, ok := hostCookie(h)
	if !ok {
		return
	}
	host, port := h.Endpoint()

	r.mu.Lock()
	key := Key(cookie, port, host)
	e := r.table[key]
	if e == nil {
		r.mu.Unlock()
		return
	}
	e.mu.Lock()
	if e.in == h {
		e.in = nil
	}
	if e.out == h {
		e.out = nil
	}
	if e.inSucc == h {
		e.inSucc = nil
	}
	if e.outSucc == h {
		e.outSucc = nil
	}
	delete(e.hosts, h)
	var proc pdu.Processor
	if e.empty() {
		delete(r.table, key)
		proc = e.processor
		e.processor = nil
	}
	e.mu.Unlock()
	r.mu.Unlock()
	if proc != nil {
		proc.Destroy()
	}
}

// Processor returns the shared session processor for the context's virtual
// connection, verifying the context is still that entry's active in-channel.
func (r *Registry) Processor(h Host) (pdu.Processor, error) {
	ch := h.InChannel()
	if ch == nil {
		return nil, errors.WithStack(ErrNotFound)
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return nil, errors.WithStack(ErrNotFound)
	}
	defer e.mu.Unlock()
	if e.in != h || e.processor == nil {
		return nil, errors.WithStack(ErrNotFound)
	}
	return e.processor, nil
}

// RecycleIn admits a reconnecting in-channel as the successor of the entry's
// current in-channel, inheriting the predecessor's session counters. The
// successor does not become active until ActivateInRecycling.
func (r *Registry) RecycleIn(h Host, predecessorCookie string) error {
	ch := h.InChannel()
	if ch == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	defer e.mu.Unlock()
	if e.in == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	pred := e.in.InChannel()
	if pred == nil || pred.ChannelCookie != predecessorCookie {
		return errors.WithStack(ErrRecycleMismatch)
	}
	ch.LifeTime = pred.LifeTime
	ch.ClientKeepalive = pred.ClientKeepalive
	ch.AvailableWindow = pred.AvailableWindow
	ch.BytesReceived = pred.BytesReceived
	ch.AssocGroupID = pred.AssocGroupID
	e.inSucc = h
	e.hosts[h] = struct{}{}
	return nil
}

// ActivateInRecycling promotes the successor in-channel: the old in-channel
// is marked Recycled (its scheduler will close), the successor becomes the
// active in-channel, and the successor slot is cleared. Fully atomic under
// the entry lock; on mismatch the registry is left untouched.
func (r *Registry) ActivateInRecycling(h Host, successorCookie string) error {
	ch := h.InChannel()
	if ch == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	defer e.mu.Unlock()
	if e.inSucc != h || ch.ChannelCookie != successorCookie {
		return errors.WithStack(ErrRecycleMismatch)
	}
	if e.in != nil {
		if old := e.in.InChannel(); old != nil {
			old.SetState(channel.Recycled)
		}
	}
	e.in = h
	ch.SetState(channel.Opened)
	e.inSucc = nil
	return nil
}

// RecycleOut admits a reconnecting out-channel as successor of the current
// (obsolete) out-channel and drives the RTS OUT R2/A6 exchange telling the
// client the handoff is underway.
func (r *Registry) RecycleOut(h Host, predecessorCookie string) error {
	ch := h.OutChannel()
	if ch == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	defer e.mu.Unlock()
	if e.out == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	pred := e.out.OutChannel()
	if pred == nil || pred.ChannelCookie != predecessorCookie {
		return errors.WithStack(ErrRecycleMismatch)
	}
	if !pred.Obsolete || pred.Call == nil || !pred.Call.OutR2A6() {
		return errors.WithStack(ErrRecycleMismatch)
	}
	pred.Call.OutputPDU(&pred.Queue)
	e.out.SetWriteReady()
	e.out.Signal()
	ch.ClientKeepalive = pred.ClientKeepalive
	ch.SetAvailableWindow(pred.WindowSize)
	ch.WindowSize = pred.WindowSize
	e.outSucc = h
	e.hosts[h] = struct{}{}
	return nil
}

// ActivateOutRecycling finishes an out-channel handoff. h must be the
// entry's active in-channel; the old out-channel sends the final OUT R2/B3
// and the successor becomes the active out-channel.
func (r *Registry) ActivateOutRecycling(h Host, successorCookie string) error {
	ch := h.InChannel()
	if ch == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	defer e.mu.Unlock()
	if e.in != h || e.out == nil || e.outSucc == nil {
		return errors.WithStack(ErrRecycleMismatch)
	}
	succ := e.outSucc.OutChannel()
	if succ == nil || succ.ChannelCookie != successorCookie {
		return errors.WithStack(ErrRecycleMismatch)
	}
	old := e.out.OutChannel()
	if old == nil || old.Call == nil || !old.Call.OutR2B3() {
		return errors.WithStack(ErrRecycleMismatch)
	}
	old.Call.OutputPDU(&old.Queue)
	e.out.SetWriteReady()
	e.out.Signal()
	e.out = e.outSucc
	e.outSucc = nil
	e.out.Signal()
	return nil
}

// SetKeepAlive records the keepalive the client negotiated on the
// in-channel and propagates it to the paired out-channel.
func (r *Registry) SetKeepAlive(h Host, keepalive time.Duration) {
	ch := h.InChannel()
	if ch == nil {
		return
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return
	}
	defer e.mu.Unlock()
	if e.in != h {
		return
	}
	ch.ClientKeepalive = keepalive
	if e.out != nil {
		if och := e.out.OutChannel(); och != nil {
			och.ClientKeepalive = keepalive
		}
	}
}

// SetOutChannelFlowControl refreshes the paired out-channel's send window
// from a flow-control ack received on the in-channel h.
func (r *Registry) SetOutChannelFlowControl(h Host, bytesReceived, availableWindow uint32) {
	ch := h.InChannel()
	if ch == nil {
		return
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return
	}
	defer e.mu.Unlock()
	if e.out == nil {
		return
	}
	och := e.out.OutChannel()
	if och == nil {
		return
	}
	if bytesReceived+availableWindow > och.BytesSent {
		och.SetAvailableWindow(bytesReceived + availableWindow - och.BytesSent)
		e.out.Signal()
	} else {
		och.SetAvailableWindow(0)
	}
}

// CompleteWaitIn finishes the out-channel CONN handshake once the paired
// in-channel has appeared: the in-channel's receive window is seeded from
// the out-channel's window size, keepalive is adopted, and the CONN/C2
// notification is queued. Returns false while the in-channel is still
// missing; an error means the handshake PDU could not be built.
func (r *Registry) CompleteWaitIn(h Host) (bool, error) {
	ch := h.OutChannel()
	if ch == nil {
		return false, errors.WithStack(ErrNotFound)
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return false, nil
	}
	defer e.mu.Unlock()
	if e.out != h || e.in == nil {
		return false, nil
	}
	ich := e.in.InChannel()
	if ich == nil {
		return false, nil
	}
	ich.AvailableWindow = ch.WindowSize
	ich.BytesReceived = 0
	ch.ClientKeepalive = ich.ClientKeepalive
	if ch.Call == nil || !ch.Call.ConnC2(ch.WindowSize) {
		return false, errors.Errorf("vconn: conn/c2 setup failed for %s", ch.ChannelCookie)
	}
	ch.Call.OutputPDU(&ch.Queue)
	ch.SetState(channel.Opened)
	return true, nil
}

// CompleteWaitRecycled finishes a recycled out-channel's handshake once its
// in-channel is live: keepalive is adopted, PDUs parked on the in-channel
// while no out-channel existed move over, and the channel opens. The second
// return is the number of PDUs now pending on the out-channel.
func (r *Registry) CompleteWaitRecycled(h Host) (bool, int) {
	ch := h.OutChannel()
	if ch == nil {
		return false, 0
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return false, 0
	}
	defer e.mu.Unlock()
	if e.out != h || e.in == nil {
		return false, 0
	}
	ich := e.in.InChannel()
	if ich == nil {
		return false, 0
	}
	ch.ClientKeepalive = ich.ClientKeepalive
	ch.SetState(channel.Opened)
	ich.Queue.MoveTo(&ch.Queue)
	return true, ch.Queue.Len()
}

// QueuePing stages a keepalive ping on the idle out-channel h. Returns
// false when no ping could be queued.
func (r *Registry) QueuePing(h Host) bool {
	ch := h.OutChannel()
	if ch == nil {
		return false
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	if e.out != h || ch.Call == nil || !ch.Call.Ping() {
		return false
	}
	ch.Call.OutputPDU(&ch.Queue)
	return true
}

// AccountForward applies window accounting for a forwarded session fragment
// received on in-channel h. When the receive window has dropped below half
// of the paired out-channel's window size, a flow-control ack is staged on
// call and the window restored; with deliver set the ack is also queued on
// the out-channel and its host woken (the fragmented-PDU case, where the
// session processor itself produced no output to carry the ack).
func (r *Registry) AccountForward(h Host, fragLength uint32, call pdu.Call, deliver bool) error {
	ch := h.InChannel()
	if ch == nil {
		return errors.WithStack(ErrNotFound)
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return errors.WithStack(ErrNotFound)
	}
	defer e.mu.Unlock()
	if e.in != h {
		return errors.WithStack(ErrNotFound)
	}
	// saturate: a fragment larger than the remaining window must still
	// land below the ack threshold
	if fragLength < ch.AvailableWindow {
		ch.AvailableWindow -= fragLength
	} else {
		ch.AvailableWindow = 0
	}
	ch.BytesReceived += fragLength
	if call == nil || e.out == nil {
		return nil
	}
	och := e.out.OutChannel()
	if och == nil || ch.AvailableWindow >= och.WindowSize/2 {
		return nil
	}
	ch.AvailableWindow = och.WindowSize
	call.FlowControlAck(ch.BytesReceived, ch.AvailableWindow, ch.ChannelCookie)
	if deliver {
		call.OutputPDU(&och.Queue)
		e.out.SetWriteReady()
		e.out.Signal()
	}
	return nil
}

// DeliverOutput routes response PDUs produced on in-channel h to the
// client-bound queue: the paired out-channel's, or h's own in-channel queue
// when the out-channel is already obsolete (the PDUs then ride over to the
// successor during recycling).
func (r *Registry) DeliverOutput(h Host, call pdu.Call) error {
	ch := h.InChannel()
	if ch == nil {
		return errors.WithStack(ErrNotFound)
	}
	host, port := h.Endpoint()
	e := r.lookup(host, port, ch.ConnectionCookie)
	if e == nil {
		return errors.WithStack(ErrNotFound)
	}
	defer e.mu.Unlock()
	if (e.in != h && e.inSucc != h) || e.out == nil {
		return errors.WithStack(ErrNotFound)
	}
	och := e.out.OutChannel()
	if och == nil {
		return errors.WithStack(ErrNotFound)
	}
	if och.Obsolete {
		call.OutputPDU(&ch.Queue)
		return nil
	}
	call.OutputPDU(&och.Queue)
	e.out.SetWriteReady()
	e.out.Signal()
	return nil
}

// AsyncReply delivers PDUs produced by unrelated server work to the virtual
// connection's client-bound queue: the out-channel's, or the in-channel's
// when the out-channel is already obsolete. A silent no-op once the process
// is shutting down.
func (r *Registry) AsyncReply(host string, port int, connectionCookie string, call pdu.Call) {
	if r.shutdown.Load() {
		if r.logger != nil {
			r.logger.Printf("async reply dropped, shutdown in progress")
		}
		return
	}
	e := r.lookup(host, port, connectionCookie)
	if e == nil {
		return
	}
	defer e.mu.Unlock()
	if e.out == nil {
		return
	}
	och := e.out.OutChannel()
	if och == nil {
		return
	}
	if och.Obsolete {
		if e.in != nil {
			if ich := e.in.InChannel(); ich != nil {
				call.OutputPDU(&ich.Queue)
				return
			}
		}
	} else {
		call.OutputPDU(&och.Queue)
	}
	e.out.SetWriteReady()
	e.out.Signal()
}

// ShutdownAsync sets the process-wide stop flag; subsequent AsyncReply
// calls become no-ops. In-flight scheduler ticks drain naturally.
func (r *Registry) ShutdownAsync() {
	r.shutdown.Store(true)
}

// ShuttingDown reports whether ShutdownAsync was called.
func (r *Registry) ShuttingDown() bool {
	return r.shutdown.Load()
}
