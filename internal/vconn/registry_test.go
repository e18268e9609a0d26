package vconn

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermail/rpch/internal/channel"
	"github.com/evermail/rpch/internal/pdu"
)

type fakeHost struct {
	in     *channel.In
	out    *channel.Out
	host   string
	port   int
	ready  int
	wakes  int
}

func (f *fakeHost) InChannel() *channel.In   { return f.in }
func (f *fakeHost) OutChannel() *channel.Out { return f.out }
func (f *fakeHost) Endpoint() (string, int)  { return f.host, f.port }
func (f *fakeHost) SetWriteReady()           { f.ready++ }
func (f *fakeHost) Signal()                  { f.wakes++ }

func inHost(conn, chCookie string) *fakeHost {
	return &fakeHost{
		in:   &channel.In{ChannelCookie: chCookie, ConnectionCookie: conn},
		host: "mail.example.com",
		port: 6001,
	}
}

func outHost(conn, chCookie string) *fakeHost {
	return &fakeHost{
		out:  &channel.Out{ChannelCookie: chCookie, ConnectionCookie: conn},
		host: "mail.example.com",
		port: 6001,
	}
}

type stubCall struct {
	queued  int
	freed   int
	allowC2 bool
	allowA6 bool
	allowB3 bool
}

func (c *stubCall) OutputPDU(q *pdu.Queue) {
	c.queued++
	q.Push(pdu.Blob{Data: []byte{0x05}, RTS: true})
}
func (c *stubCall) OutputStream(io.Writer) (int, error) { return 0, nil }
func (c *stubCall) Free()                               { c.freed++ }
func (c *stubCall) ConnC2(uint32) bool                  { return c.allowC2 }
func (c *stubCall) OutR2A2() bool                       { return false }
func (c *stubCall) OutR2A6() bool                       { return c.allowA6 }
func (c *stubCall) OutR2B3() bool                       { return c.allowB3 }
func (c *stubCall) Ping() bool                          { return false }
func (c *stubCall) FlowControlAck(uint32, uint32, string) bool {
	return false
}

type stubProcessor struct{ destroyed *int }

func (p *stubProcessor) Input([]byte) (pdu.Outcome, pdu.Call) { return pdu.Input, nil }
func (p *stubProcessor) Destroy()                             { *p.destroyed++ }

func newTestRegistry(t *testing.T, max int) (*Registry, *int) {
	t.Helper()
	destroyed := new(int)
	factory := pdu.FactoryFunc(func(string, int) (pdu.Processor, error) {
		return &stubProcessor{destroyed: destroyed}, nil
	})
	return NewRegistry(max, factory, nil), destroyed
}

func TestAttachDetachLifecycle(t *testing.T) {
	r, destroyed := newTestRegistry(t, 4)

	out := outHost("conn-1", "out-1")
	require.NoError(t, r.Attach(out))
	assert.Equal(t, 1, r.Len())

	in := inHost("conn-1", "in-1")
	require.NoError(t, r.Attach(in))
	assert.Equal(t, 1, r.Len(), "both channels share one entry")
	assert.Equal(t, 1, out.wakes, "in-channel arrival wakes the out-channel")

	r.Detach(in)
	assert.Equal(t, 1, r.Len())
	assert.Zero(t, *destroyed)

	r.Detach(out)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, *destroyed, "last detach destroys the session processor")

	r.Detach(out) // idempotent
	assert.Equal(t, 1, *destroyed)
}

func TestAttachRegistryFull(t *testing.T) {
	r, _ := newTestRegistry(t, 1)

	require.NoError(t, r.Attach(outHost("conn-1", "out-1")))
	require.NoError(t, r.Attach(outHost("conn-2", "out-2")), "one extra slot for recycling")
	err := r.Attach(outHost("conn-3", "out-3"))
	assert.ErrorIs(t, err, ErrRegistryFull)
	assert.Equal(t, 2, r.Len())
}

type nopSessionProcessor struct{}

func (nopSessionProcessor) Input([]byte) (pdu.Outcome, pdu.Call) { return pdu.Input, nil }
func (nopSessionProcessor) Destroy()                             {}

func TestAttachDetachConcurrent(t *testing.T) {
	factory := pdu.FactoryFunc(func(string, int) (pdu.Processor, error) {
		return nopSessionProcessor{}, nil
	})
	r := NewRegistry(64, factory, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", i%4)
			for j := 0; j < 50; j++ {
				h := outHost(conn, "out-1")
				if err := r.Attach(h); err == nil {
					r.Detach(h)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len(), "every successful attach was detached")
}

func TestAttachOutChannelConflict(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	require.NoError(t, r.Attach(outHost("conn-1", "out-1")))
	err := r.Attach(outHost("conn-1", "out-2"))
	assert.ErrorIs(t, err, ErrRegistryConflict)
	assert.Equal(t, 1, r.Len())
}

func TestAttachFactoryFailureRollsBack(t *testing.T) {
	factory := pdu.FactoryFunc(func(string, int) (pdu.Processor, error) {
		return nil, assert.AnError
	})
	r := NewRegistry(4, factory, nil)

	err := r.Attach(outHost("conn-1", "out-1"))
	assert.ErrorIs(t, err, ErrNoProcessor)
	assert.Equal(t, 0, r.Len(), "failed insert leaves no entry behind")
}

func TestRecycleInInheritsCounters(t *testing.T) {
	r, destroyed := newTestRegistry(t, 4)

	old := inHost("conn-1", "in-1")
	old.in.LifeTime = 123456
	old.in.ClientKeepalive = 30 * time.Second
	old.in.AvailableWindow = 262144
	old.in.BytesReceived = 9000
	old.in.AssocGroupID = "group-7"
	require.NoError(t, r.Attach(old))

	succ := inHost("conn-1", "in-2")
	require.NoError(t, r.RecycleIn(succ, "in-1"))
	assert.Equal(t, old.in.LifeTime, succ.in.LifeTime)
	assert.Equal(t, old.in.ClientKeepalive, succ.in.ClientKeepalive)
	assert.Equal(t, old.in.AvailableWindow, succ.in.AvailableWindow)
	assert.Equal(t, old.in.BytesReceived, succ.in.BytesReceived)
	assert.Equal(t, old.in.AssocGroupID, succ.in.AssocGroupID)

	require.NoError(t, r.ActivateInRecycling(succ, "in-2"))
	assert.Equal(t, channel.Recycled, old.in.State())

	// The retired channel detaches, the successor stays.
	r.Detach(old)
	assert.Equal(t, 1, r.Len())
	assert.Zero(t, *destroyed)
	r.Detach(succ)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, *destroyed)
}

func TestRecycleInMismatchLeavesRegistryUntouched(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	old := inHost("conn-1", "in-1")
	require.NoError(t, r.Attach(old))

	succ := inHost("conn-1", "in-2")
	err := r.RecycleIn(succ, "wrong-cookie")
	assert.ErrorIs(t, err, ErrRecycleMismatch)

	err = r.ActivateInRecycling(succ, "in-2")
	assert.ErrorIs(t, err, ErrRecycleMismatch, "successor was never admitted")
	assert.NotEqual(t, channel.Recycled, old.in.State())
}

func TestRecycleOutDrivesHandoff(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	in := inHost("conn-1", "in-1")
	old := outHost("conn-1", "out-1")
	call := &stubCall{allowA6: true, allowB3: true}
	old.out.Obsolete = true
	old.out.Call = call
	old.out.WindowSize = 262144
	require.NoError(t, r.Attach(old))
	require.NoError(t, r.Attach(in))

	succ := outHost("conn-1", "out-2")
	require.NoError(t, r.RecycleOut(succ, "out-1"))
	assert.Equal(t, 1, call.queued, "predecessor queues the A6 notification")
	assert.Equal(t, 1, old.out.Queue.Len())
	assert.Equal(t, 1, old.ready)
	assert.Equal(t, uint32(262144), succ.out.AvailableWindow())

	require.NoError(t, r.ActivateOutRecycling(in, "out-2"))
	assert.Equal(t, 2, call.queued, "predecessor queues the final B3")
	assert.GreaterOrEqual(t, succ.wakes, 1, "new out-channel is woken to take over")

	fresh := &stubCall{}
	r.AsyncReply("mail.example.com", 6001, "conn-1", fresh)
	assert.Equal(t, 1, succ.out.Queue.Len(), "replies now land on the successor")
}

func TestRecycleOutRejectsLivePredecessor(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	old := outHost("conn-1", "out-1")
	old.out.Call = &stubCall{allowA6: true}
	require.NoError(t, r.Attach(old))

	succ := outHost("conn-1", "out-2")
	err := r.RecycleOut(succ, "out-1")
	assert.ErrorIs(t, err, ErrRecycleMismatch, "predecessor not yet obsolete")
}

func TestSetOutChannelFlowControl(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	in := inHost("conn-1", "in-1")
	out := outHost("conn-1", "out-1")
	out.out.BytesSent = 1000
	require.NoError(t, r.Attach(out))
	require.NoError(t, r.Attach(in))

	r.SetOutChannelFlowControl(in, 800, 4096)
	assert.Equal(t, uint32(800+4096-1000), out.out.AvailableWindow())
	assert.GreaterOrEqual(t, out.wakes, 2, "window refresh wakes the sender")

	// Ack behind the send counter collapses the window instead of wrapping.
	out.out.BytesSent = 10000
	r.SetOutChannelFlowControl(in, 800, 4096)
	assert.Zero(t, out.out.AvailableWindow())
}

func TestSetKeepAlivePropagates(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	in := inHost("conn-1", "in-1")
	out := outHost("conn-1", "out-1")
	require.NoError(t, r.Attach(out))
	require.NoError(t, r.Attach(in))

	r.SetKeepAlive(in, 45*time.Second)
	assert.Equal(t, 45*time.Second, in.in.ClientKeepalive)
	assert.Equal(t, 45*time.Second, out.out.ClientKeepalive)
}

func TestAsyncReplyRouting(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	in := inHost("conn-1", "in-1")
	out := outHost("conn-1", "out-1")
	require.NoError(t, r.Attach(out))
	require.NoError(t, r.Attach(in))

	call := &stubCall{}
	r.AsyncReply("mail.example.com", 6001, "conn-1", call)
	assert.Equal(t, 1, out.out.Queue.Len())
	assert.Equal(t, 1, out.ready)

	// An obsolete out-channel parks the reply on the in-channel instead.
	out.out.Obsolete = true
	r.AsyncReply("mail.example.com", 6001, "conn-1", call)
	assert.Equal(t, 1, out.out.Queue.Len())
	assert.Equal(t, 1, in.in.Queue.Len())

	r.AsyncReply("other.example.com", 6001, "missing", call)
	assert.Equal(t, 2, call.queued, "unknown cookie drops the reply")
}

func TestCompleteWaitInOpensChannel(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	out := outHost("conn-1", "out-1")
	out.out.WindowSize = 262144
	call := &stubCall{allowC2: true}
	out.out.Call = call
	require.NoError(t, r.Attach(out))

	done, err := r.CompleteWaitIn(out)
	require.NoError(t, err)
	assert.False(t, done, "no in-channel yet")

	in := inHost("conn-1", "in-1")
	in.in.ClientKeepalive = 30 * time.Second
	require.NoError(t, r.Attach(in))

	done, err = r.CompleteWaitIn(out)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, channel.Opened, out.out.State())
	assert.Equal(t, uint32(262144), in.in.AvailableWindow)
	assert.Equal(t, 30*time.Second, out.out.ClientKeepalive)
	assert.Equal(t, 1, out.out.Queue.Len(), "conn/c2 queued")
}

func TestAccountForwardEmitsAckBelowHalfWindow(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	in := inHost("conn-1", "in-1")
	out := outHost("conn-1", "out-1")
	out.out.WindowSize = 4096
	require.NoError(t, r.Attach(out))
	require.NoError(t, r.Attach(in))
	in.in.AvailableWindow = 4096

	call := &stubCall{}
	require.NoError(t, r.AccountForward(in, 1000, call, false))
	assert.Equal(t, uint32(3096), in.in.AvailableWindow, "still above half window")
	assert.Zero(t, call.queued)

	require.NoError(t, r.AccountForward(in, 1100, call, true))
	assert.Equal(t, uint32(4096), in.in.AvailableWindow, "ack restores the window")
	assert.Equal(t, uint32(2100), in.in.BytesReceived)
	assert.Equal(t, 1, call.queued, "ack delivered to the out-channel")
	assert.Equal(t, 1, out.out.Queue.Len())
}

func TestDeliverOutputPrefersOutChannel(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	in := inHost("conn-1", "in-1")
	out := outHost("conn-1", "out-1")
	require.NoError(t, r.Attach(out))
	require.NoError(t, r.Attach(in))

	call := &stubCall{}
	require.NoError(t, r.DeliverOutput(in, call))
	assert.Equal(t, 1, out.out.Queue.Len())
	assert.Zero(t, in.in.Queue.Len())

	out.out.Obsolete = true
	require.NoError(t, r.DeliverOutput(in, call))
	assert.Equal(t, 1, in.in.Queue.Len(), "obsolete out-channel parks on the in-channel")
}

func TestAsyncReplyAfterShutdownIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	out := outHost("conn-1", "out-1")
	require.NoError(t, r.Attach(out))

	r.ShutdownAsync()
	assert.True(t, r.ShuttingDown())

	call := &stubCall{}
	r.AsyncReply("mail.example.com", 6001, "conn-1", call)
	assert.Zero(t, out.out.Queue.Len())
	assert.Zero(t, call.queued)
}
