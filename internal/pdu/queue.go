package pdu

import "sync"

// Blob is one outbound PDU. RTS control blobs are exempt from flow-control
// window accounting.
type Blob struct {
	Data []byte
	RTS  bool
}

// Queue is a channel's outbound PDU FIFO. Draining (the scheduler's write
// path) and filling (RTS output, async replies) happen from different
// contexts concurrently, so the queue carries its own lock, distinct from
// the registry-entry lock. Lock order is always registry entry before queue.
type Queue struct {
	mu    sync.Mutex
	blobs []Blob
}

// Push appends a blob to the tail.
func (q *Queue) Push(b Blob) {
	q.mu.Lock()
	q.blobs = append(q.blobs, b)
	q.mu.Unlock()
}

// Head returns the front blob without removing it.
func (q *Queue) Head() (Blob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.blobs) == 0 {
		return Blob{}, false
	}
	return q.blobs[0], true
}

// Pop removes and returns the front blob.
func (q *Queue) Pop() (Blob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.blobs) == 0 {
		return Blob{}, false
	}
	b := q.blobs[0]
	q.blobs[0] = Blob{}
	q.blobs = q.blobs[1:]
	return b, true
}

// Len reports the number of queued blobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blobs)
}

// Drain removes every blob and returns them in order.
func (q *Queue) Drain() []Blob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.blobs
	q.blobs = nil
	return out
}

// MoveTo drains q into dst preserving order. Used when a recycled
// out-channel inherits the PDUs parked on the in-channel.
func (q *Queue) MoveTo(dst *Queue) {
	for _, b := range q.Drain() {
		dst.Push(b)
	}
}
