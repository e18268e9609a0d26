// Package buffer provides the fixed-size chunk pool and the chunked byte
// streams built on top of it. The pool is sized once at startup from the
// configured connection limit and is never resized; running out of chunks is
// a recoverable condition reported to the caller, not a crash.
package buffer

import (
	"github.com/pkg/errors"
)

// ChunkSize is the size of every pool chunk in bytes. Read and write streams
// grow in units of this size.
const ChunkSize = 4096

// ErrExhausted is returned by Pool.Get when no chunks are left. Callers must
// treat it like an out-of-memory condition and degrade gracefully.
var ErrExhausted = errors.New("buffer: chunk pool exhausted")

// Pool hands out fixed-size chunks from a preallocated arena.
type Pool struct {
	free chan []byte
}

// NewPool allocates a pool holding the given number of chunks.
func NewPool(chunks int) *Pool {
	if chunks < 1 {
		chunks = 1
	}
	p := &Pool{free: make(chan []byte, chunks)}
	arena := make([]byte, chunks*ChunkSize)
	for i := 0; i < chunks; i++ {
		p.free <- arena[i*ChunkSize : (i+1)*ChunkSize : (i+1)*ChunkSize]
	}
	return p
}

// Get returns a chunk or ErrExhausted when the pool is empty.
func (p *Pool) Get() ([]byte, error) {
	select {
	case c := <-p.free:
		return c, nil
	default:
		return nil, errors.WithStack(ErrExhausted)
	}
}

// Put returns a chunk to the pool. Returning a foreign slice corrupts the
// accounting, so only chunks obtained from Get may be passed.
func (p *Pool) Put(c []byte) {
	if cap(c) < ChunkSize {
		return
	}
	select {
	case p.free <- c[:ChunkSize]:
	default:
	}
}

// Free reports the number of chunks currently available.
func (p *Pool) Free() int {
	return len(p.free)
}
