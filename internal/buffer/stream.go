package buffer

// LineStatus is the result of a ReadLine attempt.
type LineStatus int

const (
	// LineAvailable means a complete line was returned.
	LineAvailable LineStatus = iota
	// LineUnavailable means no newline has arrived yet.
	LineUnavailable
	// LineTooLong means the pending line exceeds the chunk size.
	LineTooLong
)

// Stream is a growable byte stream assembled from pool chunks. One end is
// filled from the socket (WriteBuf/Commit or Write), the other is consumed
// by the parser (ReadLine, CopyTo, Skip). Fully consumed chunks go straight
// back to the pool.
type Stream struct {
	pool    *Pool
	chunks  [][]byte
	woff    int // write offset into the last chunk
	roff    int // read offset into the first chunk
	unread  int
	lineBuf []byte
}

// NewStream returns an empty stream drawing from pool.
func NewStream(pool *Pool) *Stream {
	return &Stream{pool: pool}
}

// Len reports the number of unread bytes.
func (s *Stream) Len() int {
	return s.unread
}

// WriteBuf returns a writable slice at the tail of the stream, allocating a
// fresh chunk when the current one is full. The caller fills some prefix of
// the slice and then calls Commit.
func (s *Stream) WriteBuf() ([]byte, error) {
	if len(s.chunks) == 0 || s.woff == ChunkSize {
		c, err := s.pool.Get()
		if err != nil {
			return nil, err
		}
		s.chunks = append(s.chunks, c)
		s.woff = 0
	}
	last := s.chunks[len(s.chunks)-1]
	return last[s.woff:ChunkSize], nil
}

// Commit marks n bytes of the slice returned by WriteBuf as filled.
func (s *Stream) Commit(n int) {
	s.woff += n
	s.unread += n
}

// Write appends p to the stream, growing by pool chunks as needed.
func (s *Stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		buf, err := s.WriteBuf()
		if err != nil {
			return total, err
		}
		n := copy(buf, p)
		s.Commit(n)
		p = p[n:]
		total += n
	}
	return total, nil
}

// readableHead returns the contiguous unread bytes at the front of the
// stream, empty when nothing is buffered.
func (s *Stream) readableHead() []byte {
	if s.unread == 0 {
		return nil
	}
	head := s.chunks[0]
	end := ChunkSize
	if len(s.chunks) == 1 {
		end = s.woff
	}
	return head[s.roff:end]
}

// ReadBuf returns the longest contiguous unread slice without consuming it.
// Pair with Skip once the bytes have been handed off.
func (s *Stream) ReadBuf() []byte {
	return s.readableHead()
}

// CopyTo copies up to len(dst) unread bytes into dst without consuming them.
func (s *Stream) CopyTo(dst []byte) int {
	if s.unread == 0 {
		return 0
	}
	want := len(dst)
	if want > s.unread {
		want = s.unread
	}
	copied := 0
	roff := s.roff
	for i := 0; copied < want && i < len(s.chunks); i++ {
		end := ChunkSize
		if i == len(s.chunks)-1 {
			end = s.woff
		}
		copied += copy(dst[copied:want], s.chunks[i][roff:end])
		roff = 0
	}
	return copied
}

// Skip consumes n unread bytes, releasing emptied head chunks to the pool.
func (s *Stream) Skip(n int) {
	if n > s.unread {
		n = s.unread
	}
	s.unread -= n
	for n > 0 {
		end := ChunkSize
		if len(s.chunks) == 1 {
			end = s.woff
		}
		avail := end - s.roff
		if n < avail {
			s.roff += n
			return
		}
		n -= avail
		s.releaseHead()
	}
}

func (s *Stream) releaseHead() {
	if len(s.chunks) == 0 {
		return
	}
	s.pool.Put(s.chunks[0])
	s.chunks = s.chunks[1:]
	s.roff = 0
	if len(s.chunks) == 0 {
		s.woff = 0
	}
}

// ReadLine consumes and returns the next CRLF- or LF-terminated line with
// the terminator stripped. The returned slice is valid until the next call.
// A pending line longer than one chunk is reported as LineTooLong.
func (s *Stream) ReadLine() ([]byte, LineStatus) {
	idx := s.indexByte('\n')
	if idx < 0 {
		if s.unread > ChunkSize {
			return nil, LineTooLong
		}
		return nil, LineUnavailable
	}
	if idx > ChunkSize {
		return nil, LineTooLong
	}
	if cap(s.lineBuf) < idx {
		s.lineBuf = make([]byte, ChunkSize)
	}
	line := s.lineBuf[:idx]
	s.CopyTo(line)
	s.Skip(idx + 1)
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, LineAvailable
}

func (s *Stream) indexByte(b byte) int {
	pos := 0
	roff := s.roff
	for i := 0; i < len(s.chunks); i++ {
		end := ChunkSize
		if i == len(s.chunks)-1 {
			end = s.woff
		}
		for j := roff; j < end; j++ {
			if s.chunks[i][j] == b {
				return pos + j - roff
			}
		}
		pos += end - roff
		roff = 0
	}
	return -1
}

// Reset releases every chunk back to the pool and empties the stream.
func (s *Stream) Reset() {
	for len(s.chunks) > 0 {
		s.releaseHead()
	}
	s.unread = 0
	s.roff = 0
	s.woff = 0
}
