package buffer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamWriteAndCopy(t *testing.T) {
	p := NewPool(8)
	s := NewStream(p)

	payload := bytes.Repeat([]byte{0xAB}, ChunkSize+100)
	n, err := s.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, len(payload), s.Len())

	out := make([]byte, len(payload))
	assert.Equal(t, len(payload), s.CopyTo(out))
	assert.Equal(t, payload, out)
	// CopyTo does not consume
	assert.Equal(t, len(payload), s.Len())

	s.Skip(len(payload))
	assert.Equal(t, 0, s.Len())
}

func TestStreamReadLine(t *testing.T) {
	p := NewPool(8)
	s := NewStream(p)

	_, err := s.Write([]byte("RPC_IN_DATA /rpc/rpcproxy.dll?mail.example.com:593 HTTP/1.1\r\nHost: proxy\r\n\r\n"))
	require.NoError(t, err)

	line, st := s.ReadLine()
	require.Equal(t, LineAvailable, st)
	assert.Equal(t, "RPC_IN_DATA /rpc/rpcproxy.dll?mail.example.com:593 HTTP/1.1", string(line))

	line, st = s.ReadLine()
	require.Equal(t, LineAvailable, st)
	assert.Equal(t, "Host: proxy", string(line))

	line, st = s.ReadLine()
	require.Equal(t, LineAvailable, st)
	assert.Empty(t, line)

	_, st = s.ReadLine()
	assert.Equal(t, LineUnavailable, st)
}

func TestStreamReadLineAcrossChunks(t *testing.T) {
	p := NewPool(8)
	s := NewStream(p)

	head := strings.Repeat("a", ChunkSize-10)
	_, err := s.Write([]byte(head + "\nsecond\n"))
	require.NoError(t, err)

	line, st := s.ReadLine()
	require.Equal(t, LineAvailable, st)
	assert.Equal(t, head, string(line))

	line, st = s.ReadLine()
	require.Equal(t, LineAvailable, st)
	assert.Equal(t, "second", string(line))
}

func TestStreamReadLineTooLong(t *testing.T) {
	p := NewPool(8)
	s := NewStream(p)

	_, err := s.Write(bytes.Repeat([]byte{'x'}, ChunkSize+1))
	require.NoError(t, err)
	_, st := s.ReadLine()
	assert.Equal(t, LineTooLong, st)
}

func TestStreamReleasesChunksOnSkip(t *testing.T) {
	p := NewPool(4)
	s := NewStream(p)

	_, err := s.Write(make([]byte, 3*ChunkSize))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Free())

	s.Skip(2 * ChunkSize)
	assert.Equal(t, 3, p.Free())

	s.Reset()
	assert.Equal(t, 4, p.Free())
}

func TestStreamExhaustion(t *testing.T) {
	p := NewPool(1)
	s := NewStream(p)

	_, err := s.Write(make([]byte, ChunkSize))
	require.NoError(t, err)

	_, err = s.WriteBuf()
	assert.ErrorIs(t, err, ErrExhausted)
}
