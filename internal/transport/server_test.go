package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	gneterrors "github.com/panjf2000/gnet/v2/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	srv := newTestServer(&scriptCodec{}, acceptAll{})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// Stop blocks on the boot handshake, so no settling sleep is needed
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case err := <-errCh:
		if err != nil && err != gneterrors.ErrEngineShutdown {
			t.Fatalf("unexpected engine error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestServerOptionDefaults(t *testing.T) {
	srv := NewServer(Options{Addr: "127.0.0.1:0", PoolChunks: 16}, &scriptCodec{}, nil, nil)

	assert.Equal(t, 4096, srv.maxConns)
	assert.Equal(t, 3*time.Minute, srv.timeout)
	assert.Equal(t, 10, srv.maxAuthTimes)
	assert.Equal(t, time.Minute, srv.blockAuthFail)
	assert.NotNil(t, srv.registry)
	assert.NotNil(t, srv.pool)
	assert.NotNil(t, srv.logger)
}

func TestDumpContexts(t *testing.T) {
	srv := newTestServer(&scriptCodec{}, acceptAll{})
	c := newContext(srv, &memSock{})
	c.username = "user1"
	c.host = "mail.example.com"
	c.port = 6001
	srv.contexts.Store("conn-key", c)

	var b bytes.Buffer
	srv.DumpContexts(&b)

	assert.Contains(t, b.String(), "rhost=192.0.2.7:54321")
	assert.Contains(t, b.String(), "user=user1")
	assert.Contains(t, b.String(), "endpoint=mail.example.com:6001")
}
