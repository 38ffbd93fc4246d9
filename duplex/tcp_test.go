//go:build unix

package duplex_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/transport/tcp"
)

func TestTLSOverTCPBlocking(t *testing.T) {
	f := tlsFactory(t)
	ln, err := tcp.Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Blocking = true

	errc := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errc <- err
			return
		}
		server, err := duplex.NewServer(conn, f, duplex.DefaultServerSession(), cfg)
		if err != nil {
			errc <- err
			return
		}
		defer server.Close()
		buf := make([]byte, 64)
		n, err := server.Read(buf)
		if err != nil {
			errc <- err
			return
		}
		_, err = server.Write(buf[:n])
		errc <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := duplex.NewClient(tcp.NewUnconnected(time.Second, nil), f, duplex.SessionConfig{ServerName: "localhost"}, cfg)
	require.NoError(t, err)
	defer client.Close()

	ok, err := client.Connect(ctx, ln.Addr().String())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = client.Write([]byte("echo"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "echo", string(buf[:n]))
	require.NoError(t, <-errc)
}
