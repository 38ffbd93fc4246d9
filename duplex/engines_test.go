package duplex_test

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/engine/noiseengine"
	"github.com/TheusHen/duplex/duplex/engine/tlsengine"
	"github.com/TheusHen/duplex/duplex/transport/memory"
)

func tlsFactory(t *testing.T) duplex.EngineFactory {
	t.Helper()
	serverCert, err := tlsengine.SelfSigned("localhost")
	require.NoError(t, err)
	clientCert, err := tlsengine.SelfSigned("client")
	require.NoError(t, err)
	roots, err := tlsengine.CertPool(serverCert)
	require.NoError(t, err)
	clientRoots, err := tlsengine.CertPool(clientCert)
	require.NoError(t, err)
	return &tlsengine.Factory{
		Client: &tls.Config{Certificates: []tls.Certificate{clientCert}, RootCAs: roots},
		Server: &tls.Config{Certificates: []tls.Certificate{serverCert}, ClientCAs: clientRoots},
	}
}

func noiseFactory(t *testing.T) duplex.EngineFactory {
	t.Helper()
	return &noiseengine.Factory{}
}

var engines = []struct {
	name    string
	factory func(*testing.T) duplex.EngineFactory
}{
	{"tls", tlsFactory},
	{"noise", noiseFactory},
}

func TestLoopbackTransfer(t *testing.T) {
	for _, e := range engines {
		t.Run(e.name, func(t *testing.T) {
			client, server, _, _ := newPair(t, e.factory(t))

			data := make([]byte, 100000)
			_, err := rand.Read(data)
			require.NoError(t, err)

			got := transfer(t, client, server, data, 17, 4096)
			require.Equal(t, len(data), len(got))
			assert.Equal(t, data, got)

			require.NoError(t, client.Close())
			buf := make([]byte, 4096)
			for i := 0; ; i++ {
				require.Less(t, i, 1000, "no end of stream")
				n, err := server.Read(buf)
				assert.Zero(t, n)
				if errors.Is(err, io.EOF) {
					break
				}
				require.NoError(t, err)
			}
		})
	}
}

func TestBothDirections(t *testing.T) {
	for _, e := range engines {
		t.Run(e.name, func(t *testing.T) {
			client, server, _, _ := newPair(t, e.factory(t))
			handshake(t, client, server)

			ping := []byte("ping from the client")
			pong := []byte("pong from the server")
			assert.Equal(t, ping, transfer(t, client, server, ping, 7, 5))
			assert.Equal(t, pong, transfer(t, server, client, pong, 3, 64))
		})
	}
}

func TestOneByteHandshake(t *testing.T) {
	for _, e := range engines {
		t.Run(e.name, func(t *testing.T) {
			client, server, _, _ := newPair(t, e.factory(t), memory.WithMaxRead(1))
			handshake(t, client, server)
			msg := []byte("after a slow handshake")
			assert.Equal(t, msg, transfer(t, client, server, msg, 64, 64))
		})
	}
}

func TestTruncatedHandshakeFails(t *testing.T) {
	a, b := memory.Pipe()
	client, err := duplex.NewClient(a, tlsFactory(t), duplex.SessionConfig{ServerName: "localhost"}, testConfig())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Handshake(both)
	require.NoError(t, err)
	_, err = client.Handshake(both)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = client.Handshake(both)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, client.Finished())
}

func TestForgedPlaintextCloseRejected(t *testing.T) {
	cases := []struct {
		name    string
		factory func(*testing.T) duplex.EngineFactory
		alert   []byte
		want    error
	}{
		{"tls", tlsFactory, []byte{21, 0, 0, 2, 1, 0}, tlsengine.ErrUnexpectedRecord},
		{"noise", noiseFactory, []byte{21, 0, 0, 1, 0}, noiseengine.ErrUnexpectedRecord},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, server, a, _ := newPair(t, tc.factory(t))
			handshake(t, client, server)

			_, err := a.Write(tc.alert)
			require.NoError(t, err)

			n, err := server.Read(make([]byte, 64))
			assert.Zero(t, n)
			require.Error(t, err)
			assert.NotErrorIs(t, err, io.EOF)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCloseDuringConcurrentIO(t *testing.T) {
	for _, e := range engines {
		t.Run(e.name, func(t *testing.T) {
			client, server, a, _ := newPair(t, e.factory(t))
			handshake(t, client, server)

			var received atomic.Int64
			var readErr, writeErr error
			var wg sync.WaitGroup
			wg.Add(3)
			go func() {
				defer wg.Done()
				buf := make([]byte, 1024)
				for {
					n, err := client.Read(buf)
					received.Add(int64(n))
					if err != nil {
						readErr = err
						return
					}
				}
			}()
			go func() {
				defer wg.Done()
				chunk := make([]byte, 512)
				for {
					if _, err := client.Write(chunk); err != nil {
						writeErr = err
						return
					}
				}
			}()
			go func() {
				defer wg.Done()
				buf := make([]byte, 1024)
				chunk := []byte("from the server")
				for {
					if _, err := server.Write(chunk); err != nil {
						return
					}
					if _, err := server.Read(buf); err != nil {
						return
					}
				}
			}()

			require.Eventually(t, func() bool { return received.Load() > 0 }, 5*time.Second, time.Millisecond)
			require.NoError(t, client.Close())

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("goroutines still running after Close")
			}
			assert.Error(t, readErr)
			assert.Error(t, writeErr)
			assert.True(t, a.Closed())
		})
	}
}
