package tlsengine

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/duplex/duplex"
)

func newFactory(t *testing.T, withClientCert bool) *Factory {
	t.Helper()
	serverCert, err := SelfSigned("localhost")
	require.NoError(t, err)
	clientCert, err := SelfSigned("client")
	require.NoError(t, err)
	roots, err := CertPool(serverCert)
	require.NoError(t, err)
	clientRoots, err := CertPool(clientCert)
	require.NoError(t, err)

	client := &tls.Config{RootCAs: roots}
	if withClientCert {
		client.Certificates = []tls.Certificate{clientCert}
	}
	return &Factory{
		Client: client,
		Server: &tls.Config{Certificates: []tls.Certificate{serverCert}, ClientCAs: clientRoots},
	}
}

func newPair(t *testing.T, f *Factory, sess duplex.SessionConfig) (*Engine, *Engine) {
	t.Helper()
	c, err := f.ClientEngine(duplex.SessionConfig{ServerName: "localhost"})
	require.NoError(t, err)
	s, err := f.ServerEngine(sess)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.(*Engine).Close()
		_ = s.(*Engine).Close()
	})
	return c.(*Engine), s.(*Engine)
}

// transfer moves every pending handshake record from one engine to the other.
func transfer(from, to *Engine) error {
	buf := make([]byte, 4*from.PacketBufferSize())
	n := 0
	for from.HandshakeStatus() == duplex.NeedWrap {
		res, err := from.Wrap(nil, buf[n:])
		if err != nil {
			return err
		}
		if res.BytesProduced == 0 {
			break
		}
		n += res.BytesProduced
	}

	data := buf[:n]
	plain := make([]byte, to.ApplicationBufferSize())
	for len(data) > 0 {
		res, err := to.Unwrap(data, plain)
		if err != nil {
			return err
		}
		data = data[res.BytesConsumed:]
		for task := to.DelegatedTask(); task != nil; task = to.DelegatedTask() {
			if err := task(); err != nil {
				return err
			}
		}
	}
	return nil
}

func handshake(c, s *Engine) error {
	if err := c.BeginHandshake(); err != nil {
		return err
	}
	if err := s.BeginHandshake(); err != nil {
		return err
	}
	for i := 0; i < 8; i++ {
		if c.HandshakeStatus() == duplex.Finished && s.HandshakeStatus() == duplex.Finished {
			return nil
		}
		if err := transfer(c, s); err != nil {
			return err
		}
		if err := transfer(s, c); err != nil {
			return err
		}
	}
	return nil
}

func TestHandshakeAndData(t *testing.T) {
	c, s := newPair(t, newFactory(t, true), duplex.DefaultServerSession())
	assert.Equal(t, duplex.NotHandshaking, c.HandshakeStatus())

	require.NoError(t, handshake(c, s))
	assert.Equal(t, duplex.Finished, c.HandshakeStatus())
	assert.Equal(t, duplex.Finished, s.HandshakeStatus())

	state := s.ConnectionState()
	assert.Equal(t, uint16(tls.VersionTLS13), state.Version)
	assert.Equal(t, ALPN, state.NegotiatedProtocol)
	assert.Len(t, state.PeerCertificates, 1)

	buf := make([]byte, c.PacketBufferSize())
	res, err := c.Wrap([]byte("hello"), buf)
	require.NoError(t, err)
	assert.Equal(t, duplex.StatusOK, res.Status)
	assert.Equal(t, 5, res.BytesConsumed)

	plain := make([]byte, s.ApplicationBufferSize())
	res2, err := s.Unwrap(buf[:res.BytesProduced], plain)
	require.NoError(t, err)
	assert.Equal(t, res.BytesProduced, res2.BytesConsumed)
	assert.Equal(t, "hello", string(plain[:res2.BytesProduced]))
}

func TestBufferStatuses(t *testing.T) {
	c, s := newPair(t, newFactory(t, true), duplex.DefaultServerSession())
	require.NoError(t, handshake(c, s))

	res, err := c.Wrap([]byte("hello"), make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, duplex.StatusOverflow, res.Status)

	buf := make([]byte, c.PacketBufferSize())
	res, err = c.Wrap([]byte("hello world"), buf)
	require.NoError(t, err)
	rec := buf[:res.BytesProduced]

	res, err = s.Unwrap(rec[:len(rec)-1], make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, duplex.StatusUnderflow, res.Status)
	assert.Zero(t, res.BytesConsumed)

	res, err = s.Unwrap(rec, make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, duplex.StatusOverflow, res.Status)

	plain := make([]byte, 64)
	res, err = s.Unwrap(rec, plain)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(plain[:res.BytesProduced]))
}

func TestCloseNotify(t *testing.T) {
	c, s := newPair(t, newFactory(t, true), duplex.DefaultServerSession())
	require.NoError(t, handshake(c, s))

	c.CloseOutbound()
	buf := make([]byte, c.PacketBufferSize())
	res, err := c.Wrap(nil, buf)
	require.NoError(t, err)
	assert.Equal(t, duplex.StatusClosed, res.Status)
	assert.Positive(t, res.BytesProduced)
	assert.True(t, c.IsOutboundDone())

	again, err := c.Wrap([]byte("late"), buf)
	require.NoError(t, err)
	assert.Equal(t, duplex.StatusClosed, again.Status)
	assert.Zero(t, again.BytesConsumed)

	res2, err := s.Unwrap(buf[:res.BytesProduced], make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, duplex.StatusClosed, res2.Status)
	assert.Equal(t, res.BytesProduced, res2.BytesConsumed)
	assert.True(t, s.IsInboundDone())
}

func TestMissingClientCertificate(t *testing.T) {
	c, s := newPair(t, newFactory(t, false), duplex.DefaultServerSession())
	assert.Error(t, handshake(c, s))
}

func TestOptionalClientCertificate(t *testing.T) {
	c, s := newPair(t, newFactory(t, false), duplex.SessionConfig{ClientAuthWanted: true})
	require.NoError(t, handshake(c, s))
	assert.Empty(t, s.ConnectionState().PeerCertificates)
}

func TestClientAuthMapping(t *testing.T) {
	cases := []struct {
		sess   duplex.SessionConfig
		verify bool
		want   tls.ClientAuthType
	}{
		{duplex.SessionConfig{}, true, tls.NoClientCert},
		{duplex.SessionConfig{ClientAuthWanted: true}, false, tls.RequestClientCert},
		{duplex.SessionConfig{ClientAuthWanted: true}, true, tls.VerifyClientCertIfGiven},
		{duplex.DefaultServerSession(), false, tls.RequireAnyClientCert},
		{duplex.DefaultServerSession(), true, tls.RequireAndVerifyClientCert},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, clientAuth(tc.sess, tc.verify), "%+v verify=%v", tc.sess, tc.verify)
	}
}
