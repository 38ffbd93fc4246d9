package noiseengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/crypto"
)

func transfer(from, to *Engine) error {
	buf := make([]byte, from.PacketBufferSize())
	for from.HandshakeStatus() == duplex.NeedWrap {
		res, err := from.Wrap(nil, buf)
		if err != nil {
			return err
		}
		data := buf[:res.BytesProduced]
		for len(data) > 0 {
			r, err := to.Unwrap(data, make([]byte, to.ApplicationBufferSize()))
			if err != nil {
				return err
			}
			data = data[r.BytesConsumed:]
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
	for i := 0; i < 4; i++ {
		if err := transfer(c, s); err != nil {
			return err
		}
		if err := transfer(s, c); err != nil {
			return err
		}
	}
	return nil
}

func newPair(t *testing.T, f *Factory, sess duplex.SessionConfig) (*Engine, *Engine) {
	t.Helper()
	c, err := f.ClientEngine(duplex.SessionConfig{ServerName: "server"})
	require.NoError(t, err)
	s, err := f.ServerEngine(sess)
	require.NoError(t, err)
	return c.(*Engine), s.(*Engine)
}

func TestHandshakeRevealsStatics(t *testing.T) {
	c, err := New(true, Config{})
	require.NoError(t, err)
	s, err := New(false, Config{})
	require.NoError(t, err)

	assert.Equal(t, duplex.NotHandshaking, c.HandshakeStatus())
	require.NoError(t, handshake(c, s))
	assert.Equal(t, duplex.Finished, c.HandshakeStatus())
	assert.Equal(t, duplex.Finished, s.HandshakeStatus())

	peer, ok := c.PeerStatic()
	require.True(t, ok)
	assert.Equal(t, s.LocalStatic(), peer)
	peer, ok = s.PeerStatic()
	require.True(t, ok)
	assert.Equal(t, c.LocalStatic(), peer)

	buf := make([]byte, c.PacketBufferSize())
	res, err := c.Wrap([]byte("ping"), buf)
	require.NoError(t, err)
	plain := make([]byte, 16)
	res2, err := s.Unwrap(buf[:res.BytesProduced], plain)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(plain[:res2.BytesProduced]))
}

func TestPinnedServerKey(t *testing.T) {
	server, err := crypto.GenerateX25519()
	require.NoError(t, err)
	other, err := crypto.GenerateX25519()
	require.NoError(t, err)

	ok := &Factory{Static: server, KnownHosts: map[string][32]byte{"server": server.PublicKey}}
	c, s := newPair(t, ok, duplex.SessionConfig{})
	require.NoError(t, handshake(c, s))

	wrong := &Factory{Static: server, KnownHosts: map[string][32]byte{"server": other.PublicKey}}
	c, s = newPair(t, wrong, duplex.SessionConfig{})
	assert.ErrorIs(t, handshake(c, s), ErrPeerRejected)
}

func TestAuthorizedClients(t *testing.T) {
	f := &Factory{Authorized: [][32]byte{{1}}}
	c, s := newPair(t, f, duplex.DefaultServerSession())
	assert.ErrorIs(t, handshake(c, s), ErrPeerRejected)

	c, s = newPair(t, f, duplex.SessionConfig{ClientAuthWanted: true})
	assert.NoError(t, handshake(c, s))
}

func TestCloseAlert(t *testing.T) {
	c, s := newPair(t, &Factory{}, duplex.SessionConfig{})
	require.NoError(t, handshake(c, s))

	c.CloseOutbound()
	buf := make([]byte, c.PacketBufferSize())
	res, err := c.Wrap(nil, buf)
	require.NoError(t, err)
	assert.Equal(t, duplex.StatusClosed, res.Status)
	assert.True(t, c.IsOutboundDone())

	res2, err := s.Unwrap(buf[:res.BytesProduced], make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, duplex.StatusClosed, res2.Status)
	assert.True(t, s.IsInboundDone())
}

func TestTamperedRecordFails(t *testing.T) {
	c, s := newPair(t, &Factory{}, duplex.SessionConfig{})
	require.NoError(t, handshake(c, s))

	buf := make([]byte, c.PacketBufferSize())
	res, err := c.Wrap([]byte("ping"), buf)
	require.NoError(t, err)
	buf[res.BytesProduced-1] ^= 0xff
	_, err = s.Unwrap(buf[:res.BytesProduced], make([]byte, 16))
	assert.Error(t, err)

	_, err = s.Unwrap(nil, nil)
	assert.Error(t, err, "engine stays failed")
}
