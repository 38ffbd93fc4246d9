package cmd

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/duplex/cmd/duplexcat/config"
	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/crypto"
	"github.com/TheusHen/duplex/duplex/transport/memory"
)

func quiet() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testConfig(engine string) *config.Config {
	c := config.Default()
	c.Engine = engine
	c.PollInterval = time.Millisecond
	c.MaxAttempts = 5000
	c.TLS.Insecure = true
	return c
}

func TestNoiseFactoryFromConfig(t *testing.T) {
	kp, err := crypto.GenerateX25519()
	require.NoError(t, err)
	peer, err := crypto.GenerateX25519()
	require.NoError(t, err)

	c := testConfig(config.EngineNoise)
	c.Noise.PrivateKey = hex.EncodeToString(kp.PrivateKey[:])
	c.Noise.KnownHosts = map[string]string{"example.net": hex.EncodeToString(peer.PublicKey[:])}
	c.Noise.Authorized = []string{hex.EncodeToString(peer.PublicKey[:])}

	f, err := noiseFactory(c, quiet())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, f.Static.PublicKey)
	assert.Equal(t, peer.PublicKey, f.KnownHosts["example.net"])
	assert.Len(t, f.Authorized, 1)

	c.Noise.Authorized = []string{"not hex"}
	_, err = noiseFactory(c, quiet())
	assert.ErrorIs(t, err, crypto.ErrInvalidPublicKey)
}

func TestTLSFactoryFromConfig(t *testing.T) {
	c := testConfig(config.EngineTLS)
	f, err := tlsFactory(c, quiet())
	require.NoError(t, err)
	assert.True(t, f.Client.InsecureSkipVerify)
	assert.Len(t, f.Server.Certificates, 1)
	assert.Nil(t, f.Server.ClientCAs)

	c.TLS.CA = filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(c.TLS.CA, []byte("nothing here"), 0o600))
	_, err = tlsFactory(c, quiet())
	assert.Error(t, err)
}

func TestPipeCarriesInputToPeer(t *testing.T) {
	for _, engine := range []string{config.EngineTLS, config.EngineNoise} {
		t.Run(engine, func(t *testing.T) {
			c := testConfig(engine)
			f, err := engineFactory(c, quiet())
			require.NoError(t, err)

			a, b := memory.Pipe()
			client, err := duplex.NewClient(a, f, c.Session(false), c.Channel(quiet()))
			require.NoError(t, err)
			server, err := duplex.NewServer(b, f, c.Session(true), c.Channel(quiet()))
			require.NoError(t, err)

			data := make([]byte, 64<<10)
			_, err = rand.Read(data)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			// The server never types anything.
			idle, hold := io.Pipe()
			defer hold.Close()

			var got bytes.Buffer
			done := make(chan error, 1)
			go func() { done <- pipe(ctx, server, idle, &got, c.PollInterval) }()

			require.NoError(t, pipe(ctx, client, bytes.NewReader(data), io.Discard, c.PollInterval))
			require.NoError(t, <-done)
			assert.Equal(t, data, got.Bytes())
		})
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := RootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--config", filepath.Join(t.TempDir(), "none.yaml")})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "duplexcat version "+version)
}

func TestUnknownEngineRejected(t *testing.T) {
	root := RootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"version", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--engine", "ssl3"})
	assert.Error(t, root.Execute())
	engineName = ""
}
